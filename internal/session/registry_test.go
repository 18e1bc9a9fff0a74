package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-me/internal/domain"
)

func mustSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	return s
}

func TestRegistry_AddAndLookup(t *testing.T) {
	r := NewRegistry()
	s := mustSession(t)
	r.Add(s)

	got, err := r.ByID(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	byToken, ok := r.ByToken(s.Token)
	require.True(t, ok)
	assert.Same(t, s, byToken)

	assert.Equal(t, 1, r.Count())
}

func TestRegistry_HandleIndexFollowsLiveness(t *testing.T) {
	r := NewRegistry()
	s := mustSession(t)
	r.Add(s)
	s.SetHandle("CA1")
	r.IndexHandle(s, "CA1")

	byHandle, ok := r.ByHandle("CA1")
	require.True(t, ok)
	assert.Same(t, s, byHandle)

	r.Remove(s)
	_, ok = r.ByHandle("CA1")
	assert.False(t, ok, "handle index must not outlive the live map")
	_, ok = r.ByToken(s.Token)
	assert.False(t, ok, "token index must not outlive the live map")
}

func TestRegistry_IndexHandleAfterRemoveIsNoOp(t *testing.T) {
	r := NewRegistry()
	s := mustSession(t)
	r.Add(s)
	r.Remove(s)

	s.SetHandle("CA2")
	r.IndexHandle(s, "CA2")
	_, ok := r.ByHandle("CA2")
	assert.False(t, ok)
}

func TestRegistry_UnknownID(t *testing.T) {
	r := NewRegistry()
	_, err := r.ByID("nope")
	assert.ErrorIs(t, err, domain.ErrNoSuchSession)
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	s := mustSession(t)
	r.Add(s)
	r.Remove(s)
	r.Remove(s)
	assert.Zero(t, r.Count())
}

func TestRegistry_DistinctTokens(t *testing.T) {
	a := mustSession(t)
	b := mustSession(t)
	assert.NotEqual(t, a.Token, b.Token)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSession_ReadyLatchNeverClears(t *testing.T) {
	s := mustSession(t)
	assert.False(t, s.Ready())
	s.MarkReady()
	s.MarkReady()
	assert.True(t, s.Ready())
	assert.Equal(t, domain.CallStateStreaming, s.State())
}

func TestSession_TerminalStateIsAbsorbing(t *testing.T) {
	s := mustSession(t)
	s.SetState(domain.CallStateEnded)
	s.SetState(domain.CallStateTalking)
	assert.Equal(t, domain.CallStateEnded, s.State())
}

func TestSession_MarkLoggedOnce(t *testing.T) {
	s := mustSession(t)
	assert.True(t, s.MarkLogged())
	assert.False(t, s.MarkLogged())
}
