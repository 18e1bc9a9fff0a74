// Package session implements the per-call state machine: the live-session
// registry, the engine coordinating carrier, speech, and media-stream
// collaborators, and the bookkeeping around call lifecycle.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"call-me/internal/domain"
	"call-me/internal/speech"
)

// MediaConn is the session's handle on its outbound media WebSocket. The
// media-stream endpoint implements it; SendMedia serializes one mu-law frame
// as the carrier's JSON media message.
type MediaConn interface {
	SendMedia(ctx context.Context, mulaw []byte, streamSid string) error
	Open() bool
	Close() error
}

// Session is the per-call record. Identity and immutable fields are set at
// creation; connection state is guarded by mu and mutated by the webhook and
// media-stream handlers as the carrier progresses.
type Session struct {
	ID        string
	Token     string
	To        string
	From      string
	StartedAt time.Time

	mu        sync.Mutex
	handle    string // carrier call handle, set after PlaceCall returns
	streamSid string // media-stream sub-identifier from the start event
	state     domain.CallState
	ready     bool // streaming-ready latch
	hungUp    bool
	machine   string // answering-machine detection verdict, if any
	history   []domain.Turn
	logged    bool

	stt   speech.Session
	media MediaConn
}

// NewSession creates a session in the placing state with a fresh identifier
// and media-stream token.
func NewSession(to, from string) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        ulid.Make().String(),
		Token:     token,
		To:        to,
		From:      from,
		StartedAt: time.Now(),
		state:     domain.CallStatePlacing,
	}, nil
}

// newToken returns 32 random bytes, URL-safe base-64 encoded. The token rides
// in the media-stream URL query string, so it must be URL-safe.
func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (s *Session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) SetHandle(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = handle
	if s.state == domain.CallStatePlacing {
		s.state = domain.CallStateRinging
	}
}

func (s *Session) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

func (s *Session) SetStreamSid(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSid = sid
}

func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(st domain.CallState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsTerminal() {
		s.state = st
	}
}

// MarkReady fires the streaming-ready latch. Carriers signal readiness either
// through the WebSocket start event or a control webhook; whichever fires
// first wins and the latch never clears.
func (s *Session) MarkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	if s.state == domain.CallStateRinging || s.state == domain.CallStatePlacing {
		s.state = domain.CallStateStreaming
	}
}

func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) MarkHungUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hungUp = true
}

func (s *Session) HungUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungUp
}

func (s *Session) SetMachineResult(verdict string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine = verdict
}

func (s *Session) MachineResult() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}

func (s *Session) AppendTurn(speaker domain.Speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, domain.Turn{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	})
}

func (s *Session) History() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Turn, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) SetSTT(stt speech.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stt = stt
}

func (s *Session) STT() speech.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stt
}

// AttachMedia binds the inbound media WebSocket to this session. Called by
// the media-stream endpoint after token authentication.
func (s *Session) AttachMedia(conn MediaConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = conn
}

func (s *Session) Media() MediaConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// MarkLogged returns true exactly once, the first time it is called. Cleanup
// runs on every error path and must not duplicate call-log records.
func (s *Session) MarkLogged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logged {
		return false
	}
	s.logged = true
	return true
}

// Connected reports whether the media WebSocket is open and the
// streaming-ready latch has fired.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.media != nil && s.media.Open()
}

// Status snapshots the session for the status tool.
func (s *Session) Status() *domain.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.CallStatus{
		SessionID: s.ID,
		State:     s.state,
		To:        s.To,
		From:      s.From,
		StartedAt: s.StartedAt,
		Turns:     len(s.history),
	}
}
