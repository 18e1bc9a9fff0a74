package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-me/internal/domain"
)

type mockEngine struct {
	initiateRes *domain.InitiateResult
	continueRes *domain.ContinueResult
	endRes      *domain.EndResult
	status      *domain.CallStatus
	err         error

	lastSessionID string
	lastMessage   string
}

func (m *mockEngine) Initiate(_ context.Context, message string) (*domain.InitiateResult, error) {
	m.lastMessage = message
	return m.initiateRes, m.err
}

func (m *mockEngine) Continue(_ context.Context, sessionID, message string) (*domain.ContinueResult, error) {
	m.lastSessionID, m.lastMessage = sessionID, message
	return m.continueRes, m.err
}

func (m *mockEngine) Speak(_ context.Context, sessionID, message string) error {
	m.lastSessionID, m.lastMessage = sessionID, message
	return m.err
}

func (m *mockEngine) End(_ context.Context, sessionID, message string) (*domain.EndResult, error) {
	m.lastSessionID, m.lastMessage = sessionID, message
	return m.endRes, m.err
}

func (m *mockEngine) Status(sessionID string) (*domain.CallStatus, error) {
	if m.status == nil {
		return nil, domain.ErrNoSuchSession
	}
	return m.status, nil
}

func execute(t *testing.T, ct *CallTool, params string) *domain.ToolResult {
	t.Helper()
	res, err := ct.Execute(context.Background(), json.RawMessage(params))
	require.NoError(t, err)
	return res
}

func TestCallTool_Initiate(t *testing.T) {
	eng := &mockEngine{initiateRes: &domain.InitiateResult{SessionID: "s1", Transcript: "hello?"}}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"initiate_call","message":"Hi, quick question"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, `"session_id": "s1"`)
	assert.Contains(t, res.Content, `"transcript": "hello?"`)
	assert.Equal(t, "Hi, quick question", eng.lastMessage)
}

func TestCallTool_InitiateRequiresMessage(t *testing.T) {
	ct := NewCallTool(&mockEngine{}, CallToolConfig{}, slog.Default())
	res := execute(t, ct, `{"action":"initiate_call"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "'message' is required")
}

func TestCallTool_MessageTooLong(t *testing.T) {
	ct := NewCallTool(&mockEngine{}, CallToolConfig{MaxMessageLen: 10}, slog.Default())
	res := execute(t, ct, `{"action":"speak_to_user","session_id":"s1","message":"`+strings.Repeat("a", 11)+`"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "maximum length of 10")
}

func TestCallTool_ContinueRequiresSessionID(t *testing.T) {
	ct := NewCallTool(&mockEngine{}, CallToolConfig{}, slog.Default())
	res := execute(t, ct, `{"action":"continue_call","message":"more"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "'session_id' is required")
}

func TestCallTool_Continue(t *testing.T) {
	eng := &mockEngine{continueRes: &domain.ContinueResult{Transcript: "sure thing"}}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"continue_call","session_id":"s1","message":"next"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "sure thing")
	assert.Equal(t, "s1", eng.lastSessionID)
}

func TestCallTool_Speak(t *testing.T) {
	eng := &mockEngine{}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"speak_to_user","session_id":"s1","message":"one moment"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, `"status": "spoken"`)
}

func TestCallTool_EndReportsDuration(t *testing.T) {
	eng := &mockEngine{endRes: &domain.EndResult{Duration: 95 * time.Second}}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"end_call","session_id":"s1","message":"bye"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, `"duration_seconds": 95`)
	assert.Equal(t, "bye", eng.lastMessage)
}

func TestCallTool_EndAllowsEmptyGoodbye(t *testing.T) {
	eng := &mockEngine{endRes: &domain.EndResult{}}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"end_call","session_id":"s1"}`)
	assert.False(t, res.IsError, res.Content)
}

func TestCallTool_Status(t *testing.T) {
	eng := &mockEngine{status: &domain.CallStatus{SessionID: "s1", State: domain.CallStateTalking, Turns: 4}}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"get_status","session_id":"s1"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, `"state": "talking"`)
	assert.Contains(t, res.Content, `"turns": 4`)
}

// listenerEngine adds command listening on top of mockEngine, the way the
// chat engine does.
type listenerEngine struct {
	mockEngine
	listened  bool
	listenErr error
}

func (l *listenerEngine) ListenForCommands(_ context.Context) error {
	l.listened = true
	return l.listenErr
}

func TestCallTool_ListenForCommands(t *testing.T) {
	eng := &listenerEngine{}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"listen_for_commands"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, `"status": "done"`)
	assert.True(t, eng.listened)
}

func TestCallTool_ListenForCommandsVoiceModeRejected(t *testing.T) {
	ct := NewCallTool(&mockEngine{}, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"listen_for_commands"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "only available in chat mode")
	assert.Contains(t, res.Content, string(domain.CodeInvalidInput))
}

func TestCallTool_UnknownAction(t *testing.T) {
	ct := NewCallTool(&mockEngine{}, CallToolConfig{}, slog.Default())
	res := execute(t, ct, `{"action":"dial_everyone"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, `unknown action "dial_everyone"`)
	assert.Contains(t, res.Content, "initiate_call")
}

func TestCallTool_MalformedParams(t *testing.T) {
	ct := NewCallTool(&mockEngine{}, CallToolConfig{}, slog.Default())
	res := execute(t, ct, `{broken`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "invalid params")
}

func TestCallTool_EngineErrorIsStructured(t *testing.T) {
	eng := &mockEngine{
		err:    domain.WrapOp("Engine.Continue", domain.ErrCallHungUp),
		status: &domain.CallStatus{SessionID: "s1", State: domain.CallStateEnded},
	}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"continue_call","session_id":"s1","message":"still there?"}`)
	require.True(t, res.IsError)
	assert.False(t, res.IsRetryable)

	var payload struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		SessionID string `json:"session_id"`
		State     string `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content), &payload))
	assert.Equal(t, "CALL_HUNG_UP", payload.Code)
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, "ended", payload.State)
}

func TestCallTool_TimeoutIsRetryable(t *testing.T) {
	eng := &mockEngine{err: domain.WrapOp("Engine.Continue", domain.ErrTranscriptTimeout)}
	ct := NewCallTool(eng, CallToolConfig{}, slog.Default())

	res := execute(t, ct, `{"action":"continue_call","session_id":"s1","message":"hello?"}`)
	require.True(t, res.IsError)
	assert.True(t, res.IsRetryable)
	assert.Contains(t, res.Content, "TRANSCRIPT_TIMEOUT")
}

func TestCallTool_Schema(t *testing.T) {
	ct := NewCallTool(&mockEngine{}, CallToolConfig{}, slog.Default())
	schema := ct.Schema()
	assert.Equal(t, "call", schema.Name)
	assert.True(t, json.Valid(schema.Parameters))
	assert.Contains(t, string(schema.Parameters), "end_call")
}
