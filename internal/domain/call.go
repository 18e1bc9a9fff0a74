package domain

import (
	"context"
	"time"
)

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerAssistant Speaker = "assistant"
	SpeakerUser      Speaker = "user"
)

// Turn is a single utterance in a call's conversation history.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallState is the lifecycle state of a call session.
type CallState string

const (
	CallStatePlacing   CallState = "placing"
	CallStateRinging   CallState = "ringing"
	CallStateStreaming CallState = "streaming"
	CallStateTalking   CallState = "talking"
	CallStateEnded     CallState = "ended"
	CallStateFailed    CallState = "failed"
)

// IsTerminal reports whether the state is absorbing.
func (s CallState) IsTerminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

// InitiateResult is returned by a successful call initiation.
type InitiateResult struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
}

// ContinueResult is returned by a conversation turn.
type ContinueResult struct {
	Transcript string `json:"transcript"`
}

// EndResult is returned when a call is ended.
type EndResult struct {
	Duration time.Duration `json:"duration"`
}

// CallStatus is a snapshot of a live session for the get_status tool.
type CallStatus struct {
	SessionID string    `json:"session_id"`
	State     CallState `json:"state"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	StartedAt time.Time `json:"started_at"`
	Turns     int       `json:"turns"`
}

// CommandListener is implemented by engines that can watch for operator
// commands while no session is active. The chat engine supports it; the voice
// engine has no idle channel to listen on.
type CommandListener interface {
	// ListenForCommands consumes inbound operator messages, handling commands
	// as they arrive, until ctx is cancelled or the listen bound elapses.
	ListenForCommands(ctx context.Context) error
}

// CallEngine is the surface the tool dispatcher drives. The voice engine and
// the text-chat engine both implement it.
type CallEngine interface {
	// Initiate starts a new session and speaks (or sends) the opening message,
	// then waits for the operator's first reply.
	Initiate(ctx context.Context, message string) (*InitiateResult, error)
	// Continue speaks message into the session and waits for the reply.
	Continue(ctx context.Context, sessionID, message string) (*ContinueResult, error)
	// Speak delivers message without waiting for a reply.
	Speak(ctx context.Context, sessionID, message string) error
	// End speaks a final message, terminates the session, and reports duration.
	End(ctx context.Context, sessionID, message string) (*EndResult, error)
	// Status returns a snapshot of a live session.
	Status(sessionID string) (*CallStatus, error)
}
