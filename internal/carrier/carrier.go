// Package carrier adapts provider-specific telephony APIs behind one
// interface: place an outbound call, direct the provider to open a media
// WebSocket, hang up, verify webhook signatures, and normalize control events.
package carrier

import (
	"context"
	"net/http"
)

// EventKind is the normalized class of a carrier control event.
type EventKind string

const (
	EventAnswered       EventKind = "call-answered"
	EventHungUp         EventKind = "call-hungup"
	EventStreamingReady EventKind = "streaming-ready"
	EventMachineResult  EventKind = "answering-machine-result"
	EventIrrelevant     EventKind = "irrelevant"
)

// Event is a carrier control event reduced to what the session engine needs.
type Event struct {
	Kind   EventKind
	Handle string // the carrier's opaque call handle
	Detail string // kind-specific detail (hangup cause, machine verdict)
}

// PlaceCallRequest describes an outbound call to be placed.
type PlaceCallRequest struct {
	To            string
	From          string
	WebhookURL    string
	DetectMachine bool
}

// Carrier is the provider-specific surface. Implementations are stateless:
// all per-call state lives in the session engine.
type Carrier interface {
	Name() string

	// PlaceCall asks the carrier to dial out and returns its opaque handle.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error)

	// Hangup terminates the call. Best-effort: callers log failures after a
	// call has already ended rather than propagate them.
	Hangup(ctx context.Context, handle string) error

	// StreamingXML returns the document the carrier fetches to learn where to
	// open the media WebSocket. Providers that start streaming through a
	// control action instead return the empty string.
	StreamingXML(websocketURL string) string

	// StartStream instructs the carrier to begin media streaming to the given
	// WebSocket URL. A no-op for providers that take the URL from StreamingXML.
	StartStream(ctx context.Context, handle, websocketURL string) error

	// StopStream instructs the carrier to stop media streaming.
	StopStream(ctx context.Context, handle string) error

	// VerifySignature checks the webhook signature over the raw body.
	// Missing or malformed signatures report false, never an error.
	VerifySignature(requestURL string, body []byte, header http.Header) bool

	// ParseEvent normalizes a raw webhook body into an Event. Bodies that do
	// not parse report an error; parseable bodies of no interest report
	// EventIrrelevant.
	ParseEvent(body []byte) (Event, error)
}

// Mock is a test double for Carrier.
type Mock struct {
	NameValue    string
	PlaceHandle  string
	PlaceErr     error
	HangupErr    error
	StartErr     error
	StopErr      error
	VerifyResult bool
	ParsedEvent  Event
	ParseErr     error

	PlaceCalls  []PlaceCallRequest
	HangupCalls []string
	StartCalls  []string
	StopCalls   []string
}

func NewMock() *Mock {
	return &Mock{NameValue: "mock", PlaceHandle: "mock-handle", VerifyResult: true}
}

func (m *Mock) Name() string { return m.NameValue }

func (m *Mock) PlaceCall(_ context.Context, req PlaceCallRequest) (string, error) {
	m.PlaceCalls = append(m.PlaceCalls, req)
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	return m.PlaceHandle, nil
}

func (m *Mock) Hangup(_ context.Context, handle string) error {
	m.HangupCalls = append(m.HangupCalls, handle)
	return m.HangupErr
}

func (m *Mock) StreamingXML(websocketURL string) string {
	return `<Response><Connect><Stream url="` + websocketURL + `" /></Connect></Response>`
}

func (m *Mock) StartStream(_ context.Context, handle, _ string) error {
	m.StartCalls = append(m.StartCalls, handle)
	return m.StartErr
}

func (m *Mock) StopStream(_ context.Context, handle string) error {
	m.StopCalls = append(m.StopCalls, handle)
	return m.StopErr
}

func (m *Mock) VerifySignature(_ string, _ []byte, _ http.Header) bool {
	return m.VerifyResult
}

func (m *Mock) ParseEvent(_ []byte) (Event, error) {
	return m.ParsedEvent, m.ParseErr
}
