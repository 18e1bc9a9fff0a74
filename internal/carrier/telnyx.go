package carrier

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"call-me/internal/domain"
)

const telnyxAPIBase = "https://api.telnyx.com/v2"

// telnyxTimestampWindow bounds how stale (or future-dated) a signed webhook
// may be before it is rejected outright.
const telnyxTimestampWindow = 5 * time.Minute

// TelnyxConfig holds Telnyx Call Control credentials. ConnectionID identifies
// the Call Control application; PublicKey is the base-64 Ed25519 key Telnyx
// publishes for webhook verification.
type TelnyxConfig struct {
	ConnectionID string
	APIKey       string
	PublicKey    string
}

// Telnyx implements Carrier against the Telnyx Call Control API. Control
// webhooks are JSON and Ed25519-signed; media streaming begins through an
// explicit streaming_start action rather than a document response, so
// StreamingXML returns the empty string.
type Telnyx struct {
	config TelnyxConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewTelnyx(cfg TelnyxConfig, logger *slog.Logger) *Telnyx {
	return &Telnyx{
		config: cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

func (t *Telnyx) Name() string { return "telnyx" }

// PlaceCall dials out via the Telnyx Call Control API and returns the
// call_control_id used for all subsequent actions.
func (t *Telnyx) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	payload := map[string]any{
		"connection_id": t.config.ConnectionID,
		"to":            req.To,
		"from":          req.From,
		"webhook_url":   req.WebhookURL,
	}
	if req.DetectMachine {
		payload["answering_machine_detection"] = "detect"
	}

	body, err := t.post(ctx, telnyxAPIBase+"/calls", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse telnyx response: %w", err)
	}
	if result.Data.CallControlID == "" {
		return "", fmt.Errorf("%w: telnyx response missing call_control_id", domain.ErrProviderError)
	}
	return result.Data.CallControlID, nil
}

func (t *Telnyx) Hangup(ctx context.Context, handle string) error {
	return t.action(ctx, handle, "hangup", map[string]any{})
}

// StreamingXML returns empty: Telnyx takes the stream URL from the
// streaming_start action, not from the webhook response body.
func (t *Telnyx) StreamingXML(_ string) string { return "" }

// StartStream instructs Telnyx to open the media WebSocket for the inbound
// track. Invoked once the call.answered event is parsed.
func (t *Telnyx) StartStream(ctx context.Context, handle, websocketURL string) error {
	return t.action(ctx, handle, "streaming_start", map[string]any{
		"stream_url":   websocketURL,
		"stream_track": "inbound_track",
	})
}

func (t *Telnyx) StopStream(ctx context.Context, handle string) error {
	return t.action(ctx, handle, "streaming_stop", map[string]any{})
}

// VerifySignature checks the telnyx-signature-ed25519 header: Ed25519 over
// "timestamp|body". Timestamps outside the freshness window fail verification
// even with a valid signature.
func (t *Telnyx) VerifySignature(_ string, body []byte, header http.Header) bool {
	sigB64 := header.Get("telnyx-signature-ed25519")
	tsStr := header.Get("telnyx-timestamp")
	if sigB64 == "" || tsStr == "" {
		return false
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return false
	}
	age := t.now().Sub(time.Unix(ts, 0))
	if age > telnyxTimestampWindow || age < -telnyxTimestampWindow {
		return false
	}

	pubKey, err := base64.StdEncoding.DecodeString(t.config.PublicKey)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}

	signed := make([]byte, 0, len(tsStr)+1+len(body))
	signed = append(signed, tsStr...)
	signed = append(signed, '|')
	signed = append(signed, body...)
	return ed25519.Verify(ed25519.PublicKey(pubKey), signed, sig)
}

// ParseEvent normalizes a Telnyx Call Control webhook envelope.
func (t *Telnyx) ParseEvent(body []byte) (Event, error) {
	var event struct {
		Data struct {
			EventType string `json:"event_type"`
			Payload   struct {
				CallControlID string `json:"call_control_id"`
				HangupCause   string `json:"hangup_cause"`
				Result        string `json:"result"`
			} `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("%w: telnyx webhook body: %v", domain.ErrProtocol, err)
	}

	handle := event.Data.Payload.CallControlID
	if handle == "" {
		return Event{}, fmt.Errorf("%w: telnyx webhook missing call_control_id", domain.ErrProtocol)
	}

	switch event.Data.EventType {
	case "call.answered":
		return Event{Kind: EventAnswered, Handle: handle}, nil
	case "call.hangup":
		return Event{Kind: EventHungUp, Handle: handle, Detail: event.Data.Payload.HangupCause}, nil
	case "streaming.started":
		return Event{Kind: EventStreamingReady, Handle: handle}, nil
	case "call.machine.detection.ended":
		return Event{Kind: EventMachineResult, Handle: handle, Detail: event.Data.Payload.Result}, nil
	default:
		return Event{Kind: EventIrrelevant, Handle: handle, Detail: event.Data.EventType}, nil
	}
}

// action performs a call control action: POST /calls/{handle}/actions/{name}.
func (t *Telnyx) action(ctx context.Context, handle, name string, params map[string]any) error {
	url := fmt.Sprintf("%s/calls/%s/actions/%s", telnyxAPIBase, handle, name)
	_, err := t.post(ctx, url, params)
	return err
}

func (t *Telnyx) post(ctx context.Context, url string, payload map[string]any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("telnyx api call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: telnyx api (HTTP %d): %s", domain.ErrProviderError, resp.StatusCode, string(body))
	}
	return body, nil
}
