package carrier

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"call-me/internal/domain"
)

// TwilioConfig holds Twilio account credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

// Twilio implements Carrier against the Twilio REST API. Control webhooks are
// form-urlencoded and signed with HMAC-SHA1; the media stream is opened by the
// TwiML returned from the control webhook, so StartStream is a no-op.
type Twilio struct {
	config TwilioConfig
	client *http.Client
	logger *slog.Logger
}

func NewTwilio(cfg TwilioConfig, logger *slog.Logger) *Twilio {
	return &Twilio{
		config: cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (t *Twilio) Name() string { return "twilio" }

// PlaceCall dials out via the Twilio REST API. The webhook URL is handed to
// Twilio both as the TwiML fetch target and as the status callback, so call
// progress events arrive at the same endpoint as the stream instructions.
func (t *Twilio) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	apiURL := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Calls.json", t.config.AccountSID)

	form := url.Values{
		"To":                   {req.To},
		"From":                 {req.From},
		"Url":                  {req.WebhookURL},
		"Method":               {"POST"},
		"StatusCallback":       {req.WebhookURL},
		"StatusCallbackEvent":  {"initiated ringing answered completed"},
		"StatusCallbackMethod": {"POST"},
	}
	if req.DetectMachine {
		form.Set("MachineDetection", "Enable")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(t.config.AccountSID, t.config.AuthToken)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("twilio api call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: twilio place call (HTTP %d): %s", domain.ErrProviderError, resp.StatusCode, string(body))
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse twilio response: %w", err)
	}
	if result.SID == "" {
		return "", fmt.Errorf("%w: twilio response missing call sid", domain.ErrProviderError)
	}
	return result.SID, nil
}

// Hangup ends the call by setting its status to completed.
func (t *Twilio) Hangup(ctx context.Context, handle string) error {
	apiURL := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Calls/%s.json",
		t.config.AccountSID, handle)

	form := url.Values{"Status": {"completed"}}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(t.config.AccountSID, t.config.AuthToken)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("twilio hangup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: twilio hangup (HTTP %d): %s", domain.ErrProviderError, resp.StatusCode, string(body))
	}
	return nil
}

// StreamingXML returns the TwiML that directs Twilio to open the media
// WebSocket. Twilio fetches this from the control webhook after the call is
// answered.
func (t *Twilio) StreamingXML(websocketURL string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="%s" /></Connect></Response>`,
		xmlEscape(websocketURL),
	)
}

// StartStream is a no-op: the TwiML response carries the stream instruction.
func (t *Twilio) StartStream(_ context.Context, _, _ string) error { return nil }

// StopStream is a no-op: closing the WebSocket or hanging up stops the stream.
func (t *Twilio) StopStream(_ context.Context, _ string) error { return nil }

// VerifySignature checks the X-Twilio-Signature header: HMAC-SHA1 over the
// full request URL concatenated with the sorted form parameters, base-64
// encoded.
func (t *Twilio) VerifySignature(requestURL string, body []byte, header http.Header) bool {
	sig := header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	expected := computeTwilioSignature(t.config.AuthToken, requestURL, body)
	return hmac.Equal(sigBytes, expected)
}

// ParseEvent normalizes a Twilio status callback. Twilio posts form-encoded
// bodies with CallSid and CallStatus; answering-machine results arrive in the
// AnsweredBy parameter.
func (t *Twilio) ParseEvent(body []byte) (Event, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Event{}, fmt.Errorf("%w: twilio webhook body: %v", domain.ErrProtocol, err)
	}

	handle := values.Get("CallSid")
	if handle == "" {
		return Event{}, fmt.Errorf("%w: twilio webhook missing CallSid", domain.ErrProtocol)
	}

	if answeredBy := values.Get("AnsweredBy"); answeredBy != "" {
		return Event{Kind: EventMachineResult, Handle: handle, Detail: answeredBy}, nil
	}

	status := values.Get("CallStatus")
	switch status {
	case "in-progress", "answered":
		return Event{Kind: EventAnswered, Handle: handle}, nil
	case "completed", "busy", "no-answer", "failed", "canceled":
		return Event{Kind: EventHungUp, Handle: handle, Detail: status}, nil
	default:
		return Event{Kind: EventIrrelevant, Handle: handle, Detail: status}, nil
	}
}

// computeTwilioSignature builds the signing string (URL followed by the form
// parameters sorted by key, each as key then value) and MACs it with the auth
// token.
func computeTwilioSignature(authToken, requestURL string, body []byte) []byte {
	values, _ := url.ParseQuery(string(body))

	data := requestURL
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range values[k] {
			data += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
