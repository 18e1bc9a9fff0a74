package carrier

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-me/internal/domain"
)

func newTestTwilio() *Twilio {
	return NewTwilio(TwilioConfig{
		AccountSID: "AC00000000000000000000000000000000",
		AuthToken:  "secret-token",
	}, slog.Default())
}

func signTwilio(tw *Twilio, requestURL string, body []byte) string {
	return base64.StdEncoding.EncodeToString(
		computeTwilioSignature(tw.config.AuthToken, requestURL, body))
}

func TestTwilioVerifySignature_Valid(t *testing.T) {
	tw := newTestTwilio()
	reqURL := "https://example.com/twiml"
	body := []byte(url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"in-progress"},
	}.Encode())

	h := http.Header{}
	h.Set("X-Twilio-Signature", signTwilio(tw, reqURL, body))
	assert.True(t, tw.VerifySignature(reqURL, body, h))
}

func TestTwilioVerifySignature_Missing(t *testing.T) {
	tw := newTestTwilio()
	assert.False(t, tw.VerifySignature("https://example.com/twiml", []byte("CallSid=CA123"), http.Header{}))
}

func TestTwilioVerifySignature_MalformedBase64(t *testing.T) {
	tw := newTestTwilio()
	h := http.Header{}
	h.Set("X-Twilio-Signature", "not-base64!!!")
	assert.False(t, tw.VerifySignature("https://example.com/twiml", []byte("CallSid=CA123"), h))
}

func TestTwilioVerifySignature_WrongToken(t *testing.T) {
	tw := newTestTwilio()
	other := NewTwilio(TwilioConfig{AccountSID: tw.config.AccountSID, AuthToken: "other-token"}, slog.Default())
	reqURL := "https://example.com/twiml"
	body := []byte("CallSid=CA123")

	h := http.Header{}
	h.Set("X-Twilio-Signature", signTwilio(other, reqURL, body))
	assert.False(t, tw.VerifySignature(reqURL, body, h))
}

func TestTwilioVerifySignature_TamperedBody(t *testing.T) {
	tw := newTestTwilio()
	reqURL := "https://example.com/twiml"

	h := http.Header{}
	h.Set("X-Twilio-Signature", signTwilio(tw, reqURL, []byte("CallSid=CA123")))
	assert.False(t, tw.VerifySignature(reqURL, []byte("CallSid=CA999"), h))
}

func TestTwilioParseEvent_StatusMapping(t *testing.T) {
	tw := newTestTwilio()
	tests := []struct {
		status string
		want   EventKind
	}{
		{"in-progress", EventAnswered},
		{"answered", EventAnswered},
		{"completed", EventHungUp},
		{"busy", EventHungUp},
		{"no-answer", EventHungUp},
		{"failed", EventHungUp},
		{"canceled", EventHungUp},
		{"ringing", EventIrrelevant},
		{"queued", EventIrrelevant},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			body := url.Values{"CallSid": {"CA123"}, "CallStatus": {tt.status}}.Encode()
			ev, err := tw.ParseEvent([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, "CA123", ev.Handle)
		})
	}
}

func TestTwilioParseEvent_MachineDetection(t *testing.T) {
	tw := newTestTwilio()
	body := url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"in-progress"},
		"AnsweredBy": {"machine_start"},
	}.Encode()

	ev, err := tw.ParseEvent([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, EventMachineResult, ev.Kind)
	assert.Equal(t, "machine_start", ev.Detail)
}

func TestTwilioParseEvent_MissingCallSid(t *testing.T) {
	tw := newTestTwilio()
	_, err := tw.ParseEvent([]byte("CallStatus=completed"))
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestTwilioStreamingXML(t *testing.T) {
	tw := newTestTwilio()
	xml := tw.StreamingXML("wss://example.com/media-stream?token=abc&x=1")
	assert.Contains(t, xml, "<Connect><Stream url=")
	assert.Contains(t, xml, "token=abc&amp;x=1")
	assert.NotContains(t, xml, "token=abc&x=1")
}

func TestTwilioStartStopStream_NoOps(t *testing.T) {
	tw := newTestTwilio()
	assert.NoError(t, tw.StartStream(context.Background(), "CA123", "wss://example.com"))
	assert.NoError(t, tw.StopStream(context.Background(), "CA123"))
}
