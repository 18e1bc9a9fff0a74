package speech

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-me/internal/domain"
)

func newBareSession() *openAISession {
	return &openAISession{
		outgoing:    make(chan []byte, 4),
		transcripts: make(chan Transcript, 4),
		done:        make(chan struct{}),
		logger:      slog.Default(),
	}
}

func TestWaitForTranscript_ReturnsFinalText(t *testing.T) {
	s := newBareSession()
	s.transcripts <- Transcript{Text: "hi there"}

	text, err := s.WaitForTranscript(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}

func TestWaitForTranscript_SkipsEmptyResults(t *testing.T) {
	s := newBareSession()
	s.transcripts <- Transcript{Text: ""}
	s.transcripts <- Transcript{Text: "real answer"}

	text, err := s.WaitForTranscript(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "real answer", text)
}

func TestWaitForTranscript_Timeout(t *testing.T) {
	s := newBareSession()

	start := time.Now()
	_, err := s.WaitForTranscript(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTranscriptTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForTranscript_RecognizerError(t *testing.T) {
	s := newBareSession()
	s.transcripts <- Transcript{Err: assert.AnError}

	_, err := s.WaitForTranscript(context.Background(), time.Second)
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestWaitForTranscript_ContextCancel(t *testing.T) {
	s := newBareSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.WaitForTranscript(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendAudio_AfterCloseFails(t *testing.T) {
	s := newBareSession()
	close(s.done)

	err := s.SendAudio([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSendAudio_DropsWhenQueueFull(t *testing.T) {
	s := newBareSession()
	// No write loop draining; fill the queue.
	for i := 0; i < cap(s.outgoing); i++ {
		require.NoError(t, s.SendAudio([]byte{byte(i)}))
	}
	// The overflow frame is dropped, not blocked on.
	done := make(chan error, 1)
	go func() { done <- s.SendAudio([]byte{0xFF}) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendAudio blocked on a full queue")
	}
}

func TestOpenAISTT_Defaults(t *testing.T) {
	p := NewOpenAISTT(OpenAISTTConfig{APIKey: "k"}, slog.Default())
	assert.Equal(t, "wss://api.openai.com/v1/realtime", p.config.BaseURL)
	assert.Equal(t, "gpt-4o-transcribe", p.config.Model)
	assert.Equal(t, 800, p.config.SilenceDurationMs)
}
