package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"call-me/internal/domain"
)

// Chunk is one incremental piece of a synthesized utterance.
type Chunk struct {
	PCM []byte
	Err error
}

// Synthesizer produces 16-bit little-endian linear PCM at 24 kHz.
type Synthesizer interface {
	// Synthesize returns the whole utterance at once.
	Synthesize(ctx context.Context, text string) ([]byte, error)
	// SynthesizeStream yields incremental chunks of the same audio. Exists
	// solely to cut time-to-first-audio on conversation turns.
	SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error)
}

// OpenAITTSConfig configures the OpenAI speech synthesis client.
type OpenAITTSConfig struct {
	APIKey  string
	Model   string // "tts-1" or "gpt-4o-mini-tts"
	Voice   string // "alloy", "echo", "fable", "onyx", "nova", "shimmer"
	BaseURL string // defaults to "https://api.openai.com"
}

// OpenAITTS implements Synthesizer against the OpenAI speech endpoint,
// requesting raw PCM so no container parsing is needed.
type OpenAITTS struct {
	config OpenAITTSConfig
	client *http.Client
	logger *slog.Logger
}

func NewOpenAITTS(cfg OpenAITTSConfig, logger *slog.Logger) *OpenAITTS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	return &OpenAITTS{
		config: cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

func (p *OpenAITTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := p.request(ctx, text)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	return pcm, nil
}

func (p *OpenAITTS) SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error) {
	resp, err := p.request(ctx, text)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- Chunk{PCM: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- Chunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return ch, nil
}

func (p *OpenAITTS) request(ctx context.Context, text string) (*http.Response, error) {
	body, err := json.Marshal(map[string]string{
		"model":           p.config.Model,
		"input":           text,
		"voice":           p.config.Voice,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: tts api call: %v", domain.ErrProviderError, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: tts api (HTTP %d): %s", domain.ErrProviderError, resp.StatusCode, string(respBody))
	}
	return resp, nil
}
