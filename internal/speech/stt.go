// Package speech holds the clients for the external speech services: a
// streaming recognizer with end-of-utterance detection and a synthesizer
// producing 24 kHz linear PCM.
package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"call-me/internal/domain"
)

// Transcript is one recognizer result. Err is set when the recognizer
// reported a failure instead of text.
type Transcript struct {
	Text string
	Err  error
}

// Session is an active streaming recognition session.
type Session interface {
	// SendAudio queues one mu-law frame for recognition. Never blocks on the
	// network: frames are dropped (and logged) if the writer falls behind.
	SendAudio(data []byte) error
	// WaitForTranscript blocks until the recognizer finalizes an utterance,
	// the timeout elapses, or ctx is cancelled.
	WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error)
	// Close is idempotent.
	Close() error
}

// Recognizer opens recognition sessions.
type Recognizer interface {
	StartSession(ctx context.Context) (Session, error)
}

// OpenAISTTConfig configures the OpenAI Realtime transcription client.
type OpenAISTTConfig struct {
	APIKey            string
	Model             string // "gpt-4o-transcribe"
	BaseURL           string // WebSocket URL of the Realtime API
	SilenceDurationMs int    // server VAD end-of-utterance threshold
}

// OpenAISTT implements Recognizer using the OpenAI Realtime API over
// WebSocket. Audio goes in as mu-law frames; finalized utterances come back
// once server-side VAD detects the configured silence.
type OpenAISTT struct {
	config OpenAISTTConfig
	logger *slog.Logger
}

func NewOpenAISTT(cfg OpenAISTTConfig, logger *slog.Logger) *OpenAISTT {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-transcribe"
	}
	if cfg.SilenceDurationMs <= 0 {
		cfg.SilenceDurationMs = 800
	}
	return &OpenAISTT{config: cfg, logger: logger}
}

// StartSession dials the Realtime API and configures transcription with
// server-side VAD.
func (p *OpenAISTT) StartSession(ctx context.Context) (Session, error) {
	wsURL := fmt.Sprintf("%s?intent=transcription", p.config.BaseURL)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + p.config.APIKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: stt websocket connect: %v", domain.ErrProviderError, err)
	}

	sessionCfg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"input_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": p.config.Model,
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"silence_duration_ms": p.config.SilenceDurationMs,
			},
		},
	}
	cfgData, err := json.Marshal(sessionCfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "config marshal error")
		return nil, fmt.Errorf("marshal session config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, cfgData); err != nil {
		conn.Close(websocket.StatusInternalError, "config write error")
		return nil, fmt.Errorf("%w: send session config: %v", domain.ErrProviderError, err)
	}

	s := &openAISession{
		conn:        conn,
		outgoing:    make(chan []byte, 64),
		transcripts: make(chan Transcript, 32),
		done:        make(chan struct{}),
		logger:      p.logger,
	}
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

type openAISession struct {
	conn        *websocket.Conn
	outgoing    chan []byte
	transcripts chan Transcript
	done        chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

func (s *openAISession) SendAudio(data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("stt session closed")
	default:
	}

	select {
	case s.outgoing <- data:
		return nil
	default:
		s.logger.Warn("stt send queue full, dropping frame", "bytes", len(data))
		return nil
	}
}

func (s *openAISession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case tr, ok := <-s.transcripts:
			if !ok {
				return "", fmt.Errorf("stt session closed")
			}
			if tr.Err != nil {
				return "", fmt.Errorf("%w: %v", domain.ErrProviderError, tr.Err)
			}
			if tr.Text == "" {
				continue
			}
			return tr.Text, nil
		case <-timer.C:
			return "", domain.ErrTranscriptTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *openAISession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}

// writeLoop serializes queued audio frames as input_audio_buffer.append
// events. []byte marshals to base64, which is exactly the wire encoding the
// Realtime API wants.
func (s *openAISession) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outgoing:
			msg, err := json.Marshal(map[string]any{
				"type":  "input_audio_buffer.append",
				"audio": data,
			})
			if err != nil {
				s.logger.Warn("stt marshal audio", "error", err)
				continue
			}
			if err := s.conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
				select {
				case <-s.done:
				default:
					s.logger.Warn("stt write audio", "error", err)
				}
				return
			}
		}
	}
}

// readLoop surfaces finalized transcripts and recognizer errors.
func (s *openAISession) readLoop() {
	defer close(s.transcripts)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				// Expected close.
			default:
				s.transcripts <- Transcript{Err: err}
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "conversation.item.input_audio_transcription.completed":
			var completed struct {
				Transcript string `json:"transcript"`
			}
			if err := json.Unmarshal(data, &completed); err == nil && completed.Transcript != "" {
				s.transcripts <- Transcript{Text: completed.Transcript}
			}

		case "error":
			var errMsg struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(data, &errMsg); err == nil {
				s.logger.Warn("stt error", "message", errMsg.Error.Message)
				s.transcripts <- Transcript{Err: fmt.Errorf("stt error: %s", errMsg.Error.Message)}
			}
		}
	}
}
