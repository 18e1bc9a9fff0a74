package speech

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerConfig configures the synthesizer circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// BreakerSynthesizer wraps a Synthesizer with a circuit breaker. When the
// synthesis endpoint fails repeatedly, subsequent turns fail fast instead of
// stacking 60-second timeouts while the operator waits in silence.
type BreakerSynthesizer struct {
	inner   Synthesizer
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

func NewBreakerSynthesizer(inner Synthesizer, cfg BreakerConfig, logger *slog.Logger) *BreakerSynthesizer {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tts",
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &BreakerSynthesizer{inner: inner, breaker: cb, logger: logger}
}

func (b *BreakerSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	pcm, err := b.breaker.Execute(func() ([]byte, error) {
		return b.inner.Synthesize(ctx, text)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("tts circuit open: %w", err)
		}
		return nil, err
	}
	return pcm, nil
}

// SynthesizeStream routes stream initiation through the breaker; chunk errors
// after a successful start do not trip it.
func (b *BreakerSynthesizer) SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error) {
	var ch <-chan Chunk
	_, err := b.breaker.Execute(func() ([]byte, error) {
		var streamErr error
		ch, streamErr = b.inner.SynthesizeStream(ctx, text)
		return nil, streamErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("tts circuit open: %w", err)
		}
		return nil, err
	}
	return ch, nil
}

// State returns the current breaker state for monitoring.
func (b *BreakerSynthesizer) State() gobreaker.State {
	return b.breaker.State()
}

var _ Synthesizer = (*BreakerSynthesizer)(nil)
