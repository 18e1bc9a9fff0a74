package speech

import (
	"context"
	"fmt"
	"sync"
	"time"

	"call-me/internal/domain"
)

// MockRecognizer is a test double for Recognizer. Each StartSession hands out
// the next session from Sessions, or a fresh MockSession when exhausted.
type MockRecognizer struct {
	mu       sync.Mutex
	Sessions []*MockSession
	StartErr error
	Started  int
}

func (m *MockRecognizer) StartSession(_ context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	var s *MockSession
	if m.Started < len(m.Sessions) {
		s = m.Sessions[m.Started]
	} else {
		s = NewMockSession()
		m.Sessions = append(m.Sessions, s)
	}
	m.Started++
	return s, nil
}

// MockSession is a scriptable recognition session.
type MockSession struct {
	mu       sync.Mutex
	audio    [][]byte
	queue    chan Transcript
	closed   bool
	SendErr  error
	closedCh chan struct{}
}

func NewMockSession() *MockSession {
	return &MockSession{
		queue:    make(chan Transcript, 16),
		closedCh: make(chan struct{}),
	}
}

// Deliver queues a transcript as if the recognizer finalized an utterance.
func (m *MockSession) Deliver(text string) {
	m.queue <- Transcript{Text: text}
}

// DeliverErr queues a recognizer failure.
func (m *MockSession) DeliverErr(err error) {
	m.queue <- Transcript{Err: err}
}

func (m *MockSession) SendAudio(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.audio = append(m.audio, cp)
	return nil
}

func (m *MockSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case tr := <-m.queue:
		if tr.Err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrProviderError, tr.Err)
		}
		return tr.Text, nil
	case <-timer.C:
		return "", domain.ErrTranscriptTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.closedCh:
		return "", fmt.Errorf("stt session closed")
	}
}

func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *MockSession) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSession) Audio() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

// MockSynthesizer is a test double for Synthesizer.
type MockSynthesizer struct {
	mu         sync.Mutex
	PCM        []byte
	Err        error
	ChunkSize  int           // stream chunking, defaults to 4096
	ChunkDelay time.Duration // pause between streamed chunks
	Calls      []string
}

func (m *MockSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, text)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.PCM, nil
}

func (m *MockSynthesizer) SynthesizeStream(ctx context.Context, text string) (<-chan Chunk, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, text)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	size := m.ChunkSize
	if size <= 0 {
		size = 4096
	}
	delay := m.ChunkDelay
	pcm := m.PCM

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for off := 0; off < len(pcm); off += size {
			end := off + size
			if end > len(pcm) {
				end = len(pcm)
			}
			if delay > 0 && off > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- Chunk{PCM: pcm[off:end]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var (
	_ Recognizer  = (*MockRecognizer)(nil)
	_ Session     = (*MockSession)(nil)
	_ Synthesizer = (*MockSynthesizer)(nil)
)
