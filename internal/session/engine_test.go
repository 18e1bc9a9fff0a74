package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"call-me/internal/carrier"
	"call-me/internal/domain"
	"call-me/internal/speech"
)

type mockMedia struct {
	mu     sync.Mutex
	open   bool
	frames [][]byte
	sids   []string
}

func newMockMedia() *mockMedia { return &mockMedia{open: true} }

func (m *mockMedia) SendMedia(_ context.Context, mulaw []byte, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(mulaw))
	copy(cp, mulaw)
	m.frames = append(m.frames, cp)
	m.sids = append(m.sids, sid)
	return nil
}

func (m *mockMedia) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *mockMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

func (m *mockMedia) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

type engineFixture struct {
	engine   *Engine
	carrier  *carrier.Mock
	rec      *speech.MockRecognizer
	tts      *speech.MockSynthesizer
	registry *Registry
}

func newEngineFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()
	if cfg.To == "" {
		cfg.To = "+15551230001"
	}
	if cfg.From == "" {
		cfg.From = "+15551230002"
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://calls.example.com"
	}
	if cfg.TranscriptTimeout == 0 {
		cfg.TranscriptTimeout = 2 * time.Second
	}

	car := carrier.NewMock()
	rec := &speech.MockRecognizer{}
	tts := &speech.MockSynthesizer{PCM: make([]byte, 9600)} // 1600 mu-law bytes
	registry := NewRegistry()

	engine := NewEngine(cfg, car, rec, tts, registry, nil,
		slog.Default(), noop.NewTracerProvider().Tracer("test"))
	return &engineFixture{engine: engine, carrier: car, rec: rec, tts: tts, registry: registry}
}

// connectWhenLive waits for the session to appear, attaches media, and fires
// the streaming-ready latch, standing in for the webhook and WebSocket
// handlers.
func (f *engineFixture) connectWhenLive(t *testing.T) *mockMedia {
	t.Helper()
	media := newMockMedia()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if all := f.registry.All(); len(all) > 0 {
				sess := all[0]
				sess.AttachMedia(media)
				sess.MarkReady()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return media
}

func TestInitiate_HappyPath(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	media := f.connectWhenLive(t)

	f.rec.Sessions = []*speech.MockSession{speech.NewMockSession()}
	f.rec.Sessions[0].Deliver("Hi there")

	res, err := f.engine.Initiate(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Transcript)
	assert.NotEmpty(t, res.SessionID)

	require.Len(t, f.carrier.PlaceCalls, 1)
	assert.Equal(t, "+15551230001", f.carrier.PlaceCalls[0].To)
	assert.Equal(t, "+15551230002", f.carrier.PlaceCalls[0].From)
	assert.Equal(t, "https://calls.example.com/twiml", f.carrier.PlaceCalls[0].WebhookURL)

	frames := media.Frames()
	require.NotEmpty(t, frames)
	for _, fr := range frames {
		assert.Equal(t, 160, len(fr))
	}

	// Conversation history carries both turns.
	sess, err := f.registry.ByID(res.SessionID)
	require.NoError(t, err)
	turns := sess.History()
	require.Len(t, turns, 2)
	assert.Equal(t, domain.SpeakerAssistant, turns[0].Speaker)
	assert.Equal(t, "Hello", turns[0].Text)
	assert.Equal(t, domain.SpeakerUser, turns[1].Speaker)
	assert.Equal(t, "Hi there", turns[1].Text)
}

func TestInitiate_ConnectionTimeout(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{ConnectTimeout: 300 * time.Millisecond})
	// Media never attaches.

	_, err := f.engine.Initiate(context.Background(), "Hello")
	assert.ErrorIs(t, err, domain.ErrConnectionTimeout)

	// The carrier handle exists, so hangup was attempted, and the session is
	// gone from the registry.
	assert.Equal(t, []string{"mock-handle"}, f.carrier.HangupCalls)
	assert.Zero(t, f.registry.Count())
}

func TestInitiate_PlaceCallFails(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	f.carrier.PlaceErr = assert.AnError

	_, err := f.engine.Initiate(context.Background(), "Hello")
	require.Error(t, err)
	assert.Zero(t, f.registry.Count())
	assert.Empty(t, f.carrier.HangupCalls, "no handle to hang up")
}

func TestListen_HangupWins(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{TranscriptTimeout: 10 * time.Second})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	stt := speech.NewMockSession()
	sess.SetSTT(stt)
	f.registry.Add(sess)

	go func() {
		time.Sleep(50 * time.Millisecond)
		sess.MarkHungUp()
	}()

	start := time.Now()
	_, lerr := f.engine.listen(context.Background(), sess)
	assert.ErrorIs(t, lerr, domain.ErrCallHungUp)
	assert.Less(t, time.Since(start), 50*time.Millisecond+200*time.Millisecond)
}

func TestInitiate_DrainsAudioBeforeListening(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	f.tts.PCM = make([]byte, 960) // one 20 ms frame once encoded
	f.connectWhenLive(t)
	f.rec.Sessions = []*speech.MockSession{speech.NewMockSession()}
	f.rec.Sessions[0].Deliver("ok")

	start := time.Now()
	_, err := f.engine.Initiate(context.Background(), "Hello")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), speakDrainDelay,
		"the tail of the utterance must play out before listening starts")
}

func TestContinue_DrainsAudioBeforeListening(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{TranscriptTimeout: 5 * time.Second})
	f.tts.PCM = make([]byte, 960)
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	stt := speech.NewMockSession()
	stt.Deliver("ok")
	sess.SetSTT(stt)
	sess.AttachMedia(newMockMedia())
	sess.MarkReady()
	f.registry.Add(sess)

	start := time.Now()
	_, cerr := f.engine.Continue(context.Background(), sess.ID, "still there?")
	require.NoError(t, cerr)
	assert.GreaterOrEqual(t, time.Since(start), speakDrainDelay,
		"the tail of the utterance must play out before listening starts")
}

func TestListen_HangupBeforeTranscriptStillReportsHangup(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{TranscriptTimeout: 10 * time.Second})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	stt := speech.NewMockSession()
	sess.SetSTT(stt)
	f.registry.Add(sess)

	// The hangup flag flips between two watcher polls and a transcript lands
	// right after it. The transcript side resolves first, but the operator is
	// already gone.
	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.MarkHungUp()
		stt.Deliver("too late")
	}()

	text, lerr := f.engine.listen(context.Background(), sess)
	assert.ErrorIs(t, lerr, domain.ErrCallHungUp)
	assert.Empty(t, text)
}

func TestContinue_HangupCleansUp(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{TranscriptTimeout: 10 * time.Second})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	stt := speech.NewMockSession()
	sess.SetSTT(stt)
	sess.AttachMedia(newMockMedia())
	sess.MarkReady()
	f.registry.Add(sess)

	go func() {
		time.Sleep(100 * time.Millisecond)
		sess.MarkHungUp()
	}()

	_, cerr := f.engine.Continue(context.Background(), sess.ID, "still there?")
	assert.ErrorIs(t, cerr, domain.ErrCallHungUp)

	// Cleanup ran: recognizer closed, session removed.
	assert.True(t, stt.Closed())
	assert.Zero(t, f.registry.Count())
}

func TestContinue_TranscriptTimeoutKeepsCallAlive(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{TranscriptTimeout: 100 * time.Millisecond})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	sess.SetSTT(speech.NewMockSession())
	sess.AttachMedia(newMockMedia())
	sess.MarkReady()
	f.registry.Add(sess)

	_, cerr := f.engine.Continue(context.Background(), sess.ID, "hello?")
	assert.ErrorIs(t, cerr, domain.ErrTranscriptTimeout)

	// The turn failed; the call did not.
	assert.Equal(t, 1, f.registry.Count())
}

func TestEnd_ReportsDurationAndTearsDown(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	sess.SetHandle("h-1")
	stt := speech.NewMockSession()
	sess.SetSTT(stt)
	sess.AttachMedia(newMockMedia())
	sess.MarkReady()
	f.registry.Add(sess)
	f.registry.IndexHandle(sess, "h-1")

	res, enderr := f.engine.End(context.Background(), sess.ID, "")
	require.NoError(t, enderr)
	assert.Greater(t, res.Duration, time.Duration(0))

	assert.Equal(t, []string{"h-1"}, f.carrier.HangupCalls)
	assert.True(t, stt.Closed())
	assert.Zero(t, f.registry.Count())

	// The session id no longer resolves.
	_, serr := f.engine.Status(sess.ID)
	assert.ErrorIs(t, serr, domain.ErrNoSuchSession)
	_, cerr := f.engine.Continue(context.Background(), sess.ID, "more")
	assert.ErrorIs(t, cerr, domain.ErrNoSuchSession)
}

func TestSpeak_NoReplyExpected(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	sess.SetSTT(speech.NewMockSession())
	media := newMockMedia()
	sess.AttachMedia(media)
	sess.MarkReady()
	f.registry.Add(sess)

	require.NoError(t, f.engine.Speak(context.Background(), sess.ID, "one moment"))
	assert.NotEmpty(t, media.Frames())

	turns := sess.History()
	require.Len(t, turns, 1)
	assert.Equal(t, domain.SpeakerAssistant, turns[0].Speaker)
}

func TestSpeak_HungUpSession(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	sess.MarkHungUp()
	f.registry.Add(sess)

	err = f.engine.Speak(context.Background(), sess.ID, "hello?")
	assert.ErrorIs(t, err, domain.ErrCallHungUp)
}

func TestSessionSink_DropsFramesAfterHangup(t *testing.T) {
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	media := newMockMedia()
	sess.AttachMedia(media)
	sess.MarkReady()

	sink := &sessionSink{sess: sess}
	require.NoError(t, sink.WriteFrame(context.Background(), make([]byte, 160)))
	require.Len(t, media.Frames(), 1)

	sess.MarkHungUp()
	require.NoError(t, sink.WriteFrame(context.Background(), make([]byte, 160)))
	assert.Len(t, media.Frames(), 1, "frames after hangup are silently discarded")
}

func TestSessionSink_IncludesStreamSidWhenHeld(t *testing.T) {
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	media := newMockMedia()
	sess.AttachMedia(media)
	sess.MarkReady()
	sess.SetStreamSid("MZ123")

	sink := &sessionSink{sess: sess}
	require.NoError(t, sink.WriteFrame(context.Background(), make([]byte, 160)))
	assert.Equal(t, []string{"MZ123"}, media.sids)
}

func TestHandleCarrierEvent(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)
	sess.SetHandle("h-9")
	f.registry.Add(sess)
	f.registry.IndexHandle(sess, "h-9")

	f.engine.HandleCarrierEvent(context.Background(), carrier.Event{Kind: carrier.EventAnswered, Handle: "h-9"})
	assert.Equal(t, []string{"h-9"}, f.carrier.StartCalls)

	f.engine.HandleCarrierEvent(context.Background(), carrier.Event{Kind: carrier.EventStreamingReady, Handle: "h-9"})
	assert.True(t, sess.Ready())

	f.engine.HandleCarrierEvent(context.Background(), carrier.Event{Kind: carrier.EventMachineResult, Handle: "h-9", Detail: "human"})
	assert.Equal(t, "human", sess.MachineResult())

	f.engine.HandleCarrierEvent(context.Background(), carrier.Event{Kind: carrier.EventHungUp, Handle: "h-9"})
	assert.True(t, sess.HungUp())

	// Unknown handles are ignored.
	f.engine.HandleCarrierEvent(context.Background(), carrier.Event{Kind: carrier.EventHungUp, Handle: "nope"})
}

func TestMediaStreamURL(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{PublicBaseURL: "https://tunnel.example.com"})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)

	url := f.engine.MediaStreamURL(sess)
	assert.Contains(t, url, "wss://tunnel.example.com/media-stream?token=")
	assert.Contains(t, url, sess.Token)
}

// closeOrderSession observes the moment its recognizer is closed.
type closeOrderSession struct {
	*speech.MockSession
	onClose func()
}

func (c *closeOrderSession) Close() error {
	c.onClose()
	return c.MockSession.Close()
}

func TestCleanup_RemovesSessionBeforeReleasingResources(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	sess, err := NewSession("+15551230001", "+15551230002")
	require.NoError(t, err)

	liveAtClose := -1
	sess.SetSTT(&closeOrderSession{
		MockSession: speech.NewMockSession(),
		onClose:     func() { liveAtClose = f.registry.Count() },
	})
	f.registry.Add(sess)

	f.engine.cleanup(sess)
	assert.Zero(t, liveAtClose, "registry removal must precede recognizer close")
	assert.Zero(t, f.registry.Count())
}

func TestHangupActiveCalls(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	for i := 0; i < 3; i++ {
		sess, err := NewSession("+15551230001", "+15551230002")
		require.NoError(t, err)
		sess.SetHandle("h-" + sess.ID)
		f.registry.Add(sess)
		f.registry.IndexHandle(sess, sess.Handle())
	}

	f.engine.HangupActiveCalls(context.Background())
	assert.Zero(t, f.registry.Count())
	assert.Len(t, f.carrier.HangupCalls, 3)
}
