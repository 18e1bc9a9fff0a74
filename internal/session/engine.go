package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"call-me/internal/audio"
	"call-me/internal/carrier"
	"call-me/internal/domain"
	"call-me/internal/speech"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultTranscriptTimeout = 180 * time.Second
	connectPollInterval      = 100 * time.Millisecond
	hangupPollInterval       = 100 * time.Millisecond
	speakDrainDelay          = 200 * time.Millisecond
	hangupDrainDelay         = 2 * time.Second
)

// EngineConfig carries the call parameters the engine applies to every
// session.
type EngineConfig struct {
	To                string
	From              string
	PublicBaseURL     string
	ConnectTimeout    time.Duration
	TranscriptTimeout time.Duration
	DetectMachine     bool
}

// Engine coordinates the carrier, the speech services, and the media stream
// into the per-call state machine. It implements domain.CallEngine.
type Engine struct {
	cfg        EngineConfig
	carrier    carrier.Carrier
	recognizer speech.Recognizer
	tts        speech.Synthesizer
	registry   *Registry
	callLog    *CallLog
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewEngine(
	cfg EngineConfig,
	car carrier.Carrier,
	rec speech.Recognizer,
	tts speech.Synthesizer,
	registry *Registry,
	callLog *CallLog,
	logger *slog.Logger,
	tracer trace.Tracer,
) *Engine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.TranscriptTimeout <= 0 {
		cfg.TranscriptTimeout = defaultTranscriptTimeout
	}
	return &Engine{
		cfg:        cfg,
		carrier:    car,
		recognizer: rec,
		tts:        tts,
		registry:   registry,
		callLog:    callLog,
		logger:     logger,
		tracer:     tracer,
	}
}

// Registry exposes the live-session registry to the HTTP layer.
func (e *Engine) Registry() *Registry { return e.registry }

// Initiate places a call, speaks the opening message once the media stream is
// live, and returns the operator's first reply.
func (e *Engine) Initiate(ctx context.Context, message string) (*domain.InitiateResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.initiate")
	defer span.End()

	sess, err := NewSession(e.cfg.To, e.cfg.From)
	if err != nil {
		return nil, domain.WrapOp("Engine.Initiate", err)
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))
	e.registry.Add(sess)

	stt, err := e.recognizer.StartSession(ctx)
	if err != nil {
		e.cleanup(sess)
		return nil, domain.WrapOp("Engine.Initiate", err)
	}
	sess.SetSTT(stt)

	// Pre-generate the opening utterance concurrently with call setup.
	// Synthesis and carrier dialing overlap, so speech starts the instant the
	// media stream is ready instead of a synthesis round-trip later.
	type pregen struct {
		mulaw []byte
		err   error
	}
	pregenCh := make(chan pregen, 1)
	go func() {
		pcm, err := e.tts.Synthesize(ctx, message)
		if err != nil {
			pregenCh <- pregen{err: err}
			return
		}
		pregenCh <- pregen{mulaw: audio.LinearBufToMulaw(audio.Resample24kTo8k(pcm))}
	}()

	handle, err := e.carrier.PlaceCall(ctx, carrier.PlaceCallRequest{
		To:            e.cfg.To,
		From:          e.cfg.From,
		WebhookURL:    e.cfg.PublicBaseURL + "/twiml",
		DetectMachine: e.cfg.DetectMachine,
	})
	if err != nil {
		e.cleanup(sess)
		return nil, domain.WrapOp("Engine.Initiate", err)
	}
	sess.SetHandle(handle)
	e.registry.IndexHandle(sess, handle)
	e.logger.Info("call placed", "session_id", sess.ID, "handle", handle)

	if err := e.waitForConnection(ctx, sess); err != nil {
		e.hangupQuietly(sess)
		e.cleanup(sess)
		return nil, domain.WrapOp("Engine.Initiate", err)
	}

	gen := <-pregenCh
	if gen.err != nil {
		e.hangupQuietly(sess)
		e.cleanup(sess)
		return nil, domain.WrapOp("Engine.Initiate", gen.err)
	}

	sess.SetState(domain.CallStateTalking)
	if _, err := audio.PlayMulaw(ctx, e.sink(sess), gen.mulaw); err != nil {
		e.hangupQuietly(sess)
		e.cleanup(sess)
		return nil, domain.WrapOp("Engine.Initiate", err)
	}
	sess.AppendTurn(domain.SpeakerAssistant, message)

	// Let the tail of the utterance play out before listening.
	time.Sleep(speakDrainDelay)

	transcript, err := e.listen(ctx, sess)
	if err != nil {
		return nil, domain.WrapOp("Engine.Initiate", e.handleListenErr(sess, err))
	}
	sess.AppendTurn(domain.SpeakerUser, transcript)

	return &domain.InitiateResult{SessionID: sess.ID, Transcript: transcript}, nil
}

// Continue speaks a follow-up into an active call and returns the reply.
func (e *Engine) Continue(ctx context.Context, sessionID, message string) (*domain.ContinueResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.continue")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	sess, err := e.registry.ByID(sessionID)
	if err != nil {
		return nil, domain.WrapOp("Engine.Continue", err)
	}

	if err := e.speakStreaming(ctx, sess, message); err != nil {
		return nil, domain.WrapOp("Engine.Continue", err)
	}
	sess.AppendTurn(domain.SpeakerAssistant, message)

	// Let the tail of the utterance play out before listening.
	time.Sleep(speakDrainDelay)

	transcript, err := e.listen(ctx, sess)
	if err != nil {
		return nil, domain.WrapOp("Engine.Continue", e.handleListenErr(sess, err))
	}
	sess.AppendTurn(domain.SpeakerUser, transcript)

	return &domain.ContinueResult{Transcript: transcript}, nil
}

// Speak delivers a message without waiting for a reply.
func (e *Engine) Speak(ctx context.Context, sessionID, message string) error {
	ctx, span := e.tracer.Start(ctx, "engine.speak")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	sess, err := e.registry.ByID(sessionID)
	if err != nil {
		return domain.WrapOp("Engine.Speak", err)
	}

	if err := e.speakStreaming(ctx, sess, message); err != nil {
		return domain.WrapOp("Engine.Speak", err)
	}
	sess.AppendTurn(domain.SpeakerAssistant, message)

	// Let the tail of the utterance reach the handset before returning.
	time.Sleep(speakDrainDelay)
	return nil
}

// End speaks a goodbye, lets the audio drain, hangs up, and tears the session
// down.
func (e *Engine) End(ctx context.Context, sessionID, message string) (*domain.EndResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.end")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	sess, err := e.registry.ByID(sessionID)
	if err != nil {
		return nil, domain.WrapOp("Engine.End", err)
	}

	if message != "" {
		if err := e.speakStreaming(ctx, sess, message); err != nil {
			e.logger.Warn("goodbye synthesis failed", "session_id", sess.ID, "error", err)
		} else {
			sess.AppendTurn(domain.SpeakerAssistant, message)
		}
		time.Sleep(hangupDrainDelay)
	}

	e.hangupQuietly(sess)
	sess.MarkHungUp()
	sess.SetState(domain.CallStateEnded)
	e.cleanup(sess)

	duration := time.Since(sess.StartedAt)
	e.logger.Info("call ended", "session_id", sess.ID, "duration", duration)
	return &domain.EndResult{Duration: duration}, nil
}

// Status snapshots a live session.
func (e *Engine) Status(sessionID string) (*domain.CallStatus, error) {
	sess, err := e.registry.ByID(sessionID)
	if err != nil {
		return nil, domain.WrapOp("Engine.Status", err)
	}
	return sess.Status(), nil
}

// HandleCarrierEvent routes a normalized control event to its session.
// Unknown handles are ignored: carriers retry webhooks past session teardown.
func (e *Engine) HandleCarrierEvent(ctx context.Context, ev carrier.Event) {
	sess, ok := e.registry.ByHandle(ev.Handle)
	if !ok {
		e.logger.Debug("event for unknown handle", "handle", ev.Handle, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case carrier.EventAnswered:
		e.logger.Info("call answered", "session_id", sess.ID)
		// No-op on providers that take the stream URL from the webhook
		// response document.
		if err := e.carrier.StartStream(ctx, ev.Handle, e.MediaStreamURL(sess)); err != nil {
			e.logger.Warn("start stream failed", "session_id", sess.ID, "error", err)
		}
	case carrier.EventStreamingReady:
		sess.MarkReady()
	case carrier.EventHungUp:
		e.logger.Info("carrier reported hangup", "session_id", sess.ID, "cause", ev.Detail)
		sess.MarkHungUp()
	case carrier.EventMachineResult:
		sess.SetMachineResult(ev.Detail)
	}
}

// MediaStreamURL builds the wss URL, including the session token, that the
// carrier connects its media WebSocket to.
func (e *Engine) MediaStreamURL(sess *Session) string {
	base := e.cfg.PublicBaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return fmt.Sprintf("%s/media-stream?token=%s", base, sess.Token)
}

// HangupActiveCalls terminates every live session. Used on graceful shutdown
// so operators are not left holding a dead line.
func (e *Engine) HangupActiveCalls(ctx context.Context) {
	for _, sess := range e.registry.All() {
		e.logger.Info("hanging up on shutdown", "session_id", sess.ID)
		if h := sess.Handle(); h != "" {
			if err := e.carrier.Hangup(ctx, h); err != nil {
				e.logger.Warn("shutdown hangup failed", "session_id", sess.ID, "error", err)
			}
		}
		sess.MarkHungUp()
		sess.SetState(domain.CallStateEnded)
		e.cleanup(sess)
	}
}

// waitForConnection polls until the media WebSocket is open and the
// streaming-ready latch has fired, or the connect timeout elapses.
func (e *Engine) waitForConnection(ctx context.Context, sess *Session) error {
	deadline := time.Now().Add(e.cfg.ConnectTimeout)
	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for {
		if sess.Connected() {
			return nil
		}
		if sess.HungUp() {
			return domain.ErrCallHungUp
		}
		if time.Now().After(deadline) {
			return domain.ErrConnectionTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// listen races the recognizer against the hangup flag. The transcript wait is
// cancelled on every exit path, so no recognizer watcher outlives the turn.
func (e *Engine) listen(ctx context.Context, sess *Session) (string, error) {
	if sess.HungUp() {
		return "", domain.ErrCallHungUp
	}
	stt := sess.STT()
	if stt == nil {
		return "", fmt.Errorf("%w: session has no recognizer", domain.ErrNoSuchSession)
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := stt.WaitForTranscript(lctx, e.cfg.TranscriptTimeout)
		ch <- result{text, err}
	}()

	ticker := time.NewTicker(hangupPollInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-ch:
			// A hangup that landed between polls outranks a transcript that
			// arrived first: the operator is gone either way.
			if sess.HungUp() {
				return "", domain.ErrCallHungUp
			}
			return r.text, r.err
		case <-ticker.C:
			if sess.HungUp() {
				return "", domain.ErrCallHungUp
			}
		case <-lctx.Done():
			return "", lctx.Err()
		}
	}
}

// handleListenErr tears the session down when the call is gone; transcript
// timeouts end the turn but leave the call alive.
func (e *Engine) handleListenErr(sess *Session, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == domain.ErrCallHungUp || sess.HungUp():
		sess.SetState(domain.CallStateEnded)
		e.cleanup(sess)
		return domain.ErrCallHungUp
	default:
		return err
	}
}

// speakStreaming synthesizes message through the streaming TTS path and paces
// it onto the media stream.
func (e *Engine) speakStreaming(ctx context.Context, sess *Session, message string) error {
	if sess.HungUp() {
		return domain.ErrCallHungUp
	}
	sess.SetState(domain.CallStateTalking)

	ch, err := e.tts.SynthesizeStream(ctx, message)
	if err != nil {
		return err
	}

	pacer := audio.NewPacer(e.sink(sess))
	for chunk := range ch {
		if chunk.Err != nil {
			e.logger.Warn("tts stream error", "session_id", sess.ID, "error", chunk.Err)
			break
		}
		if err := pacer.Push(ctx, chunk.PCM); err != nil {
			return err
		}
	}
	return pacer.Flush(ctx)
}

// sink adapts a session to the pacer's frame interface.
func (e *Engine) sink(sess *Session) audio.FrameSink {
	return &sessionSink{sess: sess}
}

// sessionSink drops frames silently once the call is no longer connected:
// a hangup mid-utterance must not surface as a write error.
type sessionSink struct {
	sess *Session
}

func (k *sessionSink) WriteFrame(ctx context.Context, frame []byte) error {
	s := k.sess
	if s.HungUp() || !s.Connected() {
		return nil
	}
	media := s.Media()
	if media == nil {
		return nil
	}
	return media.SendMedia(ctx, frame, s.StreamSid())
}

// hangupQuietly attempts a carrier hangup and logs rather than propagates
// failure. A call that is already gone cannot be hung up twice.
func (e *Engine) hangupQuietly(sess *Session) {
	h := sess.Handle()
	if h == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.carrier.Hangup(ctx, h); err != nil {
		e.logger.Warn("hangup failed", "session_id", sess.ID, "error", err)
	}
}

// cleanup removes the session from the registry, then releases everything it
// owns. Removal comes first so the webhook and media handlers can no longer
// resolve the session while its recognizer and socket are being closed.
// Idempotent: every error path funnels through here, sometimes more than once.
func (e *Engine) cleanup(sess *Session) {
	e.registry.Remove(sess)
	if stt := sess.STT(); stt != nil {
		stt.Close()
	}
	if media := sess.Media(); media != nil {
		media.Close()
	}

	if e.callLog != nil && sess.MarkLogged() {
		if err := e.callLog.Append(RecordOf(sess)); err != nil {
			e.logger.Warn("call log append failed", "session_id", sess.ID, "error", err)
		}
	}
}

var _ domain.CallEngine = (*Engine)(nil)
