package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"call-me/internal/domain"
)

const (
	backgroundPollInterval = 2 * time.Second
	replyPollTimeout       = 2 // seconds, server-side long-poll hold
	defaultReplyTimeout    = 5 * time.Minute
	commandListenBound     = 24 * time.Hour
)

const helpText = `Commands:
/help - show this message
/verbose - toggle verbose replies`

// Engine implements domain.CallEngine over a chat bot. One chat session at a
// time; the background poller owns the update offset between sessions and
// yields it to the active session, so exactly one consumer ever advances it.
type Engine struct {
	api          API
	logger       *slog.Logger
	replyTimeout time.Duration

	mu        sync.Mutex
	offset    int64
	sessionID string
	startedAt time.Time
	history   []domain.Turn
	verbose   bool

	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

func NewEngine(api API, replyTimeout time.Duration, logger *slog.Logger) *Engine {
	if replyTimeout <= 0 {
		replyTimeout = defaultReplyTimeout
	}
	return &Engine{api: api, logger: logger, replyTimeout: replyTimeout}
}

// StartBackgroundPoll begins the idle poller handling out-of-band slash
// commands. It pauses itself whenever a session needs the offset.
func (e *Engine) StartBackgroundPoll(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startBackgroundLocked(ctx)
}

func (e *Engine) startBackgroundLocked(ctx context.Context) {
	if e.bgCancel != nil {
		return
	}
	bgCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.bgCancel = cancel
	e.bgDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(backgroundPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				updates, err := e.api.GetUpdates(bgCtx, e.currentOffset(), 0)
				if err != nil {
					if bgCtx.Err() == nil {
						e.logger.Warn("background poll failed", "error", err)
					}
					continue
				}
				for _, u := range updates {
					e.advanceOffset(u.UpdateID)
					e.handleCommand(bgCtx, u.Text)
				}
			}
		}
	}()
}

// pauseBackgroundPoll aborts the idle poller and waits for it to stop, so a
// session's reply is never swallowed by a concurrent getUpdates.
func (e *Engine) pauseBackgroundPoll() {
	e.mu.Lock()
	cancel, done := e.bgCancel, e.bgDone
	e.bgCancel, e.bgDone = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Engine) currentOffset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// advanceOffset never lets the offset regress, regardless of which consumer
// saw the update.
func (e *Engine) advanceOffset(updateID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if updateID+1 > e.offset {
		e.offset = updateID + 1
	}
}

// handleCommand processes a slash command out-of-band. Returns true if the
// text was a command.
func (e *Engine) handleCommand(ctx context.Context, text string) bool {
	switch strings.TrimSpace(text) {
	case "/help":
		if err := e.api.SendMessage(ctx, helpText); err != nil {
			e.logger.Warn("help reply failed", "error", err)
		}
		return true
	case "/verbose":
		e.mu.Lock()
		e.verbose = !e.verbose
		verbose := e.verbose
		e.mu.Unlock()
		reply := "Verbose replies off."
		if verbose {
			reply = "Verbose replies on."
		}
		if err := e.api.SendMessage(ctx, reply); err != nil {
			e.logger.Warn("verbose reply failed", "error", err)
		}
		return true
	}
	return false
}

func (e *Engine) Initiate(ctx context.Context, message string) (*domain.InitiateResult, error) {
	e.mu.Lock()
	if e.sessionID != "" {
		e.mu.Unlock()
		return nil, domain.WrapOp("ChatEngine.Initiate", domain.ErrChatBusy)
	}
	e.sessionID = ulid.Make().String()
	e.startedAt = time.Now()
	e.history = nil
	sessionID := e.sessionID
	e.mu.Unlock()

	e.pauseBackgroundPoll()

	if err := e.api.SendMessage(ctx, message); err != nil {
		e.reset(ctx)
		return nil, domain.WrapOp("ChatEngine.Initiate", err)
	}
	e.appendTurn(domain.SpeakerAssistant, message)

	reply, err := e.waitForReply(ctx, e.replyTimeout)
	if err != nil {
		return nil, domain.WrapOp("ChatEngine.Initiate", err)
	}
	e.appendTurn(domain.SpeakerUser, reply)
	return &domain.InitiateResult{SessionID: sessionID, Transcript: reply}, nil
}

func (e *Engine) Continue(ctx context.Context, sessionID, message string) (*domain.ContinueResult, error) {
	if err := e.checkSession(sessionID); err != nil {
		return nil, domain.WrapOp("ChatEngine.Continue", err)
	}

	if err := e.api.SendMessage(ctx, message); err != nil {
		return nil, domain.WrapOp("ChatEngine.Continue", err)
	}
	e.appendTurn(domain.SpeakerAssistant, message)

	reply, err := e.waitForReply(ctx, e.replyTimeout)
	if err != nil {
		return nil, domain.WrapOp("ChatEngine.Continue", err)
	}
	e.appendTurn(domain.SpeakerUser, reply)
	return &domain.ContinueResult{Transcript: reply}, nil
}

func (e *Engine) Speak(ctx context.Context, sessionID, message string) error {
	if err := e.checkSession(sessionID); err != nil {
		return domain.WrapOp("ChatEngine.Speak", err)
	}
	if err := e.api.SendMessage(ctx, message); err != nil {
		return domain.WrapOp("ChatEngine.Speak", err)
	}
	e.appendTurn(domain.SpeakerAssistant, message)
	return nil
}

func (e *Engine) End(ctx context.Context, sessionID, message string) (*domain.EndResult, error) {
	if err := e.checkSession(sessionID); err != nil {
		return nil, domain.WrapOp("ChatEngine.End", err)
	}

	if message != "" {
		if err := e.api.SendMessage(ctx, message); err != nil {
			e.logger.Warn("goodbye send failed", "error", err)
		} else {
			e.appendTurn(domain.SpeakerAssistant, message)
		}
	}

	e.mu.Lock()
	duration := time.Since(e.startedAt)
	e.mu.Unlock()

	e.reset(ctx)
	return &domain.EndResult{Duration: duration}, nil
}

func (e *Engine) Status(sessionID string) (*domain.CallStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" || e.sessionID != sessionID {
		return nil, domain.WrapOp("ChatEngine.Status", domain.ErrNoSuchSession)
	}
	return &domain.CallStatus{
		SessionID: e.sessionID,
		State:     domain.CallStateTalking,
		StartedAt: e.startedAt,
		Turns:     len(e.history),
	}, nil
}

// ListenForCommands processes inbound messages and slash commands for up to
// the listen bound, as the foreground offset consumer.
func (e *Engine) ListenForCommands(ctx context.Context) error {
	e.pauseBackgroundPoll()
	defer e.resumeBackground(ctx)

	bound := time.NewTimer(commandListenBound)
	defer bound.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-bound.C:
			return nil
		default:
		}

		updates, err := e.api.GetUpdates(ctx, e.currentOffset(), replyPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("command poll failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, u := range updates {
			e.advanceOffset(u.UpdateID)
			e.handleCommand(ctx, u.Text)
		}
	}
}

// waitForReply polls as the sole offset consumer until a non-command message
// arrives or the timeout elapses.
func (e *Engine) waitForReply(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return "", domain.ErrTranscriptTimeout
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		updates, err := e.api.GetUpdates(ctx, e.currentOffset(), replyPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			e.logger.Warn("reply poll failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, u := range updates {
			e.advanceOffset(u.UpdateID)
			if e.handleCommand(ctx, u.Text) {
				continue
			}
			if strings.TrimSpace(u.Text) != "" {
				return u.Text, nil
			}
		}
	}
}

func (e *Engine) checkSession(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" || e.sessionID != sessionID {
		return domain.ErrNoSuchSession
	}
	return nil
}

func (e *Engine) appendTurn(speaker domain.Speaker, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, domain.Turn{Speaker: speaker, Text: text, Timestamp: time.Now()})
}

// reset closes the active session and resumes idle polling.
func (e *Engine) reset(ctx context.Context) {
	e.mu.Lock()
	e.sessionID = ""
	e.mu.Unlock()
	e.resumeBackground(ctx)
}

func (e *Engine) resumeBackground(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startBackgroundLocked(context.WithoutCancel(ctx))
}

var (
	_ domain.CallEngine      = (*Engine)(nil)
	_ domain.CommandListener = (*Engine)(nil)
)
