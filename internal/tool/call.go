package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"call-me/internal/domain"
	"call-me/internal/infra/tracer"
)

const defaultMaxMessageLen = 4096

// Actions the call tool dispatches on.
const (
	ActionInitiate       = "initiate_call"
	ActionContinue       = "continue_call"
	ActionSpeak          = "speak_to_user"
	ActionEnd            = "end_call"
	ActionStatus         = "get_status"
	ActionListenCommands = "listen_for_commands"
)

// CallToolConfig holds tool-surface limits.
type CallToolConfig struct {
	MaxMessageLen int
}

// CallTool lets the assistant hold a conversation with the operator through
// whichever session engine is configured (phone call or text chat).
type CallTool struct {
	engine domain.CallEngine
	config CallToolConfig
	logger *slog.Logger
}

// NewCallTool creates the call tool over the given engine.
func NewCallTool(engine domain.CallEngine, cfg CallToolConfig, logger *slog.Logger) *CallTool {
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	return &CallTool{engine: engine, config: cfg, logger: logger}
}

func (t *CallTool) Name() string { return "call" }

func (t *CallTool) Description() string {
	return "Talk to the human operator in real time. " +
		"Use initiate_call to start a session with an opening message and wait for the reply, " +
		"continue_call to say something and wait for the next reply, " +
		"speak_to_user to say something without waiting, " +
		"end_call to say goodbye and hang up, get_status to inspect the session, " +
		"and listen_for_commands to watch the chat for operator commands between sessions (chat mode only)."
}

func (t *CallTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["initiate_call", "continue_call", "speak_to_user", "end_call", "get_status", "listen_for_commands"],
					"description": "The call action to perform"
				},
				"message": {
					"type": "string",
					"description": "What to say to the operator (required for initiate_call, continue_call, speak_to_user; optional goodbye for end_call)"
				},
				"session_id": {
					"type": "string",
					"description": "Session ID (required for continue_call, speak_to_user, end_call, get_status)"
				}
			},
			"required": ["action"]
		}`),
	}
}

type callParams struct {
	Action    string `json:"action"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (t *CallTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool.call",
		trace.WithAttributes(tracer.StringAttr("tool.name", t.Name())),
	)
	defer span.End()

	p, errResult := ParseParams[callParams](params)
	if errResult != nil {
		return errResult, nil
	}

	span.SetAttributes(tracer.StringAttr("tool.action", p.Action))

	var result any
	var err error

	switch p.Action {
	case ActionInitiate:
		result, err = t.handleInitiate(ctx, p)
	case ActionContinue:
		result, err = t.handleContinue(ctx, p)
	case ActionSpeak:
		result, err = t.handleSpeak(ctx, p)
	case ActionEnd:
		result, err = t.handleEnd(ctx, p)
	case ActionStatus:
		result, err = t.handleStatus(p)
	case ActionListenCommands:
		result, err = t.handleListenCommands(ctx)
	default:
		err = BadAction(p.Action, ActionInitiate, ActionContinue, ActionSpeak, ActionEnd, ActionStatus, ActionListenCommands)
		tracer.RecordError(span, err)
		return &domain.ToolResult{IsError: true, Content: err.Error()}, nil
	}

	if err != nil {
		tracer.RecordError(span, err)
		t.logger.Warn("call action failed", "action", p.Action, "error", err)
		return t.errorResult(p, err), nil
	}

	data, marshalErr := json.MarshalIndent(result, "", "  ")
	if marshalErr != nil {
		tracer.RecordError(span, marshalErr)
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("failed to format response: %v", marshalErr)}, nil
	}
	tracer.SetOK(span)
	return &domain.ToolResult{Content: string(data)}, nil
}

// errorResult builds a structured error payload so the assistant can reason
// about what went wrong and whether the session is still alive.
func (t *CallTool) errorResult(p callParams, err error) *domain.ToolResult {
	errResp := map[string]any{
		"error": err.Error(),
		"code":  domain.ErrorCodeOf(err),
	}
	if p.SessionID != "" {
		errResp["session_id"] = p.SessionID
		if st, stErr := t.engine.Status(p.SessionID); stErr == nil {
			errResp["state"] = st.State
		}
	}
	retryable := classifyToolError(err)

	data, _ := json.MarshalIndent(errResp, "", "  ")
	return &domain.ToolResult{IsError: true, IsRetryable: retryable, Content: string(data)}
}

func (t *CallTool) validateMessage(message string) error {
	return ValidateAll(
		RequireField("message", message),
		ValidateMaxLength("message", message, t.config.MaxMessageLen),
	)
}

func (t *CallTool) handleInitiate(ctx context.Context, p callParams) (any, error) {
	if err := t.validateMessage(p.Message); err != nil {
		return nil, err
	}

	res, err := t.engine.Initiate(ctx, p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": res.SessionID,
		"transcript": res.Transcript,
	}, nil
}

func (t *CallTool) handleContinue(ctx context.Context, p callParams) (any, error) {
	if err := ValidateAll(
		RequireField("session_id", p.SessionID),
		t.validateMessage(p.Message),
	); err != nil {
		return nil, err
	}

	res, err := t.engine.Continue(ctx, p.SessionID, p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": p.SessionID,
		"transcript": res.Transcript,
	}, nil
}

func (t *CallTool) handleSpeak(ctx context.Context, p callParams) (any, error) {
	if err := ValidateAll(
		RequireField("session_id", p.SessionID),
		t.validateMessage(p.Message),
	); err != nil {
		return nil, err
	}

	if err := t.engine.Speak(ctx, p.SessionID, p.Message); err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": p.SessionID,
		"status":     "spoken",
	}, nil
}

func (t *CallTool) handleEnd(ctx context.Context, p callParams) (any, error) {
	if err := ValidateAll(
		RequireField("session_id", p.SessionID),
		ValidateMaxLength("message", p.Message, t.config.MaxMessageLen),
	); err != nil {
		return nil, err
	}

	res, err := t.engine.End(ctx, p.SessionID, p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id":       p.SessionID,
		"status":           "ended",
		"duration_seconds": int(res.Duration.Seconds()),
	}, nil
}

func (t *CallTool) handleListenCommands(ctx context.Context) (any, error) {
	listener, ok := t.engine.(domain.CommandListener)
	if !ok {
		return nil, fmt.Errorf("%w: listen_for_commands is only available in chat mode", domain.ErrInvalidInput)
	}
	if err := listener.ListenForCommands(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"status": "done"}, nil
}

func (t *CallTool) handleStatus(p callParams) (any, error) {
	if err := RequireField("session_id", p.SessionID); err != nil {
		return nil, err
	}
	return t.engine.Status(p.SessionID)
}

var _ domain.Tool = (*CallTool)(nil)
