package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the call engine.
var (
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrNoSuchSession     = fmt.Errorf("call session: %w", ErrNotFound)
	ErrConnectionTimeout = fmt.Errorf("media stream did not become ready: %w", ErrTimeout)
	ErrTranscriptTimeout = fmt.Errorf("no transcript received: %w", ErrTimeout)
	ErrCallHungUp        = fmt.Errorf("call was hung up")
	ErrBadSignature      = fmt.Errorf("webhook signature: %w", ErrPermissionDenied)
	ErrProtocol          = fmt.Errorf("malformed carrier message")
	ErrChatBusy          = fmt.Errorf("chat session: %w", ErrLimitReached)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g. "Engine.Initiate")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g. "session", "carrier")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and tool replies.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	CodeTranscriptTimeout ErrorCode = "TRANSCRIPT_TIMEOUT"
	CodeCallHungUp        ErrorCode = "CALL_HUNG_UP"
	CodeBadSignature      ErrorCode = "BAD_SIGNATURE"
	CodeProtocol          ErrorCode = "PROTOCOL"
	CodeChatBusy          ErrorCode = "CHAT_BUSY"

	// Category fallback codes.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeOrder maps sentinels to codes. Specific sentinels precede category
// sentinels so ErrorCodeOf resolves to the most specific matching code.
var errorCodeOrder = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrConfigLoad, CodeConfigLoad},
	{ErrNoSuchSession, CodeSessionNotFound},
	{ErrConnectionTimeout, CodeConnectionTimeout},
	{ErrTranscriptTimeout, CodeTranscriptTimeout},
	{ErrCallHungUp, CodeCallHungUp},
	{ErrBadSignature, CodeBadSignature},
	{ErrProtocol, CodeProtocol},
	{ErrChatBusy, CodeChatBusy},
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is and returns the most specific match.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, e := range errorCodeOrder {
		if errors.Is(err, e.sentinel) {
			return e.code
		}
	}
	return CodeUnknown
}
