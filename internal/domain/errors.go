package domain

import (
	"errors"
	"fmt"
)

// Category sentinels for the broker/gateway error taxonomy (spec §7).
var (
	// ErrPeerGone covers a hook that disconnected before a decision, a child
	// process that is no longer alive, or an IM endpoint that can't be reached.
	// Always a refusal; never retried.
	ErrPeerGone = fmt.Errorf("peer gone")

	// ErrAlreadyResolved is the soft refusal for a duplicate action on a
	// request_id that has already transitioned out of pending.
	ErrAlreadyResolved = fmt.Errorf("request already resolved")

	// ErrAuthInvalid covers missing/mismatched X-Auth-Token, owner mismatch,
	// or an approve operator that isn't the registered owner.
	ErrAuthInvalid = fmt.Errorf("authentication failed")

	// ErrProtocol covers malformed JSON, an unknown action, or a missing
	// required field.
	ErrProtocol = fmt.Errorf("protocol error")

	// ErrResource covers a missing project_dir for the launcher or an
	// invalid path for the directory browser.
	ErrResource = fmt.Errorf("resource error")

	// ErrBackendUnreachable is raised when the Gateway cannot reach the
	// Backend behind a callback_url.
	ErrBackendUnreachable = fmt.Errorf("backend unreachable")

	// ErrRuleWriteFailed is raised when the always-allow rule writer could
	// not persist settings.local.json; the broker state is left untouched
	// so the user can retry.
	ErrRuleWriteFailed = fmt.Errorf("rule write failed")

	// ErrNotFound is a general not-found sentinel reused across stores.
	ErrNotFound = fmt.Errorf("not found")

	// ErrLimitReached covers bounded resources (e.g. max concurrent launches).
	ErrLimitReached = fmt.Errorf("limit reached")

	// ErrInvalidInput covers validation failures that aren't protocol-level
	// (e.g. a config value, a malformed command line).
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Broker.Resolve")
	Err       error  // underlying sentinel
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "broker", "launcher"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
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

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// Per spec §7, peer-gone failures are never retried; only a dead callback_url is.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrBackendUnreachable)
}

// ErrorCode is a machine-parseable error category, surfaced in HTTP and
// socket-client JSON payloads.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodePeerGone           ErrorCode = "PEER_GONE"
	CodeAlreadyResolved    ErrorCode = "ALREADY_RESOLVED"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeProtocol           ErrorCode = "PROTOCOL_ERROR"
	CodeResource           ErrorCode = "RESOURCE_ERROR"
	CodeBackendUnreachable ErrorCode = "BACKEND_UNREACHABLE"
	CodeRuleWriteFailed    ErrorCode = "RULE_WRITE_FAILED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeLimitReached       ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrPeerGone:           CodePeerGone,
	ErrAlreadyResolved:    CodeAlreadyResolved,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrProtocol:           CodeProtocol,
	ErrResource:           CodeResource,
	ErrBackendUnreachable: CodeBackendUnreachable,
	ErrRuleWriteFailed:    CodeRuleWriteFailed,
	ErrNotFound:           CodeNotFound,
	ErrLimitReached:       CodeLimitReached,
	ErrInvalidInput:       CodeInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
