package core

import (
	"errors"
	"fmt"
)

// Stable error codes shared across the mesh. These are part of the wire
// contract: downstream layers switch on them, so their values never change.
const (
	CodeServiceNotFound = "E11001"
	CodeCircuitOpen     = "E11101"
	CodeRemoteClient    = "E11200"
	CodeRemoteServer    = "E11300"
	CodeConnectFailed   = "E11301"
	CodeTimeout         = "E11302"
)

// Error kinds classify failures that carry no numeric code.
const (
	KindParse         = "parse"
	KindValidation    = "validation"
	KindBusinessLogic = "business_logic"
	KindSystem        = "system"
	KindIntegration   = "integration"
)

// Sentinel errors for comparison with errors.Is.
var (
	ErrServiceNotFound    = errors.New("service not found")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTimeout            = errors.New("operation timeout")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrRequestFailed      = errors.New("request failed")

	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	ErrNotInitialized    = errors.New("not initialized")
	ErrAlreadyStarted    = errors.New("already started")
	ErrAlreadyRegistered = errors.New("already registered")

	ErrExecutionNotFound = errors.New("execution not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrApprovalNotFound  = errors.New("approval request not found")
	ErrSagaNotFound      = errors.New("saga not found")

	ErrWorkingDirLocked = errors.New("working directory already owned by a running execution")
)

// MeshError is the structured error carried across component boundaries.
// Code holds one of the E111xx/E112xx/E113xx values for integration failures;
// Kind classifies everything else.
type MeshError struct {
	Code    string
	Kind    string
	Op      string
	Message string
	Err     error
}

func (e *MeshError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *MeshError) Unwrap() error {
	return e.Err
}

// NewIntegrationError builds an error for a failed inter-service call.
func NewIntegrationError(code, op, message string, err error) *MeshError {
	return &MeshError{Code: code, Kind: KindIntegration, Op: op, Message: message, Err: err}
}

// NewBusinessLogicError marks a state-machine violation, e.g. approving a
// non-pending approval request.
func NewBusinessLogicError(op, message string) *MeshError {
	return &MeshError{Kind: KindBusinessLogic, Op: op, Message: message}
}

// NewParseError wraps a plan parsing failure.
func NewParseError(message string) *MeshError {
	return &MeshError{Kind: KindParse, Message: message}
}

// ErrorCode extracts the stable code from err, or "" when none applies.
func ErrorCode(err error) string {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsParseError reports whether err is a plan parse failure.
func IsParseError(err error) bool {
	var me *MeshError
	return errors.As(err, &me) && me.Kind == KindParse
}

// IsBusinessLogicError reports whether err is a state-machine violation.
func IsBusinessLogicError(err error) bool {
	var me *MeshError
	return errors.As(err, &me) && me.Kind == KindBusinessLogic
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrApprovalNotFound) ||
		errors.Is(err, ErrSagaNotFound) ||
		ErrorCode(err) == CodeServiceNotFound
}

// IsCircuitOpen reports whether err was a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || ErrorCode(err) == CodeCircuitOpen
}

// IsTimeout reports whether err was a deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || ErrorCode(err) == CodeTimeout
}

// IsConfigurationError reports whether err is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError reports whether err is an invalid lifecycle transition.
func IsStateError(err error) bool {
	return errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrAlreadyRegistered)
}

// IsRetryable reports whether a failed call is worth retrying. Used by the
// circuit breaker classifier and the DLQ retry loop.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed) ||
		ErrorCode(err) == CodeTimeout ||
		ErrorCode(err) == CodeConnectFailed ||
		ErrorCode(err) == CodeRemoteServer
}
