package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeExtraction(t *testing.T) {
	err := NewIntegrationError(CodeTimeout, "mesh.RouteRequest", "deadline exceeded", ErrTimeout)
	if got := ErrorCode(err); got != CodeTimeout {
		t.Errorf("ErrorCode = %q, want %q", got, CodeTimeout)
	}

	wrapped := fmt.Errorf("calling planner: %w", err)
	if got := ErrorCode(wrapped); got != CodeTimeout {
		t.Errorf("ErrorCode through wrapping = %q, want %q", got, CodeTimeout)
	}

	if got := ErrorCode(errors.New("plain")); got != "" {
		t.Errorf("ErrorCode for plain error = %q, want empty", got)
	}
}

func TestMeshErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		err  *MeshError
		want string
	}{
		{"op and cause", &MeshError{Op: "store.GetWorkflow", Err: errors.New("boom")}, "store.GetWorkflow: boom"},
		{"message only", &MeshError{Kind: KindBusinessLogic, Message: "approval not pending"}, "approval not pending"},
		{"cause only", &MeshError{Err: errors.New("boom")}, "boom"},
		{"kind fallback", &MeshError{Kind: KindParse}, "parse error"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("%s: Error() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestMeshErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewIntegrationError(CodeConnectFailed, "mesh.deliver", "", cause)
	if !errors.Is(err, cause) {
		t.Error("Integration error must unwrap to its cause")
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := []error{
		ErrServiceNotFound,
		fmt.Errorf("workflow wf-1: %w", ErrWorkflowNotFound),
		fmt.Errorf("execution: %w", ErrExecutionNotFound),
		ErrApprovalNotFound,
		ErrSagaNotFound,
		NewIntegrationError(CodeServiceNotFound, "mesh.SelectInstance", "no instances", nil),
	}
	for _, err := range notFound {
		if !IsNotFound(err) {
			t.Errorf("IsNotFound(%v) = false, want true", err)
		}
	}
	if IsNotFound(ErrTimeout) {
		t.Error("Timeout is not a not-found error")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		ErrTimeout,
		ErrConnectionFailed,
		NewIntegrationError(CodeRemoteServer, "mesh.RouteRequest", "upstream 503", nil),
		NewIntegrationError(CodeConnectFailed, "mesh.deliver", "", ErrConnectionFailed),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = false, want true", err)
		}
	}

	notRetryable := []error{
		NewIntegrationError(CodeRemoteClient, "mesh.RouteRequest", "upstream 400", nil),
		NewBusinessLogicError("store.RespondToApproval", "not pending"),
		ErrWorkflowNotFound,
	}
	for _, err := range notRetryable {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true, want false", err)
		}
	}
}

func TestKindPredicates(t *testing.T) {
	if !IsBusinessLogicError(NewBusinessLogicError("op", "bad transition")) {
		t.Error("Business logic errors must satisfy IsBusinessLogicError")
	}
	if !IsParseError(NewParseError("no steps found")) {
		t.Error("Parse errors must satisfy IsParseError")
	}
	if IsBusinessLogicError(NewParseError("no steps found")) {
		t.Error("Parse errors must not satisfy IsBusinessLogicError")
	}
	if !IsCircuitOpen(NewIntegrationError(CodeCircuitOpen, "mesh.RouteRequest", "open", ErrCircuitBreakerOpen)) {
		t.Error("Circuit rejections must satisfy IsCircuitOpen")
	}
	if !IsTimeout(NewIntegrationError(CodeTimeout, "mesh.RouteRequest", "", nil)) {
		t.Error("Coded timeouts must satisfy IsTimeout")
	}
}
