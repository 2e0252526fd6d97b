package store

import (
	"fmt"

	"github.com/agentmesh/agentmesh/core"
)

// executionTransitions is the allowed state machine for workflow executions.
// Terminal states have no outgoing edges.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:         {ExecutionRunning, ExecutionFailed},
	ExecutionRunning:         {ExecutionWaitingApproval, ExecutionCompleted, ExecutionFailed, ExecutionCompensating},
	ExecutionWaitingApproval: {ExecutionRunning, ExecutionFailed},
	ExecutionCompensating:    {ExecutionCompleted, ExecutionFailed},
}

// ValidateExecutionTransition rejects edges the execution state machine does
// not allow.
func ValidateExecutionTransition(from, to ExecutionStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return core.NewBusinessLogicError("store.transition",
		fmt.Sprintf("execution cannot move from %s to %s", from, to))
}

// ValidateApprovalResponse rejects responses to approvals that already left
// the pending state.
func ValidateApprovalResponse(current, response ApprovalStatus) error {
	if current != ApprovalPending {
		return core.NewBusinessLogicError("store.approval",
			fmt.Sprintf("approval is %s, only pending approvals accept a response", current))
	}
	if response != ApprovalApproved && response != ApprovalRejected {
		return core.NewBusinessLogicError("store.approval",
			fmt.Sprintf("invalid approval response %s", response))
	}
	return nil
}

// ValidateWorkflowTransition enforces the monotonic workflow lifecycle:
// draft → active → archived, with archived terminal.
func ValidateWorkflowTransition(from, to WorkflowStatus) error {
	if from == to {
		return nil
	}
	switch {
	case from == WorkflowDraft && (to == WorkflowActive || to == WorkflowArchived):
		return nil
	case from == WorkflowActive && to == WorkflowArchived:
		return nil
	}
	return core.NewBusinessLogicError("store.workflow",
		fmt.Sprintf("workflow cannot move from %s to %s", from, to))
}
