package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agentmesh/agentmesh/core"
)

// CreateApproval persists a pending approval and, in the same transaction,
// parks the parent execution in waiting_approval.
func (s *Store) CreateApproval(ctx context.Context, approval *ApprovalRequest) error {
	if approval.ExecutionID == "" {
		return core.NewBusinessLogicError("store.CreateApproval", "execution_id is required")
	}
	if approval.ApprovalID == "" {
		approval.ApprovalID = "appr-" + uuid.NewString()
	}
	approval.Status = ApprovalPending
	approval.CreatedAt = time.Now().UTC()

	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		if _, err := tx.NewInsert().Model(approval).Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert approval: %w", err)
		}

		exec := new(WorkflowExecution)
		err := tx.NewSelect().Model(exec).
			Where("execution_id = ?", approval.ExecutionID).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: execution %s", core.ErrExecutionNotFound, approval.ExecutionID)
		}
		if err != nil {
			return nil, err
		}
		if err := ValidateExecutionTransition(exec.Status, ExecutionWaitingApproval); err != nil {
			return nil, err
		}
		_, err = tx.NewUpdate().Model((*WorkflowExecution)(nil)).
			Set("status = ?", ExecutionWaitingApproval).
			Set("updated_at = ?", time.Now().UTC()).
			Where("execution_id = ?", approval.ExecutionID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("park execution: %w", err)
		}

		created, err := s.appendEvent(ctx, tx, "workflow.approval.created", "approval", approval.ApprovalID,
			map[string]interface{}{"execution_id": approval.ExecutionID, "node_id": approval.NodeID})
		if err != nil {
			return nil, err
		}
		parked, err := s.appendEvent(ctx, tx, "workflow.execution.updated", "workflow_execution", approval.ExecutionID,
			map[string]interface{}{"from": string(exec.Status), "to": string(ExecutionWaitingApproval)})
		if err != nil {
			return nil, err
		}
		return []*Event{created, parked}, nil
	})
}

// GetApproval fetches one approval by id.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*ApprovalRequest, error) {
	approval := new(ApprovalRequest)
	err := s.db.NewSelect().Model(approval).Where("approval_id = ?", approvalID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval %s", core.ErrApprovalNotFound, approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return approval, nil
}

// ListPendingApprovals returns pending approvals, oldest first, optionally
// scoped to one execution.
func (s *Store) ListPendingApprovals(ctx context.Context, executionID string) ([]ApprovalRequest, error) {
	var approvals []ApprovalRequest
	q := s.db.NewSelect().Model(&approvals).
		Where("status = ?", ApprovalPending).
		Order("created_at ASC")
	if executionID != "" {
		q = q.Where("execution_id = ?", executionID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return approvals, nil
}

// RespondToApproval records the response. An approved response resumes the
// parent execution atomically; a rejected one leaves the execution state to
// the caller.
func (s *Store) RespondToApproval(ctx context.Context, approvalID string, response ApprovalStatus, respondedBy string, responseData map[string]interface{}) error {
	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		approval := new(ApprovalRequest)
		err := tx.NewSelect().Model(approval).
			Where("approval_id = ?", approvalID).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: approval %s", core.ErrApprovalNotFound, approvalID)
		}
		if err != nil {
			return nil, err
		}
		if err := ValidateApprovalResponse(approval.Status, response); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		_, err = tx.NewUpdate().Model((*ApprovalRequest)(nil)).
			Set("status = ?", response).
			Set("responded_by = ?", respondedBy).
			Set("response_data = ?", jsonValue(responseData)).
			Set("responded_at = ?", now).
			Where("approval_id = ?", approvalID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("respond to approval: %w", err)
		}

		events := []*Event{}
		responded, err := s.appendEvent(ctx, tx, "workflow.approval.responded", "approval", approvalID,
			map[string]interface{}{"response": string(response), "responded_by": respondedBy})
		if err != nil {
			return nil, err
		}
		events = append(events, responded)

		if response == ApprovalApproved {
			exec := new(WorkflowExecution)
			err := tx.NewSelect().Model(exec).
				Where("execution_id = ?", approval.ExecutionID).
				For("UPDATE").
				Scan(ctx)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: execution %s", core.ErrExecutionNotFound, approval.ExecutionID)
			}
			if err != nil {
				return nil, err
			}
			if err := ValidateExecutionTransition(exec.Status, ExecutionRunning); err != nil {
				return nil, err
			}
			_, err = tx.NewUpdate().Model((*WorkflowExecution)(nil)).
				Set("status = ?", ExecutionRunning).
				Set("updated_at = ?", now).
				Where("execution_id = ?", approval.ExecutionID).
				Exec(ctx)
			if err != nil {
				return nil, fmt.Errorf("resume execution: %w", err)
			}
			resumed, err := s.appendEvent(ctx, tx, "workflow.execution.updated", "workflow_execution", approval.ExecutionID,
				map[string]interface{}{"from": string(exec.Status), "to": string(ExecutionRunning)})
			if err != nil {
				return nil, err
			}
			events = append(events, resumed)
		}
		return events, nil
	})
}

// ExpireOldApprovals sweeps pending approvals past their expiry and returns
// how many were expired.
func (s *Store) ExpireOldApprovals(ctx context.Context) (int, error) {
	expired := 0
	err := s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		var stale []ApprovalRequest
		err := tx.NewSelect().Model(&stale).
			Where("status = ?", ApprovalPending).
			Where("expires_at IS NOT NULL").
			Where("expires_at < ?", time.Now().UTC()).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("find stale approvals: %w", err)
		}
		if len(stale) == 0 {
			return nil, nil
		}

		events := make([]*Event, 0, len(stale))
		for _, approval := range stale {
			_, err := tx.NewUpdate().Model((*ApprovalRequest)(nil)).
				Set("status = ?", ApprovalExpired).
				Where("approval_id = ?", approval.ApprovalID).
				Exec(ctx)
			if err != nil {
				return nil, fmt.Errorf("expire approval %s: %w", approval.ApprovalID, err)
			}
			event, err := s.appendEvent(ctx, tx, "workflow.approval.expired", "approval", approval.ApprovalID,
				map[string]interface{}{"execution_id": approval.ExecutionID})
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		}
		expired = len(stale)
		return events, nil
	})
	return expired, err
}
