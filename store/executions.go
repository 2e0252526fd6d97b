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

// CreateExecution persists a pending execution for a workflow and announces
// workflow.execution.created.
func (s *Store) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	if exec.WorkflowID == "" {
		return core.NewBusinessLogicError("store.CreateExecution", "workflow_id is required")
	}
	if exec.ExecutionID == "" {
		exec.ExecutionID = "exec-" + uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = ExecutionPending
	}
	if exec.CompensationStatus == "" {
		exec.CompensationStatus = CompensationNone
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		if _, err := tx.NewInsert().Model(exec).Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert execution: %w", err)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.execution.created", "workflow_execution", exec.ExecutionID,
			map[string]interface{}{"workflow_id": exec.WorkflowID, "status": string(exec.Status)})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// GetExecution fetches one execution by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	exec := new(WorkflowExecution)
	err := s.db.NewSelect().Model(exec).Where("execution_id = ?", executionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", core.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions for a workflow, newest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]WorkflowExecution, error) {
	var execs []WorkflowExecution
	q := s.db.NewSelect().Model(&execs).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

// TransitionExecution moves an execution through its state machine.
// started_at is stamped exactly when the status first becomes running;
// completed_at and duration_ms on any terminal transition.
func (s *Store) TransitionExecution(ctx context.Context, executionID string, to ExecutionStatus, output map[string]interface{}) error {
	return s.transitionExecutionTx(ctx, nil, executionID, to, output)
}

// transitionExecutionTx performs the transition, reusing the caller's
// transaction when one is supplied (approvals couple their own write with the
// parent execution's transition atomically).
func (s *Store) transitionExecutionTx(ctx context.Context, outer *bun.Tx, executionID string, to ExecutionStatus, output map[string]interface{}) error {
	apply := func(tx bun.Tx) ([]*Event, error) {
		exec := new(WorkflowExecution)
		err := tx.NewSelect().Model(exec).
			Where("execution_id = ?", executionID).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: execution %s", core.ErrExecutionNotFound, executionID)
		}
		if err != nil {
			return nil, fmt.Errorf("lock execution: %w", err)
		}
		if err := ValidateExecutionTransition(exec.Status, to); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		q := tx.NewUpdate().Model((*WorkflowExecution)(nil)).
			Set("status = ?", to).
			Set("updated_at = ?", now).
			Where("execution_id = ?", executionID)
		if to == ExecutionRunning && exec.StartedAt == nil {
			q = q.Set("started_at = ?", now)
			exec.StartedAt = &now
		}
		if to == ExecutionCompleted || to == ExecutionFailed {
			q = q.Set("completed_at = ?", now)
			if exec.StartedAt != nil {
				q = q.Set("duration_ms = ?", now.Sub(*exec.StartedAt).Milliseconds())
			}
		}
		if output != nil {
			q = q.Set("output_result = ?", jsonValue(output))
		}
		if _, err := q.Exec(ctx); err != nil {
			return nil, fmt.Errorf("transition execution: %w", err)
		}

		event, err := s.appendEvent(ctx, tx, "workflow.execution.updated", "workflow_execution", executionID,
			map[string]interface{}{"from": string(exec.Status), "to": string(to)})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	}

	if outer != nil {
		events, err := apply(*outer)
		if err != nil {
			return err
		}
		for _, event := range events {
			s.announce(ctx, event)
		}
		return nil
	}
	return s.inTx(ctx, apply)
}

// SaveCheckpoint stores the execution state and checkpoint id on the row
// atomically.
func (s *Store) SaveCheckpoint(ctx context.Context, executionID, checkpointID string, state map[string]interface{}) error {
	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		res, err := tx.NewUpdate().Model((*WorkflowExecution)(nil)).
			Set("execution_state = ?", jsonValue(state)).
			Set("checkpoint_id = ?", checkpointID).
			Set("updated_at = ?", time.Now().UTC()).
			Where("execution_id = ?", executionID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: execution %s", core.ErrExecutionNotFound, executionID)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.execution.checkpointed", "workflow_execution", executionID,
			map[string]interface{}{"checkpoint_id": checkpointID})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// RecordNodeExecution upserts one node attempt row.
func (s *Store) RecordNodeExecution(ctx context.Context, node *WorkflowNodeExecution) error {
	if node.NodeExecutionID == "" {
		node.NodeExecutionID = "node-" + uuid.NewString()
	}
	_, err := s.db.NewInsert().Model(node).
		On("CONFLICT (node_execution_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("output_data = EXCLUDED.output_data").
		Set("error_code = EXCLUDED.error_code").
		Set("error_message = EXCLUDED.error_message").
		Set("retry_count = EXCLUDED.retry_count").
		Set("completed_at = EXCLUDED.completed_at").
		Set("duration_ms = EXCLUDED.duration_ms").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("record node execution: %w", err)
	}
	return nil
}

// MarkForCompensation flags an execution for the compensation sweep and
// moves it to compensating.
func (s *Store) MarkForCompensation(ctx context.Context, executionID string) error {
	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		exec := new(WorkflowExecution)
		err := tx.NewSelect().Model(exec).
			Where("execution_id = ?", executionID).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: execution %s", core.ErrExecutionNotFound, executionID)
		}
		if err != nil {
			return nil, err
		}
		if err := ValidateExecutionTransition(exec.Status, ExecutionCompensating); err != nil {
			return nil, err
		}
		_, err = tx.NewUpdate().Model((*WorkflowExecution)(nil)).
			Set("status = ?", ExecutionCompensating).
			Set("compensation_required = true").
			Set("compensation_status = ?", CompensationPending).
			Set("updated_at = ?", time.Now().UTC()).
			Where("execution_id = ?", executionID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("mark for compensation: %w", err)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.execution.compensating", "workflow_execution", executionID, nil)
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// RecordCompensatedNode appends the node to the execution's compensated list
// and marks its node rows compensated.
func (s *Store) RecordCompensatedNode(ctx context.Context, executionID, nodeID string) error {
	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		res, err := tx.NewUpdate().Model((*WorkflowExecution)(nil)).
			Set("compensated_nodes = array_append(compensated_nodes, ?)", nodeID).
			Set("updated_at = ?", time.Now().UTC()).
			Where("execution_id = ?", executionID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("record compensated node: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: execution %s", core.ErrExecutionNotFound, executionID)
		}
		_, err = tx.NewUpdate().Model((*WorkflowNodeExecution)(nil)).
			Set("compensated = true").
			Set("status = ?", NodeCompensated).
			Where("execution_id = ?", executionID).
			Where("node_id = ?", nodeID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("mark node compensated: %w", err)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.execution.node_compensated", "workflow_execution", executionID,
			map[string]interface{}{"node_id": nodeID})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// CompleteCompensation closes the compensation sweep and fails the
// execution terminally.
func (s *Store) CompleteCompensation(ctx context.Context, executionID string) error {
	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		exec := new(WorkflowExecution)
		err := tx.NewSelect().Model(exec).
			Where("execution_id = ?", executionID).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: execution %s", core.ErrExecutionNotFound, executionID)
		}
		if err != nil {
			return nil, err
		}
		if exec.Status != ExecutionCompensating {
			return nil, core.NewBusinessLogicError("store.CompleteCompensation",
				fmt.Sprintf("execution is %s, not compensating", exec.Status))
		}
		now := time.Now().UTC()
		q := tx.NewUpdate().Model((*WorkflowExecution)(nil)).
			Set("status = ?", ExecutionFailed).
			Set("compensation_status = ?", CompensationCompleted).
			Set("completed_at = ?", now).
			Set("updated_at = ?", now).
			Where("execution_id = ?", executionID)
		if exec.StartedAt != nil {
			q = q.Set("duration_ms = ?", now.Sub(*exec.StartedAt).Milliseconds())
		}
		if _, err := q.Exec(ctx); err != nil {
			return nil, fmt.Errorf("complete compensation: %w", err)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.execution.compensated", "workflow_execution", executionID, nil)
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}
