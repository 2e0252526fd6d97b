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

// WorkflowFilter narrows workflow listings. Archived rows are excluded
// unless IncludeArchived is set.
type WorkflowFilter struct {
	Category        string
	Status          WorkflowStatus
	IncludeArchived bool
	Limit           int
	Offset          int
}

// CreateWorkflow persists a new definition in draft status (unless the
// caller set one) and announces workflow.created.
func (s *Store) CreateWorkflow(ctx context.Context, wf *WorkflowDefinition) error {
	if wf.Name == "" {
		return core.NewBusinessLogicError("store.CreateWorkflow", "workflow name is required")
	}
	if wf.WorkflowID == "" {
		wf.WorkflowID = "wf-" + uuid.NewString()
	}
	if wf.UUID == "" {
		wf.UUID = uuid.NewString()
	}
	if wf.Version == "" {
		wf.Version = "0.1.0"
	}
	if wf.Status == "" {
		wf.Status = WorkflowDraft
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		if _, err := tx.NewInsert().Model(wf).Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert workflow: %w", err)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.created", "workflow", wf.WorkflowID,
			map[string]interface{}{"name": wf.Name, "version": wf.Version, "status": string(wf.Status)})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// GetWorkflow fetches one definition by id.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	wf := new(WorkflowDefinition)
	err := s.db.NewSelect().Model(wf).Where("workflow_id = ?", workflowID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", core.ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns definitions matching the filter, newest first.
func (s *Store) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]WorkflowDefinition, error) {
	var workflows []WorkflowDefinition
	q := s.db.NewSelect().Model(&workflows).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	} else if !filter.IncludeArchived {
		q = q.Where("status != ?", WorkflowArchived)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return workflows, nil
}

// UpdateWorkflow replaces mutable fields of a definition and announces
// workflow.updated. Status changes go through the lifecycle validator.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *WorkflowDefinition) error {
	current, err := s.GetWorkflow(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	if err := ValidateWorkflowTransition(current.Status, wf.Status); err != nil {
		return err
	}
	wf.UpdatedAt = time.Now().UTC()

	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		res, err := tx.NewUpdate().
			Model(wf).
			Column("name", "version", "definition", "category", "tags", "status", "visibility", "metadata", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("update workflow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: workflow %s", core.ErrWorkflowNotFound, wf.WorkflowID)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.updated", "workflow", wf.WorkflowID,
			map[string]interface{}{"version": wf.Version, "status": string(wf.Status)})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// ArchiveWorkflow soft-deletes a definition. The row stays; listings skip it.
func (s *Store) ArchiveWorkflow(ctx context.Context, workflowID string) error {
	current, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := ValidateWorkflowTransition(current.Status, WorkflowArchived); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		_, err := tx.NewUpdate().
			Model((*WorkflowDefinition)(nil)).
			Set("status = ?", WorkflowArchived).
			Set("updated_at = ?", time.Now().UTC()).
			Where("workflow_id = ?", workflowID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive workflow: %w", err)
		}
		event, err := s.appendEvent(ctx, tx, "workflow.archived", "workflow", workflowID, nil)
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}
