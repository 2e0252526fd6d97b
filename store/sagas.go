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

// CreateSaga persists a new saga with all steps pending.
func (s *Store) CreateSaga(ctx context.Context, saga *Saga) error {
	if saga.Name == "" {
		return core.NewBusinessLogicError("store.CreateSaga", "saga name is required")
	}
	if len(saga.Steps) == 0 {
		return core.NewBusinessLogicError("store.CreateSaga", "saga needs at least one step")
	}
	if saga.SagaID == "" {
		saga.SagaID = "saga-" + uuid.NewString()
	}
	saga.Status = SagaPending
	for i := range saga.Steps {
		if saga.Steps[i].StepID == "" {
			saga.Steps[i].StepID = fmt.Sprintf("%s-step-%d", saga.SagaID, i+1)
		}
		saga.Steps[i].Status = StepPending
	}
	now := time.Now().UTC()
	saga.CreatedAt = now
	saga.UpdatedAt = now

	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		if _, err := tx.NewInsert().Model(saga).Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert saga: %w", err)
		}
		event, err := s.appendEvent(ctx, tx, "saga.created", "saga", saga.SagaID,
			map[string]interface{}{"name": saga.Name, "steps": len(saga.Steps)})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// GetSaga fetches one saga by id.
func (s *Store) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	saga := new(Saga)
	err := s.db.NewSelect().Model(saga).Where("saga_id = ?", sagaID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: saga %s", core.ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("get saga: %w", err)
	}
	return saga, nil
}

// UpdateSaga writes back the saga's progress.
func (s *Store) UpdateSaga(ctx context.Context, saga *Saga) error {
	saga.UpdatedAt = time.Now().UTC()
	return s.inTx(ctx, func(tx bun.Tx) ([]*Event, error) {
		res, err := tx.NewUpdate().Model(saga).
			Column("steps", "status", "current_step", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("update saga: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: saga %s", core.ErrSagaNotFound, saga.SagaID)
		}
		event, err := s.appendEvent(ctx, tx, "saga.updated", "saga", saga.SagaID,
			map[string]interface{}{"status": string(saga.Status), "current_step": saga.CurrentStep})
		if err != nil {
			return nil, err
		}
		return []*Event{event}, nil
	})
}

// ListSagas returns sagas for a correlation id, newest first.
func (s *Store) ListSagas(ctx context.Context, correlationID string, limit int) ([]Saga, error) {
	var sagas []Saga
	q := s.db.NewSelect().Model(&sagas).Order("created_at DESC")
	if correlationID != "" {
		q = q.Where("correlation_id = ?", correlationID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	return sagas, nil
}
