package mesh

import (
	"context"
	"fmt"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/planning"
	"github.com/agentmesh/agentmesh/store"
)

// SagaStore is the persistence port for saga progress.
type SagaStore interface {
	CreateSaga(ctx context.Context, saga *store.Saga) error
	GetSaga(ctx context.Context, sagaID string) (*store.Saga, error)
	UpdateSaga(ctx context.Context, saga *store.Saga) error
}

// ActionExecutor performs one saga action kind. The action map carries the
// kind under "type" plus its parameters; the same shape drives compensation.
type ActionExecutor func(ctx context.Context, action map[string]interface{}) (map[string]interface{}, error)

// SagaOrchestrator runs ordered step lists with compensation on failure.
// Progress persists through the store port after every step so a crashed
// orchestrator leaves an inspectable trail.
type SagaOrchestrator struct {
	store     SagaStore
	publisher planning.EventPublisher
	executors map[string]ActionExecutor
	logger    core.Logger
}

// NewSagaOrchestrator wires a saga orchestrator. The publisher may be nil.
func NewSagaOrchestrator(sagaStore SagaStore, publisher planning.EventPublisher, logger core.Logger) *SagaOrchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &SagaOrchestrator{
		store:     sagaStore,
		publisher: publisher,
		executors: make(map[string]ActionExecutor),
		logger:    logger,
	}
}

// RegisterExecutor binds an action kind to its executor. Steps whose kind
// has no executor fail rather than silently succeed.
func (o *SagaOrchestrator) RegisterExecutor(kind string, executor ActionExecutor) {
	o.executors[kind] = executor
}

// CreateSaga persists a saga with every step pending and returns it.
func (o *SagaOrchestrator) CreateSaga(ctx context.Context, name string, steps []store.SagaStep, correlationID string) (*store.Saga, error) {
	saga := &store.Saga{
		Name:          name,
		Steps:         steps,
		CorrelationID: correlationID,
	}
	if err := o.store.CreateSaga(ctx, saga); err != nil {
		return nil, err
	}
	return saga, nil
}

// ExecuteSaga runs the saga's steps in order. On any step failure the
// previously completed steps are compensated in reverse and the saga ends
// failed; otherwise it ends completed.
func (o *SagaOrchestrator) ExecuteSaga(ctx context.Context, sagaID string) (*store.Saga, error) {
	saga, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if saga.Status != store.SagaPending {
		return nil, core.NewBusinessLogicError("mesh.ExecuteSaga",
			fmt.Sprintf("saga %s is %s, only pending sagas execute", sagaID, saga.Status))
	}

	saga.Status = store.SagaRunning
	o.persist(ctx, saga)
	o.emit(ctx, planning.EventPlanStarted, saga)

	failedAt := -1
	for i := range saga.Steps {
		saga.CurrentStep = i
		saga.Steps[i].Status = store.StepRunning
		o.persist(ctx, saga)

		result, err := o.perform(ctx, saga.Steps[i].Action)
		if err != nil {
			saga.Steps[i].Status = store.StepFailed
			saga.Steps[i].Error = err.Error()
			failedAt = i
			o.logger.Error("Saga step failed", map[string]interface{}{
				"saga_id": saga.SagaID,
				"step":    saga.Steps[i].Name,
				"error":   err.Error(),
			})
			break
		}
		saga.Steps[i].Status = store.StepCompleted
		saga.Steps[i].Result = result
		o.persist(ctx, saga)
	}

	if failedAt < 0 {
		saga.Status = store.SagaCompleted
		o.persist(ctx, saga)
		o.emit(ctx, planning.EventPlanCompleted, saga)
		return saga, nil
	}

	saga.Status = store.SagaCompensating
	o.persist(ctx, saga)
	o.compensate(ctx, saga, failedAt)

	saga.Status = store.SagaFailed
	o.persist(ctx, saga)
	o.emit(ctx, planning.EventPlanFailed, saga)
	return saga, nil
}

// compensate undoes completed steps before failedAt in reverse order.
// Compensation failures are logged and the sweep continues.
func (o *SagaOrchestrator) compensate(ctx context.Context, saga *store.Saga, failedAt int) {
	for i := failedAt - 1; i >= 0; i-- {
		step := &saga.Steps[i]
		if step.Status != store.StepCompleted {
			continue
		}
		if len(step.Compensation) == 0 {
			step.Status = store.StepCompensated
			o.persist(ctx, saga)
			continue
		}
		if _, err := o.perform(ctx, step.Compensation); err != nil {
			o.logger.Error("Saga compensation failed, continuing sweep", map[string]interface{}{
				"saga_id": saga.SagaID,
				"step":    step.Name,
				"error":   err.Error(),
			})
			continue
		}
		step.Status = store.StepCompensated
		o.persist(ctx, saga)
	}
}

// perform dispatches an action to its registered executor.
func (o *SagaOrchestrator) perform(ctx context.Context, action map[string]interface{}) (map[string]interface{}, error) {
	kind, _ := action["type"].(string)
	if kind == "" {
		return nil, core.NewBusinessLogicError("mesh.saga", "action has no type")
	}
	executor, ok := o.executors[kind]
	if !ok {
		return nil, core.NewBusinessLogicError("mesh.saga",
			fmt.Sprintf("no executor registered for action type %q", kind))
	}
	return executor(ctx, action)
}

func (o *SagaOrchestrator) persist(ctx context.Context, saga *store.Saga) {
	if err := o.store.UpdateSaga(ctx, saga); err != nil {
		o.logger.Warn("Saga persistence failed", map[string]interface{}{
			"saga_id": saga.SagaID,
			"error":   err.Error(),
		})
	}
}

func (o *SagaOrchestrator) emit(ctx context.Context, eventType string, saga *store.Saga) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.PublishPipelineEvent(ctx, planning.PipelineEvent{
		EventType:     eventType,
		CorrelationID: saga.CorrelationID,
		Payload:       map[string]interface{}{"saga_id": saga.SagaID, "status": string(saga.Status)},
	})
	if err != nil {
		o.logger.Warn("Saga event publish failed", map[string]interface{}{
			"saga_id": saga.SagaID,
			"error":   err.Error(),
		})
	}
}
