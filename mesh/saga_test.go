package mesh

import (
	"context"
	"errors"
	"testing"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/planning"
	"github.com/agentmesh/agentmesh/store"
)

// memorySagaStore keeps sagas in a map for tests.
type memorySagaStore struct {
	sagas map[string]*store.Saga
}

func newMemorySagaStore() *memorySagaStore {
	return &memorySagaStore{sagas: make(map[string]*store.Saga)}
}

func (m *memorySagaStore) CreateSaga(ctx context.Context, saga *store.Saga) error {
	if saga.SagaID == "" {
		saga.SagaID = "saga-1"
	}
	saga.Status = store.SagaPending
	for i := range saga.Steps {
		saga.Steps[i].Status = store.StepPending
	}
	copied := *saga
	m.sagas[saga.SagaID] = &copied
	return nil
}

func (m *memorySagaStore) GetSaga(ctx context.Context, sagaID string) (*store.Saga, error) {
	saga, ok := m.sagas[sagaID]
	if !ok {
		return nil, core.ErrSagaNotFound
	}
	copied := *saga
	copied.Steps = append([]store.SagaStep(nil), saga.Steps...)
	return &copied, nil
}

func (m *memorySagaStore) UpdateSaga(ctx context.Context, saga *store.Saga) error {
	copied := *saga
	copied.Steps = append([]store.SagaStep(nil), saga.Steps...)
	m.sagas[saga.SagaID] = &copied
	return nil
}

func action(kind, name string) map[string]interface{} {
	return map[string]interface{}{"type": kind, "name": name}
}

func newTestSaga(t *testing.T, pub planning.EventPublisher) (*SagaOrchestrator, *memorySagaStore) {
	t.Helper()
	ms := newMemorySagaStore()
	return NewSagaOrchestrator(ms, pub, nil), ms
}

func TestSagaHappyPath(t *testing.T) {
	orch, _ := newTestSaga(t, nil)

	var performed []string
	orch.RegisterExecutor("noop", func(ctx context.Context, a map[string]interface{}) (map[string]interface{}, error) {
		performed = append(performed, a["name"].(string))
		return map[string]interface{}{"done": a["name"]}, nil
	})

	saga, err := orch.CreateSaga(context.Background(), "provision", []store.SagaStep{
		{Name: "s1", Action: action("noop", "s1")},
		{Name: "s2", Action: action("noop", "s2")},
	}, "corr-1")
	if err != nil {
		t.Fatal(err)
	}

	final, err := orch.ExecuteSaga(context.Background(), saga.SagaID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != store.SagaCompleted {
		t.Fatalf("Expected completed, got %s", final.Status)
	}
	if len(performed) != 2 || performed[0] != "s1" || performed[1] != "s2" {
		t.Errorf("Steps must run in order: %v", performed)
	}
	for _, step := range final.Steps {
		if step.Status != store.StepCompleted {
			t.Errorf("Step %s not completed: %s", step.Name, step.Status)
		}
		if step.Result["done"] != step.Name {
			t.Errorf("Step %s result missing: %v", step.Name, step.Result)
		}
	}
}

func TestSagaCompensatesInReverse(t *testing.T) {
	orch, ms := newTestSaga(t, nil)

	var compensated []string
	orch.RegisterExecutor("work", func(ctx context.Context, a map[string]interface{}) (map[string]interface{}, error) {
		if a["name"] == "s3" {
			return nil, errors.New("downstream exploded")
		}
		return nil, nil
	})
	orch.RegisterExecutor("undo", func(ctx context.Context, a map[string]interface{}) (map[string]interface{}, error) {
		compensated = append(compensated, a["name"].(string))
		return nil, nil
	})

	saga, err := orch.CreateSaga(context.Background(), "rollout", []store.SagaStep{
		{Name: "s1", Action: action("work", "s1"), Compensation: action("undo", "s1")},
		{Name: "s2", Action: action("work", "s2"), Compensation: action("undo", "s2")},
		{Name: "s3", Action: action("work", "s3"), Compensation: action("undo", "s3")},
	}, "corr-2")
	if err != nil {
		t.Fatal(err)
	}

	final, err := orch.ExecuteSaga(context.Background(), saga.SagaID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != store.SagaFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	if len(compensated) != 2 || compensated[0] != "s2" || compensated[1] != "s1" {
		t.Errorf("Compensation must run in reverse order: %v", compensated)
	}
	if final.Steps[2].Status != store.StepFailed || final.Steps[2].Error == "" {
		t.Errorf("Failing step must record its error: %+v", final.Steps[2])
	}
	if final.Steps[0].Status != store.StepCompensated || final.Steps[1].Status != store.StepCompensated {
		t.Errorf("Completed steps must end compensated: %+v", final.Steps)
	}

	// The persisted row matches the returned terminal state.
	persisted, err := ms.GetSaga(context.Background(), saga.SagaID)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Status != store.SagaFailed {
		t.Errorf("Terminal state must persist, got %s", persisted.Status)
	}
}

func TestSagaCompensationFailureContinuesSweep(t *testing.T) {
	orch, _ := newTestSaga(t, nil)

	var compensated []string
	orch.RegisterExecutor("work", func(ctx context.Context, a map[string]interface{}) (map[string]interface{}, error) {
		if a["name"] == "s3" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	orch.RegisterExecutor("undo", func(ctx context.Context, a map[string]interface{}) (map[string]interface{}, error) {
		if a["name"] == "s2" {
			return nil, errors.New("undo failed")
		}
		compensated = append(compensated, a["name"].(string))
		return nil, nil
	})

	saga, _ := orch.CreateSaga(context.Background(), "sweep", []store.SagaStep{
		{Name: "s1", Action: action("work", "s1"), Compensation: action("undo", "s1")},
		{Name: "s2", Action: action("work", "s2"), Compensation: action("undo", "s2")},
		{Name: "s3", Action: action("work", "s3")},
	}, "")

	final, err := orch.ExecuteSaga(context.Background(), saga.SagaID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != store.SagaFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	if len(compensated) != 1 || compensated[0] != "s1" {
		t.Errorf("Sweep must continue past a failed compensation: %v", compensated)
	}
	if final.Steps[1].Status != store.StepCompleted {
		t.Errorf("A step whose compensation failed keeps its completed status: %s", final.Steps[1].Status)
	}
	if final.Steps[0].Status != store.StepCompensated {
		t.Errorf("Later compensations still apply: %s", final.Steps[0].Status)
	}
}

func TestSagaUnregisteredActionFails(t *testing.T) {
	orch, _ := newTestSaga(t, nil)

	saga, _ := orch.CreateSaga(context.Background(), "typo", []store.SagaStep{
		{Name: "s1", Action: action("nonexistent", "s1")},
	}, "")

	final, err := orch.ExecuteSaga(context.Background(), saga.SagaID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != store.SagaFailed {
		t.Errorf("Unregistered action kinds must fail the saga, got %s", final.Status)
	}
	if final.Steps[0].Error == "" {
		t.Error("The step must carry the unregistered-executor error")
	}
}

func TestSagaEmitsPlanVocabularyEvents(t *testing.T) {
	pub := &recordingSagaPublisher{}
	orch, _ := newTestSaga(t, pub)
	orch.RegisterExecutor("noop", func(ctx context.Context, a map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})

	saga, _ := orch.CreateSaga(context.Background(), "events", []store.SagaStep{
		{Name: "s1", Action: action("noop", "s1")},
	}, "corr-7")
	if _, err := orch.ExecuteSaga(context.Background(), saga.SagaID); err != nil {
		t.Fatal(err)
	}

	if len(pub.events) != 2 {
		t.Fatalf("Expected start and completion events, got %d", len(pub.events))
	}
	if pub.events[0].EventType != planning.EventPlanStarted ||
		pub.events[1].EventType != planning.EventPlanCompleted {
		t.Errorf("Sagas reuse the pipeline event vocabulary: %+v", pub.events)
	}
	for _, e := range pub.events {
		if e.Payload["saga_id"] != saga.SagaID {
			t.Errorf("Every saga event carries the saga id: %+v", e)
		}
		if e.CorrelationID != "corr-7" {
			t.Errorf("Correlation id must propagate: %+v", e)
		}
	}
}

func TestSagaRejectsReExecution(t *testing.T) {
	orch, _ := newTestSaga(t, nil)
	orch.RegisterExecutor("noop", func(ctx context.Context, a map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})

	saga, _ := orch.CreateSaga(context.Background(), "once", []store.SagaStep{
		{Name: "s1", Action: action("noop", "s1")},
	}, "")
	if _, err := orch.ExecuteSaga(context.Background(), saga.SagaID); err != nil {
		t.Fatal(err)
	}

	_, err := orch.ExecuteSaga(context.Background(), saga.SagaID)
	if !core.IsBusinessLogicError(err) {
		t.Errorf("Re-executing a terminal saga is a state violation, got %v", err)
	}
}

type recordingSagaPublisher struct {
	events []planning.PipelineEvent
}

func (r *recordingSagaPublisher) PublishPipelineEvent(ctx context.Context, event planning.PipelineEvent) error {
	r.events = append(r.events, event)
	return nil
}
