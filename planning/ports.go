package planning

import "context"

// The orchestrator depends on its collaborators only through these port
// types; the bridge package supplies the production implementations and the
// composition root wires them.

// EventPublisher delivers pipeline lifecycle events to the mesh.
type EventPublisher interface {
	PublishPipelineEvent(ctx context.Context, event PipelineEvent) error
}

// ResultStore persists pipeline aggregates through the workflow store.
type ResultStore interface {
	StorePlan(ctx context.Context, plan *ParsedPlan) error
	StoreUnit(ctx context.Context, executionID string, unit AtomicUnit) error
	StoreValidation(ctx context.Context, executionID string, validation ValidationResult) error
	StoreExecution(ctx context.Context, result *PipelineResult) error
}

// UnitScore is an external quality judgment for one unit.
type UnitScore struct {
	Score           float64 `json:"score"`
	Assessment      string  `json:"assessment"`
	ValidationScore float64 `json:"validation_score"`
}

// UnitScorer scores a validated unit. The scoring bridge implements this;
// its result overrides the router's provisional heuristic.
type UnitScorer interface {
	ScoreUnit(ctx context.Context, unit AtomicUnit, validation ValidationResult) (UnitScore, error)
}
