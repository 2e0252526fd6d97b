package planning

// Pipeline lifecycle event types. The saga orchestrator reuses the plan
// vocabulary for its own lifecycle.
const (
	EventPlanStarted        = "PLAN_STARTED"
	EventPlanCompleted      = "PLAN_COMPLETED"
	EventPlanFailed         = "PLAN_FAILED"
	EventUnitStarted        = "UNIT_STARTED"
	EventUnitCompleted      = "UNIT_COMPLETED"
	EventUnitFailed         = "UNIT_FAILED"
	EventRollbackCompleted  = "ROLLBACK_COMPLETED"
	EventCheckpointCreated  = "CHECKPOINT_CREATED"
)

// PipelineEvent is one lifecycle notification emitted by the orchestrator.
// CorrelationID is always the execution id; within one execution events are
// emitted in lifecycle order with non-decreasing timestamps.
type PipelineEvent struct {
	EventType     string         `json:"event_type"`
	PlanID        string         `json:"plan_id,omitempty"`
	UnitID        string         `json:"unit_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}
