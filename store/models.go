// Package store is the transactional workflow and event store. Every
// successful write appends a change event and announces it on the l01:events
// channel; subscribers key on event_id, so publication is best-effort and a
// failed publish never rolls back the write.
package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Workflow lifecycle states. Archived rows stay in the table but drop out of
// default listings.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowArchived WorkflowStatus = "archived"
)

// Execution lifecycle states.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCompensating    ExecutionStatus = "compensating"
)

// CompensationStatus tracks the compensation sweep on an execution.
type CompensationStatus string

const (
	CompensationNone      CompensationStatus = "none"
	CompensationPending   CompensationStatus = "pending"
	CompensationCompleted CompensationStatus = "completed"
)

// NodeStatus is the per-node-attempt state.
type NodeStatus string

const (
	NodePending     NodeStatus = "pending"
	NodeRunning     NodeStatus = "running"
	NodeCompleted   NodeStatus = "completed"
	NodeFailed      NodeStatus = "failed"
	NodeCompensated NodeStatus = "compensated"
)

// ApprovalStatus is the approval request state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// TriggerType selects how a workflow trigger fires.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
)

// WorkflowDefinition is the authored workflow aggregate. Version is free-form
// semver supplied by the author; the monotonic counter lives on Event.
type WorkflowDefinition struct {
	bun.BaseModel `bun:"table:workflow_definitions"`

	WorkflowID string                 `bun:"workflow_id,pk" json:"workflow_id"`
	UUID       string                 `bun:"uuid,notnull" json:"uuid"`
	Name       string                 `bun:"name,notnull" json:"name"`
	Version    string                 `bun:"version,notnull" json:"version"`
	Definition WorkflowGraph          `bun:"definition,type:jsonb" json:"definition"`
	Category   string                 `bun:"category" json:"category,omitempty"`
	Tags       []string               `bun:"tags,array" json:"tags,omitempty"`
	Status     WorkflowStatus         `bun:"status,notnull,default:'draft'" json:"status"`
	Visibility string                 `bun:"visibility" json:"visibility,omitempty"`
	Metadata   map[string]interface{} `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time              `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt  time.Time              `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// WorkflowGraph is the executable shape of a workflow definition.
type WorkflowGraph struct {
	Paradigm    string                 `json:"paradigm"`
	Nodes       []WorkflowNode         `json:"nodes"`
	Edges       []WorkflowEdge         `json:"edges"`
	EntryNodeID string                 `json:"entry_node_id"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type WorkflowNode struct {
	NodeID string                 `json:"node_id"`
	Type   string                 `json:"type"`
	Name   string                 `json:"name,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

type WorkflowEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowExecution is one run of a workflow. started_at is stamped exactly
// when status first becomes running; completed_at on any terminal transition.
type WorkflowExecution struct {
	bun.BaseModel `bun:"table:workflow_executions"`

	ExecutionID          string                 `bun:"execution_id,pk" json:"execution_id"`
	WorkflowID           string                 `bun:"workflow_id,notnull" json:"workflow_id"`
	WorkflowVersion      string                 `bun:"workflow_version" json:"workflow_version,omitempty"`
	InputParameters      map[string]interface{} `bun:"input_parameters,type:jsonb" json:"input_parameters,omitempty"`
	OutputResult         map[string]interface{} `bun:"output_result,type:jsonb" json:"output_result,omitempty"`
	Status               ExecutionStatus        `bun:"status,notnull,default:'pending'" json:"status"`
	CurrentNodeID        string                 `bun:"current_node_id" json:"current_node_id,omitempty"`
	ExecutionState       map[string]interface{} `bun:"execution_state,type:jsonb" json:"execution_state,omitempty"`
	CheckpointID         string                 `bun:"checkpoint_id" json:"checkpoint_id,omitempty"`
	CompensationRequired bool                   `bun:"compensation_required,notnull,default:false" json:"compensation_required"`
	CompensationStatus   CompensationStatus     `bun:"compensation_status,notnull,default:'none'" json:"compensation_status"`
	CompensatedNodes     []string               `bun:"compensated_nodes,array" json:"compensated_nodes,omitempty"`
	StartedAt            *time.Time             `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time             `bun:"completed_at" json:"completed_at,omitempty"`
	DurationMs           int64                  `bun:"duration_ms" json:"duration_ms,omitempty"`
	TraceID              string                 `bun:"trace_id" json:"trace_id,omitempty"`
	CreatedAt            time.Time              `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt            time.Time              `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// Terminal reports whether the execution can no longer change state on the
// happy path.
func (e *WorkflowExecution) Terminal() bool {
	return e.Status == ExecutionCompleted || e.Status == ExecutionFailed
}

// WorkflowNodeExecution is one attempt at one node within an execution.
type WorkflowNodeExecution struct {
	bun.BaseModel `bun:"table:workflow_node_executions"`

	NodeExecutionID    string                 `bun:"node_execution_id,pk" json:"node_execution_id"`
	ExecutionID        string                 `bun:"execution_id,notnull" json:"execution_id"`
	NodeID             string                 `bun:"node_id,notnull" json:"node_id"`
	NodeType           string                 `bun:"node_type" json:"node_type,omitempty"`
	Status             NodeStatus             `bun:"status,notnull,default:'pending'" json:"status"`
	InputData          map[string]interface{} `bun:"input_data,type:jsonb" json:"input_data,omitempty"`
	OutputData         map[string]interface{} `bun:"output_data,type:jsonb" json:"output_data,omitempty"`
	ErrorCode          string                 `bun:"error_code" json:"error_code,omitempty"`
	ErrorMessage       string                 `bun:"error_message" json:"error_message,omitempty"`
	RetryCount         int                    `bun:"retry_count,notnull,default:0" json:"retry_count"`
	MaxRetries         int                    `bun:"max_retries,notnull,default:0" json:"max_retries"`
	CompensationAction string                 `bun:"compensation_action" json:"compensation_action,omitempty"`
	Compensated        bool                   `bun:"compensated,notnull,default:false" json:"compensated"`
	StartedAt          *time.Time             `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time             `bun:"completed_at" json:"completed_at,omitempty"`
	DurationMs         int64                  `bun:"duration_ms" json:"duration_ms,omitempty"`
}

// WorkflowTrigger fires a workflow from events, schedules, or webhooks.
type WorkflowTrigger struct {
	bun.BaseModel `bun:"table:workflow_triggers"`

	TriggerID       string                 `bun:"trigger_id,pk" json:"trigger_id"`
	WorkflowID      string                 `bun:"workflow_id,notnull" json:"workflow_id"`
	TriggerType     TriggerType            `bun:"trigger_type,notnull" json:"trigger_type"`
	TriggerConfig   map[string]interface{} `bun:"trigger_config,type:jsonb" json:"trigger_config,omitempty"`
	Enabled         bool                   `bun:"enabled,notnull,default:true" json:"enabled"`
	LastTriggeredAt *time.Time             `bun:"last_triggered_at" json:"last_triggered_at,omitempty"`
	TriggerCount    int64                  `bun:"trigger_count,notnull,default:0" json:"trigger_count"`
	CreatedAt       time.Time              `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// ApprovalRequest pauses an execution until a human responds. A pending
// approval implies the parent execution is waiting_approval.
type ApprovalRequest struct {
	bun.BaseModel `bun:"table:workflow_approval_requests"`

	ApprovalID     string                 `bun:"approval_id,pk" json:"approval_id"`
	ExecutionID    string                 `bun:"execution_id,notnull" json:"execution_id"`
	NodeID         string                 `bun:"node_id" json:"node_id,omitempty"`
	RequestType    string                 `bun:"request_type" json:"request_type,omitempty"`
	RequestMessage string                 `bun:"request_message" json:"request_message,omitempty"`
	RequestData    map[string]interface{} `bun:"request_data,type:jsonb" json:"request_data,omitempty"`
	Status         ApprovalStatus         `bun:"status,notnull,default:'pending'" json:"status"`
	RespondedBy    string                 `bun:"responded_by" json:"responded_by,omitempty"`
	ResponseData   map[string]interface{} `bun:"response_data,type:jsonb" json:"response_data,omitempty"`
	RespondedAt    *time.Time             `bun:"responded_at" json:"responded_at,omitempty"`
	ExpiresAt      *time.Time             `bun:"expires_at" json:"expires_at,omitempty"`
	CreatedAt      time.Time              `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// Event is the append-only change notification row. Version is a monotonic
// counter per (aggregate_type, aggregate_id).
type Event struct {
	bun.BaseModel `bun:"table:events"`

	EventID       string                 `bun:"event_id,pk" json:"event_id"`
	EventType     string                 `bun:"event_type,notnull" json:"event_type"`
	AggregateType string                 `bun:"aggregate_type,notnull" json:"aggregate_type"`
	AggregateID   string                 `bun:"aggregate_id,notnull" json:"aggregate_id"`
	Payload       map[string]interface{} `bun:"payload,type:jsonb" json:"payload,omitempty"`
	Metadata      map[string]interface{} `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	Version       int64                  `bun:"version,notnull" json:"version"`
	Timestamp     time.Time              `bun:"timestamp,nullzero,notnull,default:current_timestamp" json:"timestamp"`
}

// SagaStatus is the saga lifecycle state.
type SagaStatus string

const (
	SagaPending      SagaStatus = "pending"
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaFailed       SagaStatus = "failed"
)

// SagaStepStatus is the per-step state within a saga.
type SagaStepStatus string

const (
	StepPending     SagaStepStatus = "pending"
	StepRunning     SagaStepStatus = "running"
	StepCompleted   SagaStepStatus = "completed"
	StepFailed      SagaStepStatus = "failed"
	StepCompensated SagaStepStatus = "compensated"
)

// SagaStep is one unit of work inside a saga with its compensation.
type SagaStep struct {
	StepID       string                 `json:"step_id"`
	Name         string                 `json:"name"`
	Action       map[string]interface{} `json:"action"`
	Compensation map[string]interface{} `json:"compensation,omitempty"`
	Status       SagaStepStatus         `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Saga is the persisted saga aggregate. On failure at step k the steps
// k-1..0 are compensated in reverse.
type Saga struct {
	bun.BaseModel `bun:"table:sagas"`

	SagaID        string     `bun:"saga_id,pk" json:"saga_id"`
	Name          string     `bun:"name,notnull" json:"name"`
	Steps         []SagaStep `bun:"steps,type:jsonb" json:"steps"`
	Status        SagaStatus `bun:"status,notnull,default:'pending'" json:"status"`
	CurrentStep   int        `bun:"current_step,notnull,default:0" json:"current_step"`
	CorrelationID string     `bun:"correlation_id" json:"correlation_id,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}
