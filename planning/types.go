// Package planning implements the plan pipeline: markdown plans are parsed
// into a dependency graph of atomic units, decomposed, executed with
// checkpoint-based recovery, validated, and scored.
package planning

import "time"

// PlanFormat identifies the markdown dialect a plan was written in.
type PlanFormat string

const (
	FormatSimpleSteps PlanFormat = "simple_steps"
	FormatPhaseBased  PlanFormat = "phase_based"
)

// ParsedPlan is the immutable result of parsing a plan document.
type ParsedPlan struct {
	PlanID     string       `json:"plan_id"`
	Title      string       `json:"title"`
	Overview   string       `json:"overview"`
	FormatType PlanFormat   `json:"format_type"`
	Steps      []ParsedStep `json:"steps"`
}

// ParsedStep is one step extracted from a plan document. Dependency ids
// are local to the plan ("step-N").
type ParsedStep struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Files              []string `json:"files,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Phase              string   `json:"phase,omitempty"`
	Parallelizable     bool     `json:"parallelizable"`
}

// Complexity buckets for an atomic unit.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Criterion is one shell-executable validation attached to a unit.
type Criterion struct {
	ID                string `json:"id"`
	Description       string `json:"description"`
	ValidationCommand string `json:"validation_command"`
	ExpectedResult    string `json:"expected_result"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
}

// ManualVerificationCommand is the sentinel command the validator marks
// skipped instead of executing.
const ManualVerificationCommand = "echo 'Manual verification required'"

// AtomicUnit is the smallest independently validatable piece of a plan.
// Every id in Dependencies refers to another unit in the same batch;
// unresolved ids are dropped at decomposition.
type AtomicUnit struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	Files              []string    `json:"files,omitempty"`
	Dependencies       []string    `json:"dependencies,omitempty"`
	AcceptanceCriteria []Criterion `json:"acceptance_criteria"`
	Phase              string      `json:"phase,omitempty"`
	Complexity         Complexity  `json:"complexity"`
	EstimatedMinutes   int         `json:"estimated_minutes"`
	CompensationAction string      `json:"compensation_action"`
}

// UnitStatus is the lifecycle of one unit inside an execution.
type UnitStatus string

const (
	UnitPending UnitStatus = "pending"
	UnitRunning UnitStatus = "running"
	UnitSuccess UnitStatus = "success"
	UnitFailed  UnitStatus = "failed"
	UnitTimeout UnitStatus = "timeout"
	UnitSkipped UnitStatus = "skipped"
)

// ExecutionType classifies what the executor did for a unit.
type ExecutionType string

const (
	ExecFileCreate ExecutionType = "file_create"
	ExecFileModify ExecutionType = "file_modify"
	ExecFileDelete ExecutionType = "file_delete"
	ExecCommand    ExecutionType = "command"
	ExecTest       ExecutionType = "test"
	ExecComposite  ExecutionType = "composite"
)

// CommandResult records one shell command run by the executor or validator.
type CommandResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// ExecutionResult is the executor's outcome for one unit.
type ExecutionResult struct {
	UnitID        string          `json:"unit_id"`
	Status        UnitStatus      `json:"status"`
	ExecutionType ExecutionType   `json:"execution_type"`
	Output        string          `json:"output"`
	Error         string          `json:"error,omitempty"`
	FilesCreated  []string        `json:"files_created,omitempty"`
	FilesChanged  []string        `json:"files_changed,omitempty"`
	FilesDeleted  []string        `json:"files_deleted,omitempty"`
	CommandsRun   []CommandResult `json:"commands_run,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	DryRun        bool            `json:"dry_run,omitempty"`
}

// CriterionStatus is the outcome of one criterion check.
type CriterionStatus string

const (
	CriterionPassed  CriterionStatus = "passed"
	CriterionFailed  CriterionStatus = "failed"
	CriterionTimeout CriterionStatus = "timeout"
	CriterionSkipped CriterionStatus = "skipped"
)

// CriterionResult records one criterion check inside a validation run.
type CriterionResult struct {
	CriterionID string          `json:"criterion_id"`
	Status      CriterionStatus `json:"status"`
	Command     string          `json:"command"`
	Output      string          `json:"output"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// ValidationResult aggregates criterion checks for one unit. Passed is the
// AND over criteria where anything outside {passed, skipped} counts as
// failure.
type ValidationResult struct {
	UnitID           string            `json:"unit_id"`
	Passed           bool              `json:"passed"`
	Status           UnitStatus        `json:"status"`
	CriterionResults []CriterionResult `json:"criterion_results"`
	TotalDurationMs  int64             `json:"total_duration_ms"`
}

// Checkpoint references a restorable working-tree snapshot.
type Checkpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	Hash         string    `json:"hash"`
	UnitID       string    `json:"unit_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// PipelineStatus is the phase machine state of one pipeline execution.
type PipelineStatus string

const (
	PipelinePending     PipelineStatus = "pending"
	PipelineParsing     PipelineStatus = "parsing"
	PipelineDecomposing PipelineStatus = "decomposing"
	PipelineExecuting   PipelineStatus = "executing"
	PipelineValidating  PipelineStatus = "validating"
	PipelineScoring     PipelineStatus = "scoring"
	PipelineRecovering  PipelineStatus = "recovering"
	PipelineCompleted   PipelineStatus = "completed"
	PipelineFailed      PipelineStatus = "failed"
	PipelineRolledBack  PipelineStatus = "rolled_back"
)

// Assessment buckets the average score of an execution.
type Assessment string

const (
	AssessmentExcellent  Assessment = "excellent"
	AssessmentGood       Assessment = "good"
	AssessmentAcceptable Assessment = "acceptable"
	AssessmentWarning    Assessment = "warning"
	AssessmentCritical   Assessment = "critical"
)

// AssessmentFor maps an average score to its bucket.
func AssessmentFor(score float64) Assessment {
	switch {
	case score >= 90:
		return AssessmentExcellent
	case score >= 80:
		return AssessmentGood
	case score >= 70:
		return AssessmentAcceptable
	case score >= 60:
		return AssessmentWarning
	default:
		return AssessmentCritical
	}
}

// UnitResult is the per-unit record inside a PipelineResult.
type UnitResult struct {
	UnitID         string            `json:"unit_id"`
	Status         UnitStatus        `json:"status"`
	CheckpointID   string            `json:"checkpoint_id,omitempty"`
	CheckpointHash string            `json:"checkpoint_hash,omitempty"`
	Execution      *ExecutionResult  `json:"execution,omitempty"`
	Validation     *ValidationResult `json:"validation,omitempty"`
	Score          *float64          `json:"score,omitempty"`
}

// PipelineResult is the orchestrator's record for one execution.
type PipelineResult struct {
	ExecutionID       string         `json:"execution_id"`
	PlanID            string         `json:"plan_id"`
	Status            PipelineStatus `json:"status"`
	UnitResults       []UnitResult   `json:"unit_results"`
	TotalUnits        int            `json:"total_units"`
	PassedUnits       int            `json:"passed_units"`
	FailedUnits       int            `json:"failed_units"`
	SkippedUnits      int            `json:"skipped_units"`
	AverageScore      float64        `json:"average_score"`
	OverallAssessment Assessment     `json:"overall_assessment"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       time.Time      `json:"completed_at"`
	DurationMs        int64          `json:"duration_ms"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Success reports whether the execution completed with no failed units.
func (r *PipelineResult) Success() bool {
	return r.Status == PipelineCompleted && r.FailedUnits == 0
}
