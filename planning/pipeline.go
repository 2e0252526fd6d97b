package planning

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentmesh/agentmesh/core"
)

// workingDirLocks tracks directories owned by a running execution. Two
// executions sharing a working directory would corrupt each other's
// checkpoints, so contention fails fast at orchestrator start.
var workingDirLocks = struct {
	sync.Mutex
	dirs map[string]string
}{dirs: make(map[string]string)}

func lockWorkingDir(dir, executionID string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	workingDirLocks.Lock()
	defer workingDirLocks.Unlock()
	if owner, held := workingDirLocks.dirs[abs]; held {
		return fmt.Errorf("%w: held by execution %s", core.ErrWorkingDirLocked, owner)
	}
	workingDirLocks.dirs[abs] = executionID
	return nil
}

func unlockWorkingDir(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	workingDirLocks.Lock()
	delete(workingDirLocks.dirs, abs)
	workingDirLocks.Unlock()
}

// Orchestrator drives the parse → decompose → execute → validate → score
// state machine for one plan execution, emitting lifecycle events and
// persisting results through its ports.
type Orchestrator struct {
	parser     *Parser
	decomposer *Decomposer
	executor   *Executor
	validator  *Validator
	store      ResultStore
	publisher  EventPublisher
	scorer     UnitScorer
	logger     core.Logger
}

// OrchestratorDeps carries the orchestrator's collaborators. Store,
// publisher, and scorer may be nil; their failures never abort a pipeline.
type OrchestratorDeps struct {
	Executor  *Executor
	Validator *Validator
	Store     ResultStore
	Publisher EventPublisher
	Scorer    UnitScorer
	Logger    core.Logger
}

// NewOrchestrator wires a pipeline orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	executor := deps.Executor
	if executor == nil {
		executor = NewExecutor(DefaultExecutorConfig())
	}
	validator := deps.Validator
	if validator == nil {
		validator = NewValidator(0, logger)
	}
	return &Orchestrator{
		parser:     NewParser(logger),
		decomposer: NewDecomposer(logger),
		executor:   executor,
		validator:  validator,
		store:      deps.Store,
		publisher:  deps.Publisher,
		scorer:     deps.Scorer,
		logger:     logger,
	}
}

// Execute runs plan markdown through the full pipeline under execCtx.
// Parse and decompose failures abort with status failed; unit failures are
// recorded and, depending on stop_on_failure, skip the remainder.
func (o *Orchestrator) Execute(ctx context.Context, planMarkdown string, execCtx ExecutionContext) *PipelineResult {
	executionID := uuid.NewString()
	result := &PipelineResult{
		ExecutionID: executionID,
		Status:      PipelinePending,
		StartedAt:   time.Now().UTC(),
		Metadata:    map[string]any{},
	}

	tracer := otel.Tracer("agentmesh/planning")
	ctx, span := tracer.Start(ctx, "pipeline.execute")
	span.SetAttributes(attribute.String("execution_id", executionID))
	defer span.End()

	if err := lockWorkingDir(execCtx.WorkingDir, executionID); err != nil {
		result.Status = PipelineFailed
		result.Metadata["error"] = err.Error()
		o.finish(result)
		return result
	}
	defer unlockWorkingDir(execCtx.WorkingDir)

	// Parse.
	result.Status = PipelineParsing
	plan, err := o.parser.Parse(planMarkdown)
	if err != nil {
		result.Status = PipelineFailed
		result.Metadata["error"] = err.Error()
		o.publish(ctx, PipelineEvent{
			EventType:     EventPlanFailed,
			CorrelationID: executionID,
			Payload:       map[string]any{"error": err.Error()},
		}, result)
		o.finish(result)
		return result
	}
	result.PlanID = plan.PlanID

	o.publish(ctx, PipelineEvent{
		EventType:     EventPlanStarted,
		PlanID:        plan.PlanID,
		CorrelationID: executionID,
		Payload:       map[string]any{"title": plan.Title, "steps": len(plan.Steps)},
	}, result)
	o.storePlan(ctx, plan, result)

	// Decompose.
	result.Status = PipelineDecomposing
	units := o.decomposer.ExecutionOrder(o.decomposer.Decompose(plan))
	result.TotalUnits = len(units)

	checkpoints := NewCheckpointManager(execCtx.WorkingDir, o.logger)

	// Execute. Units in one wave share no dependencies, so their
	// validations may fan out when parallel_validation is set.
	result.Status = PipelineExecuting
	stopped := false
	for _, wave := range dependencyWaves(units) {
		waveResults := make([]UnitResult, len(wave))
		pending := make([]int, 0, len(wave))

		for i, unit := range wave {
			if stopped || ctx.Err() != nil {
				waveResults[i] = UnitResult{UnitID: unit.ID, Status: UnitSkipped}
				continue
			}
			unitResult, ok := o.executeUnit(ctx, unit, execCtx, checkpoints, result)
			waveResults[i] = unitResult
			if ok {
				pending = append(pending, i)
			} else if unitResult.Status == UnitFailed && execCtx.StopOnFailure {
				stopped = true
			}
		}

		if len(pending) > 0 {
			toValidate := make([]AtomicUnit, len(pending))
			for j, i := range pending {
				toValidate[j] = wave[i]
			}
			validations := o.validator.ValidateBatch(ctx, toValidate, execCtx.WorkingDir, execCtx.ParallelValidation)
			for j, i := range pending {
				o.finalizeUnit(ctx, wave[i], execCtx, validations[j], &waveResults[i], result)
				if waveResults[i].Status == UnitFailed && execCtx.StopOnFailure {
					stopped = true
				}
			}
		}

		for _, unitResult := range waveResults {
			result.UnitResults = append(result.UnitResults, unitResult)
			switch unitResult.Status {
			case UnitSuccess:
				result.PassedUnits++
			case UnitSkipped:
				result.SkippedUnits++
			default:
				result.FailedUnits++
			}
		}
	}

	// Score.
	result.Status = PipelineScoring
	result.AverageScore = averageScore(result.UnitResults)
	result.OverallAssessment = AssessmentFor(result.AverageScore)

	if result.FailedUnits == 0 || result.PassedUnits > 0 {
		result.Status = PipelineCompleted
	} else {
		result.Status = PipelineFailed
	}
	o.finish(result)

	eventType := EventPlanCompleted
	if result.Status == PipelineFailed {
		eventType = EventPlanFailed
	}
	o.publish(ctx, PipelineEvent{
		EventType:     eventType,
		PlanID:        plan.PlanID,
		CorrelationID: executionID,
		Payload: map[string]any{
			"total_units":   result.TotalUnits,
			"passed_units":  result.PassedUnits,
			"failed_units":  result.FailedUnits,
			"skipped_units": result.SkippedUnits,
			"average_score": result.AverageScore,
			"assessment":    string(result.OverallAssessment),
		},
	}, result)
	o.storeExecution(ctx, result)

	o.logger.Info("Pipeline finished", map[string]interface{}{
		"execution_id": executionID,
		"plan_id":      plan.PlanID,
		"status":       string(result.Status),
		"passed":       result.PassedUnits,
		"failed":       result.FailedUnits,
		"skipped":      result.SkippedUnits,
	})
	return result
}

// dependencyWaves groups a topologically ordered unit list into waves: a
// unit's wave is one past the deepest wave among its dependencies. Units
// within a wave are independent of each other, which lets their validations
// run as one batch. Ordering within each wave follows the input order.
func dependencyWaves(units []AtomicUnit) [][]AtomicUnit {
	waveOf := make(map[string]int, len(units))
	var waves [][]AtomicUnit
	for _, unit := range units {
		wave := 0
		for _, dep := range unit.Dependencies {
			if w, ok := waveOf[dep]; ok && w+1 > wave {
				wave = w + 1
			}
		}
		waveOf[unit.ID] = wave
		if wave == len(waves) {
			waves = append(waves, nil)
		}
		waves[wave] = append(waves[wave], unit)
	}
	return waves
}

// executeUnit performs the checkpoint → execute half of a unit's lifecycle.
// The returned bool reports whether the unit reached execution success and
// still needs validation and scoring.
func (o *Orchestrator) executeUnit(ctx context.Context, unit AtomicUnit, execCtx ExecutionContext, checkpoints *CheckpointManager, result *PipelineResult) (UnitResult, bool) {
	unitResult := UnitResult{UnitID: unit.ID, Status: UnitRunning}

	o.storeUnit(ctx, result.ExecutionID, unit, result)
	o.publish(ctx, PipelineEvent{
		EventType:     EventUnitStarted,
		PlanID:        result.PlanID,
		UnitID:        unit.ID,
		CorrelationID: result.ExecutionID,
	}, result)

	if cp, err := checkpoints.CreateCheckpoint("pre-"+unit.ID, unit.ID); err != nil {
		o.logger.Warn("Checkpoint creation failed", map[string]interface{}{
			"unit_id": unit.ID,
			"error":   err.Error(),
		})
		result.Metadata["checkpoint_error:"+unit.ID] = err.Error()
	} else {
		unitResult.CheckpointID = cp.CheckpointID
		unitResult.CheckpointHash = cp.Hash
		o.publish(ctx, PipelineEvent{
			EventType:     EventCheckpointCreated,
			PlanID:        result.PlanID,
			UnitID:        unit.ID,
			CorrelationID: result.ExecutionID,
			Payload:       map[string]any{"checkpoint_id": cp.CheckpointID, "hash": cp.Hash},
		}, result)
	}

	exec := o.executor.Execute(ctx, unit, execCtx)
	unitResult.Execution = &exec

	if ctx.Err() != nil {
		unitResult.Status = UnitSkipped
		return unitResult, false
	}

	if exec.Status != UnitSuccess && !execCtx.DryRun {
		unitResult.Status = UnitFailed
		o.publish(ctx, PipelineEvent{
			EventType:     EventUnitFailed,
			PlanID:        result.PlanID,
			UnitID:        unit.ID,
			CorrelationID: result.ExecutionID,
			Payload:       map[string]any{"error": exec.Error},
		}, result)
		return unitResult, false
	}

	return unitResult, true
}

// finalizeUnit stores the unit's validation, scores it, and settles its
// terminal status.
func (o *Orchestrator) finalizeUnit(ctx context.Context, unit AtomicUnit, execCtx ExecutionContext, validation ValidationResult, unitResult *UnitResult, result *PipelineResult) {
	unitResult.Validation = &validation
	o.storeValidation(ctx, result.ExecutionID, validation, result)

	score := o.scoreUnit(ctx, unit, validation)
	unitResult.Score = &score

	if validation.Passed && score >= execCtx.QualityThreshold {
		unitResult.Status = UnitSuccess
		o.publish(ctx, PipelineEvent{
			EventType:     EventUnitCompleted,
			PlanID:        result.PlanID,
			UnitID:        unit.ID,
			CorrelationID: result.ExecutionID,
			Payload:       map[string]any{"score": score},
		}, result)
	} else {
		unitResult.Status = UnitFailed
		o.publish(ctx, PipelineEvent{
			EventType:     EventUnitFailed,
			PlanID:        result.PlanID,
			UnitID:        unit.ID,
			CorrelationID: result.ExecutionID,
			Payload:       map[string]any{"score": score, "validation_passed": validation.Passed},
		}, result)
	}
}

// scoreUnit asks the scoring port; when it is absent or fails, a validation
// pass-rate fallback keeps the pipeline moving.
func (o *Orchestrator) scoreUnit(ctx context.Context, unit AtomicUnit, validation ValidationResult) float64 {
	if o.scorer != nil {
		if score, err := o.scorer.ScoreUnit(ctx, unit, validation); err == nil {
			return score.Score
		} else {
			o.logger.Warn("Scoring port failed, using validation fallback", map[string]interface{}{
				"unit_id": unit.ID,
				"error":   err.Error(),
			})
		}
	}
	return validationScore(validation)
}

// validationScore converts criterion outcomes to a 0-100 score. Skipped
// criteria count as passes so manual-only units stay above the threshold.
func validationScore(validation ValidationResult) float64 {
	if len(validation.CriterionResults) == 0 {
		return 0
	}
	passed := 0
	for _, cr := range validation.CriterionResults {
		if cr.Status == CriterionPassed || cr.Status == CriterionSkipped {
			passed++
		}
	}
	return 100 * float64(passed) / float64(len(validation.CriterionResults))
}

func averageScore(unitResults []UnitResult) float64 {
	sum := 0.0
	n := 0
	for _, ur := range unitResults {
		if ur.Score != nil {
			sum += *ur.Score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Rollback restores the most recent resolvable checkpoint for a finished
// execution, marks the result rolled back, and announces the rollback.
func (o *Orchestrator) Rollback(ctx context.Context, result *PipelineResult, checkpoints *CheckpointManager) error {
	result.Status = PipelineRecovering
	restored, err := checkpoints.RollbackExecution(result.UnitResults)
	if err != nil {
		result.Status = PipelineFailed
		return err
	}
	result.Status = PipelineRolledBack
	o.publish(ctx, PipelineEvent{
		EventType:     EventRollbackCompleted,
		PlanID:        result.PlanID,
		CorrelationID: result.ExecutionID,
		Payload:       map[string]any{"checkpoint_id": restored},
	}, result)
	o.storeExecution(ctx, result)
	return nil
}

func (o *Orchestrator) finish(result *PipelineResult) {
	result.CompletedAt = time.Now().UTC()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
}

// publish sends a lifecycle event; failures are logged and surfaced in the
// result metadata, never fatal.
func (o *Orchestrator) publish(ctx context.Context, event PipelineEvent, result *PipelineResult) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishPipelineEvent(ctx, event); err != nil {
		o.logger.Warn("Event publish failed", map[string]interface{}{
			"event_type": event.EventType,
			"error":      err.Error(),
		})
		result.Metadata["publish_error:"+event.EventType] = err.Error()
	}
}

func (o *Orchestrator) storePlan(ctx context.Context, plan *ParsedPlan, result *PipelineResult) {
	if o.store == nil {
		return
	}
	if err := o.store.StorePlan(ctx, plan); err != nil {
		o.recordStoreError(result, "store_plan", err)
	}
}

func (o *Orchestrator) storeUnit(ctx context.Context, executionID string, unit AtomicUnit, result *PipelineResult) {
	if o.store == nil {
		return
	}
	if err := o.store.StoreUnit(ctx, executionID, unit); err != nil {
		o.recordStoreError(result, "store_unit:"+unit.ID, err)
	}
}

func (o *Orchestrator) storeValidation(ctx context.Context, executionID string, validation ValidationResult, result *PipelineResult) {
	if o.store == nil {
		return
	}
	if err := o.store.StoreValidation(ctx, executionID, validation); err != nil {
		o.recordStoreError(result, "store_validation:"+validation.UnitID, err)
	}
}

func (o *Orchestrator) storeExecution(ctx context.Context, result *PipelineResult) {
	if o.store == nil {
		return
	}
	if err := o.store.StoreExecution(ctx, result); err != nil {
		o.recordStoreError(result, "store_execution", err)
	}
}

func (o *Orchestrator) recordStoreError(result *PipelineResult, op string, err error) {
	o.logger.Warn("Store call failed", map[string]interface{}{
		"op":    op,
		"error": err.Error(),
	})
	result.Metadata[op] = err.Error()
}
