package planning

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// Validator runs every criterion's command for a unit and collects
// pass/fail/timeout/skipped outcomes.
type Validator struct {
	defaultTimeout time.Duration
	logger         core.Logger
}

// NewValidator creates a validator. A nil logger defaults to NoOp.
func NewValidator(defaultTimeout time.Duration, logger core.Logger) *Validator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Validator{defaultTimeout: defaultTimeout, logger: logger}
}

// Validate runs all criteria for unit under workingDir. Per-criterion
// ordering within a unit carries no meaning.
func (v *Validator) Validate(ctx context.Context, unit AtomicUnit, workingDir string) ValidationResult {
	start := time.Now()
	result := ValidationResult{
		UnitID: unit.ID,
		Passed: true,
	}

	for _, criterion := range unit.AcceptanceCriteria {
		cr := v.checkCriterion(ctx, criterion, workingDir)
		result.CriterionResults = append(result.CriterionResults, cr)
		if cr.Status != CriterionPassed && cr.Status != CriterionSkipped {
			result.Passed = false
		}
	}

	result.TotalDurationMs = time.Since(start).Milliseconds()
	if result.Passed {
		result.Status = UnitSuccess
	} else {
		result.Status = UnitFailed
	}

	v.logger.Info("Unit validated", map[string]interface{}{
		"unit_id":  unit.ID,
		"passed":   result.Passed,
		"criteria": len(result.CriterionResults),
	})
	return result
}

// ValidateBatch validates units, fanning out per unit when parallel is set.
func (v *Validator) ValidateBatch(ctx context.Context, units []AtomicUnit, workingDir string, parallel bool) []ValidationResult {
	results := make([]ValidationResult, len(units))

	if !parallel {
		for i, unit := range units {
			results[i] = v.Validate(ctx, unit, workingDir)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, unit := range units {
		wg.Add(1)
		go func(i int, unit AtomicUnit) {
			defer wg.Done()
			results[i] = v.Validate(ctx, unit, workingDir)
		}(i, unit)
	}
	wg.Wait()
	return results
}

func (v *Validator) checkCriterion(ctx context.Context, criterion Criterion, workingDir string) CriterionResult {
	result := CriterionResult{
		CriterionID: criterion.ID,
		Command:     criterion.ValidationCommand,
	}

	if criterion.ValidationCommand == "" || criterion.ValidationCommand == ManualVerificationCommand {
		result.Status = CriterionSkipped
		return result
	}

	timeout := v.defaultTimeout
	if criterion.TimeoutSeconds > 0 {
		timeout = time.Duration(criterion.TimeoutSeconds) * time.Second
	}

	start := time.Now()
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", criterion.ValidationCommand)
	cmd.Dir = workingDir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Output = stdout.String()
	result.DurationMs = time.Since(start).Milliseconds()

	if cmdCtx.Err() == context.DeadlineExceeded {
		result.Status = CriterionTimeout
		result.Error = fmt.Sprintf("timed out after %s", timeout)
		return result
	}

	switch {
	case criterion.ExpectedResult == "" || criterion.ExpectedResult == "success":
		if err == nil {
			result.Status = CriterionPassed
		} else {
			result.Status = CriterionFailed
			result.Error = strings.TrimSpace(stderr.String())
			if result.Error == "" {
				result.Error = err.Error()
			}
		}
	default:
		// Literal expectation: substring match against command output.
		if strings.Contains(result.Output, criterion.ExpectedResult) {
			result.Status = CriterionPassed
		} else {
			result.Status = CriterionFailed
			result.Error = fmt.Sprintf("output does not contain %q", criterion.ExpectedResult)
		}
	}
	return result
}
