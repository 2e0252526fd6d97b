package planning

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agentmesh/agentmesh/core"
)

// Decomposer turns a ParsedPlan into a batch of AtomicUnits with generated
// acceptance criteria, complexity estimates, and a scrubbed dependency graph.
type Decomposer struct {
	logger core.Logger
}

// NewDecomposer creates a decomposer. A nil logger defaults to NoOp.
func NewDecomposer(logger core.Logger) *Decomposer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Decomposer{logger: logger}
}

// Decompose produces one AtomicUnit per step. Dependency ids that do not
// resolve to a unit in the same batch are dropped here, not at runtime.
func (d *Decomposer) Decompose(plan *ParsedPlan) []AtomicUnit {
	units := make([]AtomicUnit, 0, len(plan.Steps))
	ids := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		ids[step.ID] = true
	}

	for _, step := range plan.Steps {
		unit := AtomicUnit{
			ID:          step.ID,
			Title:       step.Title,
			Description: step.Description,
			Files:       step.Files,
			Phase:       step.Phase,
		}

		for _, dep := range step.Dependencies {
			if ids[dep] && dep != step.ID {
				unit.Dependencies = append(unit.Dependencies, dep)
			} else {
				d.logger.Debug("Dropping unresolved dependency", map[string]interface{}{
					"unit_id":    step.ID,
					"dependency": dep,
				})
			}
		}

		unit.AcceptanceCriteria = d.generateCriteria(step)
		unit.Complexity = classifyComplexity(unit)
		unit.EstimatedMinutes = estimatedMinutes(unit.Complexity)
		unit.CompensationAction = compensationAction(unit.Files)

		units = append(units, unit)
	}

	d.logger.Info("Plan decomposed", map[string]interface{}{
		"plan_id": plan.PlanID,
		"units":   len(units),
	})

	return units
}

// generateCriteria applies the generation order: explicit criteria first,
// then per-file existence checks capped at 3, then the manual sentinel.
func (d *Decomposer) generateCriteria(step ParsedStep) []Criterion {
	var criteria []Criterion

	for i, text := range step.AcceptanceCriteria {
		criteria = append(criteria, Criterion{
			ID:                fmt.Sprintf("%s-ac-%d", step.ID, i+1),
			Description:       text,
			ValidationCommand: ManualVerificationCommand,
			ExpectedResult:    "success",
			TimeoutSeconds:    30,
		})
	}
	if len(criteria) > 0 {
		return criteria
	}

	for i, file := range step.Files {
		if i >= 3 {
			break
		}
		criteria = append(criteria, Criterion{
			ID:                fmt.Sprintf("%s-ac-%d", step.ID, i+1),
			Description:       fmt.Sprintf("File %s exists and is valid", file),
			ValidationCommand: fileValidationCommand(file),
			ExpectedResult:    "success",
			TimeoutSeconds:    30,
		})
	}
	if len(criteria) > 0 {
		return criteria
	}

	return []Criterion{{
		ID:                fmt.Sprintf("%s-ac-1", step.ID),
		Description:       "Manual verification required",
		ValidationCommand: ManualVerificationCommand,
		ExpectedResult:    "success",
		TimeoutSeconds:    30,
	}}
}

func fileValidationCommand(file string) string {
	if filepath.Ext(file) == ".py" {
		return fmt.Sprintf("python -m py_compile %s", file)
	}
	return fmt.Sprintf("test -f %s", file)
}

func classifyComplexity(u AtomicUnit) Complexity {
	switch {
	case len(u.Files) > 3 || len(u.Description) > 500 || len(u.Dependencies) > 2:
		return ComplexityHigh
	case len(u.Files) > 1 || len(u.Description) > 200 || len(u.Dependencies) > 0:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

func estimatedMinutes(c Complexity) int {
	switch c {
	case ComplexityHigh:
		return 30
	case ComplexityMedium:
		return 20
	default:
		return 10
	}
}

func compensationAction(files []string) string {
	if len(files) == 0 {
		return "git checkout -- ."
	}
	return "git checkout -- " + strings.Join(files, " ")
}

// ExecutionOrder returns a topological sort of the batch. Cycles are broken
// by processing the first unvisited unit in input order; the break is logged,
// never fatal.
func (d *Decomposer) ExecutionOrder(units []AtomicUnit) []AtomicUnit {
	byID := make(map[string]*AtomicUnit, len(units))
	for i := range units {
		byID[units[i].ID] = &units[i]
	}

	visited := make(map[string]bool, len(units))
	inStack := make(map[string]bool, len(units))
	ordered := make([]AtomicUnit, 0, len(units))

	var visit func(u *AtomicUnit)
	visit = func(u *AtomicUnit) {
		if visited[u.ID] {
			return
		}
		if inStack[u.ID] {
			d.logger.Warn("Dependency cycle broken", map[string]interface{}{
				"unit_id": u.ID,
			})
			return
		}
		inStack[u.ID] = true
		for _, dep := range u.Dependencies {
			if target, ok := byID[dep]; ok {
				visit(target)
			}
		}
		inStack[u.ID] = false
		visited[u.ID] = true
		ordered = append(ordered, *u)
	}

	for i := range units {
		visit(&units[i])
	}
	return ordered
}
