package planning

import (
	"strings"
	"testing"
)

func TestDecomposeCriteriaGeneration(t *testing.T) {
	d := NewDecomposer(nil)
	plan := &ParsedPlan{
		PlanID: "p1",
		Steps: []ParsedStep{
			{ID: "step-1", Title: "explicit", AcceptanceCriteria: []string{"responds 200", "logs request"}},
			{ID: "step-2", Title: "files", Files: []string{"a.py", "b.txt", "c.txt", "d.txt"}},
			{ID: "step-3", Title: "bare"},
		},
	}

	units := d.Decompose(plan)

	if len(units[0].AcceptanceCriteria) != 2 {
		t.Errorf("Explicit criteria should map one-to-one, got %d", len(units[0].AcceptanceCriteria))
	}
	if len(units[1].AcceptanceCriteria) != 3 {
		t.Errorf("File criteria should cap at 3, got %d", len(units[1].AcceptanceCriteria))
	}
	if got := units[1].AcceptanceCriteria[0].ValidationCommand; got != "python -m py_compile a.py" {
		t.Errorf("Python files should use py_compile, got %q", got)
	}
	if got := units[1].AcceptanceCriteria[1].ValidationCommand; got != "test -f b.txt" {
		t.Errorf("Other files should use test -f, got %q", got)
	}
	if len(units[2].AcceptanceCriteria) != 1 || units[2].AcceptanceCriteria[0].Description != "Manual verification required" {
		t.Errorf("Bare step should get the manual sentinel, got %+v", units[2].AcceptanceCriteria)
	}
}

func TestDecomposeComplexityAndEstimates(t *testing.T) {
	d := NewDecomposer(nil)
	long := strings.Repeat("x", 501)
	medium := strings.Repeat("x", 201)
	plan := &ParsedPlan{Steps: []ParsedStep{
		{ID: "step-1", Description: long},
		{ID: "step-2", Description: medium},
		{ID: "step-3", Description: "tiny"},
		{ID: "step-4", Files: []string{"a", "b", "c", "d"}},
	}}

	units := d.Decompose(plan)

	expectations := []struct {
		complexity Complexity
		minutes    int
	}{
		{ComplexityHigh, 30},
		{ComplexityMedium, 20},
		{ComplexityLow, 10},
		{ComplexityHigh, 30},
	}
	for i, want := range expectations {
		if units[i].Complexity != want.complexity {
			t.Errorf("unit %d: expected %s, got %s", i, want.complexity, units[i].Complexity)
		}
		if units[i].EstimatedMinutes != want.minutes {
			t.Errorf("unit %d: expected %d minutes, got %d", i, want.minutes, units[i].EstimatedMinutes)
		}
	}
}

func TestDecomposeCompensationAction(t *testing.T) {
	d := NewDecomposer(nil)
	plan := &ParsedPlan{Steps: []ParsedStep{
		{ID: "step-1", Files: []string{"a.txt", "b.txt"}},
		{ID: "step-2"},
	}}
	units := d.Decompose(plan)

	if units[0].CompensationAction != "git checkout -- a.txt b.txt" {
		t.Errorf("Unexpected compensation %q", units[0].CompensationAction)
	}
	if units[1].CompensationAction != "git checkout -- ." {
		t.Errorf("Unexpected compensation %q", units[1].CompensationAction)
	}
}

func TestDecomposeDropsUnresolvedDependencies(t *testing.T) {
	d := NewDecomposer(nil)
	plan := &ParsedPlan{Steps: []ParsedStep{
		{ID: "step-1"},
		{ID: "step-2", Dependencies: []string{"step-1", "step-99", "step-2"}},
	}}
	units := d.Decompose(plan)

	// Dependency closure: every surviving id resolves within the batch.
	ids := map[string]bool{}
	for _, u := range units {
		ids[u.ID] = true
	}
	for _, u := range units {
		for _, dep := range u.Dependencies {
			if !ids[dep] {
				t.Errorf("Dependency %s of %s does not resolve", dep, u.ID)
			}
		}
	}
	if len(units[1].Dependencies) != 1 || units[1].Dependencies[0] != "step-1" {
		t.Errorf("Expected only step-1 to survive, got %v", units[1].Dependencies)
	}
}

func TestExecutionOrderTopological(t *testing.T) {
	d := NewDecomposer(nil)
	units := []AtomicUnit{
		{ID: "step-1", Dependencies: []string{"step-3"}},
		{ID: "step-2", Dependencies: []string{"step-1"}},
		{ID: "step-3"},
	}

	ordered := d.ExecutionOrder(units)

	pos := map[string]int{}
	for i, u := range ordered {
		pos[u.ID] = i
	}
	if pos["step-3"] > pos["step-1"] || pos["step-1"] > pos["step-2"] {
		t.Errorf("Order violates dependencies: %v", pos)
	}
}

func TestExecutionOrderBreaksCycles(t *testing.T) {
	d := NewDecomposer(nil)
	units := []AtomicUnit{
		{ID: "step-1", Dependencies: []string{"step-2"}},
		{ID: "step-2", Dependencies: []string{"step-1"}},
	}

	ordered := d.ExecutionOrder(units)

	if len(ordered) != 2 {
		t.Fatalf("Both units must be processed exactly once, got %d", len(ordered))
	}
	seen := map[string]int{}
	for _, u := range ordered {
		seen[u.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Unit %s processed %d times", id, n)
		}
	}
}
