package planning

// ExecutionContext carries the caller-supplied options for one pipeline
// execution. The working directory is owned by exactly one execution at a
// time; the orchestrator fails fast on contention.
type ExecutionContext struct {
	WorkingDir         string         `json:"working_dir"`
	DryRun             bool           `json:"dry_run"`
	Sandbox            bool           `json:"sandbox"`
	StopOnFailure      bool           `json:"stop_on_failure"`
	ParallelValidation bool           `json:"parallel_validation"`
	QualityThreshold   float64        `json:"quality_threshold"`
	Variables          map[string]any `json:"variables,omitempty"`
}

// DefaultExecutionContext returns the documented option defaults for dir.
func DefaultExecutionContext(dir string) ExecutionContext {
	return ExecutionContext{
		WorkingDir:       dir,
		Sandbox:          true,
		StopOnFailure:    true,
		QualityThreshold: 70.0,
	}
}

// ContentVariable returns the file content supplied through Variables, if any.
func (c ExecutionContext) ContentVariable() string {
	if c.Variables == nil {
		return ""
	}
	if s, ok := c.Variables["content"].(string); ok {
		return s
	}
	return ""
}

// TestCommandVariable returns the test command override, if any.
func (c ExecutionContext) TestCommandVariable() string {
	if c.Variables == nil {
		return ""
	}
	if s, ok := c.Variables["test_command"].(string); ok {
		return s
	}
	return ""
}
