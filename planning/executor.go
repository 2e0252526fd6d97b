package planning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// ExecutorConfig configures the unit executor.
type ExecutorConfig struct {
	// BackupDir receives pre-modification copies of files. Defaults to
	// <working_dir>/.agentmesh/backups.
	BackupDir string

	// DefaultTimeout bounds commands whose criterion carries no timeout.
	DefaultTimeout time.Duration

	// TestCommand runs test units. Defaults to pytest.
	TestCommand string

	Logger core.Logger
}

// DefaultExecutorConfig returns production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 60 * time.Second,
		TestCommand:    "pytest",
	}
}

// backupRecord remembers one backed-up file so restores can walk history
// in reverse.
type backupRecord struct {
	original string
	backup   string
}

// Executor performs real file, command, and test actions for atomic units,
// with sandbox confinement, backup-and-restore, and kill-on-deadline command
// execution.
type Executor struct {
	config ExecutorConfig
	logger core.Logger

	mu      sync.Mutex
	backups []backupRecord
}

// NewExecutor creates an executor with defaults applied.
func NewExecutor(config ExecutorConfig) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	if config.TestCommand == "" {
		config.TestCommand = "pytest"
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Executor{config: config, logger: logger}
}

// Execute runs one unit under execCtx. Errors are recorded in the result,
// never returned: the orchestrator decides whether to continue based on
// result.Status and the stop_on_failure option.
func (e *Executor) Execute(ctx context.Context, unit AtomicUnit, execCtx ExecutionContext) ExecutionResult {
	start := time.Now()
	result := ExecutionResult{
		UnitID:        unit.ID,
		Status:        UnitRunning,
		ExecutionType: inferExecutionType(unit),
	}

	if execCtx.DryRun {
		result.Status = UnitSuccess
		result.DryRun = true
		result.Output = fmt.Sprintf("Dry run: would execute %s as %s", unit.ID, result.ExecutionType)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	err := e.execute(ctx, unit, execCtx, &result)
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Status = UnitFailed
		result.Error = err.Error()
		e.logger.Warn("Unit execution failed", map[string]interface{}{
			"unit_id": unit.ID,
			"type":    string(result.ExecutionType),
			"error":   err.Error(),
		})
		return result
	}

	result.Status = UnitSuccess
	e.logger.Info("Unit executed", map[string]interface{}{
		"unit_id":     unit.ID,
		"type":        string(result.ExecutionType),
		"duration_ms": result.DurationMs,
	})
	return result
}

func (e *Executor) execute(ctx context.Context, unit AtomicUnit, execCtx ExecutionContext, result *ExecutionResult) error {
	switch result.ExecutionType {
	case ExecFileCreate:
		return e.createFiles(unit, execCtx, result)
	case ExecFileModify:
		return e.modifyFiles(unit, execCtx, result)
	case ExecFileDelete:
		return e.deleteFiles(unit, execCtx, result)
	case ExecTest:
		return e.runTests(ctx, unit, execCtx, result)
	case ExecCommand, ExecComposite:
		return e.runCriterionCommands(ctx, unit, execCtx, result)
	default:
		return fmt.Errorf("unsupported execution type %q", result.ExecutionType)
	}
}

// inferExecutionType classifies a unit: file names containing "test" select
// test execution, other files select creation, otherwise description
// keywords decide.
func inferExecutionType(unit AtomicUnit) ExecutionType {
	if len(unit.Files) > 0 {
		for _, f := range unit.Files {
			if strings.Contains(strings.ToLower(filepath.Base(f)), "test") {
				return ExecTest
			}
		}
		desc := strings.ToLower(unit.Description + " " + unit.Title)
		if strings.Contains(desc, "modify") || strings.Contains(desc, "update") || strings.Contains(desc, "change") {
			return ExecFileModify
		}
		if strings.Contains(desc, "delete") || strings.Contains(desc, "remove") {
			return ExecFileDelete
		}
		return ExecFileCreate
	}

	desc := strings.ToLower(unit.Description + " " + unit.Title)
	switch {
	case strings.Contains(desc, "test"):
		return ExecTest
	case strings.Contains(desc, "delete") || strings.Contains(desc, "remove"):
		return ExecFileDelete
	case strings.Contains(desc, "modify") || strings.Contains(desc, "update"):
		return ExecFileModify
	case strings.Contains(desc, "create") || strings.Contains(desc, "add"):
		return ExecFileCreate
	case strings.Contains(desc, "run") || strings.Contains(desc, "command"):
		return ExecCommand
	default:
		return ExecComposite
	}
}

// resolvePath resolves a unit file path under the working directory and
// enforces sandbox confinement before any I/O happens.
func (e *Executor) resolvePath(path string, execCtx ExecutionContext) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(execCtx.WorkingDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	if execCtx.Sandbox {
		root, err := filepath.Abs(execCtx.WorkingDir)
		if err != nil {
			return "", err
		}
		abs, err := filepath.Abs(resolved)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside sandbox %s", path, root)
		}
	}
	return resolved, nil
}

func (e *Executor) createFiles(unit AtomicUnit, execCtx ExecutionContext, result *ExecutionResult) error {
	content := execCtx.ContentVariable()
	var output []string

	for _, file := range unit.Files {
		target, err := e.resolvePath(file, execCtx)
		if err != nil {
			return err
		}
		if _, statErr := os.Stat(target); statErr == nil {
			output = append(output, "Exists: "+file)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parents for %s: %w", file, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", file, err)
		}
		result.FilesCreated = append(result.FilesCreated, file)
		output = append(output, "Created: "+file)
	}

	result.Output = strings.Join(output, "\n")
	return nil
}

func (e *Executor) modifyFiles(unit AtomicUnit, execCtx ExecutionContext, result *ExecutionResult) error {
	content := execCtx.ContentVariable()
	var output []string

	for _, file := range unit.Files {
		target, err := e.resolvePath(file, execCtx)
		if err != nil {
			return err
		}
		if _, statErr := os.Stat(target); statErr != nil {
			output = append(output, "Missing: "+file)
			continue
		}
		if err := e.backupFile(target, execCtx); err != nil {
			return fmt.Errorf("backup %s: %w", file, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", file, err)
		}
		result.FilesChanged = append(result.FilesChanged, file)
		output = append(output, "Modified: "+file)
	}

	result.Output = strings.Join(output, "\n")
	return nil
}

func (e *Executor) deleteFiles(unit AtomicUnit, execCtx ExecutionContext, result *ExecutionResult) error {
	var output []string

	for _, file := range unit.Files {
		target, err := e.resolvePath(file, execCtx)
		if err != nil {
			return err
		}
		if _, statErr := os.Stat(target); statErr != nil {
			output = append(output, "Missing: "+file)
			continue
		}
		if err := e.backupFile(target, execCtx); err != nil {
			return fmt.Errorf("backup %s: %w", file, err)
		}
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("delete %s: %w", file, err)
		}
		result.FilesDeleted = append(result.FilesDeleted, file)
		output = append(output, "Deleted: "+file)
	}

	result.Output = strings.Join(output, "\n")
	return nil
}

func (e *Executor) runTests(ctx context.Context, unit AtomicUnit, execCtx ExecutionContext, result *ExecutionResult) error {
	testCommand := execCtx.TestCommandVariable()
	if testCommand == "" {
		testCommand = e.config.TestCommand
	}
	if len(unit.Files) > 0 {
		// Paths are sandbox-checked before the command sees them.
		var files []string
		for _, f := range unit.Files {
			if _, err := e.resolvePath(f, execCtx); err != nil {
				return err
			}
			files = append(files, f)
		}
		testCommand = testCommand + " " + strings.Join(files, " ")
	}

	cmdResult := e.runCommand(ctx, testCommand, execCtx.WorkingDir, e.config.DefaultTimeout)
	result.CommandsRun = append(result.CommandsRun, cmdResult)
	result.Output = cmdResult.Stdout

	if cmdResult.TimedOut {
		return fmt.Errorf("test command timed out after %s", e.config.DefaultTimeout)
	}
	if cmdResult.ExitCode != 0 {
		return fmt.Errorf("test command exited %d: %s", cmdResult.ExitCode, strings.TrimSpace(cmdResult.Stderr))
	}
	return nil
}

func (e *Executor) runCriterionCommands(ctx context.Context, unit AtomicUnit, execCtx ExecutionContext, result *ExecutionResult) error {
	var output []string

	for _, criterion := range unit.AcceptanceCriteria {
		if criterion.ValidationCommand == "" || criterion.ValidationCommand == ManualVerificationCommand {
			continue
		}
		timeout := e.config.DefaultTimeout
		if criterion.TimeoutSeconds > 0 {
			timeout = time.Duration(criterion.TimeoutSeconds) * time.Second
		}

		cmdResult := e.runCommand(ctx, criterion.ValidationCommand, execCtx.WorkingDir, timeout)
		result.CommandsRun = append(result.CommandsRun, cmdResult)
		output = append(output, cmdResult.Stdout)

		if cmdResult.TimedOut {
			return fmt.Errorf("command %q timed out after %s", criterion.ValidationCommand, timeout)
		}
		if cmdResult.ExitCode != 0 {
			return fmt.Errorf("command %q exited %d", criterion.ValidationCommand, cmdResult.ExitCode)
		}
	}

	result.Output = strings.Join(output, "\n")
	return nil
}

// runCommand executes a shell command under dir with a wall-clock deadline.
// The process is killed on timeout and every CommandResult field is
// populated, including TimedOut, even on abnormal exit.
func (e *Executor) runCommand(ctx context.Context, command, dir string, timeout time.Duration) CommandResult {
	start := time.Now()
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		TimedOut:   cmdCtx.Err() == context.DeadlineExceeded,
		DurationMs: time.Since(start).Milliseconds(),
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	case cmd.ProcessState != nil:
		result.ExitCode = cmd.ProcessState.ExitCode()
	default:
		result.ExitCode = -1
		result.Stderr = err.Error()
	}
	return result
}

// backupFile copies path into the backup directory with a timestamped name
// and records the operation for reverse-order restores. One backup root
// serves the whole run.
func (e *Executor) backupFile(path string, execCtx ExecutionContext) error {
	backupDir := e.config.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(execCtx.WorkingDir, internalDir, "backups")
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}

	backupName := fmt.Sprintf("%s.%s.bak", filepath.Base(path), time.Now().Format("20060102-150405"))
	backupPath := filepath.Join(backupDir, backupName)

	if err := copyFile(path, backupPath); err != nil {
		return err
	}

	e.mu.Lock()
	e.backups = append(e.backups, backupRecord{original: path, backup: backupPath})
	e.mu.Unlock()

	e.logger.Debug("File backed up", map[string]interface{}{
		"path":   path,
		"backup": backupPath,
	})
	return nil
}

// RestoreFromBackup walks recorded operations in reverse and replaces path
// with its most recent backup. Returns false when no backup exists.
func (e *Executor) RestoreFromBackup(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := len(e.backups) - 1; i >= 0; i-- {
		record := e.backups[i]
		if record.original != path && filepath.Base(record.original) != path {
			continue
		}
		if err := copyFile(record.backup, record.original); err != nil {
			e.logger.Error("Backup restore failed", map[string]interface{}{
				"path":   record.original,
				"backup": record.backup,
				"error":  err.Error(),
			})
			return false
		}
		return true
	}
	return false
}

// ClearBackups forgets recorded backups. Idempotent.
func (e *Executor) ClearBackups() {
	e.mu.Lock()
	e.backups = nil
	e.mu.Unlock()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
