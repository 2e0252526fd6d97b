package planning

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testExecutor(t *testing.T, backupDir string) *Executor {
	t.Helper()
	cfg := DefaultExecutorConfig()
	cfg.BackupDir = backupDir
	return NewExecutor(cfg)
}

func TestExecuteDryRun(t *testing.T) {
	e := testExecutor(t, "")
	execCtx := DefaultExecutionContext(t.TempDir())
	execCtx.DryRun = true

	result := e.Execute(context.Background(), AtomicUnit{ID: "u1", Files: []string{"a.txt"}}, execCtx)

	if result.Status != UnitSuccess || !result.DryRun {
		t.Errorf("Dry run should succeed without I/O, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(execCtx.WorkingDir, "a.txt")); err == nil {
		t.Error("Dry run must not touch the filesystem")
	}
}

func TestExecuteFileCreate(t *testing.T) {
	dir := t.TempDir()
	e := testExecutor(t, "")
	execCtx := DefaultExecutionContext(dir)
	execCtx.Variables = map[string]any{"content": "hello"}

	unit := AtomicUnit{ID: "u1", Title: "Create files", Files: []string{"sub/a.txt"}}
	result := e.Execute(context.Background(), unit, execCtx)

	if result.Status != UnitSuccess {
		t.Fatalf("Expected success, got %s: %s", result.Status, result.Error)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "a.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("File content wrong: %q, %v", data, err)
	}
	if len(result.FilesCreated) != 1 {
		t.Errorf("FilesCreated not recorded: %v", result.FilesCreated)
	}

	// Existing files are skipped, not overwritten.
	execCtx.Variables["content"] = "overwrite"
	second := e.Execute(context.Background(), unit, execCtx)
	if !strings.Contains(second.Output, "Exists: sub/a.txt") {
		t.Errorf("Existing file should be reported, got %q", second.Output)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "sub", "a.txt"))
	if string(data) != "hello" {
		t.Error("Existing file must not be overwritten")
	}
}

func TestExecuteFileModifyWithBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backups")
	target := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(target, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := testExecutor(t, backupDir)
	execCtx := DefaultExecutionContext(dir)
	execCtx.Variables = map[string]any{"content": "B"}

	unit := AtomicUnit{ID: "u1", Title: "modify config", Description: "modify the file", Files: []string{"f.txt"}}
	result := e.Execute(context.Background(), unit, execCtx)

	if result.Status != UnitSuccess {
		t.Fatalf("Expected success, got %s: %s", result.Status, result.Error)
	}
	if result.ExecutionType != ExecFileModify {
		t.Errorf("Expected file_modify, got %s", result.ExecutionType)
	}

	data, _ := os.ReadFile(target)
	if string(data) != "B" {
		t.Errorf("File should contain B, got %q", data)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one backup, got %v (%v)", entries, err)
	}
	if !strings.HasPrefix(entries[0].Name(), "f.txt.") || !strings.HasSuffix(entries[0].Name(), ".bak") {
		t.Errorf("Backup name pattern wrong: %s", entries[0].Name())
	}
	backup, _ := os.ReadFile(filepath.Join(backupDir, entries[0].Name()))
	if string(backup) != "A" {
		t.Errorf("Backup should hold the original content, got %q", backup)
	}

	if !e.RestoreFromBackup("f.txt") {
		t.Fatal("RestoreFromBackup should report success")
	}
	data, _ = os.ReadFile(target)
	if string(data) != "A" {
		t.Errorf("Restore should bring back A, got %q", data)
	}

	e.ClearBackups()
	if e.RestoreFromBackup("f.txt") {
		t.Error("After ClearBackups nothing should restore")
	}
}

func TestBackupDefaultsToWorkingDirRoot(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "nested", "f.txt")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := testExecutor(t, "")
	execCtx := DefaultExecutionContext(dir)
	execCtx.Variables = map[string]any{"content": "B"}

	unit := AtomicUnit{ID: "u1", Title: "modify config", Description: "modify the file", Files: []string{"sub/nested/f.txt"}}
	result := e.Execute(context.Background(), unit, execCtx)
	if result.Status != UnitSuccess {
		t.Fatalf("Expected success, got %s: %s", result.Status, result.Error)
	}

	// Backups for nested files land under the run's single backup root,
	// not next to each file.
	root := filepath.Join(dir, internalDir, "backups")
	entries, err := os.ReadDir(root)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one backup under %s, got %v (%v)", root, entries, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub", "nested", internalDir)); err == nil {
		t.Error("No per-directory backup tree may appear beside the file")
	}
}

func TestExecuteSandboxViolation(t *testing.T) {
	dir := t.TempDir()
	e := testExecutor(t, "")
	execCtx := DefaultExecutionContext(dir)

	unit := AtomicUnit{ID: "u1", Files: []string{"/etc/passwd"}}
	result := e.Execute(context.Background(), unit, execCtx)

	if result.Status != UnitFailed {
		t.Fatalf("Expected failed, got %s", result.Status)
	}
	if !strings.Contains(result.Error, "outside sandbox") {
		t.Errorf("Error should mention the sandbox, got %q", result.Error)
	}
	if len(result.FilesCreated) != 0 {
		t.Error("No I/O may happen on a sandbox violation")
	}
}

func TestExecuteEscapingRelativePathBlocked(t *testing.T) {
	dir := t.TempDir()
	e := testExecutor(t, "")
	execCtx := DefaultExecutionContext(dir)

	unit := AtomicUnit{ID: "u1", Files: []string{"../escape.txt"}}
	result := e.Execute(context.Background(), unit, execCtx)

	if result.Status != UnitFailed || !strings.Contains(result.Error, "outside sandbox") {
		t.Errorf("Relative escape should be blocked, got %+v", result)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultExecutorConfig()
	cfg.DefaultTimeout = 200 * time.Millisecond
	e := NewExecutor(cfg)
	execCtx := DefaultExecutionContext(dir)

	unit := AtomicUnit{
		ID:          "u1",
		Title:       "run slow command",
		Description: "run the slow thing",
		AcceptanceCriteria: []Criterion{{
			ID:                "c1",
			ValidationCommand: "sleep 5",
			ExpectedResult:    "success",
		}},
	}
	result := e.Execute(context.Background(), unit, execCtx)

	if result.Status != UnitFailed {
		t.Fatalf("Expected failed on timeout, got %s", result.Status)
	}
	if len(result.CommandsRun) != 1 || !result.CommandsRun[0].TimedOut {
		t.Errorf("CommandResult.TimedOut must be set: %+v", result.CommandsRun)
	}
}

func TestExecuteFileDelete(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(target, []byte("bye"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := testExecutor(t, filepath.Join(dir, "backups"))
	execCtx := DefaultExecutionContext(dir)

	unit := AtomicUnit{ID: "u1", Title: "remove old file", Description: "delete it", Files: []string{"old.txt"}}
	result := e.Execute(context.Background(), unit, execCtx)

	if result.Status != UnitSuccess {
		t.Fatalf("Expected success, got %s: %s", result.Status, result.Error)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("File should be gone")
	}
	if !e.RestoreFromBackup("old.txt") {
		t.Error("Deleted file should restore from backup")
	}
}
