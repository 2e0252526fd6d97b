package planning

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFileT(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCheckpointCreateAndRestore(t *testing.T) {
	dir := t.TempDir()
	writeFileT(t, filepath.Join(dir, "a.txt"), "one")
	writeFileT(t, filepath.Join(dir, "nested", "b.txt"), "two")

	m := NewCheckpointManager(dir, nil)
	cp, err := m.CreateCheckpoint("pre-u1", "u1")
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if cp.Hash == "" || cp.CheckpointID == "" {
		t.Fatalf("Checkpoint incomplete: %+v", cp)
	}

	// Mutate the tree, then restore.
	writeFileT(t, filepath.Join(dir, "a.txt"), "changed")
	writeFileT(t, filepath.Join(dir, "new.txt"), "extra")
	if err := os.RemoveAll(filepath.Join(dir, "nested")); err != nil {
		t.Fatal(err)
	}

	if err := m.RestoreCheckpoint(cp.CheckpointID); err != nil {
		t.Fatalf("RestoreCheckpoint failed: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(data) != "one" {
		t.Errorf("a.txt should be restored, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(err) {
		t.Error("new.txt should be gone after restore")
	}
	data, _ = os.ReadFile(filepath.Join(dir, "nested", "b.txt"))
	if string(data) != "two" {
		t.Errorf("nested/b.txt should be restored, got %q", data)
	}

	// Restoration is idempotent.
	if err := m.RestoreCheckpoint(cp.CheckpointID); err != nil {
		t.Fatalf("Second restore failed: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(data) != "one" {
		t.Errorf("Idempotent restore broke a.txt: %q", data)
	}
}

func TestCheckpointRestoreUnknown(t *testing.T) {
	m := NewCheckpointManager(t.TempDir(), nil)
	if err := m.RestoreCheckpoint("ckpt-missing"); err == nil {
		t.Error("Restoring a missing checkpoint must fail")
	}
}

func TestRollbackExecutionPicksLatestResolvable(t *testing.T) {
	dir := t.TempDir()
	writeFileT(t, filepath.Join(dir, "state.txt"), "v1")

	m := NewCheckpointManager(dir, nil)
	first, err := m.CreateCheckpoint("pre-u1", "u1")
	if err != nil {
		t.Fatal(err)
	}

	writeFileT(t, filepath.Join(dir, "state.txt"), "v2")
	second, err := m.CreateCheckpoint("pre-u2", "u2")
	if err != nil {
		t.Fatal(err)
	}

	writeFileT(t, filepath.Join(dir, "state.txt"), "v3")

	results := []UnitResult{
		{UnitID: "u1", CheckpointID: first.CheckpointID, CheckpointHash: first.Hash},
		{UnitID: "u2", CheckpointID: second.CheckpointID, CheckpointHash: second.Hash},
	}

	restored, err := m.RollbackExecution(results)
	if err != nil {
		t.Fatalf("RollbackExecution failed: %v", err)
	}
	if restored != second.CheckpointID {
		t.Errorf("Rollback should restore the latest resolvable checkpoint, got %s", restored)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "state.txt"))
	if string(data) != "v2" {
		t.Errorf("Expected v2 after rollback, got %q", data)
	}
}
