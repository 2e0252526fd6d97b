package planning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/core"
)

// internalDir holds checkpoints and backups inside the working tree; it is
// excluded from snapshots so restores never recurse into themselves.
const internalDir = ".agentmesh"

// CheckpointManager snapshots the working tree before each unit and restores
// it on rollback. Snapshots are plain directory copies under
// <working_dir>/.agentmesh/checkpoints/<id>, restorable byte-for-byte.
type CheckpointManager struct {
	workingDir string
	logger     core.Logger

	mu          sync.Mutex
	checkpoints []Checkpoint
}

// NewCheckpointManager creates a manager for workingDir.
func NewCheckpointManager(workingDir string, logger core.Logger) *CheckpointManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CheckpointManager{workingDir: workingDir, logger: logger}
}

func (m *CheckpointManager) checkpointRoot() string {
	return filepath.Join(m.workingDir, internalDir, "checkpoints")
}

// CreateCheckpoint snapshots the working tree and returns its record.
func (m *CheckpointManager) CreateCheckpoint(name, unitID string) (Checkpoint, error) {
	id := fmt.Sprintf("ckpt-%s", uuid.NewString()[:8])
	dest := filepath.Join(m.checkpointRoot(), id)

	if err := copyTree(m.workingDir, dest); err != nil {
		return Checkpoint{}, fmt.Errorf("snapshot working tree: %w", err)
	}

	hash, err := hashTree(dest)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("hash snapshot: %w", err)
	}

	cp := Checkpoint{
		CheckpointID: id,
		Hash:         hash,
		UnitID:       unitID,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.checkpoints = append(m.checkpoints, cp)
	m.mu.Unlock()

	m.logger.Info("Checkpoint created", map[string]interface{}{
		"checkpoint_id": id,
		"unit_id":       unitID,
		"name":          name,
		"hash":          hash,
	})
	return cp, nil
}

// RestoreCheckpoint reverts the working tree to the snapshot. Idempotent:
// restoring an already-restored checkpoint is a no-op on the tree content.
func (m *CheckpointManager) RestoreCheckpoint(checkpointID string) error {
	src := filepath.Join(m.checkpointRoot(), checkpointID)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("checkpoint %s: %w", checkpointID, os.ErrNotExist)
	}

	// Clear everything except the internal directory, then copy back.
	entries, err := os.ReadDir(m.workingDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Name() == internalDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.workingDir, entry.Name())); err != nil {
			return err
		}
	}

	if err := copyTree(src, m.workingDir); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", checkpointID, err)
	}

	m.logger.Info("Checkpoint restored", map[string]interface{}{
		"checkpoint_id": checkpointID,
	})
	return nil
}

// Resolve reports whether a checkpoint hash still resolves to a snapshot.
func (m *CheckpointManager) Resolve(hash string) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints {
		if cp.Hash == hash {
			if _, err := os.Stat(filepath.Join(m.checkpointRoot(), cp.CheckpointID)); err == nil {
				return cp, true
			}
		}
	}
	return Checkpoint{}, false
}

// Checkpoints returns the records ordered by creation.
func (m *CheckpointManager) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}

// RollbackExecution walks unit results in reverse and restores the first
// checkpoint whose hash still resolves. Returns the restored checkpoint id,
// or "" when nothing could be restored.
func (m *CheckpointManager) RollbackExecution(unitResults []UnitResult) (string, error) {
	for i := len(unitResults) - 1; i >= 0; i-- {
		hash := unitResults[i].CheckpointHash
		if hash == "" {
			continue
		}
		cp, ok := m.Resolve(hash)
		if !ok {
			continue
		}
		if err := m.RestoreCheckpoint(cp.CheckpointID); err != nil {
			return "", err
		}
		return cp.CheckpointID, nil
	}
	return "", nil
}

// copyTree copies src into dest, skipping the internal directory.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0o755)
		}
		if d.IsDir() && d.Name() == internalDir {
			return filepath.SkipDir
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyFile(path, target)
	})
}

// hashTree computes a deterministic content hash over relative paths and
// file bytes.
func hashTree(root string) (string, error) {
	type fileEntry struct {
		rel  string
		path string
	}
	var files []fileEntry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, fileEntry{rel: rel, path: path})
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(strings.ReplaceAll(f.rel, string(filepath.Separator), "/")))
		data, err := os.ReadFile(f.path)
		if err != nil {
			return "", err
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
