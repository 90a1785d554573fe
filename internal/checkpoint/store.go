package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ref2vec/internal/atomicfile"
)

var (
	// ErrNotFound means no checkpoint exists for the run id
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt means the stored checkpoint failed validation on load
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrConcurrentRun means the checkpoint file changed underneath the
	// owning run, which indicates a second writer racing on the same run id
	ErrConcurrentRun = errors.New("concurrent run detected")
)

// Store defines the interface for checkpoint persistence
type Store interface {
	Save(cp *IngestionCheckpoint) error
	Load(runID string) (*IngestionCheckpoint, error)
	Exists(runID string) bool
	Delete(runID string) error
}

// FileStore persists checkpoints as one JSON file per run id. Writes go
// through a temp file in the same directory followed by an atomic rename,
// so a crash mid-write never leaves a half-written checkpoint visible.
type FileStore struct {
	dir string

	mu        sync.Mutex
	lastWrite map[string][32]byte // run id -> digest of last bytes written
}

// NewFileStore creates a file-backed checkpoint store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, lastWrite: make(map[string][32]byte)}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint-%s.json", runID))
}

// Save atomically writes the checkpoint. Before writing it verifies that
// the on-disk file is still the one this store wrote last; a mismatch or a
// disappearance means another writer owns the run id and Save fails with
// ErrConcurrentRun instead of silently overwriting foreign progress.
func (s *FileStore) Save(cp *IngestionCheckpoint) error {
	if cp.CorrelationID == "" {
		return fmt.Errorf("checkpoint has no correlation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.path(cp.CorrelationID)
	if prev, owned := s.lastWrite[cp.CorrelationID]; owned {
		onDisk, err := os.ReadFile(final)
		if err != nil {
			return fmt.Errorf("%w: checkpoint file for run %s vanished mid-run: %v",
				ErrConcurrentRun, cp.CorrelationID, err)
		}
		if sha256.Sum256(onDisk) != prev {
			return fmt.Errorf("%w: checkpoint file for run %s was modified by another writer",
				ErrConcurrentRun, cp.CorrelationID)
		}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := atomicfile.WriteFile(final, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	s.lastWrite[cp.CorrelationID] = sha256.Sum256(data)
	return nil
}

// Load reads and validates the checkpoint for a run id. A structurally
// invalid checkpoint returns an error wrapping ErrCorrupt; callers decide
// whether to warn-and-restart or abort.
func (s *FileStore) Load(runID string) (*IngestionCheckpoint, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp IngestionCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cp.CorrelationID != runID {
		return nil, fmt.Errorf("%w: file for run %s contains run %s", ErrCorrupt, runID, cp.CorrelationID)
	}
	return &cp, nil
}

// Exists reports whether a checkpoint file exists for the run id
func (s *FileStore) Exists(runID string) bool {
	_, err := os.Stat(s.path(runID))
	return err == nil
}

// Delete removes a run's checkpoint. Cleanup is caller-controlled; the
// store never deletes automatically.
func (s *FileStore) Delete(runID string) error {
	s.mu.Lock()
	delete(s.lastWrite, runID)
	s.mu.Unlock()

	if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
