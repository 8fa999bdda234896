// Package checkpoint persists per-run conversation state so a run can be
// suspended and resumed. Each run owns a latest-checkpoint file plus an
// optional per-step history directory:
//
//	sessions/<session_key>/runs/<run_id>/checkpoint.latest.json
//	sessions/<session_key>/runs/<run_id>/checkpoint/step_NNNN.json
//
// Writes go to a temporary file and rename into place, so readers never see
// a torn checkpoint.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Sentinel errors for checkpoint operations.
var (
	// ErrNoCheckpoint indicates no latest checkpoint exists for the run.
	ErrNoCheckpoint = errors.New("no checkpoint")

	// ErrCorruptCheckpoint indicates a checkpoint file exists but cannot
	// be decoded.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	// ErrInvalidStepID indicates a historical step id not matching step_NNNN.
	ErrInvalidStepID = errors.New("invalid step id")
)

// StoreError is a typed storage failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Store manages checkpoint files for all runs under a data root.
type Store struct {
	root string

	// Per-run locks serialize load-modify-write cycles (AppendToolResults
	// under concurrent sibling fan-in).
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) runLock(sessionKey, runID string) *sync.Mutex {
	key := sessionKey + "/" + runID
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *Store) runDir(sessionKey, runID string) string {
	return filepath.Join(s.root, "sessions", sessionKey, "runs", runID)
}

func (s *Store) latestPath(sessionKey, runID string) string {
	return filepath.Join(s.runDir(sessionKey, runID), "checkpoint.latest.json")
}

func (s *Store) historyDir(sessionKey, runID string) string {
	return filepath.Join(s.runDir(sessionKey, runID), "checkpoint")
}

// SaveLatest validates and atomically overwrites the run's latest checkpoint.
func (s *Store) SaveLatest(sessionKey string, cp *models.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	lock := s.runLock(sessionKey, cp.RunID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeLatestLocked(sessionKey, cp)
}

func (s *Store) writeLatestLocked(sessionKey string, cp *models.Checkpoint) error {
	cp.SavedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return &StoreError{Op: "marshal", Err: err}
	}

	dir := s.runDir(sessionKey, cp.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StoreError{Op: "mkdir", Err: err}
	}

	path := s.latestPath(sessionKey, cp.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &StoreError{Op: "rename", Err: err}
	}
	return nil
}

// LoadLatest returns the run's latest checkpoint, ErrNoCheckpoint if none
// exists, or ErrCorruptCheckpoint if the file cannot be decoded.
func (s *Store) LoadLatest(sessionKey, runID string) (*models.Checkpoint, error) {
	raw, err := os.ReadFile(s.latestPath(sessionKey, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, &StoreError{Op: "read", Err: err}
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	return &cp, nil
}

// DeleteLatest removes the latest checkpoint. Deleting a missing checkpoint
// is not an error.
func (s *Store) DeleteLatest(sessionKey, runID string) error {
	err := os.Remove(s.latestPath(sessionKey, runID))
	if err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}

// SaveHistorical writes an archival snapshot keyed by step id.
func (s *Store) SaveHistorical(sessionKey string, cp *models.Checkpoint, stepID string) error {
	if !models.ValidStepID(stepID) {
		return fmt.Errorf("%w: %q", ErrInvalidStepID, stepID)
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return &StoreError{Op: "marshal", Err: err}
	}

	dir := s.historyDir(sessionKey, cp.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StoreError{Op: "mkdir", Err: err}
	}
	path := filepath.Join(dir, stepID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &StoreError{Op: "rename", Err: err}
	}
	return nil
}

// LoadHistorical loads the archival snapshot for one step.
func (s *Store) LoadHistorical(sessionKey, runID, stepID string) (*models.Checkpoint, error) {
	if !models.ValidStepID(stepID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStepID, stepID)
	}
	raw, err := os.ReadFile(filepath.Join(s.historyDir(sessionKey, runID), stepID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, &StoreError{Op: "read", Err: err}
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	return &cp, nil
}

// ListHistorical returns the step ids with archival snapshots, ascending.
func (s *Store) ListHistorical(sessionKey, runID string) ([]string, error) {
	entries, err := os.ReadDir(s.historyDir(sessionKey, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StoreError{Op: "list", Err: err}
	}
	var steps []string
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		if models.ValidStepID(name) {
			steps = append(steps, name)
		}
	}
	sort.Strings(steps)
	return steps, nil
}

// AppendToolResults loads the latest checkpoint, appends the given tool-role
// messages in order, and rewrites it. Fails with ErrNoCheckpoint when the run
// has never checkpointed. The load-append-write cycle is atomic per run.
func (s *Store) AppendToolResults(sessionKey, runID, agentID string, messages []models.Message) error {
	for i, m := range messages {
		if m.Role != models.RoleTool {
			return fmt.Errorf("checkpoint: message %d is %s, want tool", i, m.Role)
		}
		if m.ToolCallID == "" {
			return fmt.Errorf("checkpoint: message %d missing tool_call_id", i)
		}
	}

	lock := s.runLock(sessionKey, runID)
	lock.Lock()
	defer lock.Unlock()

	cp, err := s.LoadLatest(sessionKey, runID)
	if err != nil {
		return err
	}
	if agentID != "" {
		cp.AgentID = agentID
	}
	cp.Messages = append(cp.Messages, messages...)
	return s.writeLatestLocked(sessionKey, cp)
}
