// Package eventlog persists per-run event streams as append-only JSONL files.
//
// Each (session_key, run_id) pair owns one events.jsonl file under the data
// root. Appends to the same stream are serialized FIFO by a per-stream lock;
// appends to different streams never block each other. Past lines are never
// rewritten or deleted.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// DefaultMaxPageSize caps ReadPage limits.
const DefaultMaxPageSize = 200

// ErrInvalidEvent wraps schema validation failures on append.
var ErrInvalidEvent = errors.New("invalid event")

// IOError is a typed storage failure from the underlying filesystem.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("event log %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Store manages event logs for all runs under a data root. It owns the
// per-stream locks, so all writers for a stream must go through the same
// Store instance.
type Store struct {
	root        string
	maxPageSize int

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logger *slog.Logger
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		root:        dir,
		maxPageSize: DefaultMaxPageSize,
		locks:       make(map[string]*sync.Mutex),
		logger:      slog.With("component", "eventlog"),
	}
}

// Log returns the handle for one run's stream. Handles are cheap; the lock
// is shared across all handles for the same stream.
func (s *Store) Log(sessionKey, runID string) *Log {
	key := sessionKey + "/" + runID
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.mu.Unlock()

	return &Log{
		dir:         filepath.Join(s.root, "sessions", sessionKey, "runs", runID),
		maxPageSize: s.maxPageSize,
		writeMu:     lock,
		logger:      s.logger.With("session_key", sessionKey, "run_id", runID),
	}
}

// Log is one run's append-only event stream.
type Log struct {
	dir         string
	maxPageSize int
	writeMu     *sync.Mutex
	logger      *slog.Logger
}

func (l *Log) eventsPath() string { return filepath.Join(l.dir, "events.jsonl") }
func (l *Log) indexPath() string  { return filepath.Join(l.dir, "events.idx.jsonl") }

// Append validates and appends a single event. The write is serialized FIFO
// with all other appends to this stream.
func (l *Log) Append(event models.Event) error {
	return l.AppendBatch([]models.Event{event})
}

// AppendBatch validates all events, then appends them in one write so they
// become visible to readers together. Validation failures leave the stream
// untouched.
func (l *Log) AppendBatch(events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		line, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("%w: marshal: %v", ErrInvalidEvent, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Err: err}
	}
	f, err := os.OpenFile(l.eventsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &IOError{Op: "open", Err: err}
	}
	defer f.Close()

	// Single Write call keeps the batch contiguous for readers.
	if _, err := f.Write(buf.Bytes()); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// ReadStream calls fn for every event in insertion order, stopping early if
// fn returns false. Malformed lines (e.g. a torn write at the tail) are
// skipped with a warning rather than failing the whole read.
func (l *Log) ReadStream(fn func(models.Event) bool) error {
	f, err := os.Open(l.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IOError{Op: "open", Err: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line := 0
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			var e models.Event
			if jsonErr := json.Unmarshal(raw, &e); jsonErr != nil {
				l.logger.Warn("Skipping malformed event line", "line", line, "error", jsonErr)
			} else if !fn(e) {
				return nil
			}
			line++
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &IOError{Op: "read", Err: err}
		}
	}
}

// readFrom is like ReadStream but starts near startLine, using the index
// sidecar to seek past earlier lines when one exists. fn receives the line
// number alongside the event.
func (l *Log) readFrom(startLine int, fn func(line int, e models.Event) bool) error {
	f, err := os.Open(l.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IOError{Op: "open", Err: err}
	}
	defer f.Close()

	line := 0
	if entry := l.seekEntry(startLine); entry.Line > 0 {
		if _, err := f.Seek(entry.ByteOffset, io.SeekStart); err != nil {
			return &IOError{Op: "seek", Err: err}
		}
		line = entry.Line
	}

	r := bufio.NewReader(f)
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			var e models.Event
			if jsonErr := json.Unmarshal(raw, &e); jsonErr != nil {
				l.logger.Warn("Skipping malformed event line", "line", line, "error", jsonErr)
			} else if line >= startLine && !fn(line, e) {
				return nil
			}
			line++
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &IOError{Op: "read", Err: err}
		}
	}
}

// Count returns the number of well-formed events in the stream.
func (l *Log) Count() (int, error) {
	n := 0
	err := l.ReadStream(func(models.Event) bool {
		n++
		return true
	})
	return n, err
}

// Exists reports whether the stream has been created.
func (l *Log) Exists() bool {
	_, err := os.Stat(l.eventsPath())
	return err == nil
}
