// Package cleanup enforces data retention: run directories (event logs and
// checkpoints) of runs that stopped receiving writes past the TTL are removed
// from the data dir. The run records themselves stay in the repository.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config tunes the retention sweep.
type Config struct {
	// TTL is how long a run directory may go without writes before it is
	// removed. Zero disables the service.
	TTL time.Duration

	// Interval between sweeps.
	Interval time.Duration
}

// Service periodically prunes expired run directories. Sweeps are idempotent;
// a directory that disappears mid-walk is skipped.
type Service struct {
	dataDir string
	cfg     Config

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewService creates a cleanup service for the data dir.
func NewService(dataDir string, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Service{
		dataDir: dataDir,
		cfg:     cfg,
		logger:  slog.With("component", "cleanup"),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.cfg.TTL <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)

	s.logger.Info("cleanup service started", "ttl", s.cfg.TTL, "interval", s.cfg.Interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes run directories whose newest file is older than the TTL.
// Returns the number of directories removed.
func (s *Service) Sweep() int {
	cutoff := time.Now().Add(-s.cfg.TTL)
	removed := 0

	sessionsDir := filepath.Join(s.dataDir, "sessions")
	sessions, err := os.ReadDir(sessionsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("retention sweep skipped", "error", err)
		}
		return 0
	}

	for _, session := range sessions {
		if !session.IsDir() {
			continue
		}
		runsDir := filepath.Join(sessionsDir, session.Name(), "runs")
		runs, err := os.ReadDir(runsDir)
		if err != nil {
			continue
		}
		for _, run := range runs {
			if !run.IsDir() {
				continue
			}
			dir := filepath.Join(runsDir, run.Name())
			if newestWrite(dir).After(cutoff) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				s.logger.Warn("run directory not removed", "dir", dir, "error", err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("retention sweep removed run directories", "count", removed)
	}
	return removed
}

// newestWrite returns the most recent mtime under dir. A run still being
// appended to always has a fresh events.jsonl.
func newestWrite(dir string) time.Time {
	var newest time.Time
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}
