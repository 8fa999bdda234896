package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRunDir(t *testing.T, dataDir, session, run string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(dataDir, "sessions", session, "runs", run)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
	require.NoError(t, os.Chtimes(dir, stamp, stamp))
	return dir
}

func TestSweepRemovesExpiredRuns(t *testing.T) {
	dataDir := t.TempDir()
	old := writeRunDir(t, dataDir, "sess", "run_old", 48*time.Hour)
	fresh := writeRunDir(t, dataDir, "sess", "run_fresh", time.Minute)

	svc := NewService(dataDir, Config{TTL: 24 * time.Hour})
	assert.Equal(t, 1, svc.Sweep())

	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
}

func TestSweepRecentWriteKeepsOldRun(t *testing.T) {
	dataDir := t.TempDir()
	dir := writeRunDir(t, dataDir, "sess", "run_active", 48*time.Hour)
	// One fresh file anywhere in the dir keeps the whole run.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint.latest.json"), []byte("{}"), 0o644))

	svc := NewService(dataDir, Config{TTL: 24 * time.Hour})
	assert.Equal(t, 0, svc.Sweep())
	assert.DirExists(t, dir)
}

func TestSweepMissingDataDir(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "absent"), Config{TTL: time.Hour})
	assert.Equal(t, 0, svc.Sweep())
}

func TestStartStop(t *testing.T) {
	dataDir := t.TempDir()
	writeRunDir(t, dataDir, "sess", "run_old", 48*time.Hour)

	svc := NewService(dataDir, Config{TTL: 24 * time.Hour, Interval: time.Hour})
	svc.Start(t.Context())
	svc.Stop()

	// The initial sweep ran before Stop returned.
	assert.NoDirExists(t, filepath.Join(dataDir, "sessions", "sess", "runs", "run_old"))
}

func TestDisabledWithoutTTL(t *testing.T) {
	svc := NewService(t.TempDir(), Config{})
	svc.Start(t.Context())
	svc.Stop() // no-op, must not block
}
