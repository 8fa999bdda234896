package eventlog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	return NewStore(t.TempDir()).Log("sess-1", "run_test")
}

func event(t models.EventType) models.Event {
	return models.NewEvent("sess-1", "run_test", t, nil)
}

func TestAppendAndReadStream(t *testing.T) {
	l := testLog(t)
	require.False(t, l.Exists())

	require.NoError(t, l.Append(event(models.EventRunStarted)))
	require.NoError(t, l.Append(event(models.EventStepStarted)))
	require.NoError(t, l.Append(event(models.EventRunCompleted)))

	require.True(t, l.Exists())
	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var types []models.EventType
	require.NoError(t, l.ReadStream(func(e models.Event) bool {
		types = append(types, e.Type)
		return true
	}))
	assert.Equal(t, []models.EventType{models.EventRunStarted, models.EventStepStarted, models.EventRunCompleted}, types)
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	l := testLog(t)
	bad := event(models.EventRunStarted)
	bad.RunID = ""
	err := l.Append(bad)
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.False(t, l.Exists(), "rejected append must not create the stream")
}

func TestAppendBatchValidatesBeforeWriting(t *testing.T) {
	l := testLog(t)
	good := event(models.EventRunStarted)
	bad := event(models.EventStepStarted)
	bad.SessionKey = ""

	err := l.AppendBatch([]models.Event{good, bad})
	require.ErrorIs(t, err, ErrInvalidEvent)

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a failed batch must write nothing")
}

func TestReadStreamSkipsMalformedTail(t *testing.T) {
	l := testLog(t)
	require.NoError(t, l.Append(event(models.EventRunStarted)))
	require.NoError(t, l.Append(event(models.EventRunCompleted)))

	// Simulate a torn write at the tail.
	f, err := os.OpenFile(l.eventsPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"v":1,"ts":"truncat`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	l := testLog(t)
	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, l.Append(event(models.EventStepCompleted)))
			}
		}()
	}
	wg.Wait()

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, n, "no interleaved torn lines")
}

func TestStoreSharesLockPerStream(t *testing.T) {
	s := NewStore(t.TempDir())
	a := s.Log("sess-1", "run_a")
	b := s.Log("sess-1", "run_a")
	assert.Same(t, a.writeMu, b.writeMu)

	c := s.Log("sess-1", "run_b")
	assert.NotSame(t, a.writeMu, c.writeMu, "different streams must not share locks")
}

func TestReadPagePagination(t *testing.T) {
	l := testLog(t)
	var batch []models.Event
	for i := 0; i < 5; i++ {
		e := event(models.EventStepCompleted)
		e.StepID = models.FormatStepID(i + 1)
		batch = append(batch, e)
	}
	require.NoError(t, l.AppendBatch(batch))
	require.NoError(t, l.Append(event(models.EventRunCompleted)))

	// Page to exhaustion with limit 2 — no duplicates, full coverage.
	seen := make(map[string]bool)
	var ordered []models.EventType
	cursor := ""
	pages := 0
	for {
		page, err := l.ReadPage(cursor, 2, true)
		require.NoError(t, err)
		for _, e := range page.Events {
			assert.False(t, seen[e.SpanID], "duplicate span across pages")
			seen[e.SpanID] = true
			ordered = append(ordered, e.Type)
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 6, len(seen))
	assert.GreaterOrEqual(t, pages, 3)
	assert.Equal(t, models.EventRunCompleted, ordered[len(ordered)-1])
}

func TestReadPageFiltersTokens(t *testing.T) {
	l := testLog(t)
	require.NoError(t, l.Append(event(models.EventRunStarted)))
	require.NoError(t, l.Append(event(models.EventLLMToken)))
	require.NoError(t, l.Append(event(models.EventLLMToken)))
	require.NoError(t, l.Append(event(models.EventRunCompleted)))

	page, err := l.ReadPage("", 50, false)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	for _, e := range page.Events {
		assert.NotEqual(t, models.EventLLMToken, e.Type)
	}
	assert.Empty(t, page.NextCursor)

	// With tokens included all four come back.
	page, err = l.ReadPage("", 50, true)
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)
}

func TestReadPageRejectsMalformedCursor(t *testing.T) {
	l := testLog(t)
	_, err := l.ReadPage("not-a-cursor!!!", 10, true)
	assert.Error(t, err)
}

func TestReadPageClampsLimit(t *testing.T) {
	l := testLog(t)
	var batch []models.Event
	for i := 0; i < DefaultMaxPageSize+50; i++ {
		batch = append(batch, event(models.EventStepCompleted))
	}
	require.NoError(t, l.AppendBatch(batch))

	page, err := l.ReadPage("", 10_000, true)
	require.NoError(t, err)
	assert.Len(t, page.Events, DefaultMaxPageSize)
	assert.NotEmpty(t, page.NextCursor)
}

func TestBuildIndexAndSeek(t *testing.T) {
	l := testLog(t)
	var batch []models.Event
	for i := 0; i < 250; i++ {
		batch = append(batch, event(models.EventStepCompleted))
	}
	require.NoError(t, l.AppendBatch(batch))
	require.NoError(t, l.BuildIndex(100))

	_, err := os.Stat(filepath.Join(filepath.Dir(l.eventsPath()), "events.idx.jsonl"))
	require.NoError(t, err)

	entry := l.seekEntry(150)
	assert.Equal(t, 100, entry.Line)
	assert.Greater(t, entry.ByteOffset, int64(0))

	// Paging across the index boundary still yields every event exactly once.
	total := 0
	cursor := ""
	for {
		page, err := l.ReadPage(cursor, 60, true)
		require.NoError(t, err)
		total += len(page.Events)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 250, total)
}

func TestBuildIndexMissingStream(t *testing.T) {
	l := testLog(t)
	assert.NoError(t, l.BuildIndex(10), "indexing a missing stream is a no-op")
}

func TestAppendBatchVisibleTogether(t *testing.T) {
	l := testLog(t)
	var batch []models.Event
	for i := 0; i < 10; i++ {
		batch = append(batch, event(models.EventStepCompleted))
	}
	require.NoError(t, l.AppendBatch(batch))

	raw, err := os.ReadFile(l.eventsPath())
	require.NoError(t, err)
	lines := 0
	for _, b := range raw {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 10, lines)
	assert.Equal(t, byte('\n'), raw[len(raw)-1])
}
