package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/models"
)

type recordingBroadcaster struct {
	events []models.Event
	done   []string
}

func (r *recordingBroadcaster) BroadcastToRun(_ string, event models.Event) {
	r.events = append(r.events, event)
}

func (r *recordingBroadcaster) BroadcastDone(runID string) {
	r.done = append(r.done, runID)
}

func readAll(t *testing.T, store *eventlog.Store, sessionKey, runID string) []models.Event {
	t.Helper()
	var out []models.Event
	require.NoError(t, store.Log(sessionKey, runID).ReadStream(func(e models.Event) bool {
		out = append(out, e)
		return true
	}))
	return out
}

func TestEmitAppendsAndBroadcasts(t *testing.T) {
	store := eventlog.NewStore(t.TempDir())
	bc := &recordingBroadcaster{}
	pub := NewPublisher(store, bc, false)

	event := models.NewEvent("sess", "run_a", models.EventRunStarted, nil)
	require.NoError(t, pub.Emit(context.Background(), event))

	logged := readAll(t, store, "sess", "run_a")
	require.Len(t, logged, 1)
	assert.Equal(t, models.EventRunStarted, logged[0].Type)
	require.Len(t, bc.events, 1)
	assert.Empty(t, bc.done)
}

func TestEmitTerminalEventClosesStream(t *testing.T) {
	store := eventlog.NewStore(t.TempDir())
	bc := &recordingBroadcaster{}
	pub := NewPublisher(store, bc, false)

	require.NoError(t, pub.Emit(context.Background(),
		models.NewEvent("sess", "run_a", models.EventRunCompleted, map[string]any{"result": "done"})))
	assert.Equal(t, []string{"run_a"}, bc.done)

	require.NoError(t, pub.Emit(context.Background(),
		models.NewEvent("sess", "run_b", models.EventRunCancelled, nil)))
	assert.Equal(t, []string{"run_a", "run_b"}, bc.done)
}

func TestEmitTokenEventsSkipLogUnlessEnabled(t *testing.T) {
	store := eventlog.NewStore(t.TempDir())
	bc := &recordingBroadcaster{}
	pub := NewPublisher(store, bc, false)

	require.NoError(t, pub.Emit(context.Background(),
		models.NewEvent("sess", "run_a", models.EventLLMToken, map[string]any{"text": "hi"})))

	// Broadcast for live streaming, nothing on disk.
	require.Len(t, bc.events, 1)
	assert.Empty(t, readAll(t, store, "sess", "run_a"))

	persisting := NewPublisher(store, bc, true)
	require.NoError(t, persisting.Emit(context.Background(),
		models.NewEvent("sess", "run_a", models.EventLLMToken, map[string]any{"text": "hi"})))
	assert.Len(t, readAll(t, store, "sess", "run_a"), 1)
}

func TestEmitInvalidEventFails(t *testing.T) {
	store := eventlog.NewStore(t.TempDir())
	pub := NewPublisher(store, nil, false)

	bad := models.NewEvent("sess", "run_a", models.EventType("bogus"), nil)
	assert.Error(t, pub.Emit(context.Background(), bad))
}
