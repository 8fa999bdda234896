package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/models"
)

// Broadcaster is the fan-out half of the publisher, implemented by
// SSEBroadcaster.
type Broadcaster interface {
	BroadcastToRun(runID string, event models.Event)
	BroadcastDone(runID string)
}

// Publisher is the single write path for run events: append to the durable
// per-run log, then broadcast. Appends are authoritative; broadcast failures
// only cost live delivery, clients re-page the log on reconnect.
type Publisher struct {
	store       *eventlog.Store
	broadcaster Broadcaster

	// persistTokens controls whether llm.token events reach the log. They are
	// always broadcast for live streaming.
	persistTokens bool

	logger *slog.Logger
}

// NewPublisher creates a Publisher. broadcaster may be nil (log-only mode,
// used by tests and the CLI).
func NewPublisher(store *eventlog.Store, broadcaster Broadcaster, persistTokens bool) *Publisher {
	return &Publisher{
		store:         store,
		broadcaster:   broadcaster,
		persistTokens: persistTokens,
		logger:        slog.With("component", "event_publisher"),
	}
}

// Emit appends the event to its run's log and broadcasts it to subscribers.
func (p *Publisher) Emit(_ context.Context, event models.Event) error {
	if event.Type != models.EventLLMToken || p.persistTokens {
		if err := p.store.Log(event.SessionKey, event.RunID).Append(event); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}

	if p.broadcaster != nil {
		p.broadcaster.BroadcastToRun(event.RunID, event)
		if models.IsTerminalEvent(event.Type) || event.Type == models.EventRunCancelled {
			p.broadcaster.BroadcastDone(event.RunID)
		}
	}
	return nil
}
