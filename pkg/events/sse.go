// Package events delivers run events to clients. The Publisher appends to the
// durable event log and fans out over SSE; delivery on the wire is
// best-effort, the log is the source of truth for replay.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

const (
	// DefaultMaxClientsPerRun bounds concurrent subscribers on one run.
	DefaultMaxClientsPerRun = 16

	// DefaultHeartbeatInterval is the ping cadence keeping idle streams alive
	// through proxies.
	DefaultHeartbeatInterval = 30 * time.Second
)

// ErrTooManyClients is returned by AddClient when a run is at capacity.
var ErrTooManyClients = fmt.Errorf("too many clients for run")

// ErrShuttingDown is returned by AddClient after Shutdown.
var ErrShuttingDown = fmt.Errorf("broadcaster is shutting down")

type sseClient struct {
	id          string
	runID       string
	lastEventID string

	// writeMu serializes frames from broadcasts and the heartbeat ticker.
	writeMu sync.Mutex
	w       io.Writer
	flusher http.Flusher

	done     chan struct{}
	doneOnce sync.Once
}

func (c *sseClient) writeFrame(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.w, frame); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

func (c *sseClient) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// SSEBroadcaster fans events out to the subscribers of each run. Client maps
// mutate only on connection lifecycle; broadcasts iterate over a copy of the
// subscriber set so a slow write never blocks AddClient/RemoveClient.
type SSEBroadcaster struct {
	mu      sync.RWMutex
	clients map[string]*sseClient
	runs    map[string]map[string]*sseClient
	closed  bool

	maxClientsPerRun int
	stopHeartbeat    chan struct{}
	heartbeatDone    chan struct{}
	logger           *slog.Logger
}

// NewSSEBroadcaster creates a broadcaster and starts its heartbeat ticker.
func NewSSEBroadcaster(maxClientsPerRun int, heartbeatInterval time.Duration) *SSEBroadcaster {
	if maxClientsPerRun <= 0 {
		maxClientsPerRun = DefaultMaxClientsPerRun
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	b := &SSEBroadcaster{
		clients:          make(map[string]*sseClient),
		runs:             make(map[string]map[string]*sseClient),
		maxClientsPerRun: maxClientsPerRun,
		stopHeartbeat:    make(chan struct{}),
		heartbeatDone:    make(chan struct{}),
		logger:           slog.With("component", "sse_broadcaster"),
	}
	go b.heartbeatLoop(heartbeatInterval)
	return b
}

// AddClient subscribes a write stream to a run and sends the initial
// `connected` frame. lastEventID is the client's reconnection cursor; there is
// no in-memory replay, reconnecting clients re-page the event log to fill
// gaps. The returned channel closes when the client is evicted or the
// broadcaster shuts down.
func (b *SSEBroadcaster) AddClient(runID string, w io.Writer, lastEventID string) (string, <-chan struct{}, error) {
	flusher, _ := w.(http.Flusher)
	client := &sseClient{
		id:          "cli_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		runID:       runID,
		lastEventID: lastEventID,
		w:           w,
		flusher:     flusher,
		done:        make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, ErrShuttingDown
	}
	if len(b.runs[runID]) >= b.maxClientsPerRun {
		b.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %s", ErrTooManyClients, runID)
	}
	if b.runs[runID] == nil {
		b.runs[runID] = make(map[string]*sseClient)
	}
	b.runs[runID][client.id] = client
	b.clients[client.id] = client
	b.mu.Unlock()

	frame := fmt.Sprintf("event: connected\ndata: {\"client_id\":%q,\"run_id\":%q}\n\n", client.id, runID)
	if err := client.writeFrame(frame); err != nil {
		b.RemoveClient(client.id)
		return "", nil, fmt.Errorf("write connected frame: %w", err)
	}
	return client.id, client.done, nil
}

// RemoveClient unsubscribes a client and cleans the run index.
func (b *SSEBroadcaster) RemoveClient(clientID string) {
	b.mu.Lock()
	client, ok := b.clients[clientID]
	if ok {
		delete(b.clients, clientID)
		if subs := b.runs[client.runID]; subs != nil {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(b.runs, client.runID)
			}
		}
	}
	b.mu.Unlock()
	if ok {
		client.close()
	}
}

// BroadcastToRun delivers one event to every subscriber of the run, in
// insertion order per client. Failed writers are evicted, not retried.
func (b *SSEBroadcaster) BroadcastToRun(runID string, event models.Event) {
	subs := b.snapshot(runID)
	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("dropping unmarshalable event", "run_id", runID, "error", err)
		return
	}
	frame := fmt.Sprintf("id: %s\nevent: run.event\ndata: %s\n\n", event.SpanID, data)

	var failed []string
	for _, client := range subs {
		if err := client.writeFrame(frame); err != nil {
			b.logger.Warn("sse write failed, evicting client",
				"client_id", client.id, "run_id", runID, "error", err)
			failed = append(failed, client.id)
		}
	}
	for _, id := range failed {
		b.RemoveClient(id)
	}
}

// BroadcastDone sends the terminal `done` frame to the run's subscribers and
// drops them. Subscribers die with the run.
func (b *SSEBroadcaster) BroadcastDone(runID string) {
	subs := b.snapshot(runID)
	for _, client := range subs {
		if err := client.writeFrame("event: done\ndata: {}\n\n"); err != nil {
			b.logger.Warn("sse done frame failed", "client_id", client.id, "error", err)
		}
		b.RemoveClient(client.id)
	}
}

// ClientCount returns the number of subscribers for a run.
func (b *SSEBroadcaster) ClientCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runs[runID])
}

// Shutdown terminates all streams and stops the heartbeat.
func (b *SSEBroadcaster) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := make([]*sseClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[string]*sseClient)
	b.runs = make(map[string]map[string]*sseClient)
	b.mu.Unlock()

	close(b.stopHeartbeat)
	<-b.heartbeatDone

	for _, client := range clients {
		_ = client.writeFrame("event: done\ndata: {}\n\n")
		client.close()
	}
}

func (b *SSEBroadcaster) snapshot(runID string) []*sseClient {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*sseClient, 0, len(b.runs[runID]))
	for _, client := range b.runs[runID] {
		subs = append(subs, client)
	}
	return subs
}

func (b *SSEBroadcaster) heartbeatLoop(interval time.Duration) {
	defer close(b.heartbeatDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopHeartbeat:
			return
		case <-ticker.C:
			b.pingAll()
		}
	}
}

func (b *SSEBroadcaster) pingAll() {
	b.mu.RLock()
	clients := make([]*sseClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	frame := fmt.Sprintf("event: ping\ndata: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
	var failed []string
	for _, client := range clients {
		if err := client.writeFrame(frame); err != nil {
			failed = append(failed, client.id)
		}
	}
	for _, id := range failed {
		b.RemoveClient(id)
	}
}
