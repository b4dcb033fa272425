package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"livepoll/internal/websocket"
	"livepoll/pkg/types"
)

// Delivery kinds.
const (
	deliverBroadcast = iota
	deliverSend
	deliverDisconnect
)

// delivery is one unit of outbound work. Deliveries run in the order they
// were queued.
type delivery struct {
	kind   int
	connID string
	event  *types.Event
}

// Hub executes outbound deliveries on a single goroutine, so every client
// sees events in the order the coordinator produced them.
type Hub struct {
	deliveries chan delivery // TECHNICAL: 1000 buffer absorbs a classroom vote burst
	shutdown   chan struct{}
	done       chan struct{}

	registry *websocket.Registry

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub delivering to the connections in registry.
func NewHub(registry *websocket.Registry, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1000
	}
	return &Hub{
		deliveries: make(chan delivery, buffer),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		registry:   registry,
	}
}

// Start begins delivery processing.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	slog.Info("Starting delivery hub")
	go h.run(ctx)
	return nil
}

// Stop halts processing after the deliveries already queued are written.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	slog.Info("Stopping delivery hub")
	<-h.done
	return nil
}

// Broadcast queues event for every live connection.
func (h *Hub) Broadcast(event *types.Event) {
	h.enqueue(delivery{kind: deliverBroadcast, event: event})
}

// Send queues event for one connection.
func (h *Hub) Send(connID string, event *types.Event) {
	h.enqueue(delivery{kind: deliverSend, connID: connID, event: event})
}

// Disconnect queues termination of a connection. Events queued for it
// earlier are written first.
func (h *Hub) Disconnect(connID string) {
	h.enqueue(delivery{kind: deliverDisconnect, connID: connID})
}

// enqueue blocks while the queue is full; dropping here would reorder what
// clients see.
func (h *Hub) enqueue(d delivery) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		slog.Warn("Delivery dropped, hub not running", "kind", d.kind, "connection_id", d.connID)
		return
	}

	select {
	case h.deliveries <- d:
	case <-h.shutdown:
		slog.Warn("Delivery dropped during shutdown", "kind", d.kind, "connection_id", d.connID)
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer slog.Info("Hub processing stopped")

	for {
		select {
		case d := <-h.deliveries:
			h.deliver(d)

		case <-h.shutdown:
			h.drain()
			return

		case <-ctx.Done():
			slog.Info("Hub context cancelled")
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case d := <-h.deliveries:
			h.deliver(d)
		default:
			return
		}
	}
}

func (h *Hub) deliver(d delivery) {
	switch d.kind {
	case deliverBroadcast:
		data, err := json.Marshal(d.event)
		if err != nil {
			slog.Error("Failed to encode broadcast", "type", d.event.Type, "error", err)
			return
		}
		for _, conn := range h.registry.All() {
			if err := conn.Write(data); err != nil {
				slog.Debug("Broadcast write failed", "type", d.event.Type, "connection_id", conn.ID(), "error", err)
			}
		}

	case deliverSend:
		conn, ok := h.registry.GetConnection(d.connID)
		if !ok {
			slog.Debug("Send target gone", "type", d.event.Type, "connection_id", d.connID)
			return
		}
		if err := conn.WriteJSON(d.event); err != nil {
			slog.Debug("Send failed", "type", d.event.Type, "connection_id", d.connID, "error", err)
		}

	case deliverDisconnect:
		conn, ok := h.registry.GetConnection(d.connID)
		if !ok {
			return
		}
		h.registry.UnregisterConnection(conn)
		conn.CloseAfterFlush()
		slog.Info("Connection terminated by server", "connection_id", d.connID)
	}
}
