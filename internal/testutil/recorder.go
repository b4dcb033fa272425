package testutil

import (
	"sync"
	"time"

	"livepoll/pkg/types"
)

// Delivery kinds recorded by Recorder.
const (
	KindBroadcast  = "broadcast"
	KindSend       = "send"
	KindDisconnect = "disconnect"
)

// Delivery is one recorded publisher call.
type Delivery struct {
	Kind   string
	ConnID string
	Event  *types.Event
}

// Recorder records publisher calls in order.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	notify     chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) record(d Delivery) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) Broadcast(event *types.Event) {
	r.record(Delivery{Kind: KindBroadcast, Event: event})
}

func (r *Recorder) Send(connID string, event *types.Event) {
	r.record(Delivery{Kind: KindSend, ConnID: connID, Event: event})
}

func (r *Recorder) Disconnect(connID string) {
	r.record(Delivery{Kind: KindDisconnect, ConnID: connID})
}

// Deliveries returns a copy of everything recorded so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Broadcasts returns the broadcast events of the given type.
func (r *Recorder) Broadcasts(eventType string) []*types.Event {
	var out []*types.Event
	for _, d := range r.Deliveries() {
		if d.Kind == KindBroadcast && d.Event.Type == eventType {
			out = append(out, d.Event)
		}
	}
	return out
}

// SentTo returns the unicast events delivered to connID.
func (r *Recorder) SentTo(connID string) []*types.Event {
	var out []*types.Event
	for _, d := range r.Deliveries() {
		if d.Kind == KindSend && d.ConnID == connID {
			out = append(out, d.Event)
		}
	}
	return out
}

// Sequence returns "kind:type" labels in delivery order, "disconnect:<conn>"
// for disconnects.
func (r *Recorder) Sequence() []string {
	var out []string
	for _, d := range r.Deliveries() {
		if d.Kind == KindDisconnect {
			out = append(out, KindDisconnect+":"+d.ConnID)
			continue
		}
		out = append(out, d.Kind+":"+d.Event.Type)
	}
	return out
}

// Reset discards recorded deliveries.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.deliveries = nil
	r.mu.Unlock()
}

// WaitFor polls until cond holds or timeout elapses, returning cond's last value.
func (r *Recorder) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return cond()
		}
	}
}
