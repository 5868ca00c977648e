package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
)

// Runtime event types.
const (
	WorkerSpawned   = "worker.spawned"
	WorkerExited    = "worker.exited"
	WorkerLog       = "worker.log"
	SupervisorLine  = "supervisor.line"
	ShardOutcome    = "shard.outcome"
	ShardRestarted  = "shard.restarted"
	FrontendStarted = "frontend.started"
	FrontendStopped = "frontend.stopped"
)

// Publisher is the producer side of the hub.
type Publisher interface {
	Publish(eventType string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// OrNop returns p, or a publisher that drops everything when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans runtime events out to live subscribers and keeps the most recent
// ones so a client that connects late can catch up.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	recent  []Event
	written int
	subs    []*subscriber
}

type subscriber struct {
	ch     chan Event
	closed bool
}

const subscriberBuffer = 128

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{recent: make([]Event, capacity)}
}

// Publish records an event and offers it to every subscriber. A subscriber
// whose buffer is full misses the event; Dropped counts those misses.
func (h *Hub) Publish(eventType string, data any) {
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: encodeData(data),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent[h.written%len(h.recent)] = ev
	h.written++
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func encodeData(data any) json.RawMessage {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}")
	case json.RawMessage:
		return v
	}
	b, err := gojson.Marshal(data)
	if err != nil {
		b, _ = gojson.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return b
}

// Subscribe returns a channel of new events and a cancel func that closes it.
// Cancel may be called more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub) }
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	for i, s := range h.subs {
		if s == sub {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

// SnapshotSince returns retained events with ID > lastID, oldest first.
// A lastID of 0 returns everything retained.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := min(h.written, len(h.recent))
	out := make([]Event, 0, n)
	for i := h.written - n; i < h.written; i++ {
		if ev := h.recent[i%len(h.recent)]; ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports how many subscriptions are open.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped for full subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
