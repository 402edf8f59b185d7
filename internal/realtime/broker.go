package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event types fanned out to clients.
const (
	TypeReady          = "ready"
	TypeKeepalive      = "keepalive"
	TypeResync         = "resync"
	TypeStateUpdated   = "device_state_updated"
	TypeStatusChanged  = "device_status_changed"
	TypeEventCreated   = "device_event_created"
	TypeCommandUpdated = "command_updated"
)

type Event struct {
	ID     int64           `json:"id"`
	HomeID uint            `json:"home_id"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	At     time.Time       `json:"at"`
}

// Broker keeps a bounded per-home ring of recent events and fans them
// out to live subscribers. Producers never block: a subscriber that
// cannot keep up is dropped.
type Broker struct {
	ringSize int

	mu    sync.RWMutex
	rings map[uint]*ring
	subs  map[*Subscription]struct{}
}

type Subscription struct {
	C     chan Event
	homes map[uint]struct{}
}

func (s *Subscription) wants(homeID uint) bool {
	_, ok := s.homes[homeID]
	return ok
}

func NewBroker(ringSize int) *Broker {
	if ringSize <= 0 {
		ringSize = 1024
	}
	return &Broker{
		ringSize: ringSize,
		rings:    map[uint]*ring{},
		subs:     map[*Subscription]struct{}{},
	}
}

// Publish appends the event to the home's ring and delivers it to every
// subscriber of that home. Events for one device arrive here in the
// order the ingestor/orchestrator produced them.
func (b *Broker) Publish(homeID uint, eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Warn("realtime event marshal failed", "type", eventType, "error", err)
		return
	}
	ev := Event{HomeID: homeID, Type: eventType, Data: raw, At: time.Now().UTC()}

	b.mu.Lock()
	r, ok := b.rings[homeID]
	if !ok {
		r = newRing(b.ringSize)
		b.rings[homeID] = r
	}
	ev = r.append(ev)
	var drop []*Subscription
	for s := range b.subs {
		if !s.wants(homeID) {
			continue
		}
		select {
		case s.C <- ev:
		default:
			// Slow client; drop it.
			drop = append(drop, s)
		}
	}
	for _, s := range drop {
		delete(b.subs, s)
		close(s.C)
	}
	b.mu.Unlock()
}

// Replay returns the events of one home with id > afterID, and whether
// the cursor is still within the ring window. A stale cursor means the
// client must resync from snapshots.
func (b *Broker) Replay(homeID uint, afterID int64) ([]Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rings[homeID]
	if !ok {
		// Nothing ever published; any cursor from a previous process
		// life is stale.
		return nil, afterID == 0
	}
	return r.since(afterID)
}

// Subscribe registers a live subscription for the given homes. The
// returned cancel func must be called when the connection ends.
func (b *Broker) Subscribe(homeIDs []uint) (*Subscription, func()) {
	homes := make(map[uint]struct{}, len(homeIDs))
	for _, id := range homeIDs {
		homes[id] = struct{}{}
	}
	s := &Subscription{C: make(chan Event, 64), homes: homes}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.C)
		}
		b.mu.Unlock()
	}
	return s, cancel
}
