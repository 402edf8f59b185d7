package realtime

import (
	"testing"
)

// A subscription opens before the replay is computed, so an event
// published in the gap arrives on both paths; the live copy must be
// suppressed.
func TestReplayedEventsNotRepeatedLive(t *testing.T) {
	b := NewBroker(8)
	publishN(b, 1, 2)

	sub, cancel := b.Subscribe([]uint{1})
	defer cancel()

	// Lands in the ring and on the live channel.
	b.Publish(1, TypeStateUpdated, map[string]int{"n": 3})

	lastReplayed := make(map[uint]int64)
	for _, ev := range ResumeEvents(b, []uint{1}, FormatCursor(1, 1)) {
		if ev.ID > lastReplayed[ev.HomeID] {
			lastReplayed[ev.HomeID] = ev.ID
		}
	}
	if lastReplayed[1] != 3 {
		t.Fatalf("replay high-water mark = %d, want 3", lastReplayed[1])
	}

	live := <-sub.C
	if live.ID != 3 {
		t.Fatalf("live event id = %d, want 3", live.ID)
	}
	if !alreadyDelivered(lastReplayed, live) {
		t.Fatalf("duplicate of replayed event %d not suppressed", live.ID)
	}

	// Events past the replay window still flow.
	b.Publish(1, TypeStateUpdated, map[string]int{"n": 4})
	next := <-sub.C
	if alreadyDelivered(lastReplayed, next) {
		t.Fatalf("fresh event %d wrongly suppressed", next.ID)
	}

	// Id-less events (keepalive, resync) always pass.
	if alreadyDelivered(lastReplayed, Event{HomeID: 1, Type: TypeKeepalive}) {
		t.Fatalf("id-less event suppressed")
	}
}
