package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Cursor format on the wire: "<homeID>:<streamID>". Ids are monotonic
// per home, so a cursor is only meaningful for the home that minted it.

func FormatCursor(homeID uint, id int64) string {
	return fmt.Sprintf("%d:%d", homeID, id)
}

func parseCursor(v string) (uint, int64, bool) {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	home, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return uint(home), id, true
}

// ResumeEvents computes the replay for a reconnecting client. Homes whose
// cursor fell out of the ring window (or that the cursor does not cover)
// get a resync marker instead of a partial replay.
func ResumeEvents(b *Broker, homeIDs []uint, lastEventID string) []Event {
	if strings.TrimSpace(lastEventID) == "" {
		return nil
	}
	curHome, curID, ok := parseCursor(lastEventID)
	var out []Event
	for _, homeID := range homeIDs {
		if !ok || homeID != curHome {
			out = append(out, Event{HomeID: homeID, Type: TypeResync, At: time.Now().UTC()})
			continue
		}
		events, inWindow := b.Replay(homeID, curID)
		if !inWindow {
			out = append(out, Event{HomeID: homeID, Type: TypeResync, At: time.Now().UTC()})
			continue
		}
		out = append(out, events...)
	}
	return out
}

// alreadyDelivered reports whether a live event was already part of the
// client's replay. Subscribe precedes Replay, so an event published in
// between lands on both paths.
func alreadyDelivered(lastReplayed map[uint]int64, ev Event) bool {
	return ev.ID > 0 && ev.ID <= lastReplayed[ev.HomeID]
}

// SSE serves the stream as Server-Sent Events. The Last-Event-ID header
// (or last_event_id query param) resumes.
type SSE struct {
	broker *Broker
}

func NewSSE(broker *Broker) *SSE {
	return &SSE{broker: broker}
}

func (s *SSE) Serve(w http.ResponseWriter, r *http.Request, homeIDs []uint) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("last_event_id")
	}

	sub, cancel := s.broker.Subscribe(homeIDs)
	defer cancel()

	write := func(ev Event) bool {
		b, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		if ev.ID > 0 {
			fmt.Fprintf(w, "id: %s\n", FormatCursor(ev.HomeID, ev.ID))
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
		flusher.Flush()
		return true
	}

	write(Event{Type: TypeReady, At: time.Now().UTC()})
	lastReplayed := make(map[uint]int64, len(homeIDs))
	for _, ev := range ResumeEvents(s.broker, homeIDs, lastID) {
		if ev.ID > lastReplayed[ev.HomeID] {
			lastReplayed[ev.HomeID] = ev.ID
		}
		write(ev)
	}

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if alreadyDelivered(lastReplayed, ev) {
				continue
			}
			write(ev)
		case <-keepalive.C:
			write(Event{Type: TypeKeepalive, At: time.Now().UTC()})
		}
	}
}
