package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Hub serves the websocket flavor of the event stream.
type Hub struct {
	broker   *Broker
	upgrader websocket.Upgrader
}

func NewHub(broker *Broker) *Hub {
	return &Hub{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Auth happens in the HTTP middleware before the upgrade.
				return true
			},
		},
	}
}

// Serve upgrades the connection and streams events for the given homes.
// lastEventID resumes the stream; a stale cursor yields a resync event.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, homeIDs []uint, lastEventID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, cancel := h.broker.Subscribe(homeIDs)
	defer cancel()

	send := func(ev Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, b)
	}

	if err := send(Event{Type: TypeReady, At: time.Now().UTC()}); err != nil {
		return
	}
	lastReplayed := make(map[uint]int64, len(homeIDs))
	for _, ev := range ResumeEvents(h.broker, homeIDs, lastEventID) {
		if ev.ID > lastReplayed[ev.HomeID] {
			lastReplayed[ev.HomeID] = ev.ID
		}
		if err := send(ev); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if alreadyDelivered(lastReplayed, ev) {
				continue
			}
			if err := send(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
