package httpapi

import (
	"net/http"

	"github.com/gridnest/gridnest/internal/observability"
)

// handleSSE streams the caller's homes. Last-Event-ID (header or
// last_event_id query) resumes from a cursor.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	homeIDs, err := s.ownedHomeIDs(r)
	if err != nil {
		writeError(w, err)
		return
	}
	observability.RealtimeClients.Inc()
	defer observability.RealtimeClients.Dec()
	s.sse.Serve(w, r, homeIDs)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	homeIDs, err := s.ownedHomeIDs(r)
	if err != nil {
		writeError(w, err)
		return
	}
	lastEventID := r.URL.Query().Get("last_event_id")
	observability.RealtimeClients.Inc()
	defer observability.RealtimeClients.Dec()
	s.ws.Serve(w, r, homeIDs, lastEventID)
}
