package httpapi

import (
	"net/http"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/store"
	"github.com/gridnest/gridnest/internal/zigbee"
)

func (s *Server) handlePairingOpen(w http.ResponseWriter, r *http.Request) {
	var in zigbee.OpenSessionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	claims := claimsFrom(r)
	sess, err := s.pairing.OpenSession(r.Context(), claims.UserID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type pairingConfirmRequest struct {
	Token           string  `json:"token"`
	IEEE            string  `json:"ieee"`
	ModelIDOverride *string `json:"modelIdOverride,omitempty"`
}

func (s *Server) handlePairingConfirm(w http.ResponseWriter, r *http.Request) {
	var req pairingConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claims := claimsFrom(r)
	dev, err := s.pairing.Confirm(r.Context(), claims.UserID, req.Token, req.IEEE, req.ModelIDOverride)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handlePairingCancel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if err := s.pairing.Cancel(r.Context(), claims.UserID, param(r, "token")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// handleDiscoveredList surfaces pending announces for a home's hubs, or
// for one session when token is given.
func (s *Server) handleDiscoveredList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if token := r.URL.Query().Get("token"); token != "" {
		rows, err := s.pairing.ListDiscovered(r.Context(), claims.UserID, token)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}
	homeID := queryUint(r, "homeId")
	if homeID == nil {
		writeError(w, apperr.New(apperr.ValidationError, "homeId or token is required"))
		return
	}
	if err := s.canAccessHome(r, *homeID); err != nil {
		writeError(w, err)
		return
	}
	hubs, err := s.repo.ListHubs(r.Context(), homeID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "hub list failed", err))
		return
	}
	hubIDs := make([]string, 0, len(hubs))
	for _, h := range hubs {
		hubIDs = append(hubIDs, h.HubID)
	}
	rows, err := s.repo.ListDiscoveredForHubs(r.Context(), hubIDs)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "discovered list failed", err))
		return
	}
	pending := rows[:0]
	for _, d := range rows {
		if d.Status == store.DiscoveredPending {
			pending = append(pending, d)
		}
	}
	writeJSON(w, http.StatusOK, pending)
}
