package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/store"
)

// --- Activation and claiming ---

type hubActivateRequest struct {
	HomeID    uint   `json:"homeId"`
	HubID     string `json:"hubId"`
	SetupCode string `json:"setupCode"`
}

func (s *Server) handleHubActivate(w http.ResponseWriter, r *http.Request) {
	var req hubActivateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claims := claimsFrom(r)
	res, err := s.inv.ClaimHub(r.Context(), claims.UserID, req.HomeID, req.HubID, req.SetupCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type deviceClaimRequest struct {
	HomeID    uint   `json:"homeId"`
	Serial    string `json:"serial"`
	SetupCode string `json:"setupCode"`
}

func (s *Server) handleDeviceClaim(w http.ResponseWriter, r *http.Request) {
	var req deviceClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claims := claimsFrom(r)
	res, err := s.inv.ClaimDevice(r.Context(), claims.UserID, req.HomeID, req.Serial, req.SetupCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- Devices ---

// deviceView joins the device row with its latest snapshot.
type deviceView struct {
	store.Device
	State    json.RawMessage `json:"state,omitempty"`
	Online   bool            `json:"online"`
	LastSeen any             `json:"lastSeen,omitempty"`
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	homeID := queryUint(r, "homeId")
	if homeID == nil {
		writeError(w, apperr.New(apperr.ValidationError, "homeId is required"))
		return
	}
	if err := s.canAccessHome(r, *homeID); err != nil {
		writeError(w, err)
		return
	}
	devices, err := s.repo.ListDevices(r.Context(), store.DeviceFilter{HomeID: homeID})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "device list failed", err))
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		v := deviceView{Device: d}
		if cur, err := s.repo.GetStateCurrent(r.Context(), d.ID); err == nil {
			v.State = json.RawMessage(cur.State)
			v.Online = cur.Online
			v.LastSeen = cur.LastSeen
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// loadOwnedDevice resolves the path device and checks home ownership.
func (s *Server) loadOwnedDevice(r *http.Request) (*store.Device, error) {
	id, err := uintParam(r, "id")
	if err != nil {
		return nil, err
	}
	dev, err := s.repo.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "device not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "device lookup failed", err)
	}
	if err := s.canAccessHome(r, dev.HomeID); err != nil {
		return nil, err
	}
	return dev, nil
}

type deviceCommandRequest struct {
	Action string          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	// Raw MQTT-plane payload; everything that is not action/params.
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	dev, err := s.loadOwnedDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	in := command.Input{}
	var req deviceCommandRequest
	if json.Unmarshal(body, &req) == nil && (req.Action != "" || len(req.Payload) > 0) {
		in.Action = req.Action
		in.Params = req.Params
		in.Payload = req.Payload
	} else {
		// Bare JSON object bodies are MQTT-plane payloads as-is.
		in.Payload = body
	}
	cmd, err := s.orch.SubmitDeviceCommand(r.Context(), dev.ID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"cmdId":  cmd.CmdID,
		"status": cmd.Status,
		"sentAt": cmd.SentAt,
	})
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	dev, err := s.loadOwnedDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := queryUint(r, "limit"); v != nil {
		limit = int(*v)
	}
	rows, err := s.repo.ListStateHistory(r.Context(), dev.ID, limit)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "history query failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleResetConnection(w http.ResponseWriter, r *http.Request) {
	s.handleReset(w, r, store.ResetReconnect)
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	s.handleReset(w, r, store.ResetFactoryReset)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, kind string) {
	dev, err := s.loadOwnedDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cmd, err := s.inv.RequestReset(r.Context(), dev.ID, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"cmdId":  cmd.CmdID,
		"status": cmd.Status,
		"type":   kind,
	})
}
