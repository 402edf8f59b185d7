package httpapi

import (
	"net/http"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/inventory"
	"github.com/gridnest/gridnest/internal/store"
)

// --- Inventory ---

func (s *Server) handleInventoryHubsList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListHubInventory(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "inventory list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleInventoryHubsCreate(w http.ResponseWriter, r *http.Request) {
	var seed inventory.HubSeed
	if err := decodeJSON(r, &seed); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.inv.RegisterHub(r.Context(), seed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleInventoryDevicesList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListDeviceInventory(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "inventory list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleInventoryDevicesCreate accepts a single seed or a batch; batches
// report per-row results.
func (s *Server) handleInventoryDevicesCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if body[0] == '[' {
		var seeds []inventory.DeviceSeed
		if err := unmarshalStrict(body, &seeds); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.inv.RegisterDevices(r.Context(), seeds))
		return
	}
	var seed inventory.DeviceSeed
	if err := unmarshalStrict(body, &seed); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.inv.RegisterDevice(r.Context(), seed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type exportRequest struct {
	Kind   string `json:"kind"`
	Status string `json:"status,omitempty"`
}

func (s *Server) handleInventoryExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	switch req.Kind {
	case "hubs":
		w.Header().Set("Content-Disposition", `attachment; filename="hub_inventory.csv"`)
		if err := s.inv.ExportHubsCSV(r.Context(), w, req.Status); err != nil {
			writeError(w, apperr.Wrap(apperr.Internal, "export failed", err))
		}
	case "devices":
		w.Header().Set("Content-Disposition", `attachment; filename="device_inventory.csv"`)
		if err := s.inv.ExportDevicesCSV(r.Context(), w, req.Status); err != nil {
			writeError(w, apperr.Wrap(apperr.Internal, "export failed", err))
		}
	default:
		writeError(w, apperr.New(apperr.ValidationError, "kind must be hubs or devices"))
	}
}

// --- Fleet ---

func (s *Server) handleFleetHubs(w http.ResponseWriter, r *http.Request) {
	hubs, err := s.repo.ListHubs(r.Context(), queryUint(r, "homeId"))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "hub list failed", err))
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		wantOnline := status == "online"
		filtered := hubs[:0]
		for _, h := range hubs {
			if h.Online == wantOnline {
				filtered = append(filtered, h)
			}
		}
		hubs = filtered
	}
	writeJSON(w, http.StatusOK, hubs)
}

func (s *Server) handleFleetDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevices(r.Context(), store.DeviceFilter{
		HomeID:  queryUint(r, "homeId"),
		ModelID: r.URL.Query().Get("modelId"),
		Online:  queryBool(r, "online"),
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "device list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// --- Events and commands ---

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	date, err := queryDate(r, "date")
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.repo.ListDeviceEvents(r.Context(), store.EventFilter{
		HomeID:   queryUint(r, "homeId"),
		DeviceID: queryUint(r, "deviceId"),
		Type:     r.URL.Query().Get("type"),
		Date:     date,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "event list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCommandsList(w http.ResponseWriter, r *http.Request) {
	date, err := queryDate(r, "date")
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.repo.ListCommands(r.Context(), store.CommandFilter{
		Status:   r.URL.Query().Get("status"),
		DeviceID: queryUint(r, "deviceId"),
		Date:     date,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "command list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCommandRetry(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.orch.Retry(r.Context(), param(r, "ref"))
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

// --- Firmware ---

func (s *Server) handleReleasesList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListFirmwareReleases(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "release list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type releaseCreateRequest struct {
	TargetType string `json:"targetType"`
	Version    string `json:"version"`
	URL        string `json:"url"`
	SHA256     string `json:"sha256"`
	Size       *int64 `json:"size,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (s *Server) handleReleaseCreate(w http.ResponseWriter, r *http.Request) {
	var req releaseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version == "" || req.URL == "" || req.SHA256 == "" {
		writeError(w, apperr.New(apperr.ValidationError, "version, url and sha256 are required"))
		return
	}
	if req.TargetType == "" {
		req.TargetType = "hub"
	}
	rel := &store.FirmwareRelease{
		TargetType: req.TargetType,
		Version:    req.Version,
		URL:        req.URL,
		SHA256:     req.SHA256,
		Size:       req.Size,
		Notes:      req.Notes,
	}
	if err := s.repo.CreateFirmwareRelease(r.Context(), rel); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "release create failed", err))
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleRolloutsList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListRollouts(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "rollout list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type rolloutCreateRequest struct {
	ReleaseID uint     `json:"releaseId"`
	HubIDs    []string `json:"hubIds"`
}

func (s *Server) handleRolloutCreate(w http.ResponseWriter, r *http.Request) {
	var req rolloutCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ro, err := s.rollouts.CreateRollout(r.Context(), req.ReleaseID, req.HubIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ro)
}

func (s *Server) handleRolloutGet(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.rollouts.GetRollout(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRolloutStart(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.rollouts.StartRollout(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.RolloutRunning})
}

func (s *Server) handleRolloutPause(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.rollouts.PauseRollout(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.RolloutPaused})
}
