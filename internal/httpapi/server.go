// Package httpapi is the REST surface: auth, fleet and inventory
// administration, command submission, pairing, automations and the
// realtime stream.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/auth"
	"github.com/gridnest/gridnest/internal/automation"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/inventory"
	"github.com/gridnest/gridnest/internal/mqtt"
	"github.com/gridnest/gridnest/internal/observability"
	"github.com/gridnest/gridnest/internal/realtime"
	"github.com/gridnest/gridnest/internal/rollout"
	"github.com/gridnest/gridnest/internal/store"
	"github.com/gridnest/gridnest/internal/zigbee"
)

type Server struct {
	repo     *store.Repo
	auth     *auth.Service
	inv      *inventory.Service
	orch     *command.Orchestrator
	rollouts *rollout.Engine
	rules    *automation.Service
	pairing  *zigbee.Coordinator
	broker   *realtime.Broker
	sse      *realtime.SSE
	ws       *realtime.Hub
	mqtt     mqtt.ClientAPI
	metrics  http.Handler
	tracer   oteltrace.Tracer
}

type Deps struct {
	Repo     *store.Repo
	Auth     *auth.Service
	Inv      *inventory.Service
	Orch     *command.Orchestrator
	Rollouts *rollout.Engine
	Rules    *automation.Service
	Pairing  *zigbee.Coordinator
	Broker   *realtime.Broker
	MQTT     mqtt.ClientAPI
	Metrics  http.Handler
	Tracer   oteltrace.Tracer
}

func NewServer(d Deps) *Server {
	return &Server{
		repo:     d.Repo,
		auth:     d.Auth,
		inv:      d.Inv,
		orch:     d.Orch,
		rollouts: d.Rollouts,
		rules:    d.Rules,
		pairing:  d.Pairing,
		broker:   d.Broker,
		sse:      realtime.NewSSE(d.Broker),
		ws:       realtime.NewHub(d.Broker),
		mqtt:     d.MQTT,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		if s.tracer != nil {
			r.Use(observability.Middleware(s.tracer))
		}

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/me", s.handleMe)

			r.Get("/homes", s.handleHomesList)
			r.Post("/homes", s.handleHomesCreate)

			r.Post("/hubs/activate", s.handleHubActivate)
			r.Get("/hubs/{hubId}/automations/status", s.handleAutomationStatus)

			r.Post("/devices/claim", s.handleDeviceClaim)
			r.Get("/devices", s.handleDevicesList)
			r.Get("/devices/{id}/history", s.handleDeviceHistory)
			r.Post("/devices/{id}/command", s.handleDeviceCommand)
			r.Post("/devices/{id}/reset-connection", s.handleResetConnection)
			r.Post("/devices/{id}/factory-reset", s.handleFactoryReset)

			r.Post("/zigbee/pairing/open", s.handlePairingOpen)
			r.Post("/zigbee/pairing/confirm", s.handlePairingConfirm)
			r.Delete("/zigbee/pairing/{token}", s.handlePairingCancel)
			r.Get("/zigbee/discovered", s.handleDiscoveredList)

			r.Get("/homes/{homeId}/automations", s.handleRulesList)
			r.Post("/homes/{homeId}/automations", s.handleRuleCreate)
			r.Put("/automations/{id}", s.handleRuleUpdate)
			r.Delete("/automations/{id}", s.handleRuleDelete)
			r.Post("/automations/{id}/enable", s.handleRuleEnable)
			r.Post("/automations/{id}/disable", s.handleRuleDisable)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)

				r.Get("/inventory/hubs", s.handleInventoryHubsList)
				r.Post("/inventory/hubs", s.handleInventoryHubsCreate)
				r.Get("/inventory/devices", s.handleInventoryDevicesList)
				r.Post("/inventory/devices", s.handleInventoryDevicesCreate)
				r.Post("/inventory/export", s.handleInventoryExport)

				r.Get("/fleet/hubs", s.handleFleetHubs)
				r.Get("/fleet/devices", s.handleFleetDevices)

				r.Get("/events", s.handleEventsList)
				r.Get("/commands", s.handleCommandsList)
				r.Post("/commands/{ref}/retry", s.handleCommandRetry)

				r.Get("/firmware/releases", s.handleReleasesList)
				r.Post("/firmware/releases", s.handleReleaseCreate)
				r.Get("/firmware/rollouts", s.handleRolloutsList)
				r.Post("/firmware/rollouts", s.handleRolloutCreate)
				r.Get("/firmware/rollouts/{id}", s.handleRolloutGet)
				r.Post("/firmware/rollouts/{id}/start", s.handleRolloutStart)
				r.Post("/firmware/rollouts/{id}/pause", s.handleRolloutPause)
			})
		})
	})

	// Realtime endpoints skip the tracing wrapper: the WebSocket upgrade
	// needs the raw ResponseWriter and SSE connections are long-lived.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/events", s.handleSSE)
		r.Get("/ws", s.handleWS)
	})

	return r
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready only with a connected broker and a
// reachable database. Migrations ran during startup; reaching this
// handler implies they succeeded.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.mqtt == nil || !s.mqtt.IsConnected() {
		writeError(w, apperr.New(apperr.UpstreamUnavailable, "mqtt broker not connected"))
		return
	}
	ctx, cancel := contextWithTimeout(r, 2*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		writeError(w, apperr.Wrap(apperr.UpstreamUnavailable, "database unreachable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apperr.Write(w, apperr.From(err))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.ValidationError, "invalid json body", err)
	}
	return nil
}

func unmarshalStrict(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.ValidationError, "invalid json body", err)
	}
	return nil
}

func param(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.ValidationError, "unreadable body", err)
	}
	if len(b) == 0 || !json.Valid(b) {
		return nil, apperr.New(apperr.ValidationError, "body must be a json object")
	}
	return b, nil
}

func uintParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, apperr.New(apperr.ValidationError, name+" must be a number")
	}
	return uint(id), nil
}

func queryUint(r *http.Request, name string) *uint {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil
	}
	u := uint(v)
	return &u
}

func queryBool(r *http.Request, name string) *bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &b
}

func queryDate(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, apperr.New(apperr.ValidationError, name+" must be YYYY-MM-DD")
	}
	return &t, nil
}

func contextWithTimeout(r *http.Request, d time.Duration) (ctx context.Context, cancel func()) {
	return context.WithTimeout(r.Context(), d)
}

// ownedHomeIDs returns the ids of homes the caller may observe.
func (s *Server) ownedHomeIDs(r *http.Request) ([]uint, error) {
	claims := claimsFrom(r)
	homes, err := s.repo.ListHomesOwnedBy(r.Context(), claims.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "home list failed", err)
	}
	ids := make([]uint, 0, len(homes))
	for _, h := range homes {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// canAccessHome allows the home owner and admins.
func (s *Server) canAccessHome(r *http.Request, homeID uint) error {
	claims := claimsFrom(r)
	if claims.IsAdmin() {
		return nil
	}
	home, err := s.repo.GetHome(r.Context(), homeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.NotFound, "home not found")
		}
		return apperr.Wrap(apperr.Internal, "home lookup failed", err)
	}
	if home.OwnerUserID != claims.UserID {
		return apperr.New(apperr.Forbidden, "home is not yours")
	}
	return nil
}
