// Package zigbee coordinates pairing sessions: permit-join windows on
// hubs, join announcements, and the confirm step that turns a
// discovered device into a bound Device row.
package zigbee

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/bus"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/realtime"
	"github.com/gridnest/gridnest/internal/store"
)

type Coordinator struct {
	repo   *store.Repo
	orch   *command.Orchestrator
	broker *realtime.Broker
	window time.Duration
}

func NewCoordinator(repo *store.Repo, orch *command.Orchestrator, broker *realtime.Broker, window time.Duration) *Coordinator {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Coordinator{repo: repo, orch: orch, broker: broker, window: window}
}

// Start runs the session expiry sweeper.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.expireSessions(ctx)
			}
		}
	}()
}

type OpenSessionInput struct {
	HubID           string  `json:"hubId"`
	Mode            string  `json:"mode"`
	ExpectedModelID *string `json:"expectedModelId,omitempty"`
	ClaimedSerial   *string `json:"claimedSerial,omitempty"`
}

// OpenSession opens a permit-join window on the hub and returns a new
// session token. One open session per hub.
func (c *Coordinator) OpenSession(ctx context.Context, userID uint, in OpenSessionInput) (*store.ZigbeePairingSession, error) {
	switch in.Mode {
	case store.PairingLegacy, store.PairingSerialFirst, store.PairingTypeFirst:
	default:
		return nil, apperr.New(apperr.ValidationError, "mode must be LEGACY, SERIAL_FIRST or TYPE_FIRST")
	}
	hub, err := c.repo.GetHub(ctx, in.HubID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "hub not found", err)
	}
	home, err := c.repo.GetHome(ctx, hub.HomeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "home lookup failed", err)
	}
	if home.OwnerUserID != userID {
		return nil, apperr.New(apperr.Forbidden, "hub is not yours")
	}
	if !hub.Online {
		return nil, apperr.New(apperr.PreconditionFailed, "hub is offline")
	}
	now := time.Now().UTC()
	if _, err := c.repo.GetOpenPairingSessionForHub(ctx, in.HubID, now); err == nil {
		return nil, apperr.New(apperr.Conflict, "a pairing session is already open on this hub")
	}

	switch in.Mode {
	case store.PairingSerialFirst:
		if in.ClaimedSerial == nil || *in.ClaimedSerial == "" {
			return nil, apperr.New(apperr.ValidationError, "claimedSerial is required for SERIAL_FIRST")
		}
		item, err := c.repo.GetDeviceInventoryBySerial(ctx, *in.ClaimedSerial)
		if err != nil {
			return nil, apperr.Wrap(apperr.NotFound, "unknown serial", err)
		}
		if item.Protocol != store.ProtocolZigbee {
			return nil, apperr.New(apperr.ValidationError, "serial is not a zigbee device")
		}
		if item.Status != store.InventoryClaimed {
			return nil, apperr.New(apperr.PreconditionFailed, "serial must be claimed before pairing")
		}
	case store.PairingTypeFirst:
		if in.ExpectedModelID == nil || *in.ExpectedModelID == "" {
			return nil, apperr.New(apperr.ValidationError, "expectedModelId is required for TYPE_FIRST")
		}
	}

	sess := &store.ZigbeePairingSession{
		Token:           uuid.NewString(),
		OwnerUserID:     userID,
		HubID:           in.HubID,
		HomeID:          hub.HomeID,
		Mode:            in.Mode,
		ClaimedSerial:   in.ClaimedSerial,
		ExpectedModelID: in.ExpectedModelID,
		ExpiresAt:       now.Add(c.window),
	}
	if err := c.repo.CreatePairingSession(ctx, sess); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "session create failed", err)
	}
	if err := c.permitJoin(ctx, in.HubID, true); err != nil {
		_, _ = c.repo.ClosePairingSession(ctx, sess.Token)
		return nil, err
	}
	slog.Info("pairing session opened", "token", sess.Token, "hub_id", in.HubID, "mode", in.Mode)
	return sess, nil
}

// HandleDiscovered processes a join announcement from a hub. Wire to the
// ingest path's discovered hook.
func (c *Coordinator) HandleDiscovered(ctx context.Context, hubID string, msg bus.DiscoveredMsg) {
	sess, err := c.repo.GetOpenPairingSessionForHub(ctx, hubID, time.Now().UTC())
	if err != nil {
		slog.Debug("join announce outside a pairing session", "hub_id", hubID, "ieee", msg.IEEE)
		return
	}

	if sess.Mode == store.PairingTypeFirst && sess.ExpectedModelID != nil && msg.Model != *sess.ExpectedModelID {
		slog.Debug("join announce filtered by model", "hub_id", hubID, "ieee", msg.IEEE, "model", msg.Model)
		return
	}

	disc := &store.ZigbeeDiscoveredDevice{
		HubID:            hubID,
		IEEE:             msg.IEEE,
		Manufacturer:     msg.Manufacturer,
		ShortAddr:        optString(msg.ShortAddr),
		Model:            msg.Model,
		SwBuildID:        msg.SwBuildID,
		SuggestedModelID: msg.Model,
		PairingToken:     sess.Token,
		Status:           store.DiscoveredPending,
	}
	if err := c.repo.UpsertDiscovered(ctx, disc); err != nil {
		slog.Error("discovered upsert failed", "hub_id", hubID, "ieee", msg.IEEE, "error", err)
		return
	}
	if c.broker != nil {
		c.broker.Publish(sess.HomeID, "zigbee_device_discovered", map[string]any{
			"token":        sess.Token,
			"ieee":         msg.IEEE,
			"manufacturer": msg.Manufacturer,
			"model":        msg.Model,
		})
	}

	if sess.Mode == store.PairingSerialFirst {
		c.tryAutoBind(ctx, sess, msg)
	}
}

// tryAutoBind binds the first announce whose model matches the claimed
// serial's inventory row.
func (c *Coordinator) tryAutoBind(ctx context.Context, sess *store.ZigbeePairingSession, msg bus.DiscoveredMsg) {
	item, err := c.repo.GetDeviceInventoryBySerial(ctx, *sess.ClaimedSerial)
	if err != nil {
		slog.Error("auto-bind inventory lookup failed", "serial", *sess.ClaimedSerial, "error", err)
		return
	}
	if item.ModelID != "" && msg.Model != item.ModelID {
		return
	}
	if _, err := c.bind(ctx, sess, msg.IEEE, item); err != nil {
		slog.Error("auto-bind failed", "token", sess.Token, "ieee", msg.IEEE, "error", err)
	}
}

// Confirm binds a discovered device and closes the session.
func (c *Coordinator) Confirm(ctx context.Context, userID uint, token, ieee string, modelIDOverride *string) (*store.Device, error) {
	sess, err := c.repo.GetPairingSession(ctx, token)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "session not found", err)
	}
	if sess.OwnerUserID != userID {
		return nil, apperr.New(apperr.Forbidden, "session is not yours")
	}
	if sess.Closed || time.Now().UTC().After(sess.ExpiresAt) {
		return nil, apperr.New(apperr.PreconditionFailed, "session is closed")
	}
	if _, err := c.repo.GetDiscovered(ctx, sess.HubID, ieee); err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "device was not discovered in this session", err)
	}
	var item *store.DeviceInventory
	if sess.ClaimedSerial != nil {
		item, _ = c.repo.GetDeviceInventoryBySerial(ctx, *sess.ClaimedSerial)
	}
	dev, err := c.bind(ctx, sess, ieee, item)
	if err != nil {
		return nil, err
	}
	if modelIDOverride != nil && *modelIDOverride != "" {
		dev.ModelID = *modelIDOverride
		if err := c.repo.SaveDevice(ctx, dev); err != nil {
			slog.Error("model override save failed", "device_db_id", dev.ID, "error", err)
		}
	}
	return dev, nil
}

// bind creates the Device row, marks the discovered row confirmed and
// closes the session with a permit-join close.
func (c *Coordinator) bind(ctx context.Context, sess *store.ZigbeePairingSession, ieee string, item *store.DeviceInventory) (*store.Device, error) {
	now := time.Now().UTC()
	dev := &store.Device{
		DeviceID:        uuid.NewString(),
		HomeID:          sess.HomeID,
		Protocol:        store.ProtocolZigbee,
		HubID:           &sess.HubID,
		ZigbeeIEEE:      &ieee,
		LifecycleStatus: store.LifecycleBound,
		BoundAt:         &now,
	}
	if disc, err := c.repo.GetDiscovered(ctx, sess.HubID, ieee); err == nil {
		dev.ModelID = disc.SuggestedModelID
	}
	if item != nil {
		dev.DeviceID = item.DeviceUUID
		dev.Serial = &item.Serial
		dev.Type = item.TypeDefault
		if item.ModelID != "" {
			dev.ModelID = item.ModelID
		}
	}
	if err := c.repo.CreateDevice(ctx, dev); err != nil {
		return nil, apperr.Wrap(apperr.Conflict, "device already bound", err)
	}
	if err := c.repo.SetDiscoveredStatus(ctx, sess.HubID, ieee, store.DiscoveredConfirmed); err != nil {
		slog.Error("discovered status update failed", "ieee", ieee, "error", err)
	}
	c.closeSession(ctx, sess.Token, sess.HubID)
	if c.broker != nil {
		c.broker.Publish(sess.HomeID, "zigbee_device_bound", map[string]any{
			"deviceDbId": dev.ID,
			"ieee":       ieee,
			"token":      sess.Token,
		})
	}
	slog.Info("zigbee device bound", "device_db_id", dev.ID, "ieee", ieee, "hub_id", sess.HubID)
	return dev, nil
}

// Cancel closes a session before its window elapses.
func (c *Coordinator) Cancel(ctx context.Context, userID uint, token string) error {
	sess, err := c.repo.GetPairingSession(ctx, token)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, "session not found", err)
	}
	if sess.OwnerUserID != userID {
		return apperr.New(apperr.Forbidden, "session is not yours")
	}
	if sess.Closed {
		return nil
	}
	c.closeSession(ctx, token, sess.HubID)
	return nil
}

// ListDiscovered returns the announces surfaced to a session's owner.
func (c *Coordinator) ListDiscovered(ctx context.Context, userID uint, token string) ([]store.ZigbeeDiscoveredDevice, error) {
	sess, err := c.repo.GetPairingSession(ctx, token)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "session not found", err)
	}
	if sess.OwnerUserID != userID {
		return nil, apperr.New(apperr.Forbidden, "session is not yours")
	}
	rows, err := c.repo.ListDiscoveredForHubs(ctx, []string{sess.HubID})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "discovered list failed", err)
	}
	out := rows[:0]
	for _, d := range rows {
		if d.PairingToken == token {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *Coordinator) expireSessions(ctx context.Context) {
	sessions, err := c.repo.ListExpiredPairingSessions(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("expired session list failed", "error", err)
		return
	}
	for _, sess := range sessions {
		slog.Info("pairing session expired", "token", sess.Token, "hub_id", sess.HubID)
		c.closeSession(ctx, sess.Token, sess.HubID)
	}
}

func (c *Coordinator) closeSession(ctx context.Context, token, hubID string) {
	if won, err := c.repo.ClosePairingSession(ctx, token); err != nil || !won {
		return
	}
	if err := c.permitJoin(ctx, hubID, false); err != nil {
		slog.Warn("permit-join close failed", "hub_id", hubID, "error", err)
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (c *Coordinator) permitJoin(ctx context.Context, hubID string, open bool) error {
	payload := map[string]any{"cmd": "permit_join", "open": open}
	if open {
		payload["duration_s"] = int(c.window.Seconds())
	}
	if _, err := c.orch.SubmitHubCommand(ctx, hubID, payload, false); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "permit-join command failed", err)
	}
	return nil
}
