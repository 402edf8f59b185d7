// Package ingest normalizes inbound fleet telemetry into the canonical
// snapshot, history and event records, and routes ACKs, status beacons
// and pairing announcements to their consumers.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/datatypes"

	"github.com/gridnest/gridnest/internal/bus"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/presence"
	"github.com/gridnest/gridnest/internal/realtime"
	"github.com/gridnest/gridnest/internal/store"
	"github.com/gridnest/gridnest/internal/syncx"
)

type Ingestor struct {
	repo    *store.Repo
	tracker *presence.Tracker
	orch    *command.Orchestrator
	broker  *realtime.Broker
	cache   *StateCache

	locks *syncx.KeyedMutex

	// OnDiscovered receives Zigbee join announcements (set by the
	// pairing coordinator).
	OnDiscovered func(ctx context.Context, hubID string, msg bus.DiscoveredMsg)
	// OnHubFirmware receives hub firmware versions from status beacons
	// (set by the rollout engine).
	OnHubFirmware func(ctx context.Context, hubID, version string)
}

func New(repo *store.Repo, tracker *presence.Tracker, orch *command.Orchestrator, broker *realtime.Broker, cache *StateCache) *Ingestor {
	return &Ingestor{
		repo:    repo,
		tracker: tracker,
		orch:    orch,
		broker:  broker,
		cache:   cache,
		locks:   syncx.NewKeyedMutex(),
	}
}

// Bind wires the ingestor to the router's semantic channels.
func (i *Ingestor) Bind(r *bus.Router) {
	r.On(bus.ChanDeviceState, i.handleDeviceState)
	r.On(bus.ChanZbState, i.handleZbState)
	r.On(bus.ChanDeviceStatus, i.handleDeviceStatus)
	r.On(bus.ChanHubStatus, i.handleHubStatus)
	r.On(bus.ChanZbEvent, i.handleZbEvent)
	r.On(bus.ChanDeviceAck, i.handleAck)
	r.On(bus.ChanZbCmdResult, i.handleAck)
	r.On(bus.ChanZbDiscovered, i.handleDiscovered)
}

func (i *Ingestor) handleDeviceState(msg bus.InboundMessage) {
	ctx := context.Background()
	dev, err := i.repo.GetDeviceByDeviceID(ctx, msg.DeviceID)
	if err != nil {
		slog.Debug("state for unknown device", "device_id", msg.DeviceID)
		return
	}
	i.applyState(ctx, dev, msg)
}

func (i *Ingestor) handleZbState(msg bus.InboundMessage) {
	ctx := context.Background()
	dev, err := i.repo.GetDeviceByIEEE(ctx, msg.DeviceID)
	if err != nil {
		slog.Debug("zb state for unknown ieee", "ieee", msg.DeviceID)
		return
	}
	i.applyState(ctx, dev, msg)
}

// applyState enforces the per-device ordering contract: snapshot updates
// are serialized and ts-monotone; history is authoritative and appended
// even for late arrivals and retained replays.
func (i *Ingestor) applyState(ctx context.Context, dev *store.Device, msg bus.InboundMessage) {
	var sm bus.StateMsg
	if err := json.Unmarshal(msg.Payload, &sm); err != nil || len(sm.State) == 0 {
		slog.Warn("malformed state payload dropped", "device_db_id", dev.ID, "error", err)
		return
	}
	ts := time.UnixMilli(sm.TS).UTC()

	unlock := i.locks.Lock(deviceKey(dev.ID))
	defer unlock()

	cur, err := i.repo.GetStateCurrent(ctx, dev.ID)
	fresh := err != nil || ts.After(cur.LastSeen)

	hist := &store.DeviceStateHistory{
		DeviceID: dev.ID,
		State:    datatypes.JSON(sm.State),
		Online:   true,
		LastSeen: ts,
	}
	if err := i.repo.AppendStateHistory(ctx, hist); err != nil {
		slog.Error("state history append failed", "device_db_id", dev.ID, "error", err)
	}

	if fresh {
		snap := &store.DeviceStateCurrent{
			DeviceID: dev.ID,
			State:    datatypes.JSON(sm.State),
			LastSeen: ts,
			Online:   true,
		}
		if err := i.repo.UpsertStateCurrent(ctx, snap); err != nil {
			slog.Error("state snapshot upsert failed", "device_db_id", dev.ID, "error", err)
			return
		}
		if i.cache != nil {
			if err := i.cache.Set(ctx, dev.ID, sm.State); err != nil {
				slog.Debug("state cache set failed", "device_db_id", dev.ID, "error", err)
			}
		}
		if i.broker != nil {
			i.broker.Publish(dev.HomeID, realtime.TypeStateUpdated, map[string]any{
				"deviceDbId": dev.ID,
				"deviceId":   dev.DeviceID,
				"state":      json.RawMessage(sm.State),
				"lastSeen":   ts,
				"online":     true,
			})
		}
	}
	i.tracker.ObserveDeviceActivity(ctx, dev, sm.TS)
}

func (i *Ingestor) handleDeviceStatus(msg bus.InboundMessage) {
	ctx := context.Background()
	var st bus.StatusMsg
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		slog.Warn("malformed status payload dropped", "device_id", msg.DeviceID, "error", err)
		return
	}
	dev, err := i.repo.GetDeviceByDeviceID(ctx, msg.DeviceID)
	if err != nil {
		return
	}
	i.tracker.ObserveDeviceStatus(ctx, dev, st.Online, st.TS)
}

func (i *Ingestor) handleHubStatus(msg bus.InboundMessage) {
	ctx := context.Background()
	var st bus.StatusMsg
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		slog.Warn("malformed hub status dropped", "hub_id", msg.DeviceID, "error", err)
		return
	}
	hub, err := i.repo.GetHub(ctx, msg.DeviceID)
	if err != nil {
		slog.Debug("status for unknown hub", "hub_id", msg.DeviceID)
		return
	}
	i.tracker.ObserveHubStatus(ctx, hub, st.Online, st.TS)
	if st.FwVersion != "" && st.FwVersion != hub.FirmwareVersion {
		if err := i.repo.SetHubFirmwareVersion(ctx, hub.HubID, st.FwVersion); err != nil {
			slog.Error("hub firmware version persist failed", "hub_id", hub.HubID, "error", err)
		}
	}
	if st.FwVersion != "" && i.OnHubFirmware != nil {
		i.OnHubFirmware(ctx, hub.HubID, st.FwVersion)
	}
}

func (i *Ingestor) handleZbEvent(msg bus.InboundMessage) {
	ctx := context.Background()
	var em bus.EventMsg
	if err := json.Unmarshal(msg.Payload, &em); err != nil || em.Type == "" {
		slog.Warn("malformed event payload dropped", "ieee", msg.DeviceID, "error", err)
		return
	}
	dev, err := i.repo.GetDeviceByIEEE(ctx, msg.DeviceID)
	if err != nil {
		return
	}
	i.appendEvent(ctx, dev, em)
}

func (i *Ingestor) appendEvent(ctx context.Context, dev *store.Device, em bus.EventMsg) {
	seq, err := i.repo.NextEventSeq(ctx, dev.HomeID)
	if err != nil {
		slog.Error("event seq allocation failed", "home_id", dev.HomeID, "error", err)
		return
	}
	ev := &store.DeviceEvent{
		HomeID:   dev.HomeID,
		HomeSeq:  seq,
		DeviceID: dev.ID,
		Type:     em.Type,
		Data:     datatypes.JSON(em.Data),
		SourceAt: time.UnixMilli(em.TS).UTC(),
	}
	if err := i.repo.InsertDeviceEvent(ctx, ev); err != nil {
		slog.Error("event append failed", "device_db_id", dev.ID, "error", err)
		return
	}
	if i.broker != nil {
		i.broker.Publish(dev.HomeID, realtime.TypeEventCreated, map[string]any{
			"deviceDbId": dev.ID,
			"event":      ev,
		})
	}
	i.tracker.ObserveDeviceActivity(ctx, dev, em.TS)
}

func (i *Ingestor) handleAck(msg bus.InboundMessage) {
	var ack bus.AckMsg
	if err := json.Unmarshal(msg.Payload, &ack); err != nil || ack.CmdID == "" {
		slog.Warn("malformed ack payload dropped", "source", msg.DeviceID, "error", err)
		return
	}
	i.orch.HandleAck(context.Background(), ack, msg.Payload)
}

func (i *Ingestor) handleDiscovered(msg bus.InboundMessage) {
	var dm bus.DiscoveredMsg
	if err := json.Unmarshal(msg.Payload, &dm); err != nil || dm.IEEE == "" {
		slog.Warn("malformed discovered payload dropped", "hub_id", msg.DeviceID, "error", err)
		return
	}
	if i.OnDiscovered != nil {
		i.OnDiscovered(context.Background(), msg.DeviceID, dm)
	}
}

func deviceKey(id uint) string {
	return "dev:" + strconv.FormatUint(uint64(id), 10)
}
