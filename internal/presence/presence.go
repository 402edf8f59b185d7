// Package presence derives online/offline for devices and hubs from
// status beacons, traffic freshness and silence timeouts, emitting
// change events only on actual transitions.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridnest/gridnest/internal/realtime"
	"github.com/gridnest/gridnest/internal/store"
)

type entityState struct {
	online     bool
	lastSeenMs int64
	homeID     uint
}

type Tracker struct {
	repo   *store.Repo
	broker *realtime.Broker

	deviceTimeout time.Duration
	hubTimeout    time.Duration

	mu      sync.Mutex
	devices map[uint]*entityState
	hubs    map[string]*entityState

	onDeviceOnline []func(deviceDbID, homeID uint)
	onHubOnline    []func(hubID string)
}

type Options struct {
	DeviceTimeout time.Duration
	HubTimeout    time.Duration
}

func NewTracker(repo *store.Repo, broker *realtime.Broker, opts Options) *Tracker {
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = 90 * time.Second
	}
	if opts.HubTimeout <= 0 {
		opts.HubTimeout = 120 * time.Second
	}
	return &Tracker{
		repo:          repo,
		broker:        broker,
		deviceTimeout: opts.DeviceTimeout,
		hubTimeout:    opts.HubTimeout,
		devices:       map[uint]*entityState{},
		hubs:          map[string]*entityState{},
	}
}

// OnDeviceOnline registers a hook fired after a device transitions to
// online. Register before Start.
func (t *Tracker) OnDeviceOnline(fn func(deviceDbID, homeID uint)) {
	t.onDeviceOnline = append(t.onDeviceOnline, fn)
}

func (t *Tracker) OnHubOnline(fn func(hubID string)) {
	t.onHubOnline = append(t.onHubOnline, fn)
}

// Start runs the silence sweeper.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(ctx)
			}
		}
	}()
}

// ObserveDeviceStatus applies an explicit status beacon. A retained
// replay with an older ts never supersedes a newer observation.
func (t *Tracker) ObserveDeviceStatus(ctx context.Context, dev *store.Device, online bool, tsMs int64) {
	t.mu.Lock()
	st := t.seedDeviceLocked(ctx, dev)
	if tsMs < st.lastSeenMs {
		t.mu.Unlock()
		return
	}
	st.lastSeenMs = tsMs
	changed := st.online != online
	st.online = online
	t.mu.Unlock()

	if changed {
		t.deviceTransition(ctx, dev.ID, dev.HomeID, online, tsMs)
	}
}

// ObserveDeviceActivity marks a device fresh because traffic arrived; it
// implies online.
func (t *Tracker) ObserveDeviceActivity(ctx context.Context, dev *store.Device, tsMs int64) {
	t.mu.Lock()
	st := t.seedDeviceLocked(ctx, dev)
	if tsMs > st.lastSeenMs {
		st.lastSeenMs = tsMs
	}
	changed := !st.online
	st.online = true
	t.mu.Unlock()

	if changed {
		t.deviceTransition(ctx, dev.ID, dev.HomeID, true, tsMs)
	}
}

func (t *Tracker) ObserveHubStatus(ctx context.Context, hub *store.Hub, online bool, tsMs int64) {
	t.mu.Lock()
	st, ok := t.hubs[hub.HubID]
	if !ok {
		st = &entityState{online: hub.Online, homeID: hub.HomeID}
		if hub.LastSeen != nil {
			st.lastSeenMs = hub.LastSeen.UnixMilli()
		}
		t.hubs[hub.HubID] = st
	}
	if tsMs < st.lastSeenMs {
		t.mu.Unlock()
		return
	}
	st.lastSeenMs = tsMs
	changed := st.online != online
	st.online = online
	t.mu.Unlock()

	if changed {
		t.hubTransition(ctx, hub.HubID, hub.HomeID, online, tsMs)
	}
}

func (t *Tracker) seedDeviceLocked(ctx context.Context, dev *store.Device) *entityState {
	st, ok := t.devices[dev.ID]
	if ok {
		return st
	}
	st = &entityState{homeID: dev.HomeID}
	if cur, err := t.repo.GetStateCurrent(ctx, dev.ID); err == nil {
		st.online = cur.Online
		st.lastSeenMs = cur.LastSeen.UnixMilli()
	}
	t.devices[dev.ID] = st
	return st
}

func (t *Tracker) sweep(ctx context.Context) {
	now := time.Now().UnixMilli()
	type devDown struct {
		id     uint
		homeID uint
	}
	var devsDown []devDown
	type hubDown struct {
		id     string
		homeID uint
	}
	var hubsDown []hubDown

	t.mu.Lock()
	for id, st := range t.devices {
		if st.online && now-st.lastSeenMs > t.deviceTimeout.Milliseconds() {
			st.online = false
			devsDown = append(devsDown, devDown{id: id, homeID: st.homeID})
		}
	}
	for id, st := range t.hubs {
		if st.online && now-st.lastSeenMs > t.hubTimeout.Milliseconds() {
			st.online = false
			hubsDown = append(hubsDown, hubDown{id: id, homeID: st.homeID})
		}
	}
	t.mu.Unlock()

	for _, d := range devsDown {
		t.deviceTransition(ctx, d.id, d.homeID, false, now)
	}
	for _, h := range hubsDown {
		t.hubTransition(ctx, h.id, h.homeID, false, now)
	}
}

func (t *Tracker) deviceTransition(ctx context.Context, deviceDbID, homeID uint, online bool, tsMs int64) {
	lastSeen := time.UnixMilli(tsMs).UTC()
	if err := t.repo.SetDevicePresence(ctx, deviceDbID, online, lastSeen); err != nil {
		slog.Error("device presence persist failed", "device_db_id", deviceDbID, "error", err)
	}
	slog.Info("device presence changed", "device_db_id", deviceDbID, "online", online)
	if t.broker != nil {
		t.broker.Publish(homeID, realtime.TypeStatusChanged, map[string]any{
			"deviceDbId": deviceDbID,
			"online":     online,
			"lastSeen":   lastSeen,
		})
	}
	if online {
		for _, fn := range t.onDeviceOnline {
			fn(deviceDbID, homeID)
		}
	}
}

func (t *Tracker) hubTransition(ctx context.Context, hubID string, homeID uint, online bool, tsMs int64) {
	lastSeen := time.UnixMilli(tsMs).UTC()
	if err := t.repo.SetHubPresence(ctx, hubID, online, lastSeen); err != nil {
		slog.Error("hub presence persist failed", "hub_id", hubID, "error", err)
	}
	slog.Info("hub presence changed", "hub_id", hubID, "online", online)
	if t.broker != nil {
		t.broker.Publish(homeID, "hub_status_changed", map[string]any{
			"hubId":    hubID,
			"online":   online,
			"lastSeen": lastSeen,
		})
	}
	if online {
		for _, fn := range t.onHubOnline {
			fn(hubID)
		}
	}
}
