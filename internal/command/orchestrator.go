package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/bus"
	"github.com/gridnest/gridnest/internal/mqtt"
	"github.com/gridnest/gridnest/internal/observability"
	"github.com/gridnest/gridnest/internal/realtime"
	"github.com/gridnest/gridnest/internal/store"
	"github.com/gridnest/gridnest/internal/syncx"
)

// Input is a submitted command: a low-level payload for MQTT-plane
// devices, or an action + params for Zigbee-plane devices.
type Input struct {
	Payload      json.RawMessage
	Action       string
	Params       json.RawMessage
	AllowOffline bool
}

// Resolution reports a terminal command transition to listeners.
type Resolution struct {
	Cmd      store.Command
	HomeID   uint
	OK       bool
	TimedOut bool
	Error    string
	// Ack is the raw ACK payload; hubs piggyback extra fields (e.g.
	// applied_version) on it. Nil on timeout.
	Ack []byte
}

type Listener func(res Resolution)

type Orchestrator struct {
	repo   *store.Repo
	client mqtt.ClientAPI
	broker *realtime.Broker
	sched  *Scheduler
	locks  *syncx.KeyedMutex

	timeout    time.Duration
	offlineTTL time.Duration

	mu        sync.RWMutex
	listeners []Listener
}

type Options struct {
	Timeout time.Duration
	// OfflineTTL bounds how long an offline-allowed command may stay
	// PENDING waiting for its target to reconnect.
	OfflineTTL time.Duration
}

func New(repo *store.Repo, client mqtt.ClientAPI, broker *realtime.Broker, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.OfflineTTL <= 0 {
		opts.OfflineTTL = 15 * time.Minute
	}
	o := &Orchestrator{
		repo:       repo,
		client:     client,
		broker:     broker,
		locks:      syncx.NewKeyedMutex(),
		timeout:    opts.Timeout,
		offlineTTL: opts.OfflineTTL,
	}
	o.sched = NewScheduler(o.handleDeadline)
	return o
}

// AddListener registers a terminal-transition observer. Must be called
// before Start.
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, l)
	o.mu.Unlock()
}

// Start re-arms deadlines for commands that were PENDING when the
// process last stopped; each continues from its original sentAt.
func (o *Orchestrator) Start(ctx context.Context) error {
	pending, err := o.repo.ListPendingCommands(ctx)
	if err != nil {
		return err
	}
	for _, c := range pending {
		ttl := o.timeout
		// Without the original offline-allowed flag the shorter window
		// wins; a queued reset that misses it can be retried.
		o.sched.Arm(c.CmdID, c.SentAt.Add(ttl))
	}
	if len(pending) > 0 {
		slog.Info("re-armed pending command deadlines", "count", len(pending))
	}
	o.sched.Start()
	return nil
}

func (o *Orchestrator) Stop() { o.sched.Stop() }

// SubmitDeviceCommand resolves, persists and publishes a command for a
// live device. It returns after the PENDING row is durable.
func (o *Orchestrator) SubmitDeviceCommand(ctx context.Context, deviceDbID uint, in Input) (*store.Command, error) {
	dev, err := o.repo.GetDevice(ctx, deviceDbID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "device not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "device lookup failed", err)
	}
	if dev.LifecycleStatus != store.LifecycleBound && dev.LifecycleStatus != store.LifecycleActive {
		return nil, apperr.New(apperr.PreconditionFailed, "device is not bound")
	}

	var stored json.RawMessage
	switch dev.Protocol {
	case store.ProtocolZigbee:
		if dev.HubID == nil || dev.ZigbeeIEEE == nil {
			return nil, apperr.New(apperr.PreconditionFailed, "zigbee device has no hub binding")
		}
		if in.Action == "" {
			return nil, apperr.New(apperr.ValidationError, "zigbee commands require an action")
		}
		args := in.Params
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		b, merr := json.Marshal(map[string]json.RawMessage{
			"action": json.RawMessage(`"` + in.Action + `"`),
			"args":   args,
		})
		if merr != nil {
			return nil, apperr.Wrap(apperr.ValidationError, "invalid params", merr)
		}
		stored = b
	default:
		if len(in.Payload) == 0 {
			return nil, apperr.New(apperr.ValidationError, "missing payload")
		}
		stored = in.Payload
	}

	if !in.AllowOffline {
		online, oerr := o.targetOnline(ctx, dev)
		if oerr != nil {
			return nil, oerr
		}
		if !online {
			return nil, apperr.New(apperr.PreconditionFailed, "device is offline")
		}
	}

	unlock := o.locks.Lock(deviceKey(dev.ID))
	defer unlock()

	cmd := &store.Command{
		DeviceID: dev.ID,
		CmdID:    uuid.NewString(),
		Payload:  datatypes.JSON(stored),
		Status:   store.CommandPending,
		SentAt:   time.Now().UTC(),
	}
	if err := o.repo.InsertCommand(ctx, cmd); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "command persist failed", err)
	}

	if err := o.publishWire(cmd, dev, nil); err != nil {
		if errors.Is(err, mqtt.ErrBusy) {
			now := time.Now().UTC()
			_, _ = o.repo.ResolveCommand(ctx, cmd.CmdID, store.CommandFailed, &now, "publish queue full")
			return nil, apperr.New(apperr.ServiceBusy, "command queue is full")
		}
		// Broker hiccup: the row stays PENDING and either the retained
		// session delivers it or the deadline times it out.
		slog.Warn("command publish failed", "cmd_id", cmd.CmdID, "error", err)
	}

	ttl := o.timeout
	if in.AllowOffline {
		ttl = o.offlineTTL
	}
	o.sched.Arm(cmd.CmdID, cmd.SentAt.Add(ttl))
	observability.CommandsSubmitted.WithLabelValues(strings.ToLower(dev.Protocol)).Inc()
	o.emit(dev.HomeID, cmd)
	return cmd, nil
}

// SubmitHubCommand targets a hub's management channel. Hubs are
// addressed as MQTT-plane endpoints under their home, keyed by hubId.
func (o *Orchestrator) SubmitHubCommand(ctx context.Context, hubID string, payload any, allowOffline bool) (*store.Command, error) {
	hub, err := o.repo.GetHub(ctx, hubID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "hub not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "hub lookup failed", err)
	}
	if !allowOffline && !hub.Online {
		return nil, apperr.New(apperr.PreconditionFailed, "hub is offline")
	}
	body, merr := json.Marshal(payload)
	if merr != nil {
		return nil, apperr.Wrap(apperr.ValidationError, "invalid payload", merr)
	}

	unlock := o.locks.Lock(hubKey(hub.HubID))
	defer unlock()

	cmd := &store.Command{
		HubID:   &hub.HubID,
		CmdID:   uuid.NewString(),
		Payload: datatypes.JSON(body),
		Status:  store.CommandPending,
		SentAt:  time.Now().UTC(),
	}
	if err := o.repo.InsertCommand(ctx, cmd); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "command persist failed", err)
	}
	if err := o.publishWire(cmd, nil, hub); err != nil {
		if errors.Is(err, mqtt.ErrBusy) {
			now := time.Now().UTC()
			_, _ = o.repo.ResolveCommand(ctx, cmd.CmdID, store.CommandFailed, &now, "publish queue full")
			return nil, apperr.New(apperr.ServiceBusy, "command queue is full")
		}
		slog.Warn("hub command publish failed", "cmd_id", cmd.CmdID, "hub_id", hubID, "error", err)
	}
	ttl := o.timeout
	if allowOffline {
		ttl = o.offlineTTL
	}
	o.sched.Arm(cmd.CmdID, cmd.SentAt.Add(ttl))
	observability.CommandsSubmitted.WithLabelValues("hub").Inc()
	o.emit(hub.HomeID, cmd)
	return cmd, nil
}

// Retry re-submits a terminal non-ACKED command as a fresh row with a
// new cmdId; the original stays as history.
func (o *Orchestrator) Retry(ctx context.Context, ref string) (*store.Command, error) {
	old, err := o.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch old.Status {
	case store.CommandAcked:
		return nil, apperr.New(apperr.Conflict, "command already acknowledged")
	case store.CommandPending:
		return nil, apperr.New(apperr.PreconditionFailed, "command still pending")
	}

	if old.HubID != nil {
		var payload any
		if err := json.Unmarshal(old.Payload, &payload); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "stored payload unreadable", err)
		}
		return o.SubmitHubCommand(ctx, *old.HubID, payload, true)
	}

	dev, err := o.repo.GetDevice(ctx, old.DeviceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "device lookup failed", err)
	}
	in := Input{AllowOffline: true}
	if dev.Protocol == store.ProtocolZigbee {
		var za struct {
			Action string          `json:"action"`
			Args   json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(old.Payload, &za); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "stored payload unreadable", err)
		}
		in.Action = za.Action
		in.Params = za.Args
	} else {
		in.Payload = json.RawMessage(old.Payload)
	}
	return o.SubmitDeviceCommand(ctx, dev.ID, in)
}

// HandleAck correlates an inbound ACK / cmd_result with its PENDING row.
// Transitions are first-writer-wins; anything after a terminal state is
// dropped.
func (o *Orchestrator) HandleAck(ctx context.Context, ack bus.AckMsg, raw []byte) {
	if ack.CmdID == "" {
		return
	}
	status := store.CommandAcked
	if !ack.OK {
		status = store.CommandFailed
	}
	now := time.Now().UTC()
	won, err := o.repo.ResolveCommand(ctx, ack.CmdID, status, &now, ack.Error)
	if err != nil {
		slog.Error("ack resolve failed", "cmd_id", ack.CmdID, "error", err)
		return
	}
	if !won {
		slog.Debug("ack for non-pending command ignored", "cmd_id", ack.CmdID)
		return
	}
	o.afterResolve(ctx, ack.CmdID, Resolution{OK: ack.OK, Error: ack.Error, Ack: raw})
}

// FlushPendingFor re-publishes PENDING commands for a target that just
// came online; queued offline-allowed commands get delivered here.
func (o *Orchestrator) FlushPendingFor(ctx context.Context, deviceDbID uint, hubID string) {
	cmds, err := o.repo.ListPendingForTarget(ctx, deviceDbID, hubID)
	if err != nil {
		slog.Warn("pending flush query failed", "error", err)
		return
	}
	for i := range cmds {
		cmd := &cmds[i]
		var dev *store.Device
		var hub *store.Hub
		if cmd.HubID != nil {
			hub, err = o.repo.GetHub(ctx, *cmd.HubID)
		} else {
			dev, err = o.repo.GetDevice(ctx, cmd.DeviceID)
		}
		if err != nil {
			continue
		}
		if err := o.publishWire(cmd, dev, hub); err != nil {
			slog.Debug("pending flush publish failed", "cmd_id", cmd.CmdID, "error", err)
		}
	}
}

func (o *Orchestrator) handleDeadline(cmdID string) {
	ctx := context.Background()
	won, err := o.repo.ResolveCommand(ctx, cmdID, store.CommandTimeout, nil, "ack deadline exceeded")
	if err != nil {
		slog.Error("timeout resolve failed", "cmd_id", cmdID, "error", err)
		return
	}
	if !won {
		return
	}
	o.afterResolve(ctx, cmdID, Resolution{TimedOut: true, Error: "ack deadline exceeded"})
}

func (o *Orchestrator) afterResolve(ctx context.Context, cmdID string, res Resolution) {
	cmd, err := o.repo.GetCommandByCmdID(ctx, cmdID)
	if err != nil {
		slog.Error("resolved command reload failed", "cmd_id", cmdID, "error", err)
		return
	}
	res.Cmd = *cmd
	res.HomeID = o.homeFor(ctx, cmd)
	observability.CommandsResolved.WithLabelValues(cmd.Status).Inc()
	o.emit(res.HomeID, cmd)

	o.mu.RLock()
	listeners := o.listeners
	o.mu.RUnlock()
	for _, l := range listeners {
		l(res)
	}
}

func (o *Orchestrator) homeFor(ctx context.Context, cmd *store.Command) uint {
	if cmd.HubID != nil {
		if hub, err := o.repo.GetHub(ctx, *cmd.HubID); err == nil {
			return hub.HomeID
		}
		return 0
	}
	if dev, err := o.repo.GetDevice(ctx, cmd.DeviceID); err == nil {
		return dev.HomeID
	}
	return 0
}

func (o *Orchestrator) emit(homeID uint, cmd *store.Command) {
	if o.broker == nil || homeID == 0 {
		return
	}
	payload := map[string]any{
		"deviceDbId": cmd.DeviceID,
		"cmdId":      cmd.CmdID,
		"status":     cmd.Status,
		"sentAt":     cmd.SentAt,
	}
	if cmd.HubID != nil {
		payload["hubId"] = *cmd.HubID
	}
	if cmd.AckedAt != nil {
		payload["ackedAt"] = *cmd.AckedAt
	}
	if cmd.Error != "" {
		payload["error"] = cmd.Error
	}
	o.broker.Publish(homeID, realtime.TypeCommandUpdated, payload)
}

// publishWire wraps the stored payload in the plane envelope and sends
// it. Exactly one of dev/hub is set.
func (o *Orchestrator) publishWire(cmd *store.Command, dev *store.Device, hub *store.Hub) error {
	ts := time.Now().UnixMilli()
	var topic string
	var body []byte
	switch {
	case hub != nil:
		b, err := json.Marshal(bus.CommandMsg{CmdID: cmd.CmdID, TS: ts, Payload: json.RawMessage(cmd.Payload)})
		if err != nil {
			return err
		}
		topic, body = bus.DeviceSetTopic(hub.HomeID, hub.HubID), b
	case dev.Protocol == store.ProtocolZigbee:
		var za struct {
			Action string          `json:"action"`
			Args   json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(cmd.Payload, &za); err != nil {
			return err
		}
		b, err := json.Marshal(bus.ZbCommandMsg{CmdID: cmd.CmdID, TS: ts, Action: za.Action, Args: za.Args})
		if err != nil {
			return err
		}
		topic, body = bus.ZbSetTopic(*dev.ZigbeeIEEE), b
	default:
		b, err := json.Marshal(bus.CommandMsg{CmdID: cmd.CmdID, TS: ts, Payload: json.RawMessage(cmd.Payload)})
		if err != nil {
			return err
		}
		topic, body = bus.DeviceSetTopic(dev.HomeID, dev.DeviceID), b
	}
	return o.client.Publish(topic, 1, false, body)
}

func (o *Orchestrator) targetOnline(ctx context.Context, dev *store.Device) (bool, error) {
	if dev.Protocol == store.ProtocolZigbee {
		hub, err := o.repo.GetHub(ctx, *dev.HubID)
		if err != nil {
			return false, apperr.Wrap(apperr.Internal, "hub lookup failed", err)
		}
		return hub.Online, nil
	}
	cur, err := o.repo.GetStateCurrent(ctx, dev.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.Internal, "state lookup failed", err)
	}
	return cur.Online, nil
}

func (o *Orchestrator) lookup(ctx context.Context, ref string) (*store.Command, error) {
	if cmd, err := o.repo.GetCommandByCmdID(ctx, ref); err == nil {
		return cmd, nil
	}
	id, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return nil, apperr.New(apperr.NotFound, "command not found")
	}
	cmd, err := o.repo.GetCommand(ctx, uint(id))
	if err != nil {
		return nil, apperr.New(apperr.NotFound, "command not found")
	}
	return cmd, nil
}

func deviceKey(id uint) string { return "d:" + strconv.FormatUint(uint64(id), 10) }
func hubKey(id string) string  { return "h:" + id }
