package command

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/bus"
	"github.com/gridnest/gridnest/internal/mqtt"
	"github.com/gridnest/gridnest/internal/store"
)

type publication struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	pubs []publication
	err  error
}

func (f *fakeClient) Subscribe(string, byte, mqtt.Handler) error { return nil }
func (f *fakeClient) Unsubscribe(string) error                   { return nil }
func (f *fakeClient) IsConnected() bool                          { return true }

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pubs = append(f.pubs, publication{topic: topic, payload: payload})
	return nil
}

func (f *fakeClient) published() []publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publication, len(f.pubs))
	copy(out, f.pubs)
	return out
}

func openTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:command_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

type fixture struct {
	repo   *store.Repo
	client *fakeClient
	orch   *Orchestrator
	home   *store.Home
	dev    *store.Device
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := openTestRepo(t)

	u := &store.User{Email: "owner@example.com", PasswordHash: "x", Role: "user"}
	if err := repo.CreateUser(ctx, u); err != nil {
		t.Fatalf("user: %v", err)
	}
	home := &store.Home{Name: "main", OwnerUserID: u.ID}
	if err := repo.CreateHome(ctx, home); err != nil {
		t.Fatalf("home: %v", err)
	}
	dev := &store.Device{
		DeviceID:        "plug-1",
		HomeID:          home.ID,
		Protocol:        store.ProtocolMQTT,
		LifecycleStatus: store.LifecycleBound,
	}
	if err := repo.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("device: %v", err)
	}

	client := &fakeClient{}
	return &fixture{
		repo:   repo,
		client: client,
		orch:   New(repo, client, nil, opts),
		home:   home,
		dev:    dev,
	}
}

func (f *fixture) markDeviceOnline(t *testing.T) {
	t.Helper()
	err := f.repo.UpsertStateCurrent(context.Background(), &store.DeviceStateCurrent{
		DeviceID: f.dev.ID, Online: true, LastSeen: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("mark online: %v", err)
	}
}

func appCode(t *testing.T, err error) apperr.Code {
	t.Helper()
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		t.Fatalf("error %v is not an AppError", err)
	}
	return ae.Code
}

func TestSubmitDeviceCommandPublishesEnvelope(t *testing.T) {
	f := newFixture(t, Options{})
	f.markDeviceOnline(t)

	cmd, err := f.orch.SubmitDeviceCommand(context.Background(), f.dev.ID, Input{
		Payload: json.RawMessage(`{"relay":true}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cmd.Status != store.CommandPending || cmd.CmdID == "" {
		t.Fatalf("cmd = %+v", cmd)
	}

	pubs := f.client.published()
	if len(pubs) != 1 {
		t.Fatalf("got %d publishes, want 1", len(pubs))
	}
	if want := bus.DeviceSetTopic(f.home.ID, f.dev.DeviceID); pubs[0].topic != want {
		t.Fatalf("topic = %q, want %q", pubs[0].topic, want)
	}
	var msg bus.CommandMsg
	if err := json.Unmarshal(pubs[0].payload, &msg); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if msg.CmdID != cmd.CmdID || string(msg.Payload) != `{"relay":true}` {
		t.Fatalf("envelope = %+v", msg)
	}
}

func TestSubmitDeviceCommandOfflineRejected(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.orch.SubmitDeviceCommand(context.Background(), f.dev.ID, Input{
		Payload: json.RawMessage(`{"relay":true}`),
	})
	if err == nil {
		t.Fatalf("expected rejection for offline device")
	}
	if code := appCode(t, err); code != apperr.PreconditionFailed {
		t.Fatalf("code = %s, want PRECONDITION_FAILED", code)
	}
	if len(f.client.published()) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestSubmitZigbeeCommand(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	hub := &store.Hub{HubID: "hub-1", HomeID: f.home.ID, Online: true}
	if err := f.repo.CreateHub(ctx, hub); err != nil {
		t.Fatalf("hub: %v", err)
	}
	ieee := "00124b0001abcd12"
	zb := &store.Device{
		DeviceID:        "bulb-1",
		HomeID:          f.home.ID,
		Protocol:        store.ProtocolZigbee,
		LifecycleStatus: store.LifecycleBound,
		HubID:           &hub.HubID,
		ZigbeeIEEE:      &ieee,
	}
	if err := f.repo.CreateDevice(ctx, zb); err != nil {
		t.Fatalf("device: %v", err)
	}

	_, err := f.orch.SubmitDeviceCommand(ctx, zb.ID, Input{Payload: json.RawMessage(`{}`)})
	if err == nil || appCode(t, err) != apperr.ValidationError {
		t.Fatalf("missing action should be a validation error, got %v", err)
	}

	cmd, err := f.orch.SubmitDeviceCommand(ctx, zb.ID, Input{
		Action: "set_level",
		Params: json.RawMessage(`{"level":42}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	pubs := f.client.published()
	if len(pubs) != 1 || pubs[0].topic != bus.ZbSetTopic(ieee) {
		t.Fatalf("pubs = %+v", pubs)
	}
	var msg bus.ZbCommandMsg
	if err := json.Unmarshal(pubs[0].payload, &msg); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if msg.CmdID != cmd.CmdID || msg.Action != "set_level" || string(msg.Args) != `{"level":42}` {
		t.Fatalf("envelope = %+v", msg)
	}
}

func TestHandleAckFirstWriterWins(t *testing.T) {
	f := newFixture(t, Options{})
	f.markDeviceOnline(t)
	ctx := context.Background()

	var resolutions []Resolution
	f.orch.AddListener(func(res Resolution) { resolutions = append(resolutions, res) })

	cmd, err := f.orch.SubmitDeviceCommand(ctx, f.dev.ID, Input{Payload: json.RawMessage(`{"relay":true}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.orch.HandleAck(ctx, bus.AckMsg{CmdID: cmd.CmdID, OK: true}, []byte(`{"ok":true}`))
	// The device re-sends the ack as a failure; it must be ignored.
	f.orch.HandleAck(ctx, bus.AckMsg{CmdID: cmd.CmdID, OK: false, Error: "boom"}, nil)

	got, err := f.repo.GetCommandByCmdID(ctx, cmd.CmdID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.CommandAcked || got.AckedAt == nil {
		t.Fatalf("cmd = %+v", got)
	}
	if len(resolutions) != 1 {
		t.Fatalf("got %d resolutions, want 1", len(resolutions))
	}
	if !resolutions[0].OK || resolutions[0].HomeID != f.home.ID {
		t.Fatalf("resolution = %+v", resolutions[0])
	}
}

func TestDeadlineTimesOutPending(t *testing.T) {
	f := newFixture(t, Options{Timeout: 30 * time.Millisecond})
	f.markDeviceOnline(t)
	ctx := context.Background()

	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.orch.Stop()

	cmd, err := f.orch.SubmitDeviceCommand(ctx, f.dev.ID, Input{Payload: json.RawMessage(`{"relay":true}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := f.repo.GetCommandByCmdID(ctx, cmd.CmdID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == store.CommandTimeout {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("command never timed out, status = %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A straggler ack after the timeout changes nothing.
	f.orch.HandleAck(ctx, bus.AckMsg{CmdID: cmd.CmdID, OK: true}, nil)
	got, _ := f.repo.GetCommandByCmdID(ctx, cmd.CmdID)
	if got.Status != store.CommandTimeout {
		t.Fatalf("late ack overwrote timeout: %s", got.Status)
	}
}

func TestRetrySemantics(t *testing.T) {
	f := newFixture(t, Options{})
	f.markDeviceOnline(t)
	ctx := context.Background()

	cmd, err := f.orch.SubmitDeviceCommand(ctx, f.dev.ID, Input{Payload: json.RawMessage(`{"relay":true}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.orch.Retry(ctx, cmd.CmdID); err == nil || appCode(t, err) != apperr.PreconditionFailed {
		t.Fatalf("retry of pending command: %v", err)
	}

	if _, err := f.repo.ResolveCommand(ctx, cmd.CmdID, store.CommandTimeout, nil, "ack deadline exceeded"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	fresh, err := f.orch.Retry(ctx, cmd.CmdID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if fresh.CmdID == cmd.CmdID || fresh.Status != store.CommandPending {
		t.Fatalf("fresh = %+v", fresh)
	}

	now := time.Now().UTC()
	if _, err := f.repo.ResolveCommand(ctx, fresh.CmdID, store.CommandAcked, &now, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := f.orch.Retry(ctx, fresh.CmdID); err == nil || appCode(t, err) != apperr.Conflict {
		t.Fatalf("retry of acked command: %v", err)
	}
}

func TestHubCommandQueuedOfflineAndFlushed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	hub := &store.Hub{HubID: "hub-1", HomeID: f.home.ID, Online: false}
	if err := f.repo.CreateHub(ctx, hub); err != nil {
		t.Fatalf("hub: %v", err)
	}

	if _, err := f.orch.SubmitHubCommand(ctx, "hub-1", map[string]any{"cmd": "permit_join"}, false); err == nil {
		t.Fatalf("offline hub must reject online-only command")
	}

	cmd, err := f.orch.SubmitHubCommand(ctx, "hub-1", map[string]any{"cmd": "rules_sync"}, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cmd.Status != store.CommandPending {
		t.Fatalf("status = %s", cmd.Status)
	}

	f.orch.FlushPendingFor(ctx, 0, "hub-1")
	pubs := f.client.published()
	if len(pubs) != 2 {
		t.Fatalf("got %d publishes, want initial send plus flush", len(pubs))
	}
	want := bus.DeviceSetTopic(f.home.ID, "hub-1")
	for _, p := range pubs {
		if p.topic != want {
			t.Fatalf("topic = %q, want %q", p.topic, want)
		}
	}
}

func TestSubmitFailsClosedWhenQueueSaturated(t *testing.T) {
	f := newFixture(t, Options{})
	f.markDeviceOnline(t)
	f.client.err = mqtt.ErrBusy
	ctx := context.Background()

	_, err := f.orch.SubmitDeviceCommand(ctx, f.dev.ID, Input{Payload: json.RawMessage(`{"relay":true}`)})
	if err == nil || appCode(t, err) != apperr.ServiceBusy {
		t.Fatalf("saturated queue: %v", err)
	}
}
