package rollout

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gridnest/gridnest/internal/bus"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/mqtt"
	"github.com/gridnest/gridnest/internal/store"
)

type nullClient struct{}

func (nullClient) Subscribe(string, byte, mqtt.Handler) error { return nil }
func (nullClient) Unsubscribe(string) error                   { return nil }
func (nullClient) Publish(string, byte, bool, []byte) error   { return nil }
func (nullClient) IsConnected() bool                          { return true }

type env struct {
	repo   *store.Repo
	orch   *command.Orchestrator
	engine *Engine
	rel    *store.FirmwareRelease
	hub    *store.Hub
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	ctx := context.Background()
	dsn := "file:rollout_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	u := &store.User{Email: "owner@example.com", PasswordHash: "x", Role: "user"}
	if err := repo.CreateUser(ctx, u); err != nil {
		t.Fatalf("user: %v", err)
	}
	home := &store.Home{Name: "main", OwnerUserID: u.ID}
	if err := repo.CreateHome(ctx, home); err != nil {
		t.Fatalf("home: %v", err)
	}
	hub := &store.Hub{HubID: "hub-1", HomeID: home.ID, Online: true}
	if err := repo.CreateHub(ctx, hub); err != nil {
		t.Fatalf("hub: %v", err)
	}
	rel := &store.FirmwareRelease{TargetType: "hub", Version: "2.0.0", URL: "https://fw/2.0.0.bin", SHA256: "abc"}
	if err := repo.CreateFirmwareRelease(ctx, rel); err != nil {
		t.Fatalf("release: %v", err)
	}

	orch := command.New(repo, nullClient{}, nil, command.Options{})
	return &env{
		repo:   repo,
		orch:   orch,
		engine: New(repo, orch, opts),
		rel:    rel,
		hub:    hub,
	}
}

func (e *env) startedRollout(t *testing.T) *store.FirmwareRollout {
	t.Helper()
	ctx := context.Background()
	ro, err := e.engine.CreateRollout(ctx, e.rel.ID, []string{e.hub.HubID})
	if err != nil {
		t.Fatalf("create rollout: %v", err)
	}
	if _, err := e.repo.SetRolloutStatus(ctx, ro.ID, []string{store.RolloutCreated}, store.RolloutRunning); err != nil {
		t.Fatalf("start: %v", err)
	}
	return ro
}

func (e *env) target(t *testing.T, rolloutID uint) *store.RolloutTarget {
	t.Helper()
	targets, err := e.repo.ListRolloutTargets(context.Background(), rolloutID)
	if err != nil || len(targets) != 1 {
		t.Fatalf("targets: %v (%d)", err, len(targets))
	}
	return &targets[0]
}

func TestRolloutHappyPath(t *testing.T) {
	e := newEnv(t, Options{Grace: time.Millisecond})
	ctx := context.Background()
	ro := e.startedRollout(t)

	e.engine.reconcileAll(ctx)
	tgt := e.target(t, ro.ID)
	if tgt.CmdID == nil || tgt.SentAt == nil {
		t.Fatalf("install not dispatched: %+v", tgt)
	}

	e.orch.HandleAck(ctx, bus.AckMsg{CmdID: *tgt.CmdID, OK: true}, []byte(`{"ok":true}`))
	tgt = e.target(t, ro.ID)
	if tgt.State != store.TargetDownloading || tgt.AckedAt == nil {
		t.Fatalf("after ack: %+v", tgt)
	}

	e.engine.HubFirmware(ctx, e.hub.HubID, "2.0.0")
	tgt = e.target(t, ro.ID)
	if tgt.State != store.TargetApplying || tgt.VersionSeenAt == nil {
		t.Fatalf("after beacon: %+v", tgt)
	}

	// The hub row must confirm the version before sealing.
	if err := e.repo.SetHubFirmwareVersion(ctx, e.hub.HubID, "2.0.0"); err != nil {
		t.Fatalf("set version: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	e.engine.reconcileAll(ctx)

	tgt = e.target(t, ro.ID)
	if tgt.State != store.TargetSuccess {
		t.Fatalf("target did not seal: %+v", tgt)
	}
	got, err := e.repo.GetRollout(ctx, ro.ID)
	if err != nil {
		t.Fatalf("rollout: %v", err)
	}
	if got.Status != store.RolloutSuccess {
		t.Fatalf("rollout status = %s", got.Status)
	}
}

func TestVersionRegressionRestartsStabilityClock(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	ro := e.startedRollout(t)

	e.engine.reconcileAll(ctx)
	tgt := e.target(t, ro.ID)
	e.orch.HandleAck(ctx, bus.AckMsg{CmdID: *tgt.CmdID, OK: true}, nil)

	e.engine.HubFirmware(ctx, e.hub.HubID, "2.0.0")
	tgt = e.target(t, ro.ID)
	if tgt.VersionSeenAt == nil {
		t.Fatalf("clock not started: %+v", tgt)
	}

	// Hub rebooted into the old image.
	e.engine.HubFirmware(ctx, e.hub.HubID, "1.9.0")
	tgt = e.target(t, ro.ID)
	if tgt.VersionSeenAt != nil {
		t.Fatalf("clock survived a regression: %+v", tgt)
	}
}

func TestInstallFailureRetriesThenRolloutFails(t *testing.T) {
	e := newEnv(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	ro := e.startedRollout(t)

	e.engine.reconcileAll(ctx)
	tgt := e.target(t, ro.ID)
	e.orch.HandleAck(ctx, bus.AckMsg{CmdID: *tgt.CmdID, OK: false, Error: "flash full"}, nil)

	tgt = e.target(t, ro.ID)
	if tgt.State != store.TargetFailed || tgt.Attempt != 1 || tgt.NextRetryAt == nil {
		t.Fatalf("after first failure: %+v", tgt)
	}
	got, _ := e.repo.GetRollout(ctx, ro.ID)
	if got.Status != store.RolloutRunning {
		t.Fatalf("one retryable failure must not fail the rollout: %s", got.Status)
	}

	// Force the backoff window to elapse.
	past := time.Now().UTC().Add(-time.Second)
	tgt.NextRetryAt = &past
	if err := e.repo.SaveRolloutTarget(ctx, tgt); err != nil {
		t.Fatalf("save: %v", err)
	}
	e.engine.reconcileAll(ctx)
	tgt = e.target(t, ro.ID)
	if tgt.State != store.TargetCreated || tgt.CmdID == nil {
		t.Fatalf("retry not dispatched: %+v", tgt)
	}

	e.orch.HandleAck(ctx, bus.AckMsg{CmdID: *tgt.CmdID, OK: false, Error: "flash full"}, nil)
	tgt = e.target(t, ro.ID)
	if tgt.Attempt != 2 || tgt.NextRetryAt != nil {
		t.Fatalf("after terminal failure: %+v", tgt)
	}
	got, _ = e.repo.GetRollout(ctx, ro.ID)
	if got.Status != store.RolloutFailed {
		t.Fatalf("rollout status = %s, want FAILED", got.Status)
	}
}

func TestOfflineHubDeferredUntilReconnect(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	if err := e.repo.SetHubPresence(ctx, e.hub.HubID, false, time.Now().UTC()); err != nil {
		t.Fatalf("presence: %v", err)
	}
	ro := e.startedRollout(t)

	e.engine.reconcileAll(ctx)
	tgt := e.target(t, ro.ID)
	if tgt.CmdID != nil {
		t.Fatalf("offline hub got a dispatch: %+v", tgt)
	}

	if err := e.repo.SetHubPresence(ctx, e.hub.HubID, true, time.Now().UTC()); err != nil {
		t.Fatalf("presence: %v", err)
	}
	e.engine.HubOnline(e.hub.HubID)
	tgt = e.target(t, ro.ID)
	if tgt.CmdID == nil {
		t.Fatalf("reconnect did not redispatch: %+v", tgt)
	}
}

func TestPausedRolloutBlocksDispatch(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	ro := e.startedRollout(t)

	if err := e.engine.PauseRollout(ctx, ro.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	e.engine.reconcileAll(ctx)
	tgt := e.target(t, ro.ID)
	if tgt.CmdID != nil {
		t.Fatalf("paused rollout dispatched: %+v", tgt)
	}

	if err := e.engine.StartRollout(ctx, ro.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	e.engine.reconcileAll(ctx)
	tgt = e.target(t, ro.ID)
	if tgt.CmdID == nil {
		t.Fatalf("resumed rollout did not dispatch: %+v", tgt)
	}
}
