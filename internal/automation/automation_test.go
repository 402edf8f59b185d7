package automation

import (
	"context"
	"encoding/json"
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
	repo *store.Repo
	orch *command.Orchestrator
	rec  *Reconciler
	svc  *Service
	home *store.Home
	hub  *store.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	dsn := "file:automation_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
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

	orch := command.New(repo, nullClient{}, nil, command.Options{})
	rec := NewReconciler(repo, orch)
	return &env{
		repo: repo,
		orch: orch,
		rec:  rec,
		svc:  NewService(repo, rec),
		home: home,
		hub:  hub,
	}
}

func ruleInput(name string) RuleInput {
	return RuleInput{
		Name:        name,
		TriggerType: "device_state",
		Trigger:     json.RawMessage(`{"deviceId":1,"path":"relay","equals":true}`),
		Actions:     json.RawMessage(`[{"type":"command","deviceId":2,"payload":{"relay":false}}]`),
	}
}

func TestRuleEditsBumpDesiredVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r1, err := e.svc.CreateRule(ctx, e.home.ID, ruleInput("night light"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r1.Version != 1 {
		t.Fatalf("version = %d, want 1", r1.Version)
	}

	d, err := e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if d.DesiredVersion != 1 {
		t.Fatalf("desired = %d", d.DesiredVersion)
	}

	r2, err := e.svc.UpdateRule(ctx, r1.ID, ruleInput("night light v2"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if r2.Version != 2 {
		t.Fatalf("version = %d, want 2", r2.Version)
	}

	// Deleting the highest-versioned rule still moves desired forward.
	if err := e.svc.DeleteRule(ctx, r2.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	d, err = e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if d.DesiredVersion != 3 {
		t.Fatalf("desired = %d, want 3", d.DesiredVersion)
	}
}

func TestEnableFlipIsAnEdit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rule, err := e.svc.CreateRule(ctx, e.home.ID, ruleInput("porch"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Disabling bumps; re-asserting the same value does not.
	flipped, err := e.svc.SetRuleEnabled(ctx, rule.ID, false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if flipped.Version != 2 || flipped.Enabled {
		t.Fatalf("rule = %+v", flipped)
	}
	same, err := e.svc.SetRuleEnabled(ctx, rule.ID, false)
	if err != nil {
		t.Fatalf("noop disable: %v", err)
	}
	if same.Version != 2 {
		t.Fatalf("noop flip bumped version to %d", same.Version)
	}
}

func TestReconcileDispatchesAndApplies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.CreateRule(ctx, e.home.ID, ruleInput("porch")); err != nil {
		t.Fatalf("create: %v", err)
	}

	e.rec.Reconcile(ctx)

	d, err := e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if d.Status != store.DeploySyncing || d.PendingCmdID == nil {
		t.Fatalf("deployment = %+v", d)
	}

	// The hub confirms with the version it now runs.
	ack, _ := json.Marshal(map[string]any{"cmdId": *d.PendingCmdID, "ok": true, "applied_version": 1})
	e.orch.HandleAck(ctx, bus.AckMsg{CmdID: *d.PendingCmdID, OK: true}, ack)

	d, err = e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if d.Status != store.DeployApplied || d.AppliedVersion != 1 || d.PendingCmdID != nil {
		t.Fatalf("deployment = %+v", d)
	}

	// Converged deployments stay quiet.
	e.rec.Reconcile(ctx)
	d, _ = e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if d.Status != store.DeployApplied {
		t.Fatalf("reconcile disturbed a converged deployment: %+v", d)
	}
}

func TestAckAheadOfDesiredIsDrift(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.CreateRule(ctx, e.home.ID, ruleInput("porch")); err != nil {
		t.Fatalf("create: %v", err)
	}
	e.rec.Reconcile(ctx)

	d, err := e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}

	// The hub claims a version the control plane never issued.
	ack, _ := json.Marshal(map[string]any{"cmdId": *d.PendingCmdID, "ok": true, "applied_version": 99})
	e.orch.HandleAck(ctx, bus.AckMsg{CmdID: *d.PendingCmdID, OK: true}, ack)

	d, _ = e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if d.Status == store.DeployApplied {
		t.Fatalf("ahead-of-desired ack marked APPLIED: %+v", d)
	}
	if d.AppliedVersion > d.DesiredVersion {
		t.Fatalf("applied %d outran desired %d", d.AppliedVersion, d.DesiredVersion)
	}
	if d.PendingCmdID != nil {
		t.Fatalf("pending command not cleared: %+v", d)
	}

	// The next pass pushes the desired bundle again.
	e.rec.Reconcile(ctx)
	d, _ = e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if d.Status != store.DeploySyncing || d.PendingCmdID == nil {
		t.Fatalf("drift not re-synced: %+v", d)
	}
}

func TestFailedSyncBacksOff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.CreateRule(ctx, e.home.ID, ruleInput("porch")); err != nil {
		t.Fatalf("create: %v", err)
	}
	e.rec.Reconcile(ctx)

	d, err := e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	e.orch.HandleAck(ctx, bus.AckMsg{CmdID: *d.PendingCmdID, OK: false, Error: "parse error"}, nil)

	d, _ = e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if d.Status != store.DeployFailed || d.Attempts != 1 || d.NextRetryAt == nil {
		t.Fatalf("deployment = %+v", d)
	}
	if !d.NextRetryAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("retry scheduled in the past: %v", d.NextRetryAt)
	}

	// Backed-off rows are skipped until their retry time.
	e.rec.Reconcile(ctx)
	d, _ = e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if d.PendingCmdID != nil {
		t.Fatalf("backoff ignored: %+v", d)
	}

	// A hub reconnect clears the backoff and re-attempts immediately.
	e.rec.HubOnline(e.hub.HubID)
	e.rec.Reconcile(ctx)
	d, _ = e.repo.GetDeployment(ctx, e.hub.HubID, e.home.ID)
	if d.Status != store.DeploySyncing || d.PendingCmdID == nil {
		t.Fatalf("reconnect did not redispatch: %+v", d)
	}
}

func TestBackoffGrowth(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
