package automation

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/store"
)

const (
	backoffFloor = time.Second
	backoffCeil  = 30 * time.Second
)

// Reconciler converges hub-applied rule versions onto the desired
// versions by pushing rules_sync commands until the hub reports back the
// desired version.
type Reconciler struct {
	repo *store.Repo
	orch *command.Orchestrator
	cron *cron.Cron
	kick chan struct{}
}

func NewReconciler(repo *store.Repo, orch *command.Orchestrator) *Reconciler {
	r := &Reconciler{
		repo: repo,
		orch: orch,
		cron: cron.New(),
		kick: make(chan struct{}, 1),
	}
	orch.AddListener(r.onCommandResolved)
	return r
}

func (r *Reconciler) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc("@every 5s", func() { r.Reconcile(context.Background()) }); err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		for {
			select {
			case <-ctx.Done():
				r.cron.Stop()
				return
			case <-r.kick:
				r.Reconcile(context.Background())
			}
		}
	}()
	return nil
}

// Kick requests an immediate reconcile pass outside the schedule.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// HubOnline clears backoff for the hub's deployments and re-attempts.
// Wire to the presence tracker's online hook.
func (r *Reconciler) HubOnline(hubID string) {
	ctx := context.Background()
	rows, err := r.repo.GetDeploymentsForHub(ctx, hubID)
	if err != nil {
		return
	}
	for i := range rows {
		d := &rows[i]
		if d.AppliedVersion >= d.DesiredVersion {
			continue
		}
		d.NextRetryAt = nil
		if err := r.repo.SaveDeployment(ctx, d); err != nil {
			slog.Error("deployment save failed", "hub_id", hubID, "error", err)
		}
	}
	r.Kick()
}

func (r *Reconciler) Reconcile(ctx context.Context) {
	rows, err := r.repo.ListDivergedDeployments(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("deployment list failed", "error", err)
		return
	}
	for i := range rows {
		r.sync(ctx, &rows[i])
	}
}

// sync pushes one rules_sync command for a diverged deployment. A
// failing target never stops the pass; it is marked and retried later.
func (r *Reconciler) sync(ctx context.Context, d *store.AutomationDeployment) {
	if d.PendingCmdID != nil {
		return
	}
	hub, err := r.repo.GetHub(ctx, d.HubID)
	if err != nil || !hub.Online {
		return
	}
	rules, err := r.repo.ListEnabledAutomationRules(ctx, d.HomeID)
	if err != nil {
		slog.Error("rule bundle load failed", "home_id", d.HomeID, "error", err)
		return
	}
	payload := map[string]any{
		"cmd":     "rules_sync",
		"version": d.DesiredVersion,
		"rules":   bundle(rules),
	}
	cmd, err := r.orch.SubmitHubCommand(ctx, d.HubID, payload, false)
	if err != nil {
		slog.Warn("rules_sync dispatch failed", "hub_id", d.HubID, "error", err)
		r.fail(ctx, d, err.Error())
		return
	}
	d.Status = store.DeploySyncing
	d.PendingCmdID = &cmd.CmdID
	if err := r.repo.SaveDeployment(ctx, d); err != nil {
		slog.Error("deployment save failed", "hub_id", d.HubID, "error", err)
	}
	slog.Info("rules_sync dispatched", "hub_id", d.HubID, "home_id", d.HomeID, "version", d.DesiredVersion, "cmd_id", cmd.CmdID)
}

// syncAck is the hub-reported portion of a rules_sync ACK.
type syncAck struct {
	AppliedVersion *int64 `json:"applied_version"`
}

func (r *Reconciler) onCommandResolved(res command.Resolution) {
	ctx := context.Background()
	d, err := r.repo.GetDeploymentByCmdID(ctx, res.Cmd.CmdID)
	if err != nil {
		return
	}
	d.PendingCmdID = nil
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "rules_sync " + res.Cmd.Status
		}
		r.failLoaded(ctx, d, msg)
		return
	}

	applied := d.DesiredVersion
	var ack syncAck
	if len(res.Ack) > 0 {
		if err := json.Unmarshal(res.Ack, &ack); err == nil && ack.AppliedVersion != nil {
			applied = *ack.AppliedVersion
		}
	}
	d.Attempts = 0
	d.NextRetryAt = nil
	d.LastMsg = "hub reported version " + strconv.FormatInt(applied, 10)
	switch {
	case applied == d.DesiredVersion:
		d.AppliedVersion = applied
		d.Status = store.DeployApplied
	case applied > d.DesiredVersion:
		// A hub ahead of the control plane is drift, not convergence;
		// the applied version never records past the desired one and the
		// desired bundle is pushed again.
		d.Status = store.DeploySyncing
		d.LastMsg += ", ahead of desired " + strconv.FormatInt(d.DesiredVersion, 10)
	default:
		d.AppliedVersion = applied
		d.Status = store.DeploySyncing
	}
	if err := r.repo.SaveDeployment(ctx, d); err != nil {
		slog.Error("deployment save failed", "hub_id", d.HubID, "error", err)
		return
	}
	slog.Info("rules_sync acknowledged", "hub_id", d.HubID, "applied", d.AppliedVersion, "desired", d.DesiredVersion)
}

func (r *Reconciler) fail(ctx context.Context, d *store.AutomationDeployment, msg string) {
	loaded, err := r.repo.GetDeployment(ctx, d.HubID, d.HomeID)
	if err != nil {
		return
	}
	r.failLoaded(ctx, loaded, msg)
}

func (r *Reconciler) failLoaded(ctx context.Context, d *store.AutomationDeployment, msg string) {
	d.Status = store.DeployFailed
	d.Attempts++
	d.LastMsg = msg
	retryAt := time.Now().UTC().Add(backoff(d.Attempts))
	d.NextRetryAt = &retryAt
	if err := r.repo.SaveDeployment(ctx, d); err != nil {
		slog.Error("deployment save failed", "hub_id", d.HubID, "error", err)
	}
}

func backoff(attempts int) time.Duration {
	d := backoffFloor
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCeil {
			return backoffCeil
		}
	}
	return d
}

type wireRule struct {
	ID          uint            `json:"id"`
	Name        string          `json:"name"`
	Version     int64           `json:"version"`
	TriggerType string          `json:"triggerType"`
	Trigger     json.RawMessage `json:"trigger"`
	Actions     json.RawMessage `json:"actions"`
	Policy      json.RawMessage `json:"executionPolicy,omitempty"`
}

func bundle(rules []store.AutomationRule) []wireRule {
	out := make([]wireRule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, wireRule{
			ID:          rule.ID,
			Name:        rule.Name,
			Version:     rule.Version,
			TriggerType: rule.TriggerType,
			Trigger:     json.RawMessage(rule.Trigger),
			Actions:     json.RawMessage(rule.Actions),
			Policy:      json.RawMessage(rule.ExecutionPolicy),
		})
	}
	return out
}
