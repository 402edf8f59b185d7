// Package rollout drives hub firmware rollouts: per-target install
// commands, retry with backoff, and version-confirmation sealing.
package rollout

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/command"
	"github.com/gridnest/gridnest/internal/store"
)

type Engine struct {
	repo *store.Repo
	orch *command.Orchestrator

	maxAttempts int
	grace       time.Duration
	backoffBase time.Duration
}

type Options struct {
	MaxAttempts int
	// Grace is how long a hub must keep reporting the target version
	// before its target seals to SUCCESS.
	Grace time.Duration
}

func New(repo *store.Repo, orch *command.Orchestrator, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Grace <= 0 {
		opts.Grace = 30 * time.Second
	}
	e := &Engine{
		repo:        repo,
		orch:        orch,
		maxAttempts: opts.MaxAttempts,
		grace:       opts.Grace,
		backoffBase: 15 * time.Second,
	}
	orch.AddListener(e.onCommandResolved)
	return e
}

// Start runs the reconciler loop.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.reconcileAll(ctx)
			}
		}
	}()
}

// --- Admin operations ---

func (e *Engine) CreateRollout(ctx context.Context, releaseID uint, hubIDs []string) (*store.FirmwareRollout, error) {
	if len(hubIDs) == 0 {
		return nil, apperr.New(apperr.ValidationError, "at least one target hub is required")
	}
	if _, err := e.repo.GetFirmwareRelease(ctx, releaseID); err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "release not found", err)
	}
	for _, hubID := range hubIDs {
		if _, err := e.repo.GetHub(ctx, hubID); err != nil {
			return nil, apperr.Wrap(apperr.NotFound, "unknown hub "+hubID, err)
		}
	}
	ro := &store.FirmwareRollout{ReleaseID: releaseID, Status: store.RolloutCreated}
	targets := make([]store.RolloutTarget, 0, len(hubIDs))
	for _, hubID := range hubIDs {
		targets = append(targets, store.RolloutTarget{HubID: hubID, State: store.TargetCreated})
	}
	if err := e.repo.CreateRollout(ctx, ro, targets); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "rollout create failed", err)
	}
	return ro, nil
}

func (e *Engine) StartRollout(ctx context.Context, id uint) error {
	won, err := e.repo.SetRolloutStatus(ctx, id, []string{store.RolloutCreated, store.RolloutPaused}, store.RolloutRunning)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "rollout start failed", err)
	}
	if !won {
		return apperr.New(apperr.PreconditionFailed, "rollout is not startable")
	}
	go e.reconcileAll(context.Background())
	return nil
}

// PauseRollout halts new dispatches. In-flight commands keep their
// deadlines and resolve normally.
func (e *Engine) PauseRollout(ctx context.Context, id uint) error {
	won, err := e.repo.SetRolloutStatus(ctx, id, []string{store.RolloutRunning}, store.RolloutPaused)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "rollout pause failed", err)
	}
	if !won {
		return apperr.New(apperr.PreconditionFailed, "rollout is not running")
	}
	return nil
}

// --- Event inputs ---

// HubOnline redispatches this hub's stalled targets. Wire to the
// presence tracker's online hook.
func (e *Engine) HubOnline(hubID string) {
	ctx := context.Background()
	targets, err := e.repo.ListTargetsForHub(ctx, hubID, []string{store.TargetCreated, store.TargetFailed})
	if err != nil || len(targets) == 0 {
		return
	}
	e.reconcileAll(ctx)
}

// HubFirmware observes a hub's reported firmware version. Wire to the
// status-beacon ingest path.
func (e *Engine) HubFirmware(ctx context.Context, hubID, version string) {
	targets, err := e.repo.ListTargetsForHub(ctx, hubID, []string{store.TargetDownloading, store.TargetApplying})
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for i := range targets {
		t := &targets[i]
		ro, err := e.repo.GetRollout(ctx, t.RolloutID)
		if err != nil {
			continue
		}
		rel, err := e.repo.GetFirmwareRelease(ctx, ro.ReleaseID)
		if err != nil {
			continue
		}
		if version == rel.Version {
			if t.State == store.TargetDownloading {
				t.State = store.TargetApplying
			}
			if t.VersionSeenAt == nil {
				t.VersionSeenAt = &now
			}
		} else {
			// Version regressed or never flipped; restart the stability clock.
			t.VersionSeenAt = nil
		}
		if err := e.repo.SaveRolloutTarget(ctx, t); err != nil {
			slog.Error("rollout target save failed", "target_id", t.ID, "error", err)
		}
	}
}

// onCommandResolved advances a target when its install command resolves.
func (e *Engine) onCommandResolved(res command.Resolution) {
	ctx := context.Background()
	t, err := e.repo.GetRolloutTargetByCmdID(ctx, res.Cmd.CmdID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	switch {
	case res.OK:
		t.State = store.TargetDownloading
		t.AckedAt = &now
		t.LastMsg = "install acknowledged"
	default:
		t.Attempt++
		t.State = store.TargetFailed
		t.LastMsg = res.Error
		if t.LastMsg == "" {
			t.LastMsg = "install command " + res.Cmd.Status
		}
		if t.Attempt < e.maxAttempts {
			retryAt := now.Add(e.backoff(t.Attempt))
			t.NextRetryAt = &retryAt
		} else {
			t.NextRetryAt = nil
		}
	}
	if err := e.repo.SaveRolloutTarget(ctx, t); err != nil {
		slog.Error("rollout target save failed", "target_id", t.ID, "error", err)
		return
	}
	e.reconcileRollout(ctx, t.RolloutID)
}

// --- Reconciliation ---

func (e *Engine) reconcileAll(ctx context.Context) {
	rollouts, err := e.repo.ListActiveRollouts(ctx)
	if err != nil {
		slog.Error("rollout list failed", "error", err)
		return
	}
	for _, ro := range rollouts {
		e.reconcileRollout(ctx, ro.ID)
	}
}

func (e *Engine) reconcileRollout(ctx context.Context, id uint) {
	ro, err := e.repo.GetRollout(ctx, id)
	if err != nil {
		return
	}
	rel, err := e.repo.GetFirmwareRelease(ctx, ro.ReleaseID)
	if err != nil {
		slog.Error("rollout release lookup failed", "rollout_id", id, "error", err)
		return
	}
	targets, err := e.repo.ListRolloutTargets(ctx, id)
	if err != nil {
		return
	}
	now := time.Now().UTC()

	for i := range targets {
		t := &targets[i]
		switch t.State {
		case store.TargetApplying:
			e.trySeal(ctx, t, rel, now)
		case store.TargetCreated:
			if ro.Status == store.RolloutRunning {
				e.dispatch(ctx, t, rel)
			}
		case store.TargetFailed:
			if ro.Status == store.RolloutRunning && t.Attempt < e.maxAttempts &&
				t.NextRetryAt != nil && !t.NextRetryAt.After(now) {
				e.dispatch(ctx, t, rel)
			}
		}
	}

	e.deriveStatus(ctx, ro)
}

// trySeal promotes APPLYING to SUCCESS once the hub row carries the
// target version and has done so for the full grace period.
func (e *Engine) trySeal(ctx context.Context, t *store.RolloutTarget, rel *store.FirmwareRelease, now time.Time) {
	if t.VersionSeenAt == nil || now.Sub(*t.VersionSeenAt) < e.grace {
		return
	}
	hub, err := e.repo.GetHub(ctx, t.HubID)
	if err != nil || hub.FirmwareVersion != rel.Version {
		return
	}
	t.State = store.TargetSuccess
	t.LastMsg = "version " + rel.Version + " confirmed"
	if err := e.repo.SaveRolloutTarget(ctx, t); err != nil {
		slog.Error("rollout target save failed", "target_id", t.ID, "error", err)
		return
	}
	slog.Info("rollout target succeeded", "rollout_id", t.RolloutID, "hub_id", t.HubID)
}

// dispatch sends the install command to an online hub. Offline hubs are
// skipped; the presence hook redispatches when they return.
func (e *Engine) dispatch(ctx context.Context, t *store.RolloutTarget, rel *store.FirmwareRelease) {
	hub, err := e.repo.GetHub(ctx, t.HubID)
	if err != nil || !hub.Online {
		return
	}
	payload := map[string]any{
		"cmd":     "fw_install",
		"version": rel.Version,
		"url":     rel.URL,
		"sha256":  rel.SHA256,
	}
	if rel.Size != nil {
		payload["size"] = *rel.Size
	}
	cmd, err := e.orch.SubmitHubCommand(ctx, t.HubID, payload, false)
	if err != nil {
		slog.Warn("rollout dispatch failed", "rollout_id", t.RolloutID, "hub_id", t.HubID, "error", err)
		return
	}
	now := time.Now().UTC()
	t.CmdID = &cmd.CmdID
	t.SentAt = &now
	t.State = store.TargetCreated
	t.NextRetryAt = nil
	t.VersionSeenAt = nil
	if err := e.repo.SaveRolloutTarget(ctx, t); err != nil {
		slog.Error("rollout target save failed", "target_id", t.ID, "error", err)
		return
	}
	slog.Info("rollout install dispatched", "rollout_id", t.RolloutID, "hub_id", t.HubID, "cmd_id", cmd.CmdID, "attempt", t.Attempt)
}

// deriveStatus recomputes the rollout status from its targets.
func (e *Engine) deriveStatus(ctx context.Context, ro *store.FirmwareRollout) {
	if ro.Status != store.RolloutRunning && ro.Status != store.RolloutPaused {
		return
	}
	targets, err := e.repo.ListRolloutTargets(ctx, ro.ID)
	if err != nil {
		return
	}
	allSuccess := true
	anyTerminalFailed := false
	anyInFlight := false
	for _, t := range targets {
		switch t.State {
		case store.TargetSuccess:
		case store.TargetFailed:
			allSuccess = false
			if t.Attempt >= e.maxAttempts {
				anyTerminalFailed = true
			} else {
				anyInFlight = true
			}
		default:
			allSuccess = false
			anyInFlight = true
		}
	}
	switch {
	case allSuccess:
		if won, _ := e.repo.SetRolloutStatus(ctx, ro.ID, []string{store.RolloutRunning, store.RolloutPaused}, store.RolloutSuccess); won {
			slog.Info("rollout succeeded", "rollout_id", ro.ID)
		}
	case anyTerminalFailed && !anyInFlight:
		if won, _ := e.repo.SetRolloutStatus(ctx, ro.ID, []string{store.RolloutRunning, store.RolloutPaused}, store.RolloutFailed); won {
			slog.Warn("rollout failed", "rollout_id", ro.ID)
		}
	default:
		_ = e.repo.TouchRollout(ctx, ro.ID)
	}
}

// RolloutView is the admin read model: the rollout plus its targets.
type RolloutView struct {
	Rollout store.FirmwareRollout  `json:"rollout"`
	Release *store.FirmwareRelease `json:"release,omitempty"`
	Targets []store.RolloutTarget  `json:"targets"`
}

func (e *Engine) GetRollout(ctx context.Context, id uint) (*RolloutView, error) {
	ro, err := e.repo.GetRollout(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "rollout not found", err)
	}
	targets, err := e.repo.ListRolloutTargets(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "target list failed", err)
	}
	rel, _ := e.repo.GetFirmwareRelease(ctx, ro.ReleaseID)
	return &RolloutView{Rollout: *ro, Release: rel, Targets: targets}, nil
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}
