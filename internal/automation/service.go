// Package automation owns per-home automation rules and their
// convergence onto hubs: every rule edit bumps the home's rule-set
// version, and the reconciler pushes bundles until hubs report it.
package automation

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/store"
)

type Service struct {
	repo *store.Repo
	rec  *Reconciler
}

func NewService(repo *store.Repo, rec *Reconciler) *Service {
	return &Service{repo: repo, rec: rec}
}

type RuleInput struct {
	Name            string          `json:"name"`
	TriggerType     string          `json:"triggerType"`
	Trigger         json.RawMessage `json:"trigger"`
	Actions         json.RawMessage `json:"actions"`
	ExecutionPolicy json.RawMessage `json:"executionPolicy,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
}

func (in RuleInput) validate() error {
	if in.Name == "" {
		return apperr.New(apperr.ValidationError, "name is required")
	}
	if in.TriggerType == "" {
		return apperr.New(apperr.ValidationError, "triggerType is required")
	}
	if len(in.Trigger) == 0 {
		return apperr.New(apperr.ValidationError, "trigger is required")
	}
	if len(in.Actions) == 0 {
		return apperr.New(apperr.ValidationError, "actions are required")
	}
	return nil
}

func (s *Service) CreateRule(ctx context.Context, homeID uint, in RuleInput) (*store.AutomationRule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	v, err := s.repo.NextRuleVersion(ctx, homeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "version allocation failed", err)
	}
	rule := &store.AutomationRule{
		HomeID:          homeID,
		Name:            in.Name,
		Enabled:         true,
		Version:         v,
		TriggerType:     in.TriggerType,
		Trigger:         []byte(in.Trigger),
		Actions:         []byte(in.Actions),
		ExecutionPolicy: []byte(in.ExecutionPolicy),
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	if err := s.repo.CreateAutomationRule(ctx, rule); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "rule create failed", err)
	}
	s.markDesired(ctx, homeID, v)
	return rule, nil
}

func (s *Service) UpdateRule(ctx context.Context, id uint, in RuleInput) (*store.AutomationRule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	rule, err := s.repo.GetAutomationRule(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "rule not found", err)
	}
	v, err := s.repo.NextRuleVersion(ctx, rule.HomeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "version allocation failed", err)
	}
	rule.Name = in.Name
	rule.TriggerType = in.TriggerType
	rule.Trigger = []byte(in.Trigger)
	rule.Actions = []byte(in.Actions)
	rule.ExecutionPolicy = []byte(in.ExecutionPolicy)
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	rule.Version = v
	if err := s.repo.SaveAutomationRule(ctx, rule); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "rule save failed", err)
	}
	s.markDesired(ctx, rule.HomeID, v)
	return rule, nil
}

// SetRuleEnabled flips a rule on or off. A flip is a rule-set edit, so
// it bumps the version like any other.
func (s *Service) SetRuleEnabled(ctx context.Context, id uint, enabled bool) (*store.AutomationRule, error) {
	rule, err := s.repo.GetAutomationRule(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "rule not found", err)
	}
	if rule.Enabled == enabled {
		return rule, nil
	}
	v, err := s.repo.NextRuleVersion(ctx, rule.HomeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "version allocation failed", err)
	}
	rule.Enabled = enabled
	rule.Version = v
	if err := s.repo.SaveAutomationRule(ctx, rule); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "rule save failed", err)
	}
	s.markDesired(ctx, rule.HomeID, v)
	return rule, nil
}

func (s *Service) DeleteRule(ctx context.Context, id uint) error {
	rule, err := s.repo.GetAutomationRule(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, "rule not found", err)
	}
	// Allocate before deleting so the desired version never moves
	// backwards even when the highest-versioned rule is removed.
	v, err := s.repo.NextRuleVersion(ctx, rule.HomeID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "version allocation failed", err)
	}
	if err := s.repo.DeleteAutomationRule(ctx, id); err != nil {
		return apperr.Wrap(apperr.Internal, "rule delete failed", err)
	}
	s.markDesired(ctx, rule.HomeID, v)
	return nil
}

func (s *Service) ListRules(ctx context.Context, homeID uint) ([]store.AutomationRule, error) {
	return s.repo.ListAutomationRules(ctx, homeID)
}

func (s *Service) GetRule(ctx context.Context, id uint) (*store.AutomationRule, error) {
	rule, err := s.repo.GetAutomationRule(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "rule not found", err)
	}
	return rule, nil
}

// markDesired raises the desired version on every deployment of the
// home's hubs and wakes the reconciler.
func (s *Service) markDesired(ctx context.Context, homeID uint, version int64) {
	hubs, err := s.repo.ListHubs(ctx, &homeID)
	if err != nil {
		slog.Error("hub list failed", "home_id", homeID, "error", err)
		return
	}
	for _, hub := range hubs {
		d, err := s.repo.GetDeployment(ctx, hub.HubID, homeID)
		if err != nil {
			d = &store.AutomationDeployment{HubID: hub.HubID, HomeID: homeID, Status: store.DeployApplied}
		}
		if version <= d.DesiredVersion {
			continue
		}
		d.DesiredVersion = version
		d.Attempts = 0
		d.NextRetryAt = nil
		if err := s.repo.UpsertDeployment(ctx, d); err != nil {
			slog.Error("deployment upsert failed", "hub_id", hub.HubID, "error", err)
		}
	}
	if s.rec != nil {
		s.rec.Kick()
	}
}
