package httpapi

import (
	"errors"
	"net/http"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/automation"
	"github.com/gridnest/gridnest/internal/store"
)

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	homeID, err := uintParam(r, "homeId")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.canAccessHome(r, homeID); err != nil {
		writeError(w, err)
		return
	}
	rules, err := s.rules.ListRules(r.Context(), homeID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "rule list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	homeID, err := uintParam(r, "homeId")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.canAccessHome(r, homeID); err != nil {
		writeError(w, err)
		return
	}
	var in automation.RuleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	rule, err := s.rules.CreateRule(r.Context(), homeID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// loadOwnedRule resolves the path rule and checks home ownership.
func (s *Server) loadOwnedRule(r *http.Request) (*store.AutomationRule, error) {
	id, err := uintParam(r, "id")
	if err != nil {
		return nil, err
	}
	rule, err := s.rules.GetRule(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if err := s.canAccessHome(r, rule.HomeID); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	rule, err := s.loadOwnedRule(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in automation.RuleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.rules.UpdateRule(r.Context(), rule.ID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	rule, err := s.loadOwnedRule(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.rules.DeleteRule(r.Context(), rule.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRuleEnable(w http.ResponseWriter, r *http.Request) {
	s.handleRuleToggle(w, r, true)
}

func (s *Server) handleRuleDisable(w http.ResponseWriter, r *http.Request) {
	s.handleRuleToggle(w, r, false)
}

func (s *Server) handleRuleToggle(w http.ResponseWriter, r *http.Request, enabled bool) {
	rule, err := s.loadOwnedRule(r)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.rules.SetRuleEnabled(r.Context(), rule.ID, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleAutomationStatus reports a hub's deployment convergence.
func (s *Server) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	hubID := param(r, "hubId")
	hub, err := s.repo.GetHub(r.Context(), hubID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperr.New(apperr.NotFound, "hub not found"))
			return
		}
		writeError(w, apperr.Wrap(apperr.Internal, "hub lookup failed", err))
		return
	}
	if err := s.canAccessHome(r, hub.HomeID); err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.repo.GetDeploymentsForHub(r.Context(), hubID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "deployment lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
