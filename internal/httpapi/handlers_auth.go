package httpapi

import (
	"net/http"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/store"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.auth.Logout(r.Context(), req.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	u, err := s.auth.Me(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Homes ---

type homeCreateRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleHomesCreate(w http.ResponseWriter, r *http.Request) {
	var req homeCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apperr.New(apperr.ValidationError, "name is required"))
		return
	}
	claims := claimsFrom(r)
	home := &store.Home{Name: req.Name, OwnerUserID: claims.UserID}
	if err := s.repo.CreateHome(r.Context(), home); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "home create failed", err))
		return
	}
	writeJSON(w, http.StatusCreated, home)
}

func (s *Server) handleHomesList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	homes, err := s.repo.ListHomesOwnedBy(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "home list failed", err))
		return
	}
	writeJSON(w, http.StatusOK, homes)
}
