package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/authkeep/authkeep"
	"github.com/authkeep/authkeep/jwt"
)

type server struct {
	engine *authkeep.Engine
	log    *zap.Logger
}

func newRouter(engine *authkeep.Engine, log *zap.Logger) http.Handler {
	s := &server{engine: engine, log: log.With(zap.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.callerContext)

	r.Post("/v1/login", s.login)
	r.Post("/v1/login/2fa", s.completeTwoFactor)
	r.Post("/v1/refresh", s.refresh)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticated)
		r.Post("/v1/logout", s.logout)
		r.Get("/v1/sessions", s.listSessions)
		r.Delete("/v1/sessions/{id}", s.closeSession)
		r.Post("/v1/sessions/close-others", s.closeOthers)
		r.Post("/v1/2fa/setup", s.setupTwoFactor)
		r.Post("/v1/2fa/enable", s.enableTwoFactor)
		r.Post("/v1/2fa/disable", s.disableTwoFactor)

		r.Get("/v1/admin/sessions", s.adminSessions)
		r.Get("/v1/admin/alerts", s.adminAlerts)
		r.Get("/v1/admin/lockout/{identifier}", s.adminLockoutStatus)
		r.Post("/v1/admin/unlock/{identifier}", s.adminUnlock)
		r.Post("/v1/admin/users/{id}/revoke", s.adminRevokeUser)
	})

	return r
}

// callerContext copies the request's address and user agent into the
// context so the engine can record them.
func (s *server) callerContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx := authkeep.WithClientIP(r.Context(), host)
		ctx = authkeep.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsContextKey struct{}

// authenticated validates the bearer token on every request and stashes
// its claims in the context.
func (s *server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.engine.ValidateAccess(r.Context(), bearerToken(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *jwt.AccessClaims {
	claims, _ := r.Context().Value(claimsContextKey{}).(*jwt.AccessClaims)
	return claims
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type bundleResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.TwoFactorRequired {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"two_factor_required": true,
			"bridge_token":        res.BridgeToken,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, toBundleResponse(res.Bundle))
}

func (s *server) completeTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		BridgeToken string `json:"bridge_token"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bundle, err := s.engine.CompleteTwoFactor(r.Context(), req.Username, req.BridgeToken, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toBundleResponse(bundle))
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bundle, err := s.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toBundleResponse(bundle))
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Logout(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Sessions(r.Context(), claimsFrom(r).Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CloseSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) closeOthers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentSessionID string `json:"current_session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	closed, err := s.engine.CloseAllOthers(r.Context(), claimsFrom(r).Subject, req.CurrentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"closed": closed})
}

func (s *server) setupTwoFactor(w http.ResponseWriter, r *http.Request) {
	setup, err := s.engine.SetupTwoFactor(r.Context(), claimsFrom(r).Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"secret_key":       setup.SecretKey,
		"provisioning_uri": setup.ProvisioningURI,
	})
}

func (s *server) enableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	recovery, err := s.engine.EnableTwoFactor(r.Context(), claimsFrom(r).Subject, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"recovery_code": recovery})
}

func (s *server) disableTwoFactor(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DisableTwoFactor(r.Context(), claimsFrom(r).Subject); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) adminSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	sessions, total, err := s.engine.AllSessions(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
}

func (s *server) adminAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.engine.SecurityAlerts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *server) adminLockoutStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.LockoutStatus(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *server) adminUnlock(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Unlock(r.Context(), chi.URLParam(r, "identifier"), claimsFrom(r).Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) adminRevokeUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	closed, err := s.engine.RevokeAllForUser(r.Context(), chi.URLParam(r, "id"), req.Reason, claimsFrom(r).Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"closed": closed})
}

func toBundleResponse(b *authkeep.SessionBundle) bundleResponse {
	return bundleResponse{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		ExpiresAt:    b.ExpiresAt,
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encode failed", zap.Error(err))
	}
}

// writeError maps engine failures onto HTTP statuses without leaking
// internal detail.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, authkeep.ErrInvalidCredentials),
		errors.Is(err, authkeep.ErrTokenExpired),
		errors.Is(err, authkeep.ErrTokenRevoked),
		errors.Is(err, authkeep.ErrTokenMalformed),
		errors.Is(err, authkeep.ErrSessionNotFound),
		errors.Is(err, authkeep.ErrBridgeTokenInvalid),
		errors.Is(err, authkeep.ErrTwoFactorInvalidCode):
		status = http.StatusUnauthorized
	case errors.Is(err, authkeep.ErrAccountLocked):
		status = http.StatusForbidden
	case errors.Is(err, authkeep.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, authkeep.ErrTwoFactorNotEnabled):
		status = http.StatusConflict
	case errors.Is(err, authkeep.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	default:
		s.log.Error("unexpected error", zap.Error(err))
		status = http.StatusInternalServerError
	}
	http.Error(w, http.StatusText(status), status)
}
