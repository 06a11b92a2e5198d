package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/osiriscare/fleet/internal/access"
	"github.com/osiriscare/fleet/internal/store"
)

type ctxKey int

const (
	ctxPrincipal ctxKey = iota
	ctxToken
)

// principal returns the logged-in operator, or nil for token-only
// callers.
func principal(r *http.Request) *access.Principal {
	p, _ := r.Context().Value(ctxPrincipal).(*access.Principal)
	return p
}

// operatorName labels writes in audit fields. Middleware guarantees a
// principal on every write path, so the fallback never shows up in
// practice.
func operatorName(r *http.Request) string {
	if p := principal(r); p != nil {
		return p.Username
	}
	return "unknown"
}

// bearerToken pulls a portal token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	scheme, rest, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	s.respond(w, http.StatusUnauthorized, apiError{Code: "unauthorized", Message: "authentication required"})
}

func (s *Server) forbidden(w http.ResponseWriter, msg string) {
	s.respond(w, http.StatusForbidden, apiError{Code: "forbidden", Message: msg})
}

// requireRead admits any operator session. Portal tokens are
// site-scoped and do not reach the fleet-wide routes.
func (s *Server) requireRead(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.sessions.Current(w, r)
		if err != nil {
			s.unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipal, p)))
	})
}

// requireSiteScope admits an operator session, or a portal token whose
// site matches the {site_id} route param and whose scope covers the
// requested one.
func (s *Server) requireSiteScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, err := s.sessions.Current(w, r); err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipal, p)))
				return
			}

			plaintext := bearerToken(r)
			if plaintext == "" {
				s.unauthorized(w)
				return
			}
			tok, err := access.AuthenticateToken(r.Context(), s.st, plaintext)
			if err != nil {
				s.unauthorized(w)
				return
			}
			siteID := chi.URLParam(r, "site_id")
			if tok.SiteID != siteID {
				s.forbidden(w, "token is scoped to another site")
				return
			}
			if !access.TokenAllows(tok, scope) {
				s.forbidden(w, "token scope does not cover this operation")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxToken, tok)))
		})
	}
}

// requireWriter admits admin and operator sessions.
func (s *Server) requireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.sessions.Current(w, r)
		if err != nil {
			s.unauthorized(w)
			return
		}
		if !p.CanWrite() {
			s.forbidden(w, "read-only role")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipal, p)))
	})
}

// requireAdmin admits admin sessions only.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.sessions.Current(w, r)
		if err != nil {
			s.unauthorized(w)
			return
		}
		if !p.IsAdmin() {
			s.forbidden(w, "admin role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipal, p)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "invalid JSON body"})
		return
	}
	p, err := s.sessions.Login(w, r, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, access.ErrBadCredentials) {
			// One answer for bad user and bad password.
			s.respond(w, http.StatusUnauthorized, apiError{Code: "bad_credentials", Message: "bad username or password"})
			return
		}
		s.log.Error("login failed", "username", req.Username, "error", err)
		s.respond(w, http.StatusInternalServerError, apiError{Code: "retry", Message: "login failed"})
		return
	}
	s.log.Info("operator login", "username", p.Username, "role", p.Role)
	s.respond(w, http.StatusOK, map[string]string{"username": p.Username, "role": p.Role})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(w, r); err != nil {
		s.log.Warn("logout", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTokenMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SiteID   string `json:"site_id"`
		Scope    string `json:"scope"`
		TTLHours int    `json:"ttl_hours"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "invalid JSON body"})
		return
	}
	site, err := s.st.GetSite(r.Context(), req.SiteID)
	if err != nil {
		s.agentRetry(w, "site lookup", err)
		return
	}
	if site == nil {
		s.respond(w, http.StatusNotFound, apiError{Code: "unknown_site", Message: "no such site"})
		return
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	plaintext, tok, err := access.MintToken(r.Context(), s.st, req.SiteID, req.Scope, ttl)
	if err != nil {
		s.respond(w, http.StatusUnprocessableEntity, apiError{Code: "bad_scope", Message: err.Error()})
		return
	}
	s.log.Info("portal token minted",
		"site_id", req.SiteID, "scope", tok.Scope, "by", operatorName(r), "expires_at", tok.ExpiresAt)
	s.respond(w, http.StatusCreated, map[string]any{
		"token":      plaintext,
		"site_id":    tok.SiteID,
		"scope":      tok.Scope,
		"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOperatorCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "invalid JSON body"})
		return
	}
	if req.Username == "" || len(req.Password) < 12 {
		s.respond(w, http.StatusUnprocessableEntity, apiError{Code: "bad_request", Message: "username required and password must be at least 12 characters"})
		return
	}
	if !access.ValidRole(req.Role) {
		s.respond(w, http.StatusUnprocessableEntity, apiError{Code: "bad_role", Message: "role must be admin, operator or readonly"})
		return
	}
	existing, err := s.st.GetOperator(r.Context(), req.Username)
	if err != nil {
		s.agentRetry(w, "operator lookup", err)
		return
	}
	if existing != nil {
		s.respond(w, http.StatusConflict, apiError{Code: "exists", Message: "operator already exists"})
		return
	}
	hash, err := access.HashPassword(req.Password)
	if err != nil {
		s.agentRetry(w, "password hash", err)
		return
	}
	op := &store.Operator{Username: req.Username, PasswordHash: hash, Role: req.Role, CreatedAt: time.Now().UTC()}
	if err := s.st.CreateOperator(r.Context(), op); err != nil {
		s.agentRetry(w, "operator create", err)
		return
	}
	s.log.Info("operator created", "username", op.Username, "role", op.Role, "by", operatorName(r))
	s.respond(w, http.StatusCreated, map[string]string{"username": op.Username, "role": op.Role})
}
