// Package httpapi is the plane's HTTP surface: the agent API the
// appliances post to, the operator/portal API behind sessions and
// tokens, and the operational endpoints (health, metrics, websocket).
package httpapi

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osiriscare/fleet/internal/access"
	"github.com/osiriscare/fleet/internal/config"
	"github.com/osiriscare/fleet/internal/events"
	"github.com/osiriscare/fleet/internal/incidents"
	"github.com/osiriscare/fleet/internal/ledger"
	"github.com/osiriscare/fleet/internal/metrics"
	"github.com/osiriscare/fleet/internal/orders"
	"github.com/osiriscare/fleet/internal/store"
)

// Server wires the services behind the HTTP routes.
type Server struct {
	st        *store.Store
	redis     *store.Redis
	log       *slog.Logger
	ledger    *ledger.Service
	incidents *incidents.Service
	orders    *orders.Service
	hub       *events.Hub
	sessions  *access.Sessions
	signer    ed25519.PrivateKey
	plan      *planClient
}

// New builds the server. signer may be nil; rules snapshots are then
// withheld rather than served unsigned. An empty planner key likewise
// disables the plan proxy without taking the rest of the API down.
func New(
	st *store.Store,
	redis *store.Redis,
	logger *slog.Logger,
	led *ledger.Service,
	inc *incidents.Service,
	ord *orders.Service,
	hub *events.Hub,
	sessions *access.Sessions,
	signer ed25519.PrivateKey,
	planner config.PlannerConfig,
) *Server {
	return &Server{
		st:        st,
		redis:     redis,
		log:       logger,
		ledger:    led,
		incidents: inc,
		orders:    ord,
		hub:       hub,
		sessions:  sessions,
		signer:    signer,
		plan:      newPlanClient(planner),
	}
}

// Routes assembles the full router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.httpMetrics)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/agent", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Post("/checkin", s.handleCheckin)
		r.Post("/evidence", s.handleEvidence)
		r.Post("/patterns", s.handlePatterns)
		r.Post("/alerts", s.handleAlerts)
		// Plan calls block on the model provider; the longer timeout is
		// for them.
		r.Post("/l2/plan", s.handlePlan)
	})

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"https://*.osiriscare.net", "http://localhost:*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Post("/api/login", s.handleLogin)
		r.Post("/api/logout", s.handleLogout)

		// Read surface: operator session, or a site-scoped portal token
		// where the route names a site.
		r.Group(func(r chi.Router) {
			r.Use(s.requireRead)
			r.Get("/api/fleet", s.handleFleet)
			r.Get("/api/incidents", s.handleIncidents)
			r.Get("/api/runbooks", s.handleRunbooks)
			r.Get("/api/learning/status", s.handleLearningStatus)
			r.Get("/api/learning/candidates", s.handleLearningCandidates)
			r.Get("/api/alerts", s.handleAlertsList)
			r.Get("/api/orders/{order_id}", s.handleOrderGet)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireSiteScope(access.ScopeRead))
			r.Get("/api/fleet/{site_id}", s.handleSite)
			r.Get("/api/evidence/sites/{site_id}/bundles", s.handleBundles)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireSiteScope(access.ScopeVerifyChain))
			r.Get("/api/evidence/sites/{site_id}/verify", s.handleVerify)
		})

		// Write surface: operator or admin session only.
		r.Group(func(r chi.Router) {
			r.Use(s.requireWriter)
			r.Post("/api/learning/promote/{id}", s.handlePromote)
			r.Post("/api/learning/reject/{id}", s.handleReject)
			r.Post("/api/incidents/{id}/ack", s.handleIncidentAck)
			r.Post("/api/incidents/{id}/heal", s.handleIncidentHeal)
			r.Post("/api/orders", s.handleOrderIssue)
			r.Post("/api/orders/broadcast", s.handleOrderBroadcast)
			r.Post("/api/evidence/stamp/{bundle_id}", s.handleStamp)
		})

		// Admin surface.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/api/admin/tokens", s.handleTokenMint)
			r.Post("/api/admin/operators", s.handleOperatorCreate)
		})
	})

	// The websocket stays outside the timeout group; connections are
	// long-lived.
	r.Get("/ws/events", s.handleEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.st.Ping(ctx); err != nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "component": "database"})
		return
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			s.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "component": "redis"})
			return
		}
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents authenticates the socket before upgrading; a websocket
// cannot carry a 401 body after the handshake.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.Current(w, r); err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	s.hub.HandleWebSocket(w, r)
}

// respond writes one JSON body. Marshal failures turn into a bare 500;
// the payloads here are all known-marshalable types.
func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

// httpMetrics records request counts and latencies by normalized chi
// route so path parameters do not explode label cardinality.
func (s *Server) httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
