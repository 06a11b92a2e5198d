// Package main is the entry point for the fleet control plane.
package main

import (
	"context"
	"crypto/ed25519"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osiriscare/fleet/internal/access"
	"github.com/osiriscare/fleet/internal/config"
	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/events"
	"github.com/osiriscare/fleet/internal/httpapi"
	"github.com/osiriscare/fleet/internal/incidents"
	"github.com/osiriscare/fleet/internal/ledger"
	"github.com/osiriscare/fleet/internal/orders"
	"github.com/osiriscare/fleet/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting control plane", "addr", cfg.Server.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(cfg.Database.URL); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	logger.Info("migrations applied")

	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer st.Close()
	logger.Info("connected to postgres")

	// Redis is optional: without it the plane loses order dedup,
	// cross-replica event fan-out and rate limiting, nothing else.
	var rds *store.Redis
	if cfg.Redis.Addr != "" {
		rds, err = store.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, continuing without it", "addr", cfg.Redis.Addr, "error", err)
			rds = nil
		} else {
			defer rds.Close()
			logger.Info("connected to redis", "addr", cfg.Redis.Addr)
		}
	}

	// The issuer key signs orders and learned-rule snapshots. A missing
	// seed degrades the plane to read-only issuance rather than
	// stopping check-ins.
	issuerKey := loadIssuerKey(cfg.Signing.IssuerSeedPath, logger)

	hub := events.NewHub(logger, rds)
	go hub.Run(ctx)

	var authority envelope.StampAuthority
	if cfg.Stamping.AuthorityURL != "" {
		authority = envelope.NewHTTPAuthority(cfg.Stamping.AuthorityURL)
	}

	led := ledger.New(st, logger, authority, cfg.Stamping.AuthorityURL)
	inc := incidents.New(st, logger, hub,
		cfg.Learning.MinOccurrences, cfg.Learning.MinSuccessRate, cfg.Learning.Autopromote)
	ord := orders.New(st, rds, logger, hub, issuerKey,
		cfg.Orders.DefaultTTLSeconds, cfg.Orders.StaleHours)

	if authority != nil {
		go led.RunStampSweeper(ctx, cfg.Stamping.Interval)
	}
	go ord.RunStaleSweeper(ctx, time.Hour)

	sessions := access.NewSessions(st, []byte(cfg.Sessions.AuthKey), cfg.Sessions.IdleWindow())
	bootstrapAdmin(ctx, st, logger)

	api := httpapi.New(st, rds, logger, led, inc, ord, hub, sessions, issuerKey, cfg.Planner)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("stopped")
}

func loadIssuerKey(path string, logger *slog.Logger) ed25519.PrivateKey {
	if path == "" {
		logger.Warn("no issuer seed configured, order issuance disabled")
		return nil
	}
	key, pub, err := envelope.LoadOrCreateSigningKey(path)
	if err != nil {
		logger.Error("issuer key unavailable, order issuance disabled", "path", path, "error", err)
		return nil
	}
	logger.Info("issuer key loaded", "pubkey", pub)
	return key
}

// bootstrapAdmin creates the first login when the operators table is
// empty and FLEET_BOOTSTRAP_ADMIN_PASSWORD is set. Without it a fresh
// deployment has no way to reach the admin surface.
func bootstrapAdmin(ctx context.Context, st *store.Store, logger *slog.Logger) {
	password := os.Getenv("FLEET_BOOTSTRAP_ADMIN_PASSWORD")
	if password == "" {
		return
	}
	n, err := st.CountOperators(ctx)
	if err != nil {
		logger.Error("operator count", "error", err)
		return
	}
	if n > 0 {
		return
	}
	hash, err := access.HashPassword(password)
	if err != nil {
		logger.Error("bootstrap admin", "error", err)
		return
	}
	op := &store.Operator{Username: "admin", PasswordHash: hash, Role: access.RoleAdmin, CreatedAt: time.Now().UTC()}
	if err := st.CreateOperator(ctx, op); err != nil {
		logger.Error("bootstrap admin", "error", err)
		return
	}
	logger.Info("bootstrap admin created", "username", op.Username)
}
