// authkeepd is the reference daemon: it wires the authkeep engine to
// Postgres and Redis and exposes the login, refresh, and session
// management flows over a thin HTTP surface.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authkeep/authkeep"
	"github.com/authkeep/authkeep/lockout"
	"github.com/authkeep/authkeep/monitor"
	"github.com/authkeep/authkeep/revocation"
	"github.com/authkeep/authkeep/session"
	"github.com/authkeep/authkeep/twofactor"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	if cfg.TokenSecret == "" {
		log.Fatal("TOKEN_SECRET is not set")
	}

	logger, err := initLogger(cfg.LogPath, cfg.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("postgres ping failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.Error(err))
	}

	engine, err := authkeep.New(authkeep.Config{
		Token: authkeep.TokenConfig{
			AccessTTL:  cfg.AccessTTL,
			PrivateKey: []byte(cfg.TokenSecret),
			Issuer:     cfg.TokenIssuer,
		},
		Session: authkeep.SessionConfig{
			MaxConcurrent: cfg.MaxConcurrent,
			RefreshTTL:    cfg.RefreshTTL,
		},
		Lockout: authkeep.LockoutConfig{
			Threshold: cfg.LockoutAttempts,
			Duration:  cfg.LockoutDuration,
		},
		TwoFactor: authkeep.TwoFactorConfig{Issuer: cfg.TwoFactorIssuer},
		Audit:     authkeep.AuditConfig{Enabled: true, BufferSize: 1024, DropIfFull: true},
	}, authkeep.Deps{
		UserProvider:    &pgxUserProvider{pool: pool},
		Redis:           rdb,
		SessionStore:    session.NewPostgresStore(pool, logger),
		RevocationStore: revocation.NewPostgresStore(pool, logger),
		LockoutStore:    lockout.NewPostgresStore(pool, logger),
		TwoFactorStore:  twofactor.NewPostgresStore(pool, logger),
		AttemptStore:    monitor.NewPostgresStore(pool, logger),
		AuditSink:       authkeep.NewJSONWriterSink(os.Stdout),
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}
	defer engine.Close()

	go engine.RunCleanup(ctx, cfg.CleanupInterval)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(engine, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
