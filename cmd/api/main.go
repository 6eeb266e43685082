package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"clubdesk.org/internal/auth"
	"clubdesk.org/internal/config"
	"clubdesk.org/internal/httpapi"
	"clubdesk.org/internal/obs"
)

var version = "0.3.1"

func main() {
	// .env is a dev convenience; absent in production.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CLUBDESK_COMMIT"))

	if cfg.PGDSN == "" {
		log.Fatal("missing CLUBDESK_PG_DSN")
	}
	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	issuer, err := auth.NewTokenIssuer(
		cfg.AccessTokenSecret,
		cfg.RefreshTokenSecret,
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
	)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	store := auth.NewPGStore(db)
	svc := auth.NewService(store, issuer,
		auth.WithLimiter(auth.NewSlidingWindowLimiter(cfg.RateLimitAttempts, cfg.RateLimitWindow)),
		auth.WithMaxAttempts(cfg.MaxLoginAttempts),
		auth.WithLockDuration(cfg.LockDuration),
		auth.WithHashConcurrency(cfg.HashConcurrency),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		seedCtx, seedCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := svc.Bootstrap(seedCtx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			log.Fatalf("bootstrap admin account: %v", err)
		}
		seedCancel()
	}

	// Ledger GC: expired and revoked refresh tokens are deleted periodically
	// so the table stays bounded.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gcCtx, gcCancel := context.WithTimeout(ctx, time.Minute)
				if n, err := svc.CleanupExpired(gcCtx); err != nil {
					obs.LogError("refresh token cleanup failed", map[string]any{"error": err.Error()})
				} else if n > 0 {
					obs.LogRequest(map[string]any{
						"level":   "info",
						"msg":     "refresh_tokens_cleaned",
						"deleted": n,
					})
				}
				gcCancel()
			}
		}
	}()

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, version,
		httpapi.WithRateLimit(cfg.HTTPRateBurst, cfg.HTTPRatePerSec))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting clubdesk-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = db.Close()
	log.Println("Stopped")
}
