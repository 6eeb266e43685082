package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every derived setting as an explicit, injected value. No
// package caches secrets at module level; construct once in main and pass
// down.
type Config struct {
	Addr  string
	PGDSN string

	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration

	MaxLoginAttempts int
	LockDuration     time.Duration

	RateLimitAttempts int
	RateLimitWindow   time.Duration

	HTTPRateBurst  int
	HTTPRatePerSec int

	HashConcurrency int

	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

// Load reads configuration from the environment. Both token secrets are
// required and must be independent so a leaked access secret cannot forge
// refresh tokens.
func Load() (Config, error) {
	cfg := Config{
		Addr:               envOr("CLUBDESK_ADDR", ":8080"),
		PGDSN:              os.Getenv("CLUBDESK_PG_DSN"),
		AccessTokenSecret:  strings.TrimSpace(os.Getenv("CLUBDESK_ACCESS_SECRET")),
		RefreshTokenSecret: strings.TrimSpace(os.Getenv("CLUBDESK_REFRESH_SECRET")),
		AccessTokenTTL:     envDuration("CLUBDESK_ACCESS_TTL", 15*time.Minute),
		RefreshTokenTTL:    envDuration("CLUBDESK_REFRESH_TTL", 7*24*time.Hour),
		MaxLoginAttempts:   envInt("CLUBDESK_MAX_LOGIN_ATTEMPTS", 5),
		LockDuration:       envDuration("CLUBDESK_LOCK_DURATION", 30*time.Minute),
		RateLimitAttempts:  envInt("CLUBDESK_RATE_LIMIT_ATTEMPTS", 5),
		RateLimitWindow:    envDuration("CLUBDESK_RATE_LIMIT_WINDOW", 15*time.Minute),
		HTTPRateBurst:      envInt("CLUBDESK_HTTP_RATE_BURST", 20),
		HTTPRatePerSec:     envInt("CLUBDESK_HTTP_RATE_PER_SEC", 10),
		HashConcurrency:    envInt("CLUBDESK_HASH_CONCURRENCY", 4),
		AdminUsername:      os.Getenv("CLUBDESK_ADMIN_USERNAME"),
		AdminEmail:         os.Getenv("CLUBDESK_ADMIN_EMAIL"),
		AdminPassword:      os.Getenv("CLUBDESK_ADMIN_PASSWORD"),
	}
	if cfg.AccessTokenSecret == "" || cfg.RefreshTokenSecret == "" {
		return Config{}, errors.New("config: CLUBDESK_ACCESS_SECRET and CLUBDESK_REFRESH_SECRET are required")
	}
	if cfg.AccessTokenSecret == cfg.RefreshTokenSecret {
		return Config{}, errors.New("config: access and refresh secrets must differ")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
