package config

import (
	"testing"
	"time"
)

func TestLoadRequiresIndependentSecrets(t *testing.T) {
	t.Setenv("CLUBDESK_ACCESS_SECRET", "")
	t.Setenv("CLUBDESK_REFRESH_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when secrets are missing")
	}

	t.Setenv("CLUBDESK_ACCESS_SECRET", "same")
	t.Setenv("CLUBDESK_REFRESH_SECRET", "same")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when secrets are identical")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLUBDESK_ACCESS_SECRET", "secret-a")
	t.Setenv("CLUBDESK_REFRESH_SECRET", "secret-b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.AccessTokenTTL != 15*time.Minute || cfg.RefreshTokenTTL != 7*24*time.Hour {
		t.Fatalf("unexpected TTLs: %v / %v", cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	}
	if cfg.MaxLoginAttempts != 5 || cfg.LockDuration != 30*time.Minute {
		t.Fatalf("unexpected lockout defaults: %d / %v", cfg.MaxLoginAttempts, cfg.LockDuration)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLUBDESK_ACCESS_SECRET", "secret-a")
	t.Setenv("CLUBDESK_REFRESH_SECRET", "secret-b")
	t.Setenv("CLUBDESK_ADDR", ":9090")
	t.Setenv("CLUBDESK_ACCESS_TTL", "5m")
	t.Setenv("CLUBDESK_MAX_LOGIN_ATTEMPTS", "3")
	t.Setenv("CLUBDESK_LOCK_DURATION", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.AccessTokenTTL != 5*time.Minute || cfg.MaxLoginAttempts != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Unparseable values fall back to the default.
	if cfg.LockDuration != 30*time.Minute {
		t.Fatalf("LockDuration = %v", cfg.LockDuration)
	}
}
