package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Database.URL != "" {
		t.Errorf("Database.URL = %q, want empty (memory store)", cfg.Database.URL)
	}
	if cfg.Queue.LockDuration != 15*time.Minute {
		t.Errorf("LockDuration = %v", cfg.Queue.LockDuration)
	}
	if len(cfg.Auth.APIKeys) != 0 {
		t.Errorf("APIKeys = %v, want none", cfg.Auth.APIKeys)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PARLEY_PORT", "9090")
	t.Setenv("PARLEY_LOCK_DURATION", "900")
	t.Setenv("PARLEY_RECLAIM_INTERVAL", "5s")
	t.Setenv("PARLEY_PACK_WATCH", "false")
	t.Setenv("PARLEY_API_KEYS", " k1, ,k2 ")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Queue.LockDuration != 900*time.Second {
		t.Errorf("LockDuration = %v, want 15m", cfg.Queue.LockDuration)
	}
	if cfg.Queue.ReclaimInterval != 5*time.Second {
		t.Errorf("ReclaimInterval = %v", cfg.Queue.ReclaimInterval)
	}
	if cfg.Rules.Watch {
		t.Error("Rules.Watch = true, want false")
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[0] != "k1" || cfg.Auth.APIKeys[1] != "k2" {
		t.Errorf("APIKeys = %v", cfg.Auth.APIKeys)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

func TestEnvDuration_InvalidFallsBack(t *testing.T) {
	t.Setenv("X_DUR", "soon")
	if got := envDuration("X_DUR", time.Minute); got != time.Minute {
		t.Errorf("envDuration = %v, want 1m", got)
	}
}
