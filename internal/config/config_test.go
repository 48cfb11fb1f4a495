package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.PushRetries != 3 {
		t.Errorf("PushRetries = %d, want 3", cfg.PushRetries)
	}
	if cfg.CallRingTimeout != 45*time.Second {
		t.Errorf("CallRingTimeout = %v, want 45s", cfg.CallRingTimeout)
	}
	if cfg.Schedule.Location == nil || cfg.Schedule.Location.String() != "Asia/Kolkata" {
		t.Errorf("Schedule.Location = %v, want Asia/Kolkata", cfg.Schedule.Location)
	}
	if cfg.APNs.Enabled() {
		t.Error("APNs should be disabled without credentials")
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for empty JWT_SECRET")
	}
}

func TestLoadRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("SCHEDULE_TIMEZONE", "Mars/Olympus")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "90")
	if got := getEnvDuration("X_DUR", time.Second); got != 90*time.Second {
		t.Errorf("bare seconds = %v, want 90s", got)
	}
	t.Setenv("X_DUR", "2m")
	if got := getEnvDuration("X_DUR", time.Second); got != 2*time.Minute {
		t.Errorf("duration string = %v, want 2m", got)
	}
	t.Setenv("X_DUR", "soon")
	if got := getEnvDuration("X_DUR", time.Second); got != time.Second {
		t.Errorf("invalid = %v, want fallback", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("splitList = %v", got)
	}
}
