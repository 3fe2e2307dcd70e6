package config

import (
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}
	t.Setenv("TEST_STR", "value")
	if v := envStr("TEST_STR", "fallback"); v != "value" {
		t.Fatalf("expected value, got %q", v)
	}
}

func TestEnvIntParsesAndFallsBack(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !envBool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("TEST_BOOL_BAD", "maybe")
	if envBool("TEST_BOOL_BAD", false) {
		t.Fatal("expected fallback false")
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if d := envDuration("TEST_DUR", time.Second); d != 90*time.Second {
		t.Fatalf("expected 90s, got %s", d)
	}
	if d := envDuration("TEST_DUR_MISSING", 5*time.Second); d != 5*time.Second {
		t.Fatalf("expected fallback 5s, got %s", d)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.MaxIterations != 10 {
		t.Fatalf("expected default max iterations 10, got %d", cfg.MaxIterations)
	}
	// PlannerURL has no default and is not required at load time; an
	// in-process planner may be supplied by the embedding caller.
	if cfg.PlannerURL != "" {
		t.Fatalf("expected empty planner URL, got %q", cfg.PlannerURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Config{
		Port:                8080,
		SQLitePath:          "dandori.db",
		PlannerURL:          "http://planner:9000",
		MaxIterations:       10,
		MaxConcurrentRuns:   64,
		MaxRequestBodyBytes: 1024,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := base
	bad.Port = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected port error")
	}

	bad = base
	bad.MaxIterations = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected max iterations error")
	}

	bad = base
	bad.MemoryEnabled = true
	if err := bad.Validate(); err == nil {
		t.Fatal("expected memory-without-postgres error")
	}

	// No planner URL is valid config; the facade decides whether an
	// in-process planner covers it.
	noPlanner := base
	noPlanner.PlannerURL = ""
	if err := noPlanner.Validate(); err != nil {
		t.Fatalf("unexpected error for empty planner URL: %v", err)
	}
}
