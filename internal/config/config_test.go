package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "LOG_LEVEL", "SESSION_STORE", "RATE_LIMIT_REQUESTS", "LEAD_TIME_TABLE", "EVENT_SINK"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.SessionStore != "memory" {
		t.Fatalf("expected memory session store, got %s", cfg.SessionStore)
	}
	if cfg.RateLimitRequests != 30 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %d/%s", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.LeadTimeTable != DefaultLeadTimeTable {
		t.Fatalf("expected default lead time table, got %v", cfg.LeadTimeTable)
	}
	if cfg.AutosaveFlushInterval != 15*time.Second {
		t.Fatalf("expected 15s autosave interval, got %s", cfg.AutosaveFlushInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SESSION_STORE", "Redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("RATE_LIMIT_REQUESTS", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("LEAD_TIME_TABLE", "2, 2, 2, 4, 4, 4, 3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected port override, got %s", cfg.Port)
	}
	if cfg.SessionStore != "redis" {
		t.Fatalf("expected lowercased store, got %s", cfg.SessionStore)
	}
	if cfg.RateLimitRequests != 5 || cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("unexpected rate limit: %d/%s", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.LeadTimeTable != [7]int{2, 2, 2, 4, 4, 4, 3} {
		t.Fatalf("unexpected lead time table: %v", cfg.LeadTimeTable)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSAllowedOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}
}

func TestMalformedLeadTimeTableKeepsDefault(t *testing.T) {
	t.Setenv("LEAD_TIME_TABLE", "1,2,3")
	if got := Load().LeadTimeTable; got != DefaultLeadTimeTable {
		t.Fatalf("expected default table, got %v", got)
	}
	t.Setenv("LEAD_TIME_TABLE", "1,2,3,4,5,6,-1")
	if got := Load().LeadTimeTable; got != DefaultLeadTimeTable {
		t.Fatalf("expected default table for negative entry, got %v", got)
	}
}

func TestValidateRejectsMissingDependencies(t *testing.T) {
	cases := map[string]Config{
		"redis store without addr":  {SessionStore: "redis", RateLimitRequests: 1, RateLimitWindow: time.Second, EventSink: "log", Timezone: "UTC"},
		"postgres store without db": {SessionStore: "postgres", RateLimitRequests: 1, RateLimitWindow: time.Second, EventSink: "log", Timezone: "UTC"},
		"unknown store":             {SessionStore: "etcd", RateLimitRequests: 1, RateLimitWindow: time.Second, EventSink: "log", Timezone: "UTC"},
		"sqs without queue":         {SessionStore: "memory", RateLimitRequests: 1, RateLimitWindow: time.Second, EventSink: "sqs", Timezone: "UTC"},
		"zero budget":               {SessionStore: "memory", RateLimitRequests: 0, RateLimitWindow: time.Second, EventSink: "log", Timezone: "UTC"},
		"bad timezone":              {SessionStore: "memory", RateLimitRequests: 1, RateLimitWindow: time.Second, EventSink: "log", Timezone: "Mars/Base"},
	}
	for name, cfg := range cases {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
