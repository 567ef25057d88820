package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/wolfman30/dr-enrollment/internal/app/bootstrap"
	appconfig "github.com/wolfman30/dr-enrollment/internal/config"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

func TestSetupMetricsExposesWizardMetrics(t *testing.T) {
	handler, wizardMetrics := setupMetrics()
	if handler == nil || wizardMetrics == nil {
		t.Fatalf("expected non-nil handler and metrics")
	}

	wizardMetrics.ObserveAutosaveFlush("written")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "dr_wizard_autosave_flush_total") {
		t.Fatalf("expected autosave counter to be exported")
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("expected go runtime collector")
	}
}

func TestPublicBurst(t *testing.T) {
	if got := publicBurst(10); got != 20 {
		t.Fatalf("expected burst 20, got %d", got)
	}
	if got := publicBurst(0.2); got != 1 {
		t.Fatalf("expected minimum burst 1, got %d", got)
	}
}

func TestHealthChecksOnlyIncludeConfiguredDependencies(t *testing.T) {
	if checks := healthChecks(nil, nil); len(checks) != 0 {
		t.Fatalf("expected no checks, got %d", len(checks))
	}

	mr := miniredis.RunT(t)
	client := bootstrap.BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, nil, false)
	defer client.Close()

	checks := healthChecks(client, nil)
	check, ok := checks["redis"]
	if !ok {
		t.Fatalf("expected redis check")
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("expected redis healthy: %v", err)
	}
}

func TestBuildAppServesWizardInMemory(t *testing.T) {
	cfg := &appconfig.Config{
		SessionStore:          "memory",
		EventSink:             "log",
		RateLimiter:           "memory",
		RateLimitRequests:     30,
		RateLimitWindow:       time.Minute,
		ScheduleWindowDays:    30,
		SlotsPerDay:           4,
		LeadTimeTable:         appconfig.DefaultLeadTimeTable,
		Timezone:              "UTC",
		AutosaveFlushInterval: time.Second,
		ResumeTokenTTL:        time.Hour,
		PublicRateLimitRPS:    10,
	}
	app, err := buildApp(context.Background(), cfg, nil, nil, logging.New("error"))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	if app.deliverer != nil {
		t.Fatalf("expected no outbox deliverer for log sink")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", rr.Code)
	}

	body := `{"visitor_id":"visitor-1","form_type":"enrollment"}`
	req = httptest.NewRequest(http.MethodPost, "/v1/instances/inst-1/sessions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	app.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected session created, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBuildAppRejectsUnknownSessionStore(t *testing.T) {
	cfg := &appconfig.Config{SessionStore: "dynamo", EventSink: "log"}
	if _, err := buildApp(context.Background(), cfg, nil, nil, logging.New("error")); err == nil {
		t.Fatalf("expected error for unknown session store")
	}
}
