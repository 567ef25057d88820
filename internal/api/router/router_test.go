package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dr-enrollment/internal/autosave"
	"github.com/wolfman30/dr-enrollment/internal/enrollment"
	httpmiddleware "github.com/wolfman30/dr-enrollment/internal/http/middleware"
	"github.com/wolfman30/dr-enrollment/internal/instances"
	"github.com/wolfman30/dr-enrollment/internal/observability/metrics"
	"github.com/wolfman30/dr-enrollment/internal/scheduling"
	"github.com/wolfman30/dr-enrollment/internal/sessions"
	"github.com/wolfman30/dr-enrollment/internal/wizard"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

const testSecret = "router-secret"

func newTestRouter(t *testing.T, checks map[string]HealthCheck) http.Handler {
	t.Helper()
	logger := logging.Default()
	store := sessions.NewMemoryStore()
	instanceStore := instances.NewMemoryStore()
	reg := prometheus.NewRegistry()
	wm := metrics.NewWizardMetrics(reg)
	factory := scheduling.NewFactory(scheduling.LiveConfig{}, nil, wm)
	resolver := scheduling.NewResolver(scheduling.DefaultPolicy(), time.Second, logger)

	ctrl, err := wizard.NewController(wizard.Config{
		Store:     store,
		Providers: factory,
		Instances: instances.Directory{Store: instanceStore},
		Resolver:  resolver,
		Submitter: enrollment.NewDemoSubmitter(),
		Metrics:   wm,
		Logger:    logger,
	})
	require.NoError(t, err)

	return New(&Config{
		Logger:             logger,
		Wizard:             wizard.NewHandler(ctrl, logger),
		Autosave:           autosave.NewHandler(autosave.NewCoordinator(store, logger), store, logger),
		Instances:          instances.NewHandler(instanceStore, factory, resolver, logger),
		AdminAuthSecret:    testSecret,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: []string{"https://utility.example"},
		PublicRateLimiter:  httpmiddleware.NewIPRateLimiter(100, 100),
		HealthChecks:       checks,
	})
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "ok", resp["redis"])
}

func TestRouterHealthDegraded(t *testing.T) {
	router := newTestRouter(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return errors.New("down") },
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"postgres":"unavailable"`)
}

func TestRouterWizardFlowAndMetrics(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/inst-1/sessions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://utility.example")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "https://utility.example", rr.Header().Get("Access-Control-Allow-Origin"))

	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))

	req = httptest.NewRequest(http.MethodPost, "/v1/sessions/"+started.SessionID+"/steps/1", strings.NewReader(`{"fields":{"device_type":"ac_switch"}}`))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/v1/sessions/"+started.SessionID+"/autosave/beacon", strings.NewReader(`{"fields":{"zip_code":"75001"}}`))
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `dr_wizard_step_submissions_total{form_type="enrollment",result="ok",step="1"} 1`)
}

func TestRouterRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/instances/inst-1/sessions", strings.NewReader(`form_type=enrollment`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestRouterAdminRequiresJWT(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/instances/inst-1/config", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	claims := httpmiddleware.AdminClaims{
		Role:             "operator",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/instances/inst-1/config", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"provider_mode":"demo"`)
}
