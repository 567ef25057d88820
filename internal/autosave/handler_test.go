package autosave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dr-enrollment/internal/sessions"
)

func newTestRouter(c *Coordinator, store sessions.Store) http.Handler {
	r := chi.NewRouter()
	NewHandler(c, store, nil).Routes(r)
	return r
}

func TestAutosaveEndpoint(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t)
	seedSession(t, store, "s1", sessions.StatusInProgress)
	router := newTestRouter(c, store)

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/autosave", strings.NewReader(`{"fields":{"city":"Dallas","email":"a@b.co"}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())
	assert.Equal(t, map[string]string{"city": "Dallas", "email": "a@b.co"}, c.Pending("s1"))

	req = httptest.NewRequest(http.MethodPost, "/sessions/s1/autosave", strings.NewReader(`{"fields":`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBeaconEndpointNeverFails(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t)
	router := newTestRouter(c, store)

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/autosave/beacon", strings.NewReader(`{"fields":{"city":"Dallas"}}`))
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "Dallas", c.Pending("s1")["city"])

	req = httptest.NewRequest(http.MethodPost, "/sessions/s1/autosave/beacon", strings.NewReader(`garbage`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoveryExcludesSensitiveFields(t *testing.T) {
	c, store, _, clock := newTestCoordinator(t)
	seedSession(t, store, "s1", sessions.StatusInProgress)
	ctx := context.Background()
	_, err := store.Update(ctx, "s1", func(s *sessions.Session) error {
		s.Merge(map[string]string{
			"device_type":       "smart_thermostat",
			"account_number":    "12345678",
			"account_validated": "true",
			"email":             "a@b.co",
		}, clock.Now())
		return nil
	})
	require.NoError(t, err)
	c.Enqueue("s1", map[string]string{"city": "Dallas", "phone": "2145550100", "device_type": "ac_switch"})

	router := newTestRouter(c, store)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s1/recovery", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body recoveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.CurrentStep)
	assert.Equal(t, map[string]string{"device_type": "smart_thermostat", "city": "Dallas"}, body.Fields)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/missing/recovery", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
