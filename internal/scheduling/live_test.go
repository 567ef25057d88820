package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, timeout time.Duration, handler http.HandlerFunc) *LiveClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewLiveClient(LiveConfig{BaseURL: ts.URL + "/", APIKey: "key-1", Timeout: timeout})
}

func TestLiveClient_GetSlots(t *testing.T) {
	client := newTestClient(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/availability", r.URL.Path)
		assert.Equal(t, "CV-1", r.URL.Query().Get("account"))
		assert.Equal(t, "2026-10-19", r.URL.Query().Get("start"))
		assert.Equal(t, "2026-10-20", r.URL.Query().Get("end"))
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`{"fsr_no":"FSR-2","availability":{"2026-10-19":{"AM":"Y"}}}`))
	})

	start := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	raw, err := client.GetSlots(context.Background(), SlotsRequest{AccountRef: "CV-1", Start: start, End: start.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, "FSR-2", raw.FSRNo)
	require.Contains(t, raw.Days, "2026-10-19")
}

func TestLiveClient_GetSlotsRequiresAccount(t *testing.T) {
	client := newTestClient(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected without an account")
	})
	_, err := client.GetSlots(context.Background(), SlotsRequest{})
	assert.ErrorIs(t, err, ErrAccountRequired)
}

func TestLiveClient_MissingAvailabilityRootDecodes(t *testing.T) {
	client := newTestClient(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	raw, err := client.GetSlots(context.Background(), SlotsRequest{AccountRef: "1", Start: fixedNow, End: fixedNow})
	require.NoError(t, err)
	assert.Nil(t, raw.Days)
}

func TestLiveClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusBadGateway, te.Status)
				assert.Equal(t, "PROVIDER_UNAVAILABLE", te.Code())
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"availability":`))
			},
			check: func(t *testing.T, err error) {
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.True(t, te.Malformed)
				assert.Equal(t, "PROVIDER_MALFORMED_RESPONSE", te.Code())
			},
		},
		{
			name: "remote rate limit",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "12")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check: func(t *testing.T, err error) {
				var rl *RateLimitedError
				require.ErrorAs(t, err, &rl)
				assert.Equal(t, 12*time.Second, rl.RetryAfter)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, time.Second, tc.handler)
			_, err := client.GetSlots(context.Background(), SlotsRequest{AccountRef: "1", Start: fixedNow, End: fixedNow})
			tc.check(t, err)
		})
	}
}

func TestLiveClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, 30*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := client.GetSlots(context.Background(), SlotsRequest{AccountRef: "1", Start: fixedNow, End: fixedNow})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Timeout)
}

func TestLiveClient_ValidateAccountAndPromoCodes(t *testing.T) {
	client := newTestClient(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/validate":
			assert.Equal(t, http.MethodPost, r.Method)
			var req AccountRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "12345678", req.AccountNumber)
			_, _ = w.Write([]byte(`{"valid":true,"ca_no":"CA-1","comverge_no":"CV-1"}`))
		case "/v1/promo-codes":
			_, _ = w.Write([]byte(`{"promo_codes":[{"code":"SAVE25","description":"credit"}]}`))
		case "/v1/ping":
			_, _ = w.Write([]byte(`{"ok":true,"environment":"staging"}`))
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	v, err := client.ValidateAccount(ctx, AccountRequest{AccountNumber: "12345678", ZipCode: "75001"})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "CV-1", v.ComvergeNo)

	codes, err := client.GetPromoCodes(ctx)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "SAVE25", codes[0].Code)

	conn, err := client.TestConnection(ctx)
	require.NoError(t, err)
	assert.True(t, conn.OK)
	assert.Equal(t, "staging", conn.Detail)

	health, err := client.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
}
