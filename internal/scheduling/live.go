package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

const defaultLiveTimeout = 10 * time.Second

// LiveConfig configures the remote scheduling backend.
type LiveConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *logging.Logger
}

// LiveClient calls the remote scheduling backend over HTTP. Every call is
// bounded by Timeout and by the caller's context.
type LiveClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration
	logger     *logging.Logger
	now        func() time.Time
}

// NewLiveClient constructs a live provider client.
func NewLiveClient(cfg LiveConfig) *LiveClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLiveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &LiveClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *LiveClient) Mode() Mode { return ModeLive }

// GetSlots fetches raw availability for an account over a date range.
func (c *LiveClient) GetSlots(ctx context.Context, req SlotsRequest) (*RawAvailability, error) {
	if strings.TrimSpace(req.AccountRef) == "" {
		return nil, ErrAccountRequired
	}
	q := url.Values{}
	q.Set("account", req.AccountRef)
	q.Set("start", req.Start.Format(DateLayout))
	q.Set("end", req.End.Format(DateLayout))

	var out RawAvailability
	if err := c.doJSON(ctx, "get_slots", http.MethodGet, "/v1/availability?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateAccount asks the backend whether the utility account is eligible.
func (c *LiveClient) ValidateAccount(ctx context.Context, req AccountRequest) (*AccountValidation, error) {
	var out AccountValidation
	if err := c.doJSON(ctx, "validate_account", http.MethodPost, "/v1/accounts/validate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPromoCodes lists currently active promo codes.
func (c *LiveClient) GetPromoCodes(ctx context.Context) ([]PromoCode, error) {
	var wrapped struct {
		PromoCodes []PromoCode `json:"promo_codes"`
		Data       []PromoCode `json:"data"`
	}
	if err := c.doJSON(ctx, "get_promo_codes", http.MethodGet, "/v1/promo-codes", nil, &wrapped); err != nil {
		return nil, err
	}
	if len(wrapped.PromoCodes) > 0 {
		return wrapped.PromoCodes, nil
	}
	return wrapped.Data, nil
}

// TestConnection performs an authenticated ping.
func (c *LiveClient) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	start := c.now()
	var out struct {
		OK          bool   `json:"ok"`
		Environment string `json:"environment"`
	}
	if err := c.doJSON(ctx, "test_connection", http.MethodGet, "/v1/ping", nil, &out); err != nil {
		return &ConnectionResult{OK: false, Mode: ModeLive, Latency: c.now().Sub(start), Detail: err.Error()}, err
	}
	return &ConnectionResult{OK: out.OK, Mode: ModeLive, Latency: c.now().Sub(start), Detail: out.Environment}, nil
}

// HealthCheck probes the unauthenticated health endpoint.
func (c *LiveClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{Mode: ModeLive, CheckedAt: c.now().UTC()}
	if err := c.doJSON(ctx, "health_check", http.MethodGet, "/health", nil, nil); err != nil {
		status.Detail = err.Error()
		return status, err
	}
	status.Healthy = true
	return status, nil
}

func (c *LiveClient) doJSON(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("scheduling: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("scheduling: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapTransport(op, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{Limit: 0, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(respBody)
		if len(msg) > 300 {
			msg = msg[:300]
		}
		c.logger.Warn("scheduling provider non-2xx response", "op", op, "status", resp.StatusCode, "body", msg)
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		if out != nil {
			return &TransportError{Op: op, Malformed: true, Err: fmt.Errorf("empty body")}
		}
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{Op: op, Malformed: true, Err: err}
	}
	return nil
}

func parseRetryAfter(raw string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 30 * time.Second
}
