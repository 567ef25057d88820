package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Mode tags which provider variant serves an instance.
type Mode string

const (
	ModeLive Mode = "live"
	ModeDemo Mode = "demo"
)

// ParseMode normalizes a configured mode, defaulting to demo.
func ParseMode(raw string) Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ModeLive)) {
		return ModeLive
	}
	return ModeDemo
}

// SlotsRequest asks a provider for availability over an inclusive date range.
type SlotsRequest struct {
	AccountRef string
	Start      time.Time
	End        time.Time
}

// RawAvailability is the provider's wire shape: a sparse map of date to
// daypart key to availability value. A missing daypart key means unavailable.
// Days is nil when the response omitted the availability root entirely.
type RawAvailability struct {
	Status   string                                `json:"status,omitempty"`
	FSRNo    string                                `json:"fsr_no,omitempty"`
	Existing *ExistingAppointment                  `json:"existing_appointment,omitempty"`
	Days     map[string]map[string]json.RawMessage `json:"availability"`
}

// AccountRequest identifies a utility account to validate.
type AccountRequest struct {
	AccountNumber string `json:"account_number"`
	ZipCode       string `json:"zip_code"`
}

// AccountValidation is the provider's verdict on an account.
type AccountValidation struct {
	Valid      bool   `json:"valid"`
	CANo       string `json:"ca_no,omitempty"`
	ComvergeNo string `json:"comverge_no,omitempty"`
	Message    string `json:"message,omitempty"`
}

// PromoCode is an enrollment incentive offered by the program.
type PromoCode struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	DeviceTypes []string `json:"device_types,omitempty"`
}

// ConnectionResult reports an authenticated round trip to the backend.
type ConnectionResult struct {
	OK      bool          `json:"ok"`
	Mode    Mode          `json:"mode"`
	Latency time.Duration `json:"latency_ns"`
	Detail  string        `json:"detail,omitempty"`
}

// HealthStatus reports backend reachability without credentials.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Mode      Mode      `json:"mode"`
	CheckedAt time.Time `json:"checked_at"`
	Detail    string    `json:"detail,omitempty"`
}

// Provider is the capability set shared by the live and demo variants.
// Resolver code must not care which variant it is talking to.
type Provider interface {
	Mode() Mode
	GetSlots(ctx context.Context, req SlotsRequest) (*RawAvailability, error)
	ValidateAccount(ctx context.Context, req AccountRequest) (*AccountValidation, error)
	GetPromoCodes(ctx context.Context) ([]PromoCode, error)
	TestConnection(ctx context.Context) (*ConnectionResult, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// Factory builds the provider for a form instance, applying the shared rate
// limiter and metrics to whichever variant the instance is configured for.
type Factory struct {
	Live    LiveConfig
	Limiter RateLimiter
	Metrics Metrics
	now     func() time.Time
}

// NewFactory creates a provider factory.
func NewFactory(live LiveConfig, limiter RateLimiter, metrics Metrics) *Factory {
	return &Factory{Live: live, Limiter: limiter, Metrics: metrics, now: time.Now}
}

// For returns the provider variant for an instance.
func (f *Factory) For(instanceID string, mode Mode) (Provider, error) {
	var base Provider
	switch mode {
	case ModeLive:
		if strings.TrimSpace(f.Live.BaseURL) == "" {
			return nil, fmt.Errorf("scheduling: live mode requires a provider base URL")
		}
		base = NewLiveClient(f.Live)
	case ModeDemo:
		base = NewDemoProvider(instanceID)
	default:
		return nil, fmt.Errorf("scheduling: unknown provider mode %q", mode)
	}
	var p Provider = &instrumentedProvider{next: base, metrics: f.Metrics, now: f.now}
	if f.Limiter != nil {
		p = &rateLimitedProvider{next: p, limiter: f.Limiter, instanceID: instanceID, metrics: f.Metrics}
	}
	return p, nil
}

// Metrics receives provider call observations.
type Metrics interface {
	ObserveProviderCall(mode, operation, outcome string, seconds float64)
	ObserveRateLimited(instanceID string)
}

type instrumentedProvider struct {
	next    Provider
	metrics Metrics
	now     func() time.Time
}

func (p *instrumentedProvider) observe(op string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = errorOutcome(err)
	}
	p.metrics.ObserveProviderCall(string(p.next.Mode()), op, outcome, p.now().Sub(start).Seconds())
}

func (p *instrumentedProvider) Mode() Mode { return p.next.Mode() }

func (p *instrumentedProvider) GetSlots(ctx context.Context, req SlotsRequest) (*RawAvailability, error) {
	start := p.now()
	out, err := p.next.GetSlots(ctx, req)
	p.observe("get_slots", start, err)
	return out, err
}

func (p *instrumentedProvider) ValidateAccount(ctx context.Context, req AccountRequest) (*AccountValidation, error) {
	start := p.now()
	out, err := p.next.ValidateAccount(ctx, req)
	p.observe("validate_account", start, err)
	return out, err
}

func (p *instrumentedProvider) GetPromoCodes(ctx context.Context) ([]PromoCode, error) {
	start := p.now()
	out, err := p.next.GetPromoCodes(ctx)
	p.observe("get_promo_codes", start, err)
	return out, err
}

func (p *instrumentedProvider) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	start := p.now()
	out, err := p.next.TestConnection(ctx)
	p.observe("test_connection", start, err)
	return out, err
}

func (p *instrumentedProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := p.now()
	out, err := p.next.HealthCheck(ctx)
	p.observe("health_check", start, err)
	return out, err
}
