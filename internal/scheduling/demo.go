package scheduling

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"
)

var (
	rawYes = json.RawMessage(`"Y"`)
	rawNo  = json.RawMessage(`"N"`)
)

var demoPromoCodes = []PromoCode{
	{Code: "SAVE25", Description: "$25 bill credit after installation", DeviceTypes: []string{"smart_thermostat", "ac_switch"}},
	{Code: "THERMO50", Description: "$50 credit per enrolled smart thermostat", DeviceTypes: []string{"smart_thermostat"}},
	{Code: "SUMMER", Description: "Seasonal enrollment bonus"},
}

// DemoProvider synthesizes deterministic availability for an instance. The
// same instance and date always produce the same dayparts.
type DemoProvider struct {
	instanceID string
	now        func() time.Time
}

// NewDemoProvider creates the synthetic provider for an instance.
func NewDemoProvider(instanceID string) *DemoProvider {
	return &DemoProvider{instanceID: instanceID, now: time.Now}
}

func (p *DemoProvider) Mode() Mode { return ModeDemo }

func (p *DemoProvider) rng(date string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.instanceID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(date))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// GetSlots produces weekday-shaped availability. Weekdays always have at
// least one open daypart, Saturdays are sparse, Sundays are closed.
func (p *DemoProvider) GetSlots(_ context.Context, req SlotsRequest) (*RawAvailability, error) {
	if strings.HasSuffix(req.AccountRef, "9999") {
		date := req.Start.AddDate(0, 0, 2).Format(DateLayout)
		return &RawAvailability{
			Status:   "scheduled",
			FSRNo:    "DEMO-FSR-" + req.AccountRef,
			Existing: &ExistingAppointment{Date: date, TimeCode: TimeMD, FSRNo: "DEMO-FSR-" + req.AccountRef},
		}, nil
	}

	days := make(map[string]map[string]json.RawMessage)
	for d := req.Start; !d.After(req.End); d = d.AddDate(0, 0, 1) {
		key := d.Format(DateLayout)
		r := p.rng(key)
		parts := make(map[string]json.RawMessage)
		switch d.Weekday() {
		case time.Sunday:
		case time.Saturday:
			for _, code := range []TimeCode{TimeAM, TimeMD} {
				if r.Float64() < 0.35 {
					parts[string(code)] = rawYes
				}
			}
		default:
			opened := 0
			for _, code := range CanonicalTimeCodes {
				if r.Float64() < 0.6 {
					parts[string(code)] = rawYes
					opened++
				} else if r.Intn(2) == 0 {
					parts[string(code)] = rawNo
				}
			}
			if opened == 0 {
				parts[string(CanonicalTimeCodes[r.Intn(len(CanonicalTimeCodes))])] = rawYes
			}
		}
		if len(parts) > 0 {
			days[key] = parts
		}
	}
	return &RawAvailability{Status: "ok", Days: days}, nil
}

// ValidateAccount accepts any account except those ending in 0000.
func (p *DemoProvider) ValidateAccount(_ context.Context, req AccountRequest) (*AccountValidation, error) {
	acct := strings.TrimSpace(req.AccountNumber)
	if strings.HasSuffix(acct, "0000") {
		return &AccountValidation{Valid: false, Message: "account not eligible for this program"}, nil
	}
	return &AccountValidation{
		Valid:      true,
		CANo:       "CA" + acct,
		ComvergeNo: "CV" + acct,
	}, nil
}

func (p *DemoProvider) GetPromoCodes(context.Context) ([]PromoCode, error) {
	out := make([]PromoCode, len(demoPromoCodes))
	copy(out, demoPromoCodes)
	return out, nil
}

func (p *DemoProvider) TestConnection(context.Context) (*ConnectionResult, error) {
	return &ConnectionResult{OK: true, Mode: ModeDemo, Detail: "demo provider"}, nil
}

func (p *DemoProvider) HealthCheck(context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true, Mode: ModeDemo, CheckedAt: p.now().UTC()}, nil
}
