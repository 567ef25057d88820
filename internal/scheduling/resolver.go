package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

var resolverTracer = otel.Tracer("dr.internal.scheduling")

// ResolveRequest carries the account identifiers known for a session and an
// optional date range. A zero Start means "earliest offerable date".
type ResolveRequest struct {
	AccountNumber string
	CANo          string
	ComvergeNo    string
	Start         time.Time
	End           *time.Time
}

// SelectAccountRef picks the identifier the scheduling backend keys on:
// comverge number, then CA number, then the raw utility account number.
func SelectAccountRef(comvergeNo, caNo, accountNumber string) string {
	for _, v := range []string{comvergeNo, caNo, accountNumber} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Resolver turns provider payloads into normalized calendars.
type Resolver struct {
	policy  Policy
	timeout time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// NewResolver creates a resolver. A positive timeout bounds each provider call.
func NewResolver(policy Policy, timeout time.Duration, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{policy: policy, timeout: timeout, logger: logger, now: time.Now}
}

// WithClock overrides the resolver clock.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// window computes the effective [start, end] range for a request. Start is
// never earlier than the lead-time date and the range never spans more than
// the policy window.
func (r *Resolver) window(req ResolveRequest) (time.Time, time.Time) {
	now := r.now()
	earliest := r.policy.EarliestDate(now)
	start := earliest
	if !req.Start.IsZero() {
		if s := r.policy.Today(req.Start); s.After(earliest) {
			start = s
		}
	}
	last := start.AddDate(0, 0, r.policy.windowDays()-1)
	end := last
	if req.End != nil {
		end = r.policy.Today(*req.End)
		if end.Before(start) {
			end = start
		}
		if end.After(last) {
			end = last
		}
	}
	return start, end
}

// ResolveSlots fetches availability from the provider and normalizes it.
// Rate limiting and transport failures are returned as errors; the
// already-scheduled, needs-account and degraded kinds are returned as
// calendars with the matching Outcome.
func (r *Resolver) ResolveSlots(ctx context.Context, provider Provider, req ResolveRequest) (*SlotCalendar, error) {
	ctx, span := resolverTracer.Start(ctx, "scheduling.resolve_slots")
	defer span.End()

	now := r.now()
	loc := r.policy.location()
	start, end := r.window(req)
	ref := SelectAccountRef(req.ComvergeNo, req.CANo, req.AccountNumber)

	span.SetAttributes(
		attribute.String("dr.provider.mode", string(provider.Mode())),
		attribute.String("dr.schedule.start", start.Format(DateLayout)),
		attribute.String("dr.schedule.end", end.Format(DateLayout)),
	)

	cal := &SlotCalendar{
		AccountRef:   ref,
		GeneratedOn:  r.policy.Today(now).Format(DateLayout),
		EarliestDate: r.policy.EarliestDate(now).Format(DateLayout),
		StartDate:    start.Format(DateLayout),
		EndDate:      end.Format(DateLayout),
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := provider.GetSlots(callCtx, SlotsRequest{AccountRef: ref, Start: start, End: end})
	if err != nil {
		if errors.Is(err, ErrAccountRequired) {
			cal.Outcome = OutcomeNeedsAccount
			cal.Days = map[string]DayAvailability{}
			span.SetAttributes(attribute.String("dr.schedule.outcome", string(cal.Outcome)))
			return cal, nil
		}
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			span.RecordError(err)
			return nil, err
		}
		err = wrapTransport("get_slots", err)
		span.RecordError(err)
		r.logger.Warn("scheduling provider call failed", "error", err, "mode", provider.Mode())
		return nil, err
	}

	switch {
	case raw == nil:
		r.degrade(cal, start, end, loc, "provider returned an empty payload")
	case raw.Existing != nil || isScheduledStatus(raw.Status):
		cal.Outcome = OutcomeAlreadyScheduled
		cal.FSRNo = raw.FSRNo
		cal.Existing = raw.Existing
		cal.Days = map[string]DayAvailability{}
		if cal.Existing != nil && cal.FSRNo == "" {
			cal.FSRNo = cal.Existing.FSRNo
		}
	case raw.Days == nil:
		r.degrade(cal, start, end, loc, (&DataError{Op: "get_slots", Reason: "response missing availability"}).Error())
	default:
		cal.Outcome = OutcomeAvailable
		cal.FSRNo = raw.FSRNo
		cal.Days, cal.Diagnostics = normalizeDays(raw.Days, start, end, raw.FSRNo, loc)
	}

	span.SetAttributes(
		attribute.String("dr.schedule.outcome", string(cal.Outcome)),
		attribute.Bool("dr.schedule.has_slots", cal.HasSlots()),
	)
	if cal.Outcome == OutcomeDegraded {
		r.logger.Warn("scheduling provider response degraded", "mode", provider.Mode(), "diagnostics", cal.Diagnostics)
	}
	return cal, nil
}

func (r *Resolver) degrade(cal *SlotCalendar, start, end time.Time, loc *time.Location, reason string) {
	cal.Outcome = OutcomeDegraded
	cal.Days, _ = normalizeDays(nil, start, end, "", loc)
	cal.Diagnostics = append(cal.Diagnostics, reason)
}

func isScheduledStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "scheduled", "already_scheduled", "booked":
		return true
	}
	return false
}
