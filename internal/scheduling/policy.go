package scheduling

import "time"

// DefaultLeadTimes maps weekday (Sunday=0 ... Saturday=6) to the minimum
// number of days between today and the first offerable appointment date.
var DefaultLeadTimes = [7]int{3, 3, 3, 5, 5, 5, 4}

// Policy carries the resolver tunables. It is built once from configuration
// and injected; nothing in this package reads process-wide state.
type Policy struct {
	LeadTimes   [7]int
	WindowDays  int
	SlotsPerDay int
	Location    *time.Location
}

// DefaultPolicy returns the standard lead-time table and a 30-day window.
func DefaultPolicy() Policy {
	return Policy{
		LeadTimes:   DefaultLeadTimes,
		WindowDays:  30,
		SlotsPerDay: 4,
		Location:    time.UTC,
	}
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Today truncates now to midnight in the policy timezone.
func (p Policy) Today(now time.Time) time.Time {
	local := now.In(p.location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.location())
}

// LeadTimeOffset returns the day offset that applies when today is weekday.
func (p Policy) LeadTimeOffset(weekday time.Weekday) int {
	return p.LeadTimes[int(weekday)%7]
}

// EarliestDate returns the first date that may be offered given now.
func (p Policy) EarliestDate(now time.Time) time.Time {
	today := p.Today(now)
	return today.AddDate(0, 0, p.LeadTimeOffset(today.Weekday()))
}

func (p Policy) windowDays() int {
	if p.WindowDays <= 0 {
		return 30
	}
	return p.WindowDays
}

// ParseDate parses a YYYY-MM-DD date in the policy timezone.
func (p Policy) ParseDate(raw string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, raw, p.location())
}
