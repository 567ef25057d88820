// Package scheduling resolves a scheduling provider's sparse, date-coded
// availability into a normalized per-date, per-daypart calendar.
package scheduling

import (
	"sort"
	"strings"
)

// DateLayout is the wire and display format for appointment dates.
const DateLayout = "2006-01-02"

// TimeCode is a coarse daypart bucket used by the scheduling backend.
type TimeCode string

const (
	TimeAM TimeCode = "AM"
	TimeMD TimeCode = "MD"
	TimePM TimeCode = "PM"
	TimeEV TimeCode = "EV"
)

// CanonicalTimeCodes is the display order of dayparts.
var CanonicalTimeCodes = []TimeCode{TimeAM, TimeMD, TimePM, TimeEV}

var timeCodeLabels = map[TimeCode]string{
	TimeAM: "8am - 11am",
	TimeMD: "11am - 2pm",
	TimePM: "2pm - 5pm",
	TimeEV: "5pm - 8pm",
}

var timeCodeAliases = map[string]TimeCode{
	"am":        TimeAM,
	"morning":   TimeAM,
	"md":        TimeMD,
	"mid":       TimeMD,
	"midday":    TimeMD,
	"pm":        TimePM,
	"afternoon": TimePM,
	"ev":        TimeEV,
	"eve":       TimeEV,
	"evening":   TimeEV,
}

// ParseTimeCode maps a provider daypart key to its canonical code.
func ParseTimeCode(raw string) (TimeCode, bool) {
	code, ok := timeCodeAliases[strings.ToLower(strings.TrimSpace(raw))]
	return code, ok
}

// Label returns the human-readable window for a daypart.
func (c TimeCode) Label() string {
	return timeCodeLabels[c]
}

// ScheduleSlot is one daypart on one date.
type ScheduleSlot struct {
	Date      string   `json:"date"`
	TimeCode  TimeCode `json:"time_code"`
	Available bool     `json:"available"`
	Label     string   `json:"label"`
	FSRRef    string   `json:"fsr_ref,omitempty"`
}

// DayAvailability holds exactly one slot per canonical daypart for a date.
type DayAvailability struct {
	Date  string         `json:"date"`
	Slots []ScheduleSlot `json:"slots"`
}

// HasAvailable reports whether any daypart on the day is open.
func (d DayAvailability) HasAvailable() bool {
	for _, s := range d.Slots {
		if s.Available {
			return true
		}
	}
	return false
}

// Outcome is the kind of result a resolution produced. Callers branch on it;
// the kinds are never interchangeable.
type Outcome string

const (
	// OutcomeAvailable is a normal calendar, which may still have zero open slots.
	OutcomeAvailable Outcome = "available"
	// OutcomeAlreadyScheduled means the provider reported a booked appointment instead of availability.
	OutcomeAlreadyScheduled Outcome = "already_scheduled"
	// OutcomeNeedsAccount means no account identifier was available for a provider that requires one.
	OutcomeNeedsAccount Outcome = "needs_account"
	// OutcomeDegraded is a zero-slot result from a decodable response missing expected fields.
	OutcomeDegraded Outcome = "degraded"
)

// ExistingAppointment is an appointment the provider already holds for the account.
type ExistingAppointment struct {
	Date     string   `json:"date"`
	TimeCode TimeCode `json:"time_code"`
	FSRNo    string   `json:"fsr_no,omitempty"`
}

// SlotCalendar is a computed, date-keyed view of availability. It is rebuilt
// on every resolution and never stored.
type SlotCalendar struct {
	Outcome      Outcome                    `json:"outcome"`
	AccountRef   string                     `json:"account_ref,omitempty"`
	FSRNo        string                     `json:"fsr_no,omitempty"`
	GeneratedOn  string                     `json:"generated_on"`
	EarliestDate string                     `json:"earliest_date"`
	StartDate    string                     `json:"start_date"`
	EndDate      string                     `json:"end_date"`
	Days         map[string]DayAvailability `json:"days"`
	Existing     *ExistingAppointment       `json:"existing_appointment,omitempty"`
	Diagnostics  []string                   `json:"diagnostics,omitempty"`
}

// Dates returns calendar dates in ascending order.
func (c *SlotCalendar) Dates() []string {
	if c == nil {
		return nil
	}
	dates := make([]string, 0, len(c.Days))
	for d := range c.Days {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// HasSlots is true iff at least one date has at least one available daypart.
func (c *SlotCalendar) HasSlots() bool {
	if c == nil {
		return false
	}
	for _, day := range c.Days {
		if day.HasAvailable() {
			return true
		}
	}
	return false
}

// IsAvailable reports whether the (date, code) pair can be booked.
func (c *SlotCalendar) IsAvailable(date string, code TimeCode) bool {
	if c == nil {
		return false
	}
	day, ok := c.Days[date]
	if !ok {
		return false
	}
	for _, s := range day.Slots {
		if s.TimeCode == code {
			return s.Available
		}
	}
	return false
}

// SlotsForDisplay flattens available slots date by date, dropping dates
// before the day the calendar was generated and keeping at most limitPerDay
// entries per date. A non-positive limit keeps every entry.
func (c *SlotCalendar) SlotsForDisplay(limitPerDay int) []ScheduleSlot {
	if c == nil {
		return nil
	}
	var out []ScheduleSlot
	for _, date := range c.Dates() {
		if date < c.GeneratedOn {
			continue
		}
		taken := 0
		for _, s := range c.Days[date].Slots {
			if !s.Available {
				continue
			}
			if limitPerDay > 0 && taken >= limitPerDay {
				break
			}
			out = append(out, s)
			taken++
		}
	}
	return out
}
