package scheduling

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

var truthyValues = map[string]bool{
	"true":      true,
	"1":         true,
	"y":         true,
	"yes":       true,
	"available": true,
	"open":      true,
}

// isAvailable interprets one daypart value. Unknown shapes count as unavailable.
func isAvailable(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truthyValues[strings.ToLower(strings.TrimSpace(s))]
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n == 1
	}
	return false
}

// parseProviderDate accepts ISO dates and the US MM/DD/YYYY form some
// backends emit for date keys.
func parseProviderDate(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{DateLayout, "01/02/2006", "20060102"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// normalizeDays turns the sparse wire map into one entry per date in
// [from, to], each with all canonical dayparts. Absent daypart keys and
// explicit unavailable values are identical. Unknown keys are ignored.
func normalizeDays(raw map[string]map[string]json.RawMessage, from, to time.Time, fsr string, loc *time.Location) (map[string]DayAvailability, []string) {
	open := make(map[string]map[TimeCode]bool)
	var diagnostics []string
	for dateKey, dayparts := range raw {
		date, ok := parseProviderDate(dateKey, loc)
		if !ok {
			diagnostics = append(diagnostics, fmt.Sprintf("ignored unparseable date key %q", dateKey))
			continue
		}
		if date.Before(from) || date.After(to) {
			continue
		}
		key := date.Format(DateLayout)
		if open[key] == nil {
			open[key] = make(map[TimeCode]bool)
		}
		for partKey, value := range dayparts {
			code, ok := ParseTimeCode(partKey)
			if !ok {
				continue
			}
			if isAvailable(value) {
				open[key][code] = true
			}
		}
	}

	days := make(map[string]DayAvailability)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		key := d.Format(DateLayout)
		day := DayAvailability{Date: key, Slots: make([]ScheduleSlot, 0, len(CanonicalTimeCodes))}
		for _, code := range CanonicalTimeCodes {
			day.Slots = append(day.Slots, ScheduleSlot{
				Date:      key,
				TimeCode:  code,
				Available: open[key][code],
				Label:     code.Label(),
				FSRRef:    fsr,
			})
		}
		days[key] = day
	}
	sort.Strings(diagnostics)
	return days, diagnostics
}
