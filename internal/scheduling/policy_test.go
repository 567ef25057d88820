package scheduling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_EarliestDate_LeadTimeTable(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		today string
		want  string
	}{
		{"2026-10-11", "2026-10-14"}, // Sunday +3
		{"2026-10-12", "2026-10-15"}, // Monday +3
		{"2026-10-13", "2026-10-16"}, // Tuesday +3
		{"2026-10-14", "2026-10-19"}, // Wednesday +5
		{"2026-10-15", "2026-10-20"}, // Thursday +5
		{"2026-10-16", "2026-10-21"}, // Friday +5
		{"2026-10-17", "2026-10-21"}, // Saturday +4
	}
	for _, tc := range cases {
		t.Run(tc.today, func(t *testing.T) {
			now, err := time.Parse(DateLayout, tc.today)
			if err != nil {
				t.Fatal(err)
			}
			now = now.Add(15 * time.Hour)
			assert.Equal(t, tc.want, p.EarliestDate(now).Format(DateLayout))
		})
	}
}

func TestPolicy_TodayUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	p := DefaultPolicy()
	p.Location = loc

	// 03:00 UTC Thursday is still Wednesday evening in Chicago.
	now := time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-10-14", p.Today(now).Format(DateLayout))
	assert.Equal(t, "2026-10-19", p.EarliestDate(now).Format(DateLayout))
}

func TestPolicy_LeadTimeOffsetOverride(t *testing.T) {
	p := DefaultPolicy()
	p.LeadTimes = [7]int{1, 1, 1, 1, 1, 1, 1}
	assert.Equal(t, 1, p.LeadTimeOffset(time.Wednesday))
}
