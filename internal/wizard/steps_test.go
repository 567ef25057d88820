package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/dr-enrollment/internal/sessions"
)

func sessionWith(values map[string]string) *sessions.Session {
	s := &sessions.Session{Data: map[string]sessions.Field{}}
	s.Merge(values, fixedNow)
	return s
}

func TestStepsForForms(t *testing.T) {
	assert.Equal(t, 5, TotalSteps(sessions.FormEnrollment))
	assert.Equal(t, 2, TotalSteps(sessions.FormScheduler))
	assert.Zero(t, TotalSteps(sessions.FormType("other")))

	for _, form := range []sessions.FormType{sessions.FormEnrollment, sessions.FormScheduler} {
		steps := stepsFor(form)
		for i, def := range steps {
			assert.Equal(t, i+1, def.Number)
		}
		assert.Equal(t, kindSchedule, steps[len(steps)-1].kind, "%s ends on scheduling", form)
	}

	_, ok := stepDef(sessions.FormEnrollment, 0)
	assert.False(t, ok)
	_, ok = stepDef(sessions.FormEnrollment, 6)
	assert.False(t, ok)
}

func TestNormalizeAndValidate(t *testing.T) {
	device, _ := stepDef(sessions.FormEnrollment, 1)
	account, _ := stepDef(sessions.FormEnrollment, 2)
	customer, _ := stepDef(sessions.FormEnrollment, 3)
	property, _ := stepDef(sessions.FormEnrollment, 4)
	sched, _ := stepDef(sessions.FormEnrollment, 5)

	cases := []struct {
		name     string
		def      StepDef
		in       map[string]string
		prior    map[string]string
		want     map[string]string
		problems []string
	}{
		{
			name: "device lowercased and promo uppercased",
			def:  device,
			in:   map[string]string{"device_type": " AC_Switch ", "promo_code": "save25"},
			want: map[string]string{"device_type": "ac_switch", "promo_code": "SAVE25"},
		},
		{
			name:     "device required",
			def:      device,
			in:       map[string]string{},
			want:     map[string]string{},
			problems: []string{"device_type"},
		},
		{
			name: "fields outside the step are dropped",
			def:  account,
			in:   map[string]string{"account_number": "123 456 789", "zip_code": "75001", "email": "x@y.z"},
			want: map[string]string{"account_number": "123456789", "zip_code": "75001"},
		},
		{
			name:     "short account",
			def:      account,
			in:       map[string]string{"account_number": "12345", "zip_code": "75001"},
			want:     map[string]string{"account_number": "12345", "zip_code": "75001"},
			problems: []string{"account_number"},
		},
		{
			name:     "bad email and phone",
			def:      customer,
			in:       map[string]string{"first_name": "A", "last_name": "B", "email": "nope", "phone": "555-0100"},
			want:     map[string]string{"first_name": "A", "last_name": "B", "email": "nope", "phone": "5550100"},
			problems: []string{"email", "phone"},
		},
		{
			name:  "owner drops landlord permission and count for switches",
			def:   property,
			prior: map[string]string{"device_type": "ac_switch"},
			in:    map[string]string{"street": "1 Main", "city": "Dallas", "state": "tx", "service_zip": "75001", "ownership": "OWN", "landlord_permission": "yes", "thermostat_count": "3"},
			want:  map[string]string{"street": "1 Main", "city": "Dallas", "state": "TX", "service_zip": "75001", "ownership": "own"},
		},
		{
			name:  "renter with permission",
			def:   property,
			prior: map[string]string{"device_type": "smart_thermostat"},
			in:    map[string]string{"street": "1 Main", "city": "Dallas", "state": "TX", "service_zip": "75001", "ownership": "rent", "landlord_permission": "YES", "thermostat_count": "1"},
			want:  map[string]string{"street": "1 Main", "city": "Dallas", "state": "TX", "service_zip": "75001", "ownership": "rent", "landlord_permission": "yes", "thermostat_count": "1"},
		},
		{
			name:     "thermostat count out of range",
			def:      property,
			prior:    map[string]string{"device_type": "smart_thermostat"},
			in:       map[string]string{"street": "1 Main", "city": "Dallas", "state": "TX", "service_zip": "75001", "ownership": "own", "thermostat_count": "12"},
			want:     map[string]string{"street": "1 Main", "city": "Dallas", "state": "TX", "service_zip": "75001", "ownership": "own", "thermostat_count": "12"},
			problems: []string{"thermostat_count"},
		},
		{
			name: "schedule time alias canonicalized",
			def:  sched,
			in:   map[string]string{"schedule_date": "2026-10-19", "schedule_time": "midday"},
			want: map[string]string{"schedule_date": "2026-10-19", "schedule_time": "MD"},
		},
		{
			name: "empty schedule is a completion against an existing appointment",
			def:  sched,
			in:   map[string]string{},
			want: map[string]string{},
		},
		{
			name:     "schedule half filled",
			def:      sched,
			in:       map[string]string{"schedule_date": "2026-10-19"},
			want:     map[string]string{"schedule_date": "2026-10-19"},
			problems: []string{"schedule_time"},
		},
		{
			name:     "schedule bad date",
			def:      sched,
			in:       map[string]string{"schedule_date": "10/19/2026", "schedule_time": "AM"},
			want:     map[string]string{"schedule_date": "10/19/2026", "schedule_time": "AM"},
			problems: []string{"schedule_date"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, problems := normalizeAndValidate(tc.def, tc.in, sessionWith(tc.prior))
			assert.Equal(t, tc.want, got)
			var keys []string
			for k := range problems {
				keys = append(keys, k)
			}
			assert.ElementsMatch(t, tc.problems, keys)
		})
	}
}

func TestIsFormField(t *testing.T) {
	assert.True(t, IsFormField(sessions.FormEnrollment, "email"))
	assert.True(t, IsFormField(sessions.FormScheduler, "fsr_no"))
	assert.False(t, IsFormField(sessions.FormEnrollment, "fsr_no"))
	assert.False(t, IsFormField(sessions.FormEnrollment, "account_validated"))
	assert.False(t, IsFormField(sessions.FormScheduler, "email"))
}

func TestIsOpenField(t *testing.T) {
	assert.True(t, IsOpenField(sessions.FormEnrollment, "account_number", 2))
	assert.False(t, IsOpenField(sessions.FormEnrollment, "account_number", 3))
	assert.False(t, IsOpenField(sessions.FormEnrollment, "device_type", 3))
	assert.True(t, IsOpenField(sessions.FormEnrollment, "email", 3))
	assert.True(t, IsOpenField(sessions.FormEnrollment, "service_zip", 3))
	assert.True(t, IsOpenField(sessions.FormEnrollment, "schedule_date", 5))
	assert.False(t, IsOpenField(sessions.FormEnrollment, "account_validated", 1))
	assert.False(t, IsOpenField(sessions.FormScheduler, "account_number", 2))
}
