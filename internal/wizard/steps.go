package wizard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wolfman30/dr-enrollment/internal/scheduling"
	"github.com/wolfman30/dr-enrollment/internal/sessions"
)

// stepKind selects the side effect, if any, attached to a step transition.
type stepKind int

const (
	kindPlain stepKind = iota
	kindDevice
	kindAccount
	kindFinalize
	kindSchedule
)

// StepDef describes one wizard page.
type StepDef struct {
	Number int
	Key    string
	Title  string
	Fields []string
	kind   stepKind
}

// Field keys written by the controller rather than the visitor.
const (
	keyAccountValidated = "account_validated"
	keyCANo             = "ca_no"
	keyComvergeNo       = "comverge_no"
	keyFSRNo            = "fsr_no"
	keyConfirmationNo   = "confirmation_no"
	keyAlreadyScheduled = "already_scheduled"
	keyEnrolledAt       = "enrolled_at"
)

var deviceTypes = map[string]bool{
	"smart_thermostat":    true,
	"ac_switch":           true,
	"water_heater_switch": true,
	"pool_pump_switch":    true,
}

var (
	digitsOnly = regexp.MustCompile(`^[0-9]+$`)
	zipPattern = regexp.MustCompile(`^[0-9]{5}$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s.]+$`)
	stateRe    = regexp.MustCompile(`^[A-Z]{2}$`)
)

func scheduleStep(n int) StepDef {
	return StepDef{Number: n, Key: "schedule", Title: "Schedule your installation", Fields: []string{"schedule_date", "schedule_time"}, kind: kindSchedule}
}

var formSteps = map[sessions.FormType][]StepDef{
	sessions.FormEnrollment: {
		{Number: 1, Key: "device", Title: "Choose your device", Fields: []string{"device_type", "promo_code"}, kind: kindDevice},
		{Number: 2, Key: "account", Title: "Verify your utility account", Fields: []string{"account_number", "zip_code"}, kind: kindAccount},
		{Number: 3, Key: "customer", Title: "Contact details", Fields: []string{"first_name", "last_name", "email", "phone"}, kind: kindPlain},
		{Number: 4, Key: "property", Title: "Service address", Fields: []string{"street", "city", "state", "service_zip", "ownership", "landlord_permission", "thermostat_count"}, kind: kindFinalize},
		scheduleStep(5),
	},
	sessions.FormScheduler: {
		{Number: 1, Key: "lookup", Title: "Find your enrollment", Fields: []string{"account_number", "zip_code", "fsr_no"}, kind: kindAccount},
		scheduleStep(2),
	},
}

// stepsFor returns the step definitions for a form type.
func stepsFor(form sessions.FormType) []StepDef {
	return formSteps[form]
}

// TotalSteps returns the number of steps for a form type.
func TotalSteps(form sessions.FormType) int {
	return len(stepsFor(form))
}

// IsFormField reports whether key is a visitor-entered field on the form.
// Controller-written keys such as account_validated are never form fields.
func IsFormField(form sessions.FormType, key string) bool {
	for _, def := range stepsFor(form) {
		for _, name := range def.Fields {
			if name == key {
				return true
			}
		}
	}
	return false
}

// IsOpenField reports whether key belongs to a step at or after currentStep.
// Fields of submitted steps were validated with that step and stay closed
// until an edit jump-back moves currentStep back.
func IsOpenField(form sessions.FormType, key string, currentStep int) bool {
	for _, def := range stepsFor(form) {
		if def.Number < currentStep {
			continue
		}
		for _, name := range def.Fields {
			if name == key {
				return true
			}
		}
	}
	return false
}

func stepDef(form sessions.FormType, step int) (StepDef, bool) {
	steps := stepsFor(form)
	if step < 1 || step > len(steps) {
		return StepDef{}, false
	}
	return steps[step-1], true
}

func stripSeparators(v string) string {
	return strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "+", "").Replace(v)
}

// pick keeps only the step's own fields, trimmed.
func pick(def StepDef, fields map[string]string) map[string]string {
	out := make(map[string]string, len(def.Fields))
	for _, name := range def.Fields {
		if v, ok := fields[name]; ok {
			out[name] = strings.TrimSpace(v)
		}
	}
	return out
}

// normalizeAndValidate canonicalizes the step's fields and returns per-field
// problems. The session supplies values from earlier steps for conditional rules.
func normalizeAndValidate(def StepDef, in map[string]string, sess *sessions.Session) (map[string]string, map[string]string) {
	values := pick(def, in)
	problems := map[string]string{}
	need := func(name string) bool {
		if values[name] == "" {
			problems[name] = "required"
			return false
		}
		return true
	}

	switch def.kind {
	case kindDevice:
		if need("device_type") {
			values["device_type"] = strings.ToLower(values["device_type"])
			if !deviceTypes[values["device_type"]] {
				problems["device_type"] = "unsupported device type"
			}
		}
		values["promo_code"] = strings.ToUpper(values["promo_code"])

	case kindAccount:
		if need("account_number") {
			acct := stripSeparators(values["account_number"])
			values["account_number"] = acct
			if !digitsOnly.MatchString(acct) || len(acct) < 6 || len(acct) > 20 {
				problems["account_number"] = "must be 6 to 20 digits"
			}
		}
		if need("zip_code") && !zipPattern.MatchString(values["zip_code"]) {
			problems["zip_code"] = "must be 5 digits"
		}

	case kindPlain:
		for _, name := range []string{"first_name", "last_name"} {
			if need(name) && len([]rune(values[name])) > 60 {
				problems[name] = "must be at most 60 characters"
			}
		}
		if need("email") {
			values["email"] = strings.ToLower(values["email"])
			if !emailRe.MatchString(values["email"]) {
				problems["email"] = "invalid email address"
			}
		}
		if need("phone") {
			phone := stripSeparators(values["phone"])
			if len(phone) == 11 && strings.HasPrefix(phone, "1") {
				phone = phone[1:]
			}
			values["phone"] = phone
			if !digitsOnly.MatchString(phone) || len(phone) != 10 {
				problems["phone"] = "must be a 10 digit phone number"
			}
		}

	case kindFinalize:
		need("street")
		need("city")
		if need("state") {
			values["state"] = strings.ToUpper(values["state"])
			if !stateRe.MatchString(values["state"]) {
				problems["state"] = "must be a 2 letter state code"
			}
		}
		if need("service_zip") && !zipPattern.MatchString(values["service_zip"]) {
			problems["service_zip"] = "must be 5 digits"
		}
		if need("ownership") {
			values["ownership"] = strings.ToLower(values["ownership"])
			switch values["ownership"] {
			case "own":
				delete(values, "landlord_permission")
			case "rent":
				if strings.ToLower(values["landlord_permission"]) != "yes" {
					problems["landlord_permission"] = "landlord permission is required for rented properties"
				} else {
					values["landlord_permission"] = "yes"
				}
			default:
				problems["ownership"] = "must be own or rent"
			}
		}
		if sess.Value("device_type") == "smart_thermostat" {
			if need("thermostat_count") {
				n, err := strconv.Atoi(values["thermostat_count"])
				if err != nil || n < 1 || n > 9 {
					problems["thermostat_count"] = "must be between 1 and 9"
				}
			}
		} else {
			delete(values, "thermostat_count")
		}

	case kindSchedule:
		date, code := values["schedule_date"], values["schedule_time"]
		if date == "" && code == "" {
			// Completion against an existing appointment carries no fields.
			break
		}
		if need("schedule_date") {
			if _, err := parseScheduleDate(date); err != nil {
				problems["schedule_date"] = "must be YYYY-MM-DD"
			}
		}
		if need("schedule_time") {
			tc, ok := scheduling.ParseTimeCode(code)
			if !ok {
				problems["schedule_time"] = "must be one of AM, MD, PM, EV"
			} else {
				values["schedule_time"] = string(tc)
			}
		}
	}

	for k, v := range values {
		if v == "" {
			delete(values, k)
		}
	}
	return values, problems
}

func parseScheduleDate(raw string) (string, error) {
	if len(raw) != len(scheduling.DateLayout) {
		return "", fmt.Errorf("wizard: bad date %q", raw)
	}
	if _, err := scheduling.DefaultPolicy().ParseDate(raw); err != nil {
		return "", err
	}
	return raw, nil
}
