package enrollment

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// DemoSubmitter issues deterministic identifiers without a backend. It is
// used when no enrollment endpoint is configured.
type DemoSubmitter struct{}

// NewDemoSubmitter creates a synthetic submitter.
func NewDemoSubmitter() *DemoSubmitter { return &DemoSubmitter{} }

func demoRef(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:10])
}

func (DemoSubmitter) Submit(_ context.Context, sub Submission) (*Result, error) {
	acct := strings.TrimSpace(sub.AccountNumber)
	return &Result{
		FSRNo:      "FSR-" + demoRef(sub.SessionID, acct),
		CANo:       "CA" + acct,
		ComvergeNo: "CV" + acct,
	}, nil
}

func (DemoSubmitter) BookAppointment(_ context.Context, req AppointmentRequest) (*AppointmentResult, error) {
	fsr := req.FSRNo
	if fsr == "" {
		fsr = "FSR-" + demoRef(req.SessionID, req.AccountRef)
	}
	return &AppointmentResult{
		ConfirmationNo: "CNF-" + demoRef(req.SessionID, req.Date, string(req.TimeCode)),
		FSRNo:          fsr,
		Date:           req.Date,
		TimeCode:       req.TimeCode,
	}, nil
}
