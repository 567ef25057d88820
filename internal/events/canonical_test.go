package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

type badEvent struct{}

func (badEvent) EventType() string { return "" }

func TestNewEnvelope(t *testing.T) {
	fixedNow := time.Unix(0, 123456000).UTC()
	prevNow := nowFunc
	nowFunc = func() time.Time { return fixedNow }
	defer func() { nowFunc = prevNow }()

	env, err := NewEnvelope("inst-1", "sess-1", EnrollmentCompletedV1{
		SubmissionID:  "sess-1",
		AccountNumber: "12345678",
		CustomerName:  "Ada Lovelace",
		DeviceType:    "smart_thermostat",
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.EventID == uuid.Nil {
		t.Fatal("expected event id")
	}
	if env.TimestampMicros != fixedNow.UnixMicro() {
		t.Fatalf("unexpected timestamp: %d", env.TimestampMicros)
	}
	if env.EventType != TypeEnrollmentCompleted {
		t.Fatalf("unexpected type: %s", env.EventType)
	}
	if env.CorrelationID != "sess-1" {
		t.Fatalf("unexpected correlation id: %s", env.CorrelationID)
	}

	var payload map[string]string
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	want := map[string]string{
		"submission_id":  "sess-1",
		"account_number": "12345678",
		"customer_name":  "Ada Lovelace",
		"device_type":    "smart_thermostat",
	}
	for k, v := range want {
		if payload[k] != v {
			t.Fatalf("payload[%s] = %q, want %q", k, payload[k], v)
		}
	}
	if len(payload) != len(want) {
		t.Fatalf("unexpected payload keys: %v", payload)
	}
}

func TestNewEnvelopeValidation(t *testing.T) {
	if _, err := NewEnvelope("", "", AppointmentScheduledV1{}); err == nil {
		t.Fatal("expected missing aggregate error")
	}
	if _, err := NewEnvelope("inst-1", "", nil); err == nil {
		t.Fatal("expected nil event error")
	}
	if _, err := NewEnvelope("inst-1", "", badEvent{}); err == nil {
		t.Fatal("expected missing type error")
	}
}

func TestSessionEventIDsAreStable(t *testing.T) {
	first, err := NewEnvelope("inst-1", "sess-1", AppointmentScheduledV1{SubmissionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := NewEnvelope(" inst-1 ", "sess-1", AppointmentScheduledV1{SubmissionID: "sess-1", ScheduleTime: "13:00"})
	if err != nil {
		t.Fatal(err)
	}
	if first.EventID != again.EventID {
		t.Fatalf("expected republished event to keep id %s, got %s", first.EventID, again.EventID)
	}

	otherType, _ := NewEnvelope("inst-1", "sess-1", EnrollmentCompletedV1{SubmissionID: "sess-1"})
	otherSession, _ := NewEnvelope("inst-1", "sess-2", AppointmentScheduledV1{SubmissionID: "sess-2"})
	otherInstance, _ := NewEnvelope("inst-2", "sess-1", AppointmentScheduledV1{SubmissionID: "sess-1"})
	for _, env := range []Envelope{otherType, otherSession, otherInstance} {
		if env.EventID == first.EventID {
			t.Fatalf("expected distinct id for %s/%s/%s", env.Aggregate, env.CorrelationID, env.EventType)
		}
	}

	a, _ := NewEnvelope("inst-1", "", AppointmentScheduledV1{SubmissionID: "s"})
	b, _ := NewEnvelope("inst-1", "", AppointmentScheduledV1{SubmissionID: "s"})
	if a.EventID == b.EventID {
		t.Fatal("expected random ids without a session")
	}
}
