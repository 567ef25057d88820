package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CanonicalEvent is a wizard fact worth telling downstream systems about.
type CanonicalEvent interface {
	EventType() string
}

// Envelope is the wire shape shared by the log, outbox and SQS sinks.
// Aggregate is the form instance; CorrelationID is the wizard session.
type Envelope struct {
	EventID         uuid.UUID       `json:"event_id"`
	EventType       string          `json:"event_type"`
	Aggregate       string          `json:"aggregate"`
	TimestampMicros int64           `json:"timestamp"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// eventNamespace seeds name-based ids for session-scoped events.
var eventNamespace = uuid.MustParse("5b0f3c9e-64d1-4b8e-9a57-1f2d6c0e7a41")

var (
	errMissingAggregate = errors.New("events: aggregate is required")
	errNilEvent         = errors.New("events: canonical event required")
	nowFunc             = time.Now
)

// eventID names an event. A session emits each event type at most once, so
// session-scoped events get a stable id and a republished copy collapses onto
// the original in the outbox and at consumers. Events with no session get a
// random id.
func eventID(aggregate, sessionID, eventType string) uuid.UUID {
	if sessionID == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(eventNamespace, []byte(aggregate+"/"+sessionID+"/"+eventType))
}

// NewEnvelope wraps evt for a form instance and the session that produced it.
func NewEnvelope(instanceID, sessionID string, evt CanonicalEvent) (Envelope, error) {
	aggregate := strings.TrimSpace(instanceID)
	if aggregate == "" {
		return Envelope{}, errMissingAggregate
	}
	if evt == nil {
		return Envelope{}, errNilEvent
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return Envelope{}, fmt.Errorf("events: event type missing")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	sessionID = strings.TrimSpace(sessionID)
	return Envelope{
		EventID:         eventID(aggregate, sessionID, eventType),
		EventType:       eventType,
		Aggregate:       aggregate,
		TimestampMicros: nowFunc().UTC().UnixMicro(),
		CorrelationID:   sessionID,
		Payload:         payload,
	}, nil
}
