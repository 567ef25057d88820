// Package sessions holds the wizard session record and its persistence backends.
package sessions

import (
	"sort"
	"time"
)

// FormType selects which wizard a session runs.
type FormType string

const (
	FormEnrollment FormType = "enrollment"
	FormScheduler  FormType = "scheduler"
)

// Valid reports whether the form type is known.
func (f FormType) Valid() bool {
	return f == FormEnrollment || f == FormScheduler
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
	StatusFailed     Status = "failed"
)

// Field is one collected value with the time it was captured. The timestamp
// drives last-write-wins merging between autosave and step submission.
type Field struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one visitor's pass through a form instance.
type Session struct {
	ID             string           `json:"id"`
	InstanceID     string           `json:"instance_id"`
	VisitorID      string           `json:"visitor_id,omitempty"`
	FormType       FormType         `json:"form_type"`
	ProviderMode   string           `json:"provider_mode"`
	TotalSteps     int              `json:"total_steps"`
	CurrentStep    int              `json:"current_step"`
	Data           map[string]Field `json:"collected_data"`
	Status         Status           `json:"status"`
	Version        int64            `json:"version"`
	ResumeToken    string           `json:"resume_token,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

// Terminal reports whether the session can no longer be driven forward.
// Failed sessions are not terminal: the failing step may be retried.
func (s *Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusAbandoned
}

// Merge applies values captured at ts. A key is only overwritten when ts is
// not older than the stored write; equal timestamps resolve by comparing the
// values, so the final state does not depend on arrival order. Keys are never
// removed. Returns the keys that changed.
func (s *Session) Merge(values map[string]string, ts time.Time) []string {
	if s.Data == nil {
		s.Data = make(map[string]Field, len(values))
	}
	ts = ts.UTC()
	var changed []string
	for key, value := range values {
		existing, ok := s.Data[key]
		if ok {
			if existing.UpdatedAt.After(ts) {
				continue
			}
			if existing.UpdatedAt.Equal(ts) && existing.Value >= value {
				continue
			}
		}
		s.Data[key] = Field{Value: value, UpdatedAt: ts}
		changed = append(changed, key)
	}
	sort.Strings(changed)
	return changed
}

// Value returns the collected value for key, or "".
func (s *Session) Value(key string) string {
	if s == nil || s.Data == nil {
		return ""
	}
	return s.Data[key].Value
}

// Values flattens the collected data into plain key/value pairs.
func (s *Session) Values() map[string]string {
	out := make(map[string]string, len(s.Data))
	for k, f := range s.Data {
		out[k] = f.Value
	}
	return out
}

// Clone returns a deep copy safe to mutate.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = make(map[string]Field, len(s.Data))
	for k, v := range s.Data {
		cp.Data[k] = v
	}
	return &cp
}

// StepResult is the stored outcome of a side-effecting step transition,
// replayed on duplicate submission of the same (session, step).
type StepResult struct {
	SessionID   string            `json:"session_id"`
	Step        int               `json:"step"`
	NextStep    int               `json:"next_step"`
	Payload     map[string]string `json:"payload"`
	CompletedAt time.Time         `json:"completed_at"`
}
