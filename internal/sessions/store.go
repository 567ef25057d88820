package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no session matches.
	ErrNotFound = errors.New("sessions: not found")
	// ErrVersionConflict is returned when a concurrent write won the compare-and-set.
	ErrVersionConflict = errors.New("sessions: version conflict")
	// ErrTokenNotFound is returned when a resume token is unknown, expired or already consumed.
	ErrTokenNotFound = errors.New("sessions: resume token not found")
	// ErrStepInFlight is returned when another request holds the claim for a step.
	ErrStepInFlight = errors.New("sessions: step submission in flight")
)

// maxUpdateAttempts bounds compare-and-set retries in Update.
const maxUpdateAttempts = 8

// UpdateFunc mutates a session copy. Returning an error aborts the update.
type UpdateFunc func(*Session) error

// Store persists sessions. Update is the only mutation path after Create and
// runs fn under a per-session mutual-exclusion window (compare-and-set on Version).
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	FindActive(ctx context.Context, instanceID, visitorID string) (*Session, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error)
}

// TokenStore keeps single-use resume tokens.
type TokenStore interface {
	SaveResumeToken(ctx context.Context, token, sessionID string, ttl time.Duration) error
	// ConsumeResumeToken atomically removes the token and returns its session ID.
	ConsumeResumeToken(ctx context.Context, token string) (string, error)
}

// Ledger records side-effecting step results so a repeated submission replays
// the recorded outcome instead of repeating the side effect.
type Ledger interface {
	// ClaimStep returns (nil, nil) when the caller now owns the step, the stored
	// result when the step already completed, or ErrStepInFlight.
	ClaimStep(ctx context.Context, sessionID string, step int, ttl time.Duration) (*StepResult, error)
	CompleteStep(ctx context.Context, result StepResult) error
	ReleaseStep(ctx context.Context, sessionID string, step int) error
}

// Backend bundles the three persistence concerns every implementation provides.
type Backend interface {
	Store
	TokenStore
	Ledger
}

// retryUpdate runs load/apply/save until save stops reporting a version conflict.
func retryUpdate(ctx context.Context, id string, load func(context.Context, string) (*Session, error), save func(context.Context, *Session, int64) error, fn UpdateFunc) (*Session, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Version = current.Version + 1
		err = save(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("sessions: update %s: %w", id, ErrVersionConflict)
}
