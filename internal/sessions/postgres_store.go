package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists sessions, resume tokens and step results in Postgres.
type PostgresStore struct {
	pool pgExecutor
	now  func() time.Time
}

// NewPostgresStore initializes a store backed by pgxpool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("sessions: pgx pool required")
	}
	return &PostgresStore{pool: pool, now: time.Now}
}

func newPostgresStoreWithExec(exec pgExecutor, now func() time.Time) *PostgresStore {
	if exec == nil {
		panic("sessions: exec required")
	}
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{pool: exec, now: now}
}

const selectSessionColumns = `
	SELECT id, instance_id, visitor_id, form_type, provider_mode, total_steps, current_step,
	       collected_data, status, version, resume_token, created_at, last_activity_at
	FROM wizard_sessions
`

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess.Data)
	if err != nil {
		return fmt.Errorf("sessions: marshal collected data: %w", err)
	}
	query := `
		INSERT INTO wizard_sessions (id, instance_id, visitor_id, form_type, provider_mode, total_steps,
			current_step, collected_data, status, version, resume_token, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := s.pool.Exec(ctx, query,
		sess.ID,
		sess.InstanceID,
		sess.VisitorID,
		string(sess.FormType),
		sess.ProviderMode,
		sess.TotalSteps,
		sess.CurrentStep,
		data,
		string(sess.Status),
		sess.Version,
		sess.ResumeToken,
		sess.CreatedAt,
		sess.LastActivityAt,
	); err != nil {
		return fmt.Errorf("sessions: insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.scan(s.pool.QueryRow(ctx, selectSessionColumns+` WHERE id = $1`, id))
}

func (s *PostgresStore) FindActive(ctx context.Context, instanceID, visitorID string) (*Session, error) {
	query := selectSessionColumns + `
		WHERE instance_id = $1 AND visitor_id = $2 AND status = 'in_progress'
		ORDER BY last_activity_at DESC
		LIMIT 1
	`
	return s.scan(s.pool.QueryRow(ctx, query, instanceID, visitorID))
}

func (s *PostgresStore) scan(row pgx.Row) (*Session, error) {
	var (
		sess     Session
		formType string
		status   string
		data     []byte
	)
	if err := row.Scan(
		&sess.ID,
		&sess.InstanceID,
		&sess.VisitorID,
		&formType,
		&sess.ProviderMode,
		&sess.TotalSteps,
		&sess.CurrentStep,
		&data,
		&status,
		&sess.Version,
		&sess.ResumeToken,
		&sess.CreatedAt,
		&sess.LastActivityAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: select session: %w", err)
	}
	sess.FormType = FormType(formType)
	sess.Status = Status(status)
	sess.Data = make(map[string]Field)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sess.Data); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal collected data: %w", err)
		}
	}
	return &sess, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	return retryUpdate(ctx, id, s.Get, s.save, fn)
}

func (s *PostgresStore) save(ctx context.Context, sess *Session, expected int64) error {
	data, err := json.Marshal(sess.Data)
	if err != nil {
		return fmt.Errorf("sessions: marshal collected data: %w", err)
	}
	query := `
		UPDATE wizard_sessions
		SET current_step = $1, collected_data = $2, status = $3, version = $4,
		    resume_token = $5, last_activity_at = $6
		WHERE id = $7 AND version = $8
	`
	ct, err := s.pool.Exec(ctx, query,
		sess.CurrentStep,
		data,
		string(sess.Status),
		sess.Version,
		sess.ResumeToken,
		sess.LastActivityAt,
		sess.ID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("sessions: update session: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) SaveResumeToken(ctx context.Context, token, sessionID string, ttl time.Duration) error {
	query := `
		INSERT INTO resume_tokens (token, session_id, expires_at)
		VALUES ($1, $2, $3)
	`
	if _, err := s.pool.Exec(ctx, query, token, sessionID, s.now().Add(ttl).UTC()); err != nil {
		return fmt.Errorf("sessions: insert resume token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeResumeToken(ctx context.Context, token string) (string, error) {
	query := `
		DELETE FROM resume_tokens
		WHERE token = $1 AND expires_at > $2
		RETURNING session_id
	`
	var sessionID string
	if err := s.pool.QueryRow(ctx, query, token, s.now().UTC()).Scan(&sessionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("sessions: consume resume token: %w", err)
	}
	return sessionID, nil
}

func (s *PostgresStore) ClaimStep(ctx context.Context, sessionID string, step int, ttl time.Duration) (*StepResult, error) {
	now := s.now().UTC()
	insert := `
		INSERT INTO step_results (session_id, step, status, claimed_at)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (session_id, step) DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, insert, sessionID, step, now)
	if err != nil {
		return nil, fmt.Errorf("sessions: claim step: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil, nil
	}

	var (
		status  string
		payload []byte
	)
	query := `SELECT status, payload FROM step_results WHERE session_id = $1 AND step = $2`
	if err := s.pool.QueryRow(ctx, query, sessionID, step).Scan(&status, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStepInFlight
		}
		return nil, fmt.Errorf("sessions: read step claim: %w", err)
	}
	if status == "completed" {
		var result StepResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("sessions: unmarshal step result: %w", err)
		}
		return &result, nil
	}

	// Take over a pending claim whose owner never finished.
	reclaim := `
		UPDATE step_results SET claimed_at = $3
		WHERE session_id = $1 AND step = $2 AND status = 'pending' AND claimed_at < $4
	`
	ct, err = s.pool.Exec(ctx, reclaim, sessionID, step, now, now.Add(-ttl))
	if err != nil {
		return nil, fmt.Errorf("sessions: reclaim step: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil, nil
	}
	return nil, ErrStepInFlight
}

func (s *PostgresStore) CompleteStep(ctx context.Context, result StepResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("sessions: marshal step result: %w", err)
	}
	query := `
		INSERT INTO step_results (session_id, step, status, payload, claimed_at, completed_at)
		VALUES ($1, $2, 'completed', $3, $4, $4)
		ON CONFLICT (session_id, step)
		DO UPDATE SET status = 'completed', payload = EXCLUDED.payload, completed_at = EXCLUDED.completed_at
	`
	if _, err := s.pool.Exec(ctx, query, result.SessionID, result.Step, payload, result.CompletedAt.UTC()); err != nil {
		return fmt.Errorf("sessions: complete step: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseStep(ctx context.Context, sessionID string, step int) error {
	query := `DELETE FROM step_results WHERE session_id = $1 AND step = $2 AND status = 'pending'`
	if _, err := s.pool.Exec(ctx, query, sessionID, step); err != nil {
		return fmt.Errorf("sessions: release step: %w", err)
	}
	return nil
}
