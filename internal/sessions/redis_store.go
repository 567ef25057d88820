package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultSessionTTL = 30 * 24 * time.Hour
	pendingClaim      = "pending"
)

// RedisStore keeps sessions as JSON documents. Updates use WATCH/MULTI so a
// concurrent autosave and step submission cannot overwrite each other.
type RedisStore struct {
	redis      *redis.Client
	sessionTTL time.Duration
}

// NewRedisStore creates a Redis-backed session backend.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("sessions: redis client required")
	}
	return &RedisStore{redis: client, sessionTTL: defaultSessionTTL}
}

// WithSessionTTL sets how long idle session documents are retained.
func (s *RedisStore) WithSessionTTL(ttl time.Duration) *RedisStore {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
	return s
}

func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sessions: marshal session: %w", err)
	}
	ok, err := s.redis.SetNX(ctx, sessionKey(sess.ID), data, s.sessionTTL).Result()
	if err != nil {
		return fmt.Errorf("sessions: create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("sessions: create session %s: already exists", sess.ID)
	}
	if sess.VisitorID != "" {
		if err := s.redis.Set(ctx, visitorKey(sess.InstanceID, sess.VisitorID), sess.ID, s.sessionTTL).Err(); err != nil {
			return fmt.Errorf("sessions: index visitor: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.get(ctx, s.redis, id)
}

func (s *RedisStore) get(ctx context.Context, cmd redis.Cmdable, id string) (*Session, error) {
	data, err := cmd.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("sessions: unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) FindActive(ctx context.Context, instanceID, visitorID string) (*Session, error) {
	id, err := s.redis.Get(ctx, visitorKey(instanceID, visitorID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: lookup visitor: %w", err)
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusInProgress {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	key := sessionKey(id)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var updated *Session
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			next := current.Clone()
			if err := fn(next); err != nil {
				return err
			}
			next.Version = current.Version + 1
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("sessions: marshal session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.sessionTTL)
				return nil
			})
			if err != nil {
				return err
			}
			updated = next
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("sessions: update %s: %w", id, ErrVersionConflict)
}

func (s *RedisStore) SaveResumeToken(ctx context.Context, token, sessionID string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, tokenKey(token), sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("sessions: save resume token: %w", err)
	}
	return nil
}

func (s *RedisStore) ConsumeResumeToken(ctx context.Context, token string) (string, error) {
	id, err := s.redis.GetDel(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sessions: consume resume token: %w", err)
	}
	return id, nil
}

func (s *RedisStore) ClaimStep(ctx context.Context, sessionID string, step int, ttl time.Duration) (*StepResult, error) {
	key := stepKey(sessionID, step)
	ok, err := s.redis.SetNX(ctx, key, pendingClaim, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: claim step: %w", err)
	}
	if ok {
		return nil, nil
	}
	raw, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Claim expired between SETNX and GET; try once more.
		if ok, err := s.redis.SetNX(ctx, key, pendingClaim, ttl).Result(); err == nil && ok {
			return nil, nil
		}
		return nil, ErrStepInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: read step claim: %w", err)
	}
	if raw == pendingClaim {
		return nil, ErrStepInFlight
	}
	var result StepResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("sessions: unmarshal step result: %w", err)
	}
	return &result, nil
}

func (s *RedisStore) CompleteStep(ctx context.Context, result StepResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("sessions: marshal step result: %w", err)
	}
	if err := s.redis.Set(ctx, stepKey(result.SessionID, result.Step), data, s.sessionTTL).Err(); err != nil {
		return fmt.Errorf("sessions: complete step: %w", err)
	}
	return nil
}

func (s *RedisStore) ReleaseStep(ctx context.Context, sessionID string, step int) error {
	key := stepKey(sessionID, step)
	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if raw != pendingClaim {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("sessions: release step: %w", err)
	}
	return nil
}
