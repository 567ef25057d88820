package sessions

import (
	"context"
	"sync"
	"time"
)

type memoryToken struct {
	sessionID string
	expiresAt time.Time
}

type memoryClaim struct {
	result    *StepResult
	claimedAt time.Time
}

// MemoryStore is an in-process Backend used for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	tokens   map[string]memoryToken
	claims   map[string]memoryClaim
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		tokens:   make(map[string]memoryToken),
		claims:   make(map[string]memoryClaim),
		now:      time.Now,
	}
}

// WithClock overrides the clock used for token and claim expiry.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) FindActive(ctx context.Context, instanceID, visitorID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Session
	for _, s := range m.sessions {
		if s.InstanceID != instanceID || s.VisitorID != visitorID || s.Status != StatusInProgress {
			continue
		}
		if found == nil || s.LastActivityAt.After(found.LastActivityAt) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	return retryUpdate(ctx, id, m.Get, m.save, fn)
}

func (m *MemoryStore) save(ctx context.Context, s *Session, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expected {
		return ErrVersionConflict
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) SaveResumeToken(ctx context.Context, token, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = memoryToken{sessionID: sessionID, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) ConsumeResumeToken(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return "", ErrTokenNotFound
	}
	delete(m.tokens, token)
	if !m.now().Before(t.expiresAt) {
		return "", ErrTokenNotFound
	}
	return t.sessionID, nil
}

func (m *MemoryStore) ClaimStep(ctx context.Context, sessionID string, step int, ttl time.Duration) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey(sessionID, step)
	now := m.now()
	if c, ok := m.claims[key]; ok {
		if c.result != nil {
			cp := *c.result
			return &cp, nil
		}
		if now.Sub(c.claimedAt) < ttl {
			return nil, ErrStepInFlight
		}
	}
	m.claims[key] = memoryClaim{claimedAt: now}
	return nil, nil
}

func (m *MemoryStore) CompleteStep(ctx context.Context, result StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := result
	m.claims[stepKey(result.SessionID, result.Step)] = memoryClaim{result: &r, claimedAt: m.now()}
	return nil
}

func (m *MemoryStore) ReleaseStep(ctx context.Context, sessionID string, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey(sessionID, step)
	if c, ok := m.claims[key]; ok && c.result == nil {
		delete(m.claims, key)
	}
	return nil
}
