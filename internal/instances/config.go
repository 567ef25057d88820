// Package instances stores per form-instance configuration.
package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dr-enrollment/internal/scheduling"
)

// Config is the operator-managed configuration of one form instance.
type Config struct {
	ID           string          `json:"instance_id"`
	Name         string          `json:"name"`
	ProviderMode scheduling.Mode `json:"provider_mode"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// DefaultConfig returns the configuration used before an operator saves one.
// New instances run against the demo provider.
func DefaultConfig(id string) *Config {
	return &Config{ID: id, ProviderMode: scheduling.ModeDemo}
}

// Store persists instance configuration.
type Store interface {
	Get(ctx context.Context, id string) (*Config, error)
	Set(ctx context.Context, cfg *Config) error
}

// ProviderMode resolves the provider variant for an instance from store.
func ProviderMode(ctx context.Context, store Store, id string) (scheduling.Mode, error) {
	cfg, err := store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return scheduling.ParseMode(string(cfg.ProviderMode)), nil
}

// Directory adapts a Store to the wizard's provider-mode lookup.
type Directory struct {
	Store Store
}

func (d Directory) ProviderMode(ctx context.Context, id string) (scheduling.Mode, error) {
	return ProviderMode(ctx, d.Store, id)
}

// RedisStore keeps instance configs as JSON strings.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisStore creates a Redis-backed instance store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client, now: time.Now}
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("wizard:instance:%s", id)
}

// Get returns the stored config, or the default when none exists.
func (s *RedisStore) Get(ctx context.Context, id string) (*Config, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DefaultConfig(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("instances: get config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("instances: unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Set saves cfg.
func (s *RedisStore) Set(ctx context.Context, cfg *Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errors.New("instances: instance id required")
	}
	cfg.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("instances: marshal config: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(cfg.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("instances: set config: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for single-node and test deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]Config
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]Config), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return DefaultConfig(id), nil
	}
	return &cfg, nil
}

func (s *MemoryStore) Set(_ context.Context, cfg *Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errors.New("instances: instance id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = s.now().UTC()
	s.configs[cfg.ID] = *cfg
	return nil
}
