package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/dr-enrollment/internal/config"
	"github.com/wolfman30/dr-enrollment/internal/enrollment"
	"github.com/wolfman30/dr-enrollment/internal/instances"
	"github.com/wolfman30/dr-enrollment/internal/scheduling"
	"github.com/wolfman30/dr-enrollment/internal/sessions"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// ConnectPostgresPool opens a pool for databaseURL. An empty URL returns nil.
func ConnectPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("postgres connected")
	return pool, nil
}

// BuildSessionStore selects the session backend named by SESSION_STORE.
func BuildSessionStore(cfg *appconfig.Config, redisClient *redis.Client, pool *pgxpool.Pool) (sessions.Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	switch cfg.SessionStore {
	case "", "memory":
		return sessions.NewMemoryStore(), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("bootstrap: redis session store requires a reachable redis")
		}
		return sessions.NewRedisStore(redisClient), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: postgres session store requires DATABASE_URL")
		}
		return sessions.NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown session store %q", cfg.SessionStore)
	}
}

// BuildInstanceStore returns the Redis-backed instance config store when Redis
// is available and an in-process store otherwise.
func BuildInstanceStore(redisClient *redis.Client) instances.Store {
	if redisClient == nil {
		return instances.NewMemoryStore()
	}
	return instances.NewRedisStore(redisClient)
}

// BuildProviderLimiter returns the per-instance provider request budget.
func BuildProviderLimiter(cfg *appconfig.Config, redisClient *redis.Client) scheduling.RateLimiter {
	if cfg.RateLimiter == "redis" && redisClient != nil {
		return scheduling.NewRedisRateLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	return scheduling.NewMemoryRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
}

// BuildSubmitter returns the remote enrollment client, or the demo submitter
// when no enrollment backend is configured.
func BuildSubmitter(cfg *appconfig.Config, logger *logging.Logger) enrollment.Submitter {
	if strings.TrimSpace(cfg.EnrollmentBaseURL) == "" {
		if logger != nil {
			logger.Warn("ENROLLMENT_BASE_URL not set; using demo enrollment submitter")
		}
		return enrollment.NewDemoSubmitter()
	}
	return enrollment.NewClient(cfg.EnrollmentBaseURL, cfg.EnrollmentAPIKey, cfg.EnrollmentTimeout, logger)
}

// BuildPolicy turns configuration into the slot resolver policy.
func BuildPolicy(cfg *appconfig.Config) scheduling.Policy {
	policy := scheduling.DefaultPolicy()
	policy.LeadTimes = cfg.LeadTimeTable
	if cfg.ScheduleWindowDays > 0 {
		policy.WindowDays = cfg.ScheduleWindowDays
	}
	if cfg.SlotsPerDay > 0 {
		policy.SlotsPerDay = cfg.SlotsPerDay
	}
	policy.Location = cfg.Location()
	return policy
}
