package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	SessionStore  string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	Timezone      string

	// Remote scheduling backend
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	// Remote enrollment-submission backend
	EnrollmentBaseURL string
	EnrollmentAPIKey  string
	EnrollmentTimeout time.Duration

	// Per-instance provider request budget
	RateLimiter       string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	ScheduleWindowDays int
	SlotsPerDay        int
	LeadTimeTable      [7]int

	AutosaveFlushInterval time.Duration
	ResumeTokenTTL        time.Duration

	AdminJWTSecret     string
	CORSAllowedOrigins []string
	PublicRateLimitRPS float64

	// Domain event sink: log, outbox or sqs
	EventSink           string
	EventQueueURL       string
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// DefaultLeadTimeTable maps weekday (Sunday=0) to the minimum appointment offset in days.
var DefaultLeadTimeTable = [7]int{3, 3, 3, 5, 5, 5, 4}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		SessionStore:  strings.ToLower(strings.TrimSpace(getEnv("SESSION_STORE", "memory"))),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		Timezone:      getEnv("TIMEZONE", "America/New_York"),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", ""),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		ProviderTimeout: getEnvAsDuration("PROVIDER_TIMEOUT", 10*time.Second),

		EnrollmentBaseURL: getEnv("ENROLLMENT_BASE_URL", ""),
		EnrollmentAPIKey:  getEnv("ENROLLMENT_API_KEY", ""),
		EnrollmentTimeout: getEnvAsDuration("ENROLLMENT_TIMEOUT", 20*time.Second),

		RateLimiter:       strings.ToLower(strings.TrimSpace(getEnv("RATE_LIMITER", "memory"))),
		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),

		ScheduleWindowDays: getEnvAsInt("SCHEDULE_WINDOW_DAYS", 30),
		SlotsPerDay:        getEnvAsInt("SLOTS_PER_DAY", 4),
		LeadTimeTable:      getEnvAsLeadTimes("LEAD_TIME_TABLE", DefaultLeadTimeTable),

		AutosaveFlushInterval: getEnvAsDuration("AUTOSAVE_FLUSH_INTERVAL", 15*time.Second),
		ResumeTokenTTL:        getEnvAsDuration("RESUME_TOKEN_TTL", 72*time.Hour),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		PublicRateLimitRPS: getEnvAsFloat("PUBLIC_RATE_LIMIT_RPS", 10),

		EventSink:           strings.ToLower(strings.TrimSpace(getEnv("EVENT_SINK", "log"))),
		EventQueueURL:       getEnv("EVENT_QUEUE_URL", ""),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// Validate reports configuration combinations that cannot start.
func (c *Config) Validate() error {
	switch c.SessionStore {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("config: SESSION_STORE=redis requires REDIS_ADDR")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("config: SESSION_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown SESSION_STORE %q", c.SessionStore)
	}
	if c.RateLimiter == "redis" && strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("config: RATE_LIMITER=redis requires REDIS_ADDR")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: rate limit budget and window must be positive")
	}
	switch c.EventSink {
	case "log":
	case "outbox":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("config: EVENT_SINK=outbox requires DATABASE_URL")
		}
	case "sqs":
		if strings.TrimSpace(c.EventQueueURL) == "" {
			return fmt.Errorf("config: EVENT_SINK=sqs requires EVENT_QUEUE_URL")
		}
	default:
		return fmt.Errorf("config: unknown EVENT_SINK %q", c.EventSink)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured wizard timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvAsLeadTimes parses seven comma-separated non-negative offsets, Sunday first.
// Anything malformed keeps the default table.
func getEnvAsLeadTimes(key string, defaultValue [7]int) [7]int {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 7 {
		return defaultValue
	}
	var table [7]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return defaultValue
		}
		table[i] = n
	}
	return table
}
