package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Queue configuration
	MinSessionMinutes int
	MaxSessionMinutes int
	CandidateScanPage int

	// Priority configuration
	WaitCreditPerMinute float64

	// Expiry windows per urgency
	ExpiryLow    time.Duration
	ExpiryMedium time.Duration
	ExpiryHigh   time.Duration

	// Maintenance configuration
	CleanupInterval   time.Duration
	RebalanceInterval time.Duration
	RebalanceEpsilon  float64

	// Status estimation
	DefaultMatchTime time.Duration
	MinWaitEstimate  time.Duration
	StatsCacheTTL    time.Duration

	// Health thresholds
	HealthQueueSoftCap    int
	HealthSlowMatch       time.Duration
	HealthHighMatchesHour float64

	// Rate limiting
	RateLimitPerMinute int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Queue
		MinSessionMinutes: getEnvAsInt("MIN_SESSION_MINUTES", 15),
		MaxSessionMinutes: getEnvAsInt("MAX_SESSION_MINUTES", 180),
		CandidateScanPage: getEnvAsInt("CANDIDATE_SCAN_PAGE", 50),

		// Priority: linear wait credit guarantees a low-urgency entry
		// overtakes a fresh high-urgency one after (1000-100)/credit minutes.
		WaitCreditPerMinute: getEnvAsFloat("WAIT_CREDIT_PER_MINUTE", 2.0),

		// Expiry windows
		ExpiryLow:    getEnvAsDuration("EXPIRY_LOW", "2h"),
		ExpiryMedium: getEnvAsDuration("EXPIRY_MEDIUM", "1h"),
		ExpiryHigh:   getEnvAsDuration("EXPIRY_HIGH", "30m"),

		// Maintenance
		CleanupInterval:   getEnvAsDuration("CLEANUP_INTERVAL", "2m"),
		RebalanceInterval: getEnvAsDuration("REBALANCE_INTERVAL", "5m"),
		RebalanceEpsilon:  getEnvAsFloat("REBALANCE_EPSILON", 0.01),

		// Status estimation
		DefaultMatchTime: getEnvAsDuration("DEFAULT_MATCH_TIME", "3m"),
		MinWaitEstimate:  getEnvAsDuration("MIN_WAIT_ESTIMATE", "30s"),
		StatsCacheTTL:    getEnvAsDuration("STATS_CACHE_TTL", "10s"),

		// Health
		HealthQueueSoftCap:    getEnvAsInt("HEALTH_QUEUE_SOFT_CAP", 100),
		HealthSlowMatch:       getEnvAsDuration("HEALTH_SLOW_MATCH", "5m"),
		HealthHighMatchesHour: getEnvAsFloat("HEALTH_HIGH_MATCHES_HOUR", 30),

		// Rate limiting
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

// ExpiryFor returns the admission expiry window for an urgency level.
// Unknown values fall back to the medium window.
func (c *Config) ExpiryFor(urgency string) time.Duration {
	switch urgency {
	case "low":
		return c.ExpiryLow
	case "high":
		return c.ExpiryHigh
	default:
		return c.ExpiryMedium
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
