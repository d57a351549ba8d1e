package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogDatabaseURL string // read-only user, log store queries
	AggDatabaseURL string // aggregation user, rollup upserts and cleanup
	RedisURL       string
	LogLevel       string
	ListenAddr     string
	RulesFile      string

	AlertWebhookURL string
	AlertChannel    string // dingtalk, feishu, wecom

	// Rule defaults, overridable per rule in the rules file.
	BurstWindowSec          int
	BurstLimitPerToken      int
	IPUsersThreshold        int
	TokenMultiUserThreshold int
	BigRequestSigma         float64

	AggregationHoursBack int
	RetentionDays        int

	AggregationInterval time.Duration
	BurstInterval       time.Duration
	SharedTokenInterval time.Duration
	IPFanoutInterval    time.Duration
	BigRequestInterval  time.Duration
	CleanupInterval     time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	return &Config{
		LogDatabaseURL: getEnv("LOG_DATABASE_URL", ""),
		AggDatabaseURL: getEnv("AGG_DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		ListenAddr:     getEnv("LISTEN_ADDR", ":9090"),
		RulesFile:      getEnv("RULES_FILE", "rules.yaml"),

		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
		AlertChannel:    getEnv("ALERT_CHANNEL", "dingtalk"),

		BurstWindowSec:          getEnvInt("BURST_WINDOW_SEC", 60),
		BurstLimitPerToken:      getEnvInt("BURST_LIMIT_PER_TOKEN", 120),
		IPUsersThreshold:        getEnvInt("IP_USERS_THRESHOLD", 5),
		TokenMultiUserThreshold: getEnvInt("TOKEN_MULTI_USER_THRESHOLD", 2),
		BigRequestSigma:         getEnvFloat("BIG_REQUEST_SIGMA", 3.0),

		AggregationHoursBack: getEnvInt("AGGREGATION_HOURS_BACK", 2),
		RetentionDays:        getEnvInt("RETENTION_DAYS", 90),

		AggregationInterval: getEnvMinutes("AGGREGATION_INTERVAL_MINUTES", 5),
		BurstInterval:       getEnvMinutes("BURST_CHECK_INTERVAL_MINUTES", 1),
		SharedTokenInterval: getEnvMinutes("MULTI_USER_TOKEN_CHECK_INTERVAL_MINUTES", 5),
		IPFanoutInterval:    getEnvMinutes("IP_MANY_USERS_CHECK_INTERVAL_MINUTES", 5),
		BigRequestInterval:  getEnvMinutes("BIG_REQUEST_CHECK_INTERVAL_MINUTES", 10),
		CleanupInterval:     getEnvMinutes("CLEANUP_INTERVAL_MINUTES", 24*60),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMinutes(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Minute
}
