package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Log      LogConfig
	SDMS     SDMSConfig
	Metrics  MetricsConfig
	Jobs     JobsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SDMSConfig governs the remote Student Data Management System integration.
// The remote API is lookup-only and rate limited; CacheTTL controls how long
// a mirrored record is served before a refresh is attempted.
type SDMSConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	CacheTTL     time.Duration
}

// MetricsConfig tunes the engagement metrics pipeline.
type MetricsConfig struct {
	SessionGap    time.Duration
	SiteCourseID  int64
	RetentionDays int
	CacheTTL      time.Duration
	TierHigh      int
	TierMedium    int
	TierLow       int
}

// JobsConfig holds the cadence of each scheduled job.
type JobsConfig struct {
	ComputeInterval   time.Duration
	AggregateInterval time.Duration
	RefreshInterval   time.Duration
	CleanupInterval   time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.SDMS = SDMSConfig{
		BaseURL:      v.GetString("SDMS_BASE_URL"),
		Timeout:      parseDuration(v.GetString("SDMS_TIMEOUT"), 30*time.Second),
		MaxAttempts:  v.GetInt("SDMS_MAX_ATTEMPTS"),
		RetryBackoff: parseDuration(v.GetString("SDMS_RETRY_BACKOFF"), 500*time.Millisecond),
		CacheTTL:     parseDuration(v.GetString("SDMS_CACHE_TTL"), 7*24*time.Hour),
	}
	if cfg.SDMS.MaxAttempts <= 0 {
		cfg.SDMS.MaxAttempts = 3
	}

	cfg.Metrics = MetricsConfig{
		SessionGap:    parseDuration(v.GetString("METRICS_SESSION_GAP"), 30*time.Minute),
		SiteCourseID:  v.GetInt64("METRICS_SITE_COURSE_ID"),
		RetentionDays: v.GetInt("METRICS_RETENTION_DAYS"),
		CacheTTL:      parseDuration(v.GetString("METRICS_CACHE_TTL"), 10*time.Minute),
		TierHigh:      v.GetInt("METRICS_TIER_HIGH"),
		TierMedium:    v.GetInt("METRICS_TIER_MEDIUM"),
		TierLow:       v.GetInt("METRICS_TIER_LOW"),
	}

	cfg.Jobs = JobsConfig{
		ComputeInterval:   parseDuration(v.GetString("JOB_COMPUTE_INTERVAL"), time.Hour),
		AggregateInterval: parseDuration(v.GetString("JOB_AGGREGATE_INTERVAL"), 24*time.Hour),
		RefreshInterval:   parseDuration(v.GetString("JOB_REFRESH_INTERVAL"), 24*time.Hour),
		CleanupInterval:   parseDuration(v.GetString("JOB_CLEANUP_INTERVAL"), 7*24*time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sdms_sync")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SDMS_BASE_URL", "http://localhost:9090")
	v.SetDefault("SDMS_TIMEOUT", "30s")
	v.SetDefault("SDMS_MAX_ATTEMPTS", 3)
	v.SetDefault("SDMS_RETRY_BACKOFF", "500ms")
	v.SetDefault("SDMS_CACHE_TTL", "168h")

	v.SetDefault("METRICS_SESSION_GAP", "30m")
	v.SetDefault("METRICS_SITE_COURSE_ID", 1)
	v.SetDefault("METRICS_RETENTION_DAYS", 365)
	v.SetDefault("METRICS_CACHE_TTL", "10m")
	v.SetDefault("METRICS_TIER_HIGH", 50)
	v.SetDefault("METRICS_TIER_MEDIUM", 20)
	v.SetDefault("METRICS_TIER_LOW", 5)

	v.SetDefault("JOB_COMPUTE_INTERVAL", "1h")
	v.SetDefault("JOB_AGGREGATE_INTERVAL", "24h")
	v.SetDefault("JOB_REFRESH_INTERVAL", "24h")
	v.SetDefault("JOB_CLEANUP_INTERVAL", "168h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
