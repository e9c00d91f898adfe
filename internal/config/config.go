package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration. Values come from environment
// variables with defaults; an optional YAML file (RELAY_CONFIG_FILE)
// overlays the environment.
type Config struct {
	// HTTP gateway
	ListenAddr     string        `yaml:"listen_addr"`
	APIPrefix      string        `yaml:"api_prefix"`
	AuthRequired   bool          `yaml:"auth_required"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	APIKeyHeader   string        `yaml:"api_key_header"`
	EnableCORS     bool          `yaml:"enable_cors"`

	// Message queue
	QueueMaxSize     int           `yaml:"queue_max_size"`
	MessageTTL       time.Duration `yaml:"message_ttl"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`

	// Service registry
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ServiceTTL          time.Duration `yaml:"service_ttl"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	BackupInterval      time.Duration `yaml:"backup_interval"`
	EventRetention      time.Duration `yaml:"event_retention"`

	// Load balancer
	LBAlgorithm      string        `yaml:"lb_algorithm"`
	StickySessions   bool          `yaml:"sticky_sessions"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`

	// Rate limiter
	RateLimitStrategy string        `yaml:"rate_limit_strategy"`
	RateLimitDefault  int           `yaml:"rate_limit_default"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	EnableAdaptive    bool          `yaml:"enable_adaptive"`

	// Auth
	TokenSecret   string `yaml:"token_secret"`
	WebhookSecret string `yaml:"webhook_secret"`

	// Storage
	DBPath     string `yaml:"db_path"`
	BackupPath string `yaml:"backup_path"`

	// Notifications
	NotifyWebhookURL string `yaml:"notify_webhook_url"`
	MQTTBroker       string `yaml:"mqtt_broker"`
	MQTTTopic        string `yaml:"mqtt_topic"`

	// Metrics
	TextfilePath string `yaml:"textfile_path"`

	// Logging
	LogJSON bool `yaml:"log_json"`
}

// Load reads configuration from environment variables with defaults, then
// overlays the YAML file named by RELAY_CONFIG_FILE if set.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envStr("RELAY_LISTEN_ADDR", ":8080"),
		APIPrefix:      envStr("RELAY_API_PREFIX", "/api/v1"),
		AuthRequired:   envBool("RELAY_AUTH_REQUIRED", true),
		RequestTimeout: envDuration("RELAY_REQUEST_TIMEOUT", 30*time.Second),
		APIKeyHeader:   envStr("RELAY_API_KEY_HEADER", "X-API-Key"),
		EnableCORS:     envBool("RELAY_ENABLE_CORS", true),

		QueueMaxSize:     envInt("RELAY_QUEUE_MAX_SIZE", 10000),
		MessageTTL:       envDuration("RELAY_MESSAGE_TTL", 24*time.Hour),
		RetryDelay:       envDuration("RELAY_RETRY_DELAY", 60*time.Second),
		MaxRetryAttempts: envInt("RELAY_MAX_RETRY_ATTEMPTS", 3),

		HealthCheckInterval: envDuration("RELAY_HEALTH_CHECK_INTERVAL", 30*time.Second),
		ServiceTTL:          envDuration("RELAY_SERVICE_TTL", 5*time.Minute),
		CleanupInterval:     envDuration("RELAY_CLEANUP_INTERVAL", 60*time.Second),
		BackupInterval:      envDuration("RELAY_BACKUP_INTERVAL", 5*time.Minute),
		EventRetention:      envDuration("RELAY_EVENT_RETENTION", 24*time.Hour),

		LBAlgorithm:      envStr("RELAY_LB_ALGORITHM", "health_weighted"),
		StickySessions:   envBool("RELAY_STICKY_SESSIONS", false),
		BreakerThreshold: envInt("RELAY_BREAKER_THRESHOLD", 5),
		BreakerTimeout:   envDuration("RELAY_BREAKER_TIMEOUT", 60*time.Second),

		RateLimitStrategy: envStr("RELAY_RATE_LIMIT_STRATEGY", "token_bucket"),
		RateLimitDefault:  envInt("RELAY_RATE_LIMIT_DEFAULT", 1000),
		RateLimitWindow:   envDuration("RELAY_RATE_LIMIT_WINDOW", time.Hour),
		EnableAdaptive:    envBool("RELAY_ENABLE_ADAPTIVE", true),

		TokenSecret:   envStr("RELAY_TOKEN_SECRET", ""),
		WebhookSecret: envStr("RELAY_WEBHOOK_SECRET", ""),

		DBPath:     envStr("RELAY_DB_PATH", "/data/relay.db"),
		BackupPath: envStr("RELAY_BACKUP_PATH", ""),

		NotifyWebhookURL: envStr("RELAY_NOTIFY_WEBHOOK_URL", ""),
		MQTTBroker:       envStr("RELAY_MQTT_BROKER", ""),
		MQTTTopic:        envStr("RELAY_MQTT_TOPIC", "relay/events"),

		TextfilePath: envStr("RELAY_TEXTFILE_PATH", ""),

		LogJSON: envBool("RELAY_LOG_JSON", true),
	}

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// overlayFile merges values from a YAML file over the current config.
// Only keys present in the file are changed.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.QueueMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_QUEUE_MAX_SIZE must be > 0, got %d", c.QueueMaxSize))
	}
	if c.MessageTTL <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_MESSAGE_TTL must be > 0, got %s", c.MessageTTL))
	}
	if c.MaxRetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("RELAY_MAX_RETRY_ATTEMPTS must be >= 0, got %d", c.MaxRetryAttempts))
	}
	if c.ServiceTTL <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_SERVICE_TTL must be > 0, got %s", c.ServiceTTL))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_REQUEST_TIMEOUT must be > 0, got %s", c.RequestTimeout))
	}
	switch c.LBAlgorithm {
	case "round_robin", "least_connections", "weighted_round_robin", "random", "consistent_hash", "health_weighted":
		// valid
	default:
		errs = append(errs, fmt.Errorf("RELAY_LB_ALGORITHM %q is not a known algorithm", c.LBAlgorithm))
	}
	switch c.RateLimitStrategy {
	case "fixed_window", "sliding_window", "token_bucket", "leaky_bucket", "adaptive":
		// valid
	default:
		errs = append(errs, fmt.Errorf("RELAY_RATE_LIMIT_STRATEGY %q is not a known strategy", c.RateLimitStrategy))
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("RELAY_API_PREFIX must begin with /, got %q", c.APIPrefix))
	}
	if c.AuthRequired && c.TokenSecret == "" {
		errs = append(errs, errors.New("RELAY_TOKEN_SECRET must be set when RELAY_AUTH_REQUIRED=true"))
	}
	return errors.Join(errs...)
}

// Values returns settings for display on the system info endpoint.
// Secrets are excluded.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"listen_addr":           c.ListenAddr,
		"api_prefix":            c.APIPrefix,
		"auth_required":         strconv.FormatBool(c.AuthRequired),
		"request_timeout":       c.RequestTimeout.String(),
		"queue_max_size":        strconv.Itoa(c.QueueMaxSize),
		"message_ttl":           c.MessageTTL.String(),
		"retry_delay":           c.RetryDelay.String(),
		"max_retry_attempts":    strconv.Itoa(c.MaxRetryAttempts),
		"health_check_interval": c.HealthCheckInterval.String(),
		"service_ttl":           c.ServiceTTL.String(),
		"cleanup_interval":      c.CleanupInterval.String(),
		"backup_interval":       c.BackupInterval.String(),
		"lb_algorithm":          c.LBAlgorithm,
		"rate_limit_strategy":   c.RateLimitStrategy,
		"rate_limit_default":    strconv.Itoa(c.RateLimitDefault),
		"rate_limit_window":     c.RateLimitWindow.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
