package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable configuration snapshot taken at boot
type Config struct {
	Server         ServerConfig        `yaml:"server"`
	Auth           AuthConfig          `yaml:"auth"`
	FirstProvider  ProviderConfig      `yaml:"first_provider"`
	SecondProvider ProviderConfig      `yaml:"second_provider"`
	Timeouts       TimeoutConfig       `yaml:"timeouts"`
	RateLimits     RateLimitConfig     `yaml:"rate_limits"`
	ServiceHealth  ServiceHealthConfig `yaml:"service_health"`
	Moderation     ModerationConfig    `yaml:"moderation"`
	Logging        LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port             string        `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`
	ValidateRequests bool          `yaml:"validate_requests"`
	OpenAPISpecPath  string        `yaml:"openapi_spec_path"`
}

// AuthConfig holds client authentication configuration
type AuthConfig struct {
	Key            string `yaml:"key"`
	AdminJWTSecret string `yaml:"admin_jwt_secret"`
}

// ProviderConfig describes one upstream provider. Models is only meaningful
// for the moderation (first) provider.
type ProviderConfig struct {
	URL    string   `yaml:"url"`
	Key    string   `yaml:"key"`
	Type   string   `yaml:"type"` // "openai" or "anthropic"
	Models []string `yaml:"models"`
}

// TimeoutConfig holds retry and stream timing configuration
type TimeoutConfig struct {
	MaxRetryTime  time.Duration `yaml:"max_retry_time"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
	MaxRetryCount int           `yaml:"max_retry_count"`
	EnableRetry   bool          `yaml:"enable_retry"`
}

// RateLimitConfig holds per-route and per-IP requests-per-minute limits
type RateLimitConfig struct {
	ChatRPM     int `yaml:"chat_rpm"`
	ImagesRPM   int `yaml:"images_rpm"`
	AudioRPM    int `yaml:"audio_rpm"`
	ModelsRPM   int `yaml:"models_rpm"`
	GlobalIPRPM int `yaml:"global_ip_rpm"`
}

// ServiceHealthConfig holds circuit breaker thresholds
type ServiceHealthConfig struct {
	MaxErrors   int           `yaml:"max_errors"`
	ErrorWindow time.Duration `yaml:"error_window"`
}

// ModerationConfig holds moderation engine configuration
type ModerationConfig struct {
	Strategy          string   `yaml:"strategy"` // "round-robin" or "random"
	RiskThreshold     int      `yaml:"risk_threshold"`
	WhitelistedModels []string `yaml:"whitelisted_models"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load builds the configuration snapshot from an optional YAML file,
// overridden by environment variables.
func Load(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:            "3000",
		ReadTimeout:     30 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1MB
		OpenAPISpecPath: "docs/openapi.yaml",
	}

	c.FirstProvider = ProviderConfig{Type: "openai"}
	c.SecondProvider = ProviderConfig{Type: "openai"}

	c.Timeouts = TimeoutConfig{
		MaxRetryTime:  60 * time.Second,
		RetryDelay:    2 * time.Second,
		StreamTimeout: 60 * time.Second,
		MaxRetryCount: 3,
		EnableRetry:   false,
	}

	c.RateLimits = RateLimitConfig{
		ChatRPM:     60,
		ImagesRPM:   10,
		AudioRPM:    20,
		ModelsRPM:   100,
		GlobalIPRPM: 100,
	}

	c.ServiceHealth = ServiceHealthConfig{
		MaxErrors:   3,
		ErrorWindow: 60 * time.Second,
	}

	c.Moderation = ModerationConfig{
		Strategy:      "round-robin",
		RiskThreshold: 5,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// loadFromFile loads configuration from a YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables. Durations are
// given in milliseconds on the wire.
func (c *Config) loadFromEnv() {
	setString(&c.Server.Port, "PORT")
	setBool(&c.Server.ValidateRequests, "VALIDATE_REQUESTS")
	setString(&c.Auth.Key, "AUTH_KEY")
	setString(&c.Auth.AdminJWTSecret, "ADMIN_JWT_SECRET")

	setString(&c.FirstProvider.URL, "FIRST_PROVIDER_URL")
	setString(&c.FirstProvider.Key, "FIRST_PROVIDER_KEY")
	setString(&c.FirstProvider.Type, "FIRST_PROVIDER_TYPE")
	if models := os.Getenv("FIRST_PROVIDER_MODELS"); models != "" {
		c.FirstProvider.Models = splitAndTrim(models)
	}

	setString(&c.SecondProvider.URL, "SECOND_PROVIDER_URL")
	setString(&c.SecondProvider.Key, "SECOND_PROVIDER_KEY")

	setMillis(&c.Timeouts.MaxRetryTime, "MAX_RETRY_TIME")
	setMillis(&c.Timeouts.RetryDelay, "RETRY_DELAY")
	setMillis(&c.Timeouts.StreamTimeout, "STREAM_TIMEOUT")
	setInt(&c.Timeouts.MaxRetryCount, "MAX_RETRY_COUNT")
	setBool(&c.Timeouts.EnableRetry, "ENABLE_RETRY")

	setInt(&c.RateLimits.ChatRPM, "CHAT_RPM")
	setInt(&c.RateLimits.ImagesRPM, "IMAGES_RPM")
	setInt(&c.RateLimits.AudioRPM, "AUDIO_RPM")
	setInt(&c.RateLimits.ModelsRPM, "MODELS_RPM")
	setInt(&c.RateLimits.GlobalIPRPM, "GLOBAL_IP_RPM")

	setInt(&c.ServiceHealth.MaxErrors, "MAX_PROVIDER_ERRORS")
	setMillis(&c.ServiceHealth.ErrorWindow, "PROVIDER_ERROR_WINDOW")

	setString(&c.Moderation.Strategy, "MODERATION_STRATEGY")
	setInt(&c.Moderation.RiskThreshold, "RISK_THRESHOLD")
	if wl := os.Getenv("WHITELISTED_MODELS"); wl != "" {
		c.Moderation.WhitelistedModels = splitAndTrim(wl)
	}

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if c.Auth.Key == "" {
		return fmt.Errorf("AUTH_KEY is required")
	}

	if c.SecondProvider.URL == "" {
		return fmt.Errorf("SECOND_PROVIDER_URL is required")
	}

	validProviderTypes := map[string]bool{
		"openai":    true,
		"anthropic": true,
	}
	if !validProviderTypes[c.FirstProvider.Type] {
		return fmt.Errorf("invalid first provider type: %s", c.FirstProvider.Type)
	}

	validStrategies := map[string]bool{
		"round-robin": true,
		"random":      true,
	}
	if !validStrategies[c.Moderation.Strategy] {
		return fmt.Errorf("invalid moderation strategy: %s", c.Moderation.Strategy)
	}

	if c.Moderation.RiskThreshold < 1 || c.Moderation.RiskThreshold > 5 {
		return fmt.Errorf("risk threshold must be between 1 and 5, got %d", c.Moderation.RiskThreshold)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Timeouts.MaxRetryCount < 0 {
		return fmt.Errorf("max retry count cannot be negative")
	}

	for name, rpm := range map[string]int{
		"CHAT_RPM":      c.RateLimits.ChatRPM,
		"IMAGES_RPM":    c.RateLimits.ImagesRPM,
		"AUDIO_RPM":     c.RateLimits.AudioRPM,
		"MODELS_RPM":    c.RateLimits.ModelsRPM,
		"GLOBAL_IP_RPM": c.RateLimits.GlobalIPRPM,
	} {
		if rpm <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// AttemptTimeout is the per-attempt cap for moderation and unary provider
// calls. Streaming has no overall cap; the inactivity watchdog is the bound.
func (c *Config) AttemptTimeout() time.Duration {
	return c.Timeouts.MaxRetryTime / 2
}

// Helpers

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
