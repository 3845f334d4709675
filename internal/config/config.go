package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/overseer/internal/breaker"
	"github.com/nidhogg/overseer/internal/retry"
	"go.uber.org/zap"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Providers     []ProviderConfig    `json:"providers"`
	Gateway       GatewayConfig       `json:"gateway"`
	Database      DatabaseConfig      `json:"database"`
	Orchestration OrchestrationConfig `json:"orchestration"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models,omitempty"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DatabaseConfig struct {
	Redis    RedisConfig    `json:"redis"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Postgres PostgresConfig `json:"postgres"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// OrchestrationConfig is the flat schema of recognized resilience options.
type OrchestrationConfig struct {
	FailureThreshold       int  `json:"failure_threshold"`
	TimeoutSeconds         int  `json:"timeout_seconds"`
	RecoveryTimeoutSeconds int  `json:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       int  `json:"half_open_max_calls"`
	SuccessThreshold       int  `json:"success_threshold"`
	MaxRetries             int  `json:"max_retries"`
	BaseDelayMillis        int  `json:"base_delay_ms"`
	MaxDelayMillis         int  `json:"max_delay_ms"`
	Jitter                 bool `json:"jitter"`
	WorkflowTimeoutSeconds int  `json:"workflow_timeout_seconds"`
	StepTimeoutSeconds     int  `json:"step_timeout_seconds"`
	GracePeriodSeconds     int  `json:"grace_period_seconds"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Orchestration: OrchestrationConfig{
			FailureThreshold:       5,
			TimeoutSeconds:         30,
			RecoveryTimeoutSeconds: 60,
			HalfOpenMaxCalls:       3,
			SuccessThreshold:       2,
			MaxRetries:             3,
			BaseDelayMillis:        500,
			MaxDelayMillis:         30000,
			Jitter:                 true,
			WorkflowTimeoutSeconds: 300,
			StepTimeoutSeconds:     60,
			GracePeriodSeconds:     5,
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize runs one post-construction validation pass over the fully
// populated orchestration options. Invalid combinations are replaced with
// safe defaults and warned about; bad resilience config never crashes the
// process.
func (c *OrchestrationConfig) Normalize(logger *zap.Logger) {
	defaults := Default().Orchestration

	if err := c.BreakerConfig().Validate(); err != nil {
		logger.Warn("invalid circuit breaker options, using defaults", zap.Error(err))
		c.FailureThreshold = defaults.FailureThreshold
		c.TimeoutSeconds = defaults.TimeoutSeconds
		c.RecoveryTimeoutSeconds = defaults.RecoveryTimeoutSeconds
		c.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
		c.SuccessThreshold = defaults.SuccessThreshold
	}
	if c.MaxRetries < 0 || c.BaseDelayMillis <= 0 || c.MaxDelayMillis < c.BaseDelayMillis {
		logger.Warn("invalid retry options, using defaults",
			zap.Int("max_retries", c.MaxRetries),
			zap.Int("base_delay_ms", c.BaseDelayMillis),
			zap.Int("max_delay_ms", c.MaxDelayMillis))
		c.MaxRetries = defaults.MaxRetries
		c.BaseDelayMillis = defaults.BaseDelayMillis
		c.MaxDelayMillis = defaults.MaxDelayMillis
	}
	if c.StepTimeoutSeconds <= 0 || c.WorkflowTimeoutSeconds <= 0 || c.GracePeriodSeconds < 0 {
		logger.Warn("invalid timeout options, using defaults",
			zap.Int("step_timeout_seconds", c.StepTimeoutSeconds),
			zap.Int("workflow_timeout_seconds", c.WorkflowTimeoutSeconds),
			zap.Int("grace_period_seconds", c.GracePeriodSeconds))
		c.StepTimeoutSeconds = defaults.StepTimeoutSeconds
		c.WorkflowTimeoutSeconds = defaults.WorkflowTimeoutSeconds
		c.GracePeriodSeconds = defaults.GracePeriodSeconds
	}
}

// BreakerConfig converts the flat options to a breaker config.
func (c OrchestrationConfig) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		Timeout:          time.Duration(c.TimeoutSeconds) * time.Second,
		RecoveryTimeout:  time.Duration(c.RecoveryTimeoutSeconds) * time.Second,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
		SuccessThreshold: c.SuccessThreshold,
	}
}

// RetryConfig converts the flat options to a retry config.
func (c OrchestrationConfig) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:      c.MaxRetries,
		BaseDelay:       time.Duration(c.BaseDelayMillis) * time.Millisecond,
		MaxDelay:        time.Duration(c.MaxDelayMillis) * time.Millisecond,
		ExponentialBase: 2.0,
		Jitter:          c.Jitter,
	}
}

// WorkflowTimeout returns the default bound for a whole run.
func (c OrchestrationConfig) WorkflowTimeout() time.Duration {
	return time.Duration(c.WorkflowTimeoutSeconds) * time.Second
}

// StepTimeout returns the per-step bound.
func (c OrchestrationConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// GracePeriod returns the extra time granted past the step timeout.
func (c OrchestrationConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}
