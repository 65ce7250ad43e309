// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Broker      BrokerConfig       `yaml:"broker"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	RiskLimits  RiskLimitsConfig   `yaml:"risk_limits"`
	Strategy    StrategyConfig     `yaml:"strategy"`
	Engine      EngineConfig       `yaml:"engine"`
	Feed        FeedConfig         `yaml:"feed"`
	Store       StoreConfig        `yaml:"store"`
	Server      ServerConfig       `yaml:"server"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Alerts      AlertsConfig       `yaml:"alerts"`
}

// BrokerConfig contains broker account settings
type BrokerConfig struct {
	Adapter       string `yaml:"adapter"` // "mock" or an external adapter name
	APIToken      Secret `yaml:"api_token"`
	AccountID     string `yaml:"account_id"`
	SandboxMode   bool   `yaml:"sandbox_mode"`
	CallTimeoutMS int    `yaml:"call_timeout_ms"`
}

// InstrumentConfig describes one tradable instrument
type InstrumentConfig struct {
	ID       string  `yaml:"id"`
	TickSize float64 `yaml:"tick_size"`
	LotSize  float64 `yaml:"lot_size"`
	Currency string  `yaml:"currency"`
}

// RiskLimitsConfig contains risk limit settings, immutable during a run
type RiskLimitsConfig struct {
	DefaultMaxPosition float64            `yaml:"default_max_position"`
	MaxPosition        map[string]float64 `yaml:"max_position"`
	MaxNotional        float64            `yaml:"max_notional"`
	MaxOrderRate       float64            `yaml:"max_order_rate"` // orders per second
	OrderBurst         int                `yaml:"order_burst"`
	MaxDriftPercent    float64            `yaml:"max_drift_percent"` // reconciliation halt threshold
}

// StrategyConfig selects and parameterizes the strategy
type StrategyConfig struct {
	Name   string            `yaml:"name"` // "momentum" or "signal"
	Params map[string]string `yaml:"params"`
}

// EngineConfig contains engine loop timing and order lifecycle settings
type EngineConfig struct {
	CycleIntervalMS    int  `yaml:"cycle_interval_ms"`
	ReconcileIntervalS int  `yaml:"reconcile_interval_s"`
	TimeInForceS       int  `yaml:"time_in_force_s"`
	CancelOnExit       bool `yaml:"cancel_on_exit"`
	RetryMaxAttempts   int  `yaml:"retry_max_attempts"`
	RetryBaseDelayMS   int  `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS    int  `yaml:"retry_max_delay_ms"`
}

// FeedConfig contains market data feed settings
type FeedConfig struct {
	Source       string `yaml:"source"` // "broker" or "websocket"
	URL          string `yaml:"url"`    // required for websocket source
	StaleAfterS  int    `yaml:"stale_after_s"`
	ReconnectSec int    `yaml:"reconnect_s"`
}

// StoreConfig contains snapshot persistence settings
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "memory" or "none"
	Path   string `yaml:"path"`
}

// ServerConfig contains the status HTTP server settings
type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains alert channel settings
type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// TelegramConfig contains Telegram bot settings
type TelegramConfig struct {
	BotToken Secret `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// SlackConfig contains Slack webhook settings
type SlackConfig struct {
	WebhookURL Secret `yaml:"webhook_url"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills unset fields with safe defaults
func (c *Config) applyDefaults() {
	if c.Broker.Adapter == "" {
		c.Broker.Adapter = "mock"
	}
	if c.Broker.CallTimeoutMS == 0 {
		c.Broker.CallTimeoutMS = 5000
	}
	if c.Engine.CycleIntervalMS == 0 {
		c.Engine.CycleIntervalMS = 250
	}
	if c.Engine.ReconcileIntervalS == 0 {
		c.Engine.ReconcileIntervalS = 60
	}
	if c.Engine.RetryMaxAttempts == 0 {
		c.Engine.RetryMaxAttempts = 5
	}
	if c.Engine.RetryBaseDelayMS == 0 {
		c.Engine.RetryBaseDelayMS = 500
	}
	if c.Engine.RetryMaxDelayMS == 0 {
		c.Engine.RetryMaxDelayMS = 10000
	}
	if c.Feed.Source == "" {
		c.Feed.Source = "broker"
	}
	if c.Feed.StaleAfterS == 0 {
		c.Feed.StaleAfterS = 10
	}
	if c.Feed.ReconnectSec == 0 {
		c.Feed.ReconnectSec = 5
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "none"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "INFO"
	}
	if c.RiskLimits.MaxOrderRate == 0 {
		c.RiskLimits.MaxOrderRate = 10
	}
	if c.RiskLimits.OrderBurst == 0 {
		c.RiskLimits.OrderBurst = 20
	}
	if c.RiskLimits.MaxDriftPercent == 0 {
		c.RiskLimits.MaxDriftPercent = 5
	}
	if c.Strategy.Name == "" {
		c.Strategy.Name = "signal"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateInstruments(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskLimits(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEngine(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateFeed(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.Adapter != "mock" {
		if c.Broker.APIToken == "" {
			return ValidationError{Field: "broker.api_token", Message: "required for non-mock adapters"}
		}
		if c.Broker.AccountID == "" {
			return ValidationError{Field: "broker.account_id", Message: "required for non-mock adapters"}
		}
	}
	if c.Broker.CallTimeoutMS < 100 || c.Broker.CallTimeoutMS > 60000 {
		return ValidationError{Field: "broker.call_timeout_ms", Value: c.Broker.CallTimeoutMS, Message: "must be between 100 and 60000"}
	}
	return nil
}

func (c *Config) validateInstruments() error {
	if len(c.Instruments) == 0 {
		return ValidationError{Field: "instruments", Message: "at least one instrument is required"}
	}
	seen := make(map[string]bool)
	for _, inst := range c.Instruments {
		if inst.ID == "" {
			return ValidationError{Field: "instruments.id", Message: "instrument id is required"}
		}
		if seen[inst.ID] {
			return ValidationError{Field: "instruments.id", Value: inst.ID, Message: "duplicate instrument"}
		}
		seen[inst.ID] = true
		if inst.TickSize <= 0 {
			return ValidationError{Field: "instruments.tick_size", Value: inst.TickSize, Message: "must be positive"}
		}
		if inst.LotSize <= 0 {
			return ValidationError{Field: "instruments.lot_size", Value: inst.LotSize, Message: "must be positive"}
		}
	}
	return nil
}

func (c *Config) validateRiskLimits() error {
	if c.RiskLimits.DefaultMaxPosition <= 0 {
		return ValidationError{Field: "risk_limits.default_max_position", Value: c.RiskLimits.DefaultMaxPosition, Message: "must be positive"}
	}
	if c.RiskLimits.MaxNotional <= 0 {
		return ValidationError{Field: "risk_limits.max_notional", Value: c.RiskLimits.MaxNotional, Message: "must be positive"}
	}
	for id, v := range c.RiskLimits.MaxPosition {
		if v <= 0 {
			return ValidationError{Field: "risk_limits.max_position." + id, Value: v, Message: "must be positive"}
		}
	}
	if c.RiskLimits.MaxOrderRate <= 0 {
		return ValidationError{Field: "risk_limits.max_order_rate", Value: c.RiskLimits.MaxOrderRate, Message: "must be positive"}
	}
	if c.RiskLimits.MaxDriftPercent <= 0 || c.RiskLimits.MaxDriftPercent > 100 {
		return ValidationError{Field: "risk_limits.max_drift_percent", Value: c.RiskLimits.MaxDriftPercent, Message: "must be in (0, 100]"}
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.CycleIntervalMS < 10 || c.Engine.CycleIntervalMS > 60000 {
		return ValidationError{Field: "engine.cycle_interval_ms", Value: c.Engine.CycleIntervalMS, Message: "must be between 10 and 60000"}
	}
	if c.Engine.ReconcileIntervalS < 1 || c.Engine.ReconcileIntervalS > 3600 {
		return ValidationError{Field: "engine.reconcile_interval_s", Value: c.Engine.ReconcileIntervalS, Message: "must be between 1 and 3600"}
	}
	if c.Engine.RetryMaxAttempts < 1 || c.Engine.RetryMaxAttempts > 20 {
		return ValidationError{Field: "engine.retry_max_attempts", Value: c.Engine.RetryMaxAttempts, Message: "must be between 1 and 20"}
	}
	return nil
}

func (c *Config) validateFeed() error {
	switch c.Feed.Source {
	case "broker":
	case "websocket":
		if c.Feed.URL == "" {
			return ValidationError{Field: "feed.url", Message: "required when feed.source is websocket"}
		}
	default:
		return ValidationError{Field: "feed.source", Value: c.Feed.Source, Message: "must be one of: broker, websocket"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	switch strings.ToUpper(c.Server.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{Field: "server.log_level", Value: c.Server.LogLevel, Message: "must be one of: DEBUG, INFO, WARN, ERROR, FATAL"}
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return ValidationError{Field: "store.path", Message: "required when store.driver is sqlite"}
		}
	case "memory", "none":
	default:
		return ValidationError{Field: "store.driver", Value: c.Store.Driver, Message: "must be one of: sqlite, memory, none"}
	}
	return nil
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to an empty string.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
