// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Account    AccountConfig    `mapstructure:"account"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Bus        BusConfig        `mapstructure:"bus"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ConnectionConfig holds gateway connection configuration.
type ConnectionConfig struct {
	GatewayURL        string        `mapstructure:"gateway_url"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
}

// AccountConfig holds account-level configuration.
type AccountConfig struct {
	ID       string `mapstructure:"id"`
	Currency string `mapstructure:"currency"` // USD, CAD
}

// TradingConfig holds trading configuration.
type TradingConfig struct {
	Mode            string        `mapstructure:"mode"` // "live", "paper"
	Underlying      string        `mapstructure:"underlying"`
	MaxTradeValue   float64       `mapstructure:"max_trade_value"`
	TradeDelta      float64       `mapstructure:"trade_delta"`
	ChaseTimeout    time.Duration `mapstructure:"chase_timeout"`
	RunnerContracts int           `mapstructure:"runner_contracts"`
	RiskTiers       []RiskTier    `mapstructure:"risk_tiers"`
}

// RiskTier scales position sizing and bracket distances by the severity
// of the day's drawdown. Tiers are evaluated in order; the first tier
// whose loss threshold is at or below the absolute daily loss percent wins.
type RiskTier struct {
	LossThreshold     float64 `mapstructure:"loss_threshold"`      // percent of account value
	AccountTradeLimit float64 `mapstructure:"account_trade_limit"` // percent of account value per trade
	StopLoss          float64 `mapstructure:"stop_loss"`           // percent below entry
	ProfitGain        float64 `mapstructure:"profit_gain"`         // percent above entry
}

// BusConfig holds event bus tuning parameters.
type BusConfig struct {
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	MaxEventsPerSecond int           `mapstructure:"max_events_per_second"`
	MinEventsPerSecond int           `mapstructure:"min_events_per_second"`
	MaxThrottle        int           `mapstructure:"max_throttle"`
	SampleWindow       time.Duration `mapstructure:"sample_window"`
	MaxOrderDelay      time.Duration `mapstructure:"max_order_delay"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
}

// JournalConfig holds trade journal configuration.
type JournalConfig struct {
	DBPath    string `mapstructure:"db_path"`
	ExportDir string `mapstructure:"export_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/ibkr-trader"
	}
	return filepath.Join(home, ".config", "ibkr-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IB_GATEWAY_URL"); v != "" {
		cfg.Connection.GatewayURL = v
	}
	if v := os.Getenv("IB_ACCOUNT_ID"); v != "" {
		cfg.Account.ID = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("TRADING_UNDERLYING"); v != "" {
		cfg.Trading.Underlying = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("MAX_TRADE_VALUE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.MaxTradeValue = f
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Connection.GatewayURL == "" {
		cfg.Connection.GatewayURL = "https://localhost:5000"
	}
	if cfg.Connection.ReconnectDelay == 0 {
		cfg.Connection.ReconnectDelay = 2 * time.Second
	}
	if cfg.Connection.MaxReconnectDelay == 0 {
		cfg.Connection.MaxReconnectDelay = 60 * time.Second
	}
	if cfg.Connection.MaxReconnects == 0 {
		cfg.Connection.MaxReconnects = 10
	}
	if cfg.Connection.KeepAlive == 0 {
		cfg.Connection.KeepAlive = 30 * time.Second
	}
	if cfg.Account.Currency == "" {
		cfg.Account.Currency = "USD"
	}
	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = "paper"
	}
	if cfg.Trading.Underlying == "" {
		cfg.Trading.Underlying = "SPY"
	}
	if cfg.Trading.MaxTradeValue == 0 {
		cfg.Trading.MaxTradeValue = 10000
	}
	if cfg.Trading.TradeDelta == 0 {
		cfg.Trading.TradeDelta = 0.05
	}
	if cfg.Trading.ChaseTimeout == 0 {
		cfg.Trading.ChaseTimeout = 10 * time.Second
	}
	if len(cfg.Trading.RiskTiers) == 0 {
		cfg.Trading.RiskTiers = DefaultRiskTiers()
	}
	if cfg.Bus.Workers == 0 {
		cfg.Bus.Workers = 4
	}
	if cfg.Bus.QueueSize == 0 {
		cfg.Bus.QueueSize = 1000
	}
	if cfg.Bus.MaxEventsPerSecond == 0 {
		cfg.Bus.MaxEventsPerSecond = 100
	}
	if cfg.Bus.MinEventsPerSecond == 0 {
		cfg.Bus.MinEventsPerSecond = 10
	}
	if cfg.Bus.MaxThrottle == 0 {
		cfg.Bus.MaxThrottle = 50
	}
	if cfg.Bus.SampleWindow == 0 {
		cfg.Bus.SampleWindow = 100 * time.Millisecond
	}
	if cfg.Bus.MaxOrderDelay == 0 {
		cfg.Bus.MaxOrderDelay = 750 * time.Millisecond
	}
	if cfg.Bus.MonitorInterval == 0 {
		cfg.Bus.MonitorInterval = 5 * time.Second
	}
	if cfg.Journal.DBPath == "" {
		cfg.Journal.DBPath = filepath.Join(DefaultConfigDir(), "journal.db")
	}
	if cfg.Journal.ExportDir == "" {
		cfg.Journal.ExportDir = filepath.Join(DefaultConfigDir(), "exports")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.FilePath == "" {
		cfg.Logging.FilePath = filepath.Join(DefaultConfigDir(), "logs", "trader.log")
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// DefaultRiskTiers returns the built-in drawdown tiers, ordered from the
// deepest loss threshold to the shallowest.
func DefaultRiskTiers() []RiskTier {
	return []RiskTier{
		{LossThreshold: 6.0, AccountTradeLimit: 2.0, StopLoss: 10.0, ProfitGain: 20.0},
		{LossThreshold: 4.0, AccountTradeLimit: 4.0, StopLoss: 15.0, ProfitGain: 25.0},
		{LossThreshold: 2.0, AccountTradeLimit: 6.0, StopLoss: 20.0, ProfitGain: 30.0},
		{LossThreshold: 0.0, AccountTradeLimit: 8.0, StopLoss: 25.0, ProfitGain: 35.0},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if c.Account.Currency != "USD" && c.Account.Currency != "CAD" {
		return fmt.Errorf("unsupported account currency: %s", c.Account.Currency)
	}
	if c.Trading.MaxTradeValue <= 0 {
		return fmt.Errorf("max_trade_value must be positive")
	}
	if c.Trading.TradeDelta < 0 {
		return fmt.Errorf("trade_delta must be non-negative")
	}
	if c.Trading.RunnerContracts < 0 {
		return fmt.Errorf("runner_contracts must be non-negative")
	}
	if c.Bus.MinEventsPerSecond > c.Bus.MaxEventsPerSecond {
		return fmt.Errorf("min_events_per_second exceeds max_events_per_second")
	}
	prev := -1.0
	for i, tier := range c.Trading.RiskTiers {
		if tier.LossThreshold < 0 {
			return fmt.Errorf("risk tier %d: loss_threshold must be non-negative", i)
		}
		if tier.AccountTradeLimit <= 0 || tier.AccountTradeLimit > 100 {
			return fmt.Errorf("risk tier %d: account_trade_limit must be in (0, 100]", i)
		}
		if tier.StopLoss <= 0 || tier.StopLoss >= 100 {
			return fmt.Errorf("risk tier %d: stop_loss must be in (0, 100)", i)
		}
		if tier.ProfitGain <= 0 {
			return fmt.Errorf("risk tier %d: profit_gain must be positive", i)
		}
		if prev >= 0 && tier.LossThreshold > prev {
			return fmt.Errorf("risk tiers must be ordered from deepest to shallowest loss threshold")
		}
		prev = tier.LossThreshold
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// TierFor returns the risk tier matching the given daily PnL percent.
// Losses are expressed as negative percentages.
func (c *Config) TierFor(dailyPnLPercent float64) RiskTier {
	loss := -dailyPnLPercent
	if loss < 0 {
		loss = 0
	}
	for _, tier := range c.Trading.RiskTiers {
		if loss >= tier.LossThreshold {
			return tier
		}
	}
	return c.Trading.RiskTiers[len(c.Trading.RiskTiers)-1]
}
