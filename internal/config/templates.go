package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# IBKR Trader Configuration

[connection]
# Client Portal Gateway base URL
gateway_url = "https://localhost:5000"
# Initial delay between reconnect attempts
reconnect_delay = "2s"
# Upper bound on the backoff delay
max_reconnect_delay = "60s"
# Give up after this many consecutive failed reconnects
max_reconnects = 10
# Session keep-alive ping interval
keep_alive = "30s"

[account]
# IB account ID (can also be set via IB_ACCOUNT_ID)
id = ""
# Account base currency: USD or CAD
currency = "USD"

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Underlying symbol to trade options on
underlying = "SPY"
# Maximum notional value per trade
max_trade_value = 10000.0
# Offset below the mid price for chase limit orders
trade_delta = 0.05
# How long a chase limit order may rest before converting to market
chase_timeout = "10s"
# Contracts to keep as runners when taking profit
runner_contracts = 0

# Drawdown tiers, deepest loss first. The first tier whose loss_threshold
# is at or below the day's loss percent applies.
[[trading.risk_tiers]]
loss_threshold = 6.0
account_trade_limit = 2.0
stop_loss = 10.0
profit_gain = 20.0

[[trading.risk_tiers]]
loss_threshold = 4.0
account_trade_limit = 4.0
stop_loss = 15.0
profit_gain = 25.0

[[trading.risk_tiers]]
loss_threshold = 2.0
account_trade_limit = 6.0
stop_loss = 20.0
profit_gain = 30.0

[[trading.risk_tiers]]
loss_threshold = 0.0
account_trade_limit = 8.0
stop_loss = 25.0
profit_gain = 35.0

[bus]
# Worker goroutines for normal/low/background events
workers = 4
# Queue capacity per priority lane
queue_size = 1000
# Initial throttle ceiling for non-critical events
max_events_per_second = 100
# Throttle floor
min_events_per_second = 10
# Hard cap applied under sustained order delay
max_throttle = 50
# Tick coalescing window
sample_window = "100ms"
# Order round-trip delay considered degraded
max_order_delay = "750ms"
# Health monitor interval
monitor_interval = "5s"

[journal]
# SQLite database path (defaults under the config directory)
db_path = ""
# Directory for CSV exports
export_dir = ""

[logging]
# Log level: trace, debug, info, warn, error
level = "info"
# Log file path (defaults under the config directory)
file_path = ""
max_size_mb = 50
max_backups = 5
max_age_days = 30
# Also log to stderr
console = true

[metrics]
# Expose Prometheus metrics
enabled = true
addr = ":9090"
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}
