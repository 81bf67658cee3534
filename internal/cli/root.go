package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ibkr-trader/internal/config"
	"ibkr-trader/internal/logging"
	"ibkr-trader/pkg/utils"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies shared across commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// Execute loads configuration, builds the command tree, and runs it.
func Execute() int {
	configDir := configDirFromArgs(os.Args[1:])
	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger := logging.NewLoggerWithConfig(logging.LogConfig{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.FilePath != "",
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	})

	rootCmd := NewRootCmd(cfg, logger)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// configDirFromArgs finds --config before cobra parses anything, because
// configuration must load before the command tree is built.
func configDirFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if len(arg) > len("--config=") && arg[:len("--config=")] == "--config=" {
			return arg[len("--config="):]
		}
	}
	return ""
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "ibkr-trader",
		Short: "Event-driven options day trading engine for IBKR",
		Long: `ibkr-trader is an event-driven options day trading engine built on the
Interactive Brokers Client Portal Gateway.

It streams market data for an underlying and its at-the-money option pair,
sizes entries against tiered drawdown limits, and protects every position
with stop loss and take profit brackets.

Use 'ibkr-trader run' to start the engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/ibkr-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
				return
			}
			output.Printf("ibkr-trader v%s\n", Version)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage engine configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration directory",
		Run: func(cmd *cobra.Command, args []string) {
			NewOutput(cmd).Println(config.DefaultConfigDir())
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Connection")
	output.Printf("  gateway:     %s\n", cfg.Connection.GatewayURL)
	output.Printf("  account:     %s (%s)\n", cfg.Account.ID, cfg.Account.Currency)
	output.Println()

	output.Bold("Trading")
	output.Printf("  mode:        %s\n", cfg.Trading.Mode)
	output.Printf("  underlying:  %s\n", cfg.Trading.Underlying)
	output.Printf("  max trade:   %s\n", utils.FormatCurrency(cfg.Trading.MaxTradeValue))
	output.Printf("  trade delta: %.2f\n", cfg.Trading.TradeDelta)
	output.Printf("  runners:     %d\n", cfg.Trading.RunnerContracts)
	output.Println()

	output.Bold("Risk tiers")
	table := NewTable(output, "LOSS AT", "TRADE LIMIT", "STOP", "TARGET")
	for _, tier := range cfg.Trading.RiskTiers {
		table.AddRow(
			fmt.Sprintf("%.0f%%", tier.LossThreshold),
			fmt.Sprintf("%.0f%% of account", tier.AccountTradeLimit),
			fmt.Sprintf("-%.0f%%", tier.StopLoss),
			fmt.Sprintf("+%.0f%%", tier.ProfitGain),
		)
	}
	table.Render()
	output.Println()

	output.Bold("Journal")
	output.Printf("  database:    %s\n", journalPath(cfg))
	return nil
}

// journalPath resolves the journal database location.
func journalPath(cfg *config.Config) string {
	if cfg.Journal.DBPath != "" {
		return cfg.Journal.DBPath
	}
	return filepath.Join(config.DefaultConfigDir(), "journal.db")
}
