package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ibkr-trader/internal/broker"
	"ibkr-trader/internal/bus"
	"ibkr-trader/internal/config"
	"ibkr-trader/internal/metrics"
	"ibkr-trader/internal/models"
	"ibkr-trader/internal/store"
	"ibkr-trader/internal/subscription"
	"ibkr-trader/internal/trading"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading engine",
		Long: `Start the engine: connect to the gateway, stream market data for the
configured underlying and its at-the-money option pair, and manage orders
until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paper, _ := cmd.Flags().GetBool("paper")
			if paper {
				app.Config.Trading.Mode = "paper"
			}
			return runEngine(cmd, app)
		},
	}
	cmd.Flags().Bool("paper", false, "force paper trading mode")
	return cmd
}

func runEngine(cmd *cobra.Command, app *App) error {
	output := NewOutput(cmd)
	cfg := app.Config
	logger := app.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eb := bus.NewWithConfig(busConfig(cfg), logger)
	eb.Start()
	defer eb.Close()

	journal, err := store.NewSQLiteJournal(journalPath(cfg))
	if err != nil {
		return err
	}
	defer journal.Close()

	b := newBroker(cfg, logger)
	wireBroker(eb, b)

	sub := subscription.NewManager(eb, b, subscription.Config{
		Underlying: cfg.Trading.Underlying,
		Currency:   cfg.Account.Currency,
	}, logger)
	sub.Start(ctx)
	defer sub.Stop()

	tm := trading.NewManager(eb, b, journal, trading.Config{
		Underlying:      cfg.Trading.Underlying,
		Currency:        cfg.Account.Currency,
		MaxTradeValue:   cfg.Trading.MaxTradeValue,
		TradeDelta:      cfg.Trading.TradeDelta,
		ChaseTimeout:    cfg.Trading.ChaseTimeout,
		RunnerContracts: cfg.Trading.RunnerContracts,
		RiskTiers:       cfg.Trading.RiskTiers,
	}, logger)
	tm.Start(ctx)
	defer tm.Stop()

	stopMetrics := startMetricsServer(cfg, app)
	defer stopMetrics()

	cm := broker.NewConnectionManager(b, eb, broker.ReconnectConfig{
		BaseDelay:   cfg.Connection.ReconnectDelay,
		MaxDelay:    cfg.Connection.MaxReconnectDelay,
		MaxAttempts: cfg.Connection.MaxReconnects,
	}, logger)

	output.Info("engine started in %s mode, underlying %s", cfg.Trading.Mode, cfg.Trading.Underlying)
	logger.Info().
		Str("mode", cfg.Trading.Mode).
		Str("underlying", cfg.Trading.Underlying).
		Msg("engine starting")

	err = cm.Run(ctx)
	if ctx.Err() != nil {
		// Interrupted; a reconnect error during shutdown is expected noise.
		err = nil
	}

	output.Info("shutting down")
	if derr := b.Disconnect(context.Background()); derr != nil {
		logger.Warn().Err(derr).Msg("disconnect during shutdown")
	}
	return err
}

// busConfig maps the file configuration onto bus tuning, keeping defaults
// for anything unset.
func busConfig(cfg *config.Config) bus.Config {
	busCfg := bus.DefaultConfig()
	if cfg.Bus.Workers > 0 {
		busCfg.Workers = cfg.Bus.Workers
	}
	if cfg.Bus.QueueSize > 0 {
		busCfg.QueueSize = cfg.Bus.QueueSize
	}
	if cfg.Bus.MaxEventsPerSecond > 0 {
		busCfg.Throttle.InitialEventsPerSecond = cfg.Bus.MaxEventsPerSecond
	}
	if cfg.Bus.MinEventsPerSecond > 0 {
		busCfg.Throttle.MinEventsPerSecond = cfg.Bus.MinEventsPerSecond
	}
	if cfg.Bus.MaxThrottle > 0 {
		busCfg.Throttle.MaxEventsPerSecond = cfg.Bus.MaxThrottle
	}
	if cfg.Bus.SampleWindow > 0 {
		busCfg.SampleWindow = cfg.Bus.SampleWindow
	}
	if cfg.Bus.MaxOrderDelay > 0 {
		busCfg.MaxOrderDelay = cfg.Bus.MaxOrderDelay
	}
	if cfg.Bus.MonitorInterval > 0 {
		busCfg.MonitorInterval = cfg.Bus.MonitorInterval
	}
	return busCfg
}

func newBroker(cfg *config.Config, logger zerolog.Logger) broker.Broker {
	if cfg.IsPaperMode() {
		return broker.NewPaperBroker(broker.PaperConfig{
			Currency: cfg.Account.Currency,
		})
	}
	return broker.NewGateway(broker.GatewayConfig{
		BaseURL:   cfg.Connection.GatewayURL,
		AccountID: cfg.Account.ID,
		KeepAlive: cfg.Connection.KeepAlive,
		Currency:  cfg.Account.Currency,
	}, logger)
}

// wireBroker forwards broker callbacks onto the bus at the priorities the
// dispatch lanes expect.
func wireBroker(eb *bus.Bus, b broker.Broker) {
	b.OnTick(func(tick models.Tick) {
		eb.Publish(bus.EventTickPrice, tick, bus.PriorityHigh)
	})
	b.OnOptionQuote(func(quote models.OptionQuote) {
		eb.Publish(bus.EventTickOption, quote, bus.PriorityHigh)
	})
	b.OnOrderStatus(func(order models.Order) {
		eb.Publish(bus.EventOrderStatus, order, bus.PriorityHigh)
	})
	b.OnFill(func(fill models.Fill) {
		eb.Publish(bus.EventOrderFill, fill, bus.PriorityCritical)
	})
	b.OnError(func(err error) {
		eb.Publish(bus.EventGatewayError, err, bus.PriorityHigh)
	})
}

// startMetricsServer serves /metrics when enabled, returning a shutdown
// function.
func startMetricsServer(cfg *config.Config, app *App) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics server failed")
		}
	}()
	app.Logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}
