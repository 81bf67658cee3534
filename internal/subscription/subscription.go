// Package subscription drives the market data state machine: it reacts to
// session transitions on the bus, subscribes the underlying and the
// at-the-money option pair, and keeps selections fresh as the price moves
// and the trading day rolls past noon.
package subscription

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/broker"
	"ibkr-trader/internal/bus"
	apperrors "ibkr-trader/internal/errors"
	"ibkr-trader/internal/logging"
	"ibkr-trader/internal/metrics"
	"ibkr-trader/internal/models"
	"ibkr-trader/pkg/utils"
)

// State names the phases of the subscription lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSubscribing  State = "subscribing"
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
)

var allStates = []string{
	string(StateDisconnected), string(StateConnecting), string(StateConnected),
	string(StateSubscribing), string(StateSubscribed), string(StateError),
}

// Selection is the option pair currently subscribed for trading, published
// on the bus as EventContractSelected.
type Selection struct {
	Call   models.Contract
	Put    models.Contract
	Expiry string
	Strike float64
}

// Config holds subscription manager settings.
type Config struct {
	Underlying string
	// Currency is the account base currency; non-USD accounts also
	// subscribe the conversion pair.
	Currency string
}

// Manager owns the subscription state machine.
type Manager struct {
	eb     *bus.Bus
	b      broker.Broker
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	price     float64
	chain     *models.OptionChain
	selection *Selection
	active    map[string]models.Contract
	noonTimer *time.Timer
}

// NewManager creates a subscription manager.
func NewManager(eb *bus.Bus, b broker.Broker, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		eb:     eb,
		b:      b,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "subscription"),
		now:    time.Now,
		state:  StateDisconnected,
		active: make(map[string]models.Contract),
	}
}

// Start registers the bus handlers and arms the noon rollover.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.eb.Subscribe(bus.EventConnected, func(bus.Event) error {
		go m.bootstrap()
		return nil
	}, bus.PriorityCritical)

	m.eb.Subscribe(bus.EventDisconnected, func(bus.Event) error {
		m.reset()
		return nil
	}, bus.PriorityCritical)

	m.eb.Subscribe(bus.EventTickPrice, func(ev bus.Event) error {
		tick, ok := ev.Payload.(models.Tick)
		if !ok {
			return nil
		}
		m.onTick(tick)
		return nil
	}, bus.PriorityHigh)

	m.eb.Subscribe(bus.EventOrderFill, func(ev bus.Event) error {
		fill, ok := ev.Payload.(models.Fill)
		if !ok {
			return nil
		}
		m.onFill(fill)
		return nil
	}, bus.PriorityHigh)

	m.eb.Subscribe(bus.EventOrderPlace, func(ev bus.Event) error {
		order, ok := ev.Payload.(models.Order)
		if ok && order.Contract.IsOption() {
			m.track(order.Contract)
		}
		return nil
	}, bus.PriorityNormal)

	m.scheduleNoonRollover()
	m.setState(StateConnecting)
}

// Stop cancels in-flight work and the rollover timer.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	if m.noonTimer != nil {
		m.noonTimer.Stop()
	}
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentSelection returns the subscribed option pair, nil before the
// first selection.
func (m *Manager) CurrentSelection() *Selection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selection == nil {
		return nil
	}
	sel := *m.selection
	return &sel
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev != s {
		m.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("state change")
		metrics.SetConnectionState(string(s), allStates)
	}
}

// retryCfg builds the per-call retry policy: invalid contracts are never
// retried and pacing violations back off twice as hard.
func retryCfg() utils.RetryConfig {
	cfg := utils.DefaultRetryConfig()
	cfg.MaxAttempts = 5
	cfg.InitialDelay = 500 * time.Millisecond
	cfg.MaxDelay = 30 * time.Second
	cfg.ShouldRetry = func(err error) bool {
		if apperrors.Is(err, apperrors.ErrInvalidContract) {
			return false
		}
		var gwErr *apperrors.GatewayError
		if apperrors.As(err, &gwErr) {
			return gwErr.RecoveryStrategy() != apperrors.RecoveryDoNotRetry
		}
		return true
	}
	cfg.DelayMultiplier = func(err error) float64 {
		if apperrors.Is(err, apperrors.ErrPacingViolation) {
			return 2
		}
		var gwErr *apperrors.GatewayError
		if apperrors.As(err, &gwErr) && gwErr.Category() == apperrors.CategoryPacing {
			return 2
		}
		return 1
	}
	return cfg
}

// bootstrap runs the full connect sequence: account state, underlying and
// forex subscriptions, option chain, and the initial pair selection.
func (m *Manager) bootstrap() {
	ctx := m.ctx
	m.setState(StateConnected)

	summary, err := utils.RetryWithResult(ctx, retryCfg(), func() (*models.AccountSummary, error) {
		return m.b.AccountSummary(ctx)
	})
	if err != nil {
		m.fail("account summary", err)
		return
	}
	if m.cfg.Currency == "" {
		m.cfg.Currency = summary.Currency
	}
	m.eb.Publish(bus.EventAccountSummary, *summary, bus.PriorityHigh)
	m.eb.Publish(bus.EventPnLUpdate, summary.DailyPnL, bus.PriorityNormal)

	positions, err := utils.RetryWithResult(ctx, retryCfg(), func() ([]models.Position, error) {
		return m.b.Positions(ctx)
	})
	if err != nil {
		m.fail("positions", err)
		return
	}
	for _, pos := range positions {
		if pos.Contract.IsOption() {
			m.track(pos.Contract)
		}
		m.eb.Publish(bus.EventPositionUpdate, pos, bus.PriorityNormal)
	}

	openOrders, err := utils.RetryWithResult(ctx, retryCfg(), func() ([]models.Order, error) {
		return m.b.OpenOrders(ctx)
	})
	if err != nil {
		m.fail("open orders", err)
		return
	}
	for _, o := range openOrders {
		if o.Contract.IsOption() {
			m.track(o.Contract)
		}
	}

	m.setState(StateSubscribing)

	underlying := models.NewStockContract(m.cfg.Underlying)
	if err := utils.Retry(ctx, retryCfg(), func() error {
		return m.b.SubscribeMarketData(ctx, underlying)
	}); err != nil {
		m.fail("underlying subscription", err)
		return
	}

	if m.cfg.Currency != "" && m.cfg.Currency != "USD" {
		forex := models.NewForexContract("USD", m.cfg.Currency)
		if err := utils.Retry(ctx, retryCfg(), func() error {
			return m.b.SubscribeMarketData(ctx, forex)
		}); err != nil {
			// Conversion data is a convenience; trading proceeds without it.
			m.logger.Warn().Err(err).Msg("forex subscription failed")
		}
	}

	chain, err := utils.RetryWithResult(ctx, retryCfg(), func() (*models.OptionChain, error) {
		return m.b.OptionChain(ctx, m.cfg.Underlying)
	})
	if err != nil {
		m.fail("option chain", err)
		return
	}

	m.mu.Lock()
	m.chain = chain
	price := m.price
	active := make([]models.Contract, 0, len(m.active))
	for _, c := range m.active {
		active = append(active, c)
	}
	m.mu.Unlock()

	m.eb.Publish(bus.EventChainReceived, *chain, bus.PriorityNormal)

	// Tracked contracts survive reconnects.
	for _, c := range active {
		if err := m.b.SubscribeMarketData(ctx, c); err != nil {
			m.logger.Warn().Str("contract", c.ID()).Err(err).Msg("resubscribe failed")
		}
	}

	if price > 0 {
		m.selectPair(price)
	}
	m.setState(StateSubscribed)
}

func (m *Manager) fail(stage string, err error) {
	m.logger.Error().Str("stage", stage).Err(err).Msg("bootstrap failed")
	m.setState(StateError)
	m.eb.Publish(bus.EventGatewayError, err, bus.PriorityHigh)
}

// reset clears subscriptions after a session loss. Tracked active
// contracts are kept so the next bootstrap can restore them.
func (m *Manager) reset() {
	m.mu.Lock()
	m.chain = nil
	m.selection = nil
	m.price = 0
	m.mu.Unlock()
	m.setState(StateDisconnected)
}

func (m *Manager) onTick(tick models.Tick) {
	if tick.Contract.SecType == models.SecTypeForex {
		m.eb.Publish(bus.EventForexUpdate, models.ForexRate{
			Base:      tick.Contract.Symbol,
			Quote:     tick.Contract.Currency,
			Rate:      tick.Mid(),
			Timestamp: tick.Timestamp,
		}, bus.PriorityLow)
		return
	}

	if tick.Contract.Symbol != m.cfg.Underlying || tick.Contract.IsOption() {
		return
	}

	price := tick.Mid()
	if price <= 0 {
		return
	}

	m.mu.Lock()
	m.price = price
	sel := m.selection
	ready := m.chain != nil && m.state == StateSubscribed
	m.mu.Unlock()

	if !ready {
		return
	}
	// Reselect only when the optimal strike actually moves.
	if sel == nil || math.Round(price) != sel.Strike {
		m.selectPair(price)
	}
}

// selectPair picks the expiration and strike for the current price and
// swaps the subscribed call/put pair.
func (m *Manager) selectPair(price float64) {
	m.mu.Lock()
	chain := m.chain
	prev := m.selection
	m.mu.Unlock()
	if chain == nil {
		return
	}

	expiry := SelectExpiration(chain, m.now())
	strike := SelectStrike(chain, price)
	if expiry == "" || strike == 0 {
		return
	}
	if prev != nil && prev.Expiry == expiry && prev.Strike == strike {
		return
	}

	sel := Selection{
		Call:   models.NewOptionContract(m.cfg.Underlying, expiry, strike, models.RightCall),
		Put:    models.NewOptionContract(m.cfg.Underlying, expiry, strike, models.RightPut),
		Expiry: expiry,
		Strike: strike,
	}

	ctx := m.ctx
	if err := m.b.SubscribeMarketData(ctx, sel.Call); err != nil {
		m.logger.Error().Err(err).Msg("call subscription failed")
		return
	}
	if err := m.b.SubscribeMarketData(ctx, sel.Put); err != nil {
		m.logger.Error().Err(err).Msg("put subscription failed")
		return
	}

	if prev != nil {
		m.unsubscribeIfInactive(prev.Call)
		m.unsubscribeIfInactive(prev.Put)
	}

	m.mu.Lock()
	m.selection = &sel
	m.mu.Unlock()

	m.logger.Info().Str("expiry", expiry).Float64("strike", strike).Msg("option pair selected")
	m.eb.Publish(bus.EventContractSelected, sel, bus.PriorityHigh)
}

// unsubscribeIfInactive drops a subscription unless the contract is still
// held or has working orders.
func (m *Manager) unsubscribeIfInactive(c models.Contract) {
	m.mu.Lock()
	_, isActive := m.active[c.ID()]
	m.mu.Unlock()
	if isActive {
		return
	}
	if err := m.b.UnsubscribeMarketData(m.ctx, c); err != nil {
		m.logger.Warn().Str("contract", c.ID()).Err(err).Msg("unsubscribe failed")
	}
	m.eb.ForgetContract(c.ID())
}

// track marks a contract active so it stays subscribed across selections
// and reconnects.
func (m *Manager) track(c models.Contract) {
	m.mu.Lock()
	m.active[c.ID()] = c
	m.mu.Unlock()
}

// onFill deactivates a contract once its sell side fills.
func (m *Manager) onFill(fill models.Fill) {
	if fill.Side != models.OrderSideSell || !fill.Contract.IsOption() || fill.Partial() {
		return
	}

	m.mu.Lock()
	delete(m.active, fill.Contract.ID())
	sel := m.selection
	m.mu.Unlock()

	current := sel != nil && (sel.Call.ID() == fill.Contract.ID() || sel.Put.ID() == fill.Contract.ID())
	if !current {
		m.unsubscribeIfInactive(fill.Contract)
	}
}

// scheduleNoonRollover arms a one-shot reselection at the next 12:00
// Eastern so afternoon trading rolls to next-day expiries.
func (m *Manager) scheduleNoonRollover() {
	next := utils.NextNoonEastern(m.now())
	wait := next.Sub(m.now())

	m.mu.Lock()
	m.noonTimer = time.AfterFunc(wait, func() {
		m.mu.Lock()
		price := m.price
		m.selection = nil // force a fresh selection
		m.mu.Unlock()

		if price > 0 {
			m.logger.Info().Msg("noon rollover, reselecting expiration")
			m.selectPair(price)
		}
		m.scheduleNoonRollover()
	})
	m.mu.Unlock()
}
