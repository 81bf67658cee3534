// Package trading implements the order side of the engine: position
// sizing against drawdown tiers and the pattern day trading buffer,
// bracket orders with shared OCA groups, chase exits, runner logic, and
// the panic flatten.
package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ibkr-trader/internal/broker"
	"ibkr-trader/internal/bus"
	"ibkr-trader/internal/config"
	apperrors "ibkr-trader/internal/errors"
	"ibkr-trader/internal/logging"
	"ibkr-trader/internal/metrics"
	"ibkr-trader/internal/models"
)

// Config holds trading manager settings.
type Config struct {
	Underlying      string
	Currency        string
	MaxTradeValue   float64
	TradeDelta      float64
	ChaseTimeout    time.Duration
	RunnerContracts int
	RiskTiers       []config.RiskTier
}

// Journal records finished trades. The store implements it; tests stub it.
type Journal interface {
	RecordTrade(trade models.Trade) error
}

type chaseState struct {
	orderID  int64
	contract models.Contract
	timer    *time.Timer
}

// Manager owns order flow for the engine.
type Manager struct {
	eb      *bus.Bus
	b       broker.Broker
	journal Journal
	cfg     Config
	logger  zerolog.Logger

	ctx context.Context

	mu        sync.Mutex
	account   models.AccountSummary
	positions map[string]*models.Position
	quotes    map[string]models.OptionQuote
	brackets  map[int64]*models.Bracket // keyed by parent order ID
	byChild   map[int64]int64           // bracket leg ID -> parent ID
	pending   map[string]bool           // contract IDs with a buy in flight
	chases    map[int64]*chaseState
	chaseOut  map[string]bool          // contract IDs exiting via a chase market order
	entries   map[string]*models.Trade // open trade per contract ID
	panicked  bool
}

// NewManager creates a trading manager. journal may be nil.
func NewManager(eb *bus.Bus, b broker.Broker, journal Journal, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.ChaseTimeout <= 0 {
		cfg.ChaseTimeout = 10 * time.Second
	}
	return &Manager{
		eb:        eb,
		b:         b,
		journal:   journal,
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "trading"),
		positions: make(map[string]*models.Position),
		quotes:    make(map[string]models.OptionQuote),
		brackets:  make(map[int64]*models.Bracket),
		byChild:   make(map[int64]int64),
		pending:   make(map[string]bool),
		chases:    make(map[int64]*chaseState),
		chaseOut:  make(map[string]bool),
		entries:   make(map[string]*models.Trade),
	}
}

// Start registers the bus handlers.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx

	m.eb.Subscribe(bus.EventAccountSummary, func(ev bus.Event) error {
		if summary, ok := ev.Payload.(models.AccountSummary); ok {
			m.mu.Lock()
			m.account = summary
			m.mu.Unlock()
		}
		return nil
	}, bus.PriorityHigh)

	m.eb.Subscribe(bus.EventTickOption, func(ev bus.Event) error {
		if quote, ok := ev.Payload.(models.OptionQuote); ok {
			m.mu.Lock()
			m.quotes[quote.Contract.ID()] = quote
			m.mu.Unlock()
		}
		return nil
	}, bus.PriorityHigh)

	m.eb.Subscribe(bus.EventPositionUpdate, func(ev bus.Event) error {
		if pos, ok := ev.Payload.(models.Position); ok && pos.Contract.IsOption() {
			m.mu.Lock()
			p := pos
			m.positions[pos.Contract.ID()] = &p
			m.mu.Unlock()
		}
		return nil
	}, bus.PriorityNormal)

	m.eb.Subscribe(bus.EventOrderFill, func(ev bus.Event) error {
		if fill, ok := ev.Payload.(models.Fill); ok {
			m.onFill(fill)
		}
		return nil
	}, bus.PriorityCritical)

	m.eb.Subscribe(bus.EventOrderStatus, func(ev bus.Event) error {
		if order, ok := ev.Payload.(models.Order); ok {
			m.onOrderStatus(order)
		}
		return nil
	}, bus.PriorityHigh)

	m.eb.Subscribe(bus.EventPanicSell, func(bus.Event) error {
		go func() {
			if err := m.Panic(m.ctx); err != nil {
				m.logger.Error().Err(err).Msg("panic flatten failed")
			}
		}()
		return nil
	}, bus.PriorityCritical)
}

// Positions returns a snapshot of tracked positions.
func (m *Manager) Positions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Buy opens a position in the given option with a market order sized by
// the three-limit calculation. Only one position may be open at a time.
func (m *Manager) Buy(ctx context.Context, contract models.Contract) (*models.Order, error) {
	m.mu.Lock()
	if m.panicked {
		m.mu.Unlock()
		return nil, fmt.Errorf("panic flatten active: %w", apperrors.ErrInvalidOrder)
	}
	if len(m.positions) > 0 {
		m.mu.Unlock()
		return nil, apperrors.ErrPositionExists
	}
	quote, ok := m.quotes[contract.ID()]
	account := m.account
	m.mu.Unlock()

	if !ok || quote.Ask <= 0 {
		return nil, fmt.Errorf("%s: %w", contract.ID(), apperrors.ErrNoMarketData)
	}

	qty := orderQuantity(quote.Ask, m.cfg.MaxTradeValue, account.NetLiquidation,
		account.DailyPnLPercent(), m.cfg.Currency, m.cfg.RiskTiers)
	if qty == 0 {
		return nil, fmt.Errorf("cannot size order at ask %.2f: %w", quote.Ask, apperrors.ErrInvalidOrder)
	}

	order := &models.Order{
		ClientID:     uuid.NewString(),
		Contract:     contract,
		Side:         models.OrderSideBuy,
		Type:         models.OrderTypeMarket,
		Quantity:     qty,
		TIF:          models.TIFDay,
		AlgoStrategy: "Adaptive",
		AlgoPriority: "Normal",
	}

	// Registered before submission so the fill handler recognizes it even
	// when the broker fills inline.
	m.mu.Lock()
	m.pending[contract.ID()] = true
	m.mu.Unlock()

	id, err := m.b.PlaceOrder(ctx, order)
	if err != nil {
		m.mu.Lock()
		delete(m.pending, contract.ID())
		m.mu.Unlock()
		return nil, err
	}
	m.eb.Delays().StartOrder(id)

	logging.LogOrder(m.logger, id, contract.ID(), string(order.Side), string(order.Type), string(order.Status))
	metrics.IncOrderPlaced(string(order.Side), string(order.Type))
	m.eb.Publish(bus.EventOrderPlace, *order, bus.PriorityCritical)
	return order, nil
}

// Sell exits a position with a chased limit order: it rests at the mid
// less the configured delta, and any remainder converts to a market order
// after the chase timeout. Profitable positions keep the configured
// runner contracts.
func (m *Manager) Sell(ctx context.Context, contract models.Contract) (*models.Order, error) {
	m.mu.Lock()
	pos, ok := m.positions[contract.ID()]
	if !ok || pos.Quantity <= 0 {
		m.mu.Unlock()
		return nil, apperrors.ErrNoPosition
	}
	quantity := pos.Quantity
	profitable := pos.PnL > 0
	quote, hasQuote := m.quotes[contract.ID()]
	m.mu.Unlock()

	if !hasQuote {
		return nil, fmt.Errorf("%s: %w", contract.ID(), apperrors.ErrNoMarketData)
	}

	// On a winner, leave runner contracts behind but always sell at least one.
	if profitable && m.cfg.RunnerContracts > 0 && quantity > 1 {
		sell := quantity - m.cfg.RunnerContracts
		if sell < 1 {
			sell = 1
		}
		m.logger.Info().Int("keeping", quantity-sell).Int("selling", sell).
			Msg("runner logic engaged")
		quantity = sell
	}

	mid := (quote.Bid + quote.Ask) / 2
	if mid <= 0 {
		mid = quote.Last
	}
	if mid <= 0 {
		return nil, fmt.Errorf("%s: %w", contract.ID(), apperrors.ErrInvalidPrice)
	}
	limitPrice := RoundToTick(mid - m.cfg.TradeDelta)

	// Brackets would race the manual exit; take them down first.
	m.cancelBracketsFor(ctx, contract)

	order := &models.Order{
		ClientID:   uuid.NewString(),
		Contract:   contract,
		Side:       models.OrderSideSell,
		Type:       models.OrderTypeLimit,
		Quantity:   quantity,
		LimitPrice: limitPrice,
		TIF:        models.TIFDay,
	}

	id, err := m.b.PlaceOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	m.eb.Delays().StartOrder(id)

	chase := &chaseState{orderID: id, contract: contract}
	chase.timer = time.AfterFunc(m.cfg.ChaseTimeout, func() { m.finishChase(id) })
	m.mu.Lock()
	m.chases[id] = chase
	m.mu.Unlock()

	logging.LogOrder(m.logger, id, contract.ID(), string(order.Side), string(order.Type), string(order.Status))
	metrics.IncOrderPlaced(string(order.Side), string(order.Type))
	m.eb.Publish(bus.EventPositionSell, *order, bus.PriorityCritical)
	return order, nil
}

// finishChase cancels a resting chase limit and market-sells whatever is
// still unfilled.
func (m *Manager) finishChase(orderID int64) {
	m.mu.Lock()
	chase, ok := m.chases[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.chases, orderID)
	pos := m.positions[chase.contract.ID()]
	m.mu.Unlock()

	ctx := m.ctx
	if err := m.b.CancelOrder(ctx, orderID); err != nil {
		m.logger.Warn().Int64("order_id", orderID).Err(err).Msg("chase cancel failed")
	}
	m.eb.Publish(bus.EventOrderCancel, orderID, bus.PriorityCritical)

	if pos == nil || pos.Quantity <= 0 {
		return
	}

	m.logger.Info().Int64("order_id", orderID).Int("remaining", pos.Quantity).
		Msg("chase timed out, converting to market")

	order := &models.Order{
		ClientID: uuid.NewString(),
		Contract: chase.contract,
		Side:     models.OrderSideSell,
		Type:     models.OrderTypeMarket,
		Quantity: pos.Quantity,
		TIF:      models.TIFDay,
	}
	// The remainder still exits under the chase, keep the attribution. The
	// flag is set before the order goes out because a paper fill arrives
	// inline, ahead of the returned order ID.
	m.mu.Lock()
	m.chaseOut[chase.contract.ID()] = true
	m.mu.Unlock()
	id, err := m.b.PlaceOrder(ctx, order)
	if err != nil {
		m.logger.Error().Err(err).Msg("chase market order failed")
		m.mu.Lock()
		delete(m.chaseOut, chase.contract.ID())
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	m.chases[id] = &chaseState{orderID: id, contract: chase.contract}
	m.mu.Unlock()
	metrics.IncOrderPlaced(string(order.Side), string(order.Type))
}

// Stop releases chase timers. The bus owns handler teardown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chase := range m.chases {
		if chase.timer != nil {
			chase.timer.Stop()
		}
	}
	m.chases = make(map[int64]*chaseState)
	m.chaseOut = make(map[string]bool)
}

// Panic flattens the book: every open order is cancelled and every
// position market-sold. Further buys are refused until ClearPanic.
func (m *Manager) Panic(ctx context.Context) error {
	m.mu.Lock()
	m.panicked = true
	for _, chase := range m.chases {
		if chase.timer != nil {
			chase.timer.Stop()
		}
	}
	m.chases = make(map[int64]*chaseState)
	positions := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		positions = append(positions, *p)
	}
	m.brackets = make(map[int64]*models.Bracket)
	m.byChild = make(map[int64]int64)
	m.mu.Unlock()

	m.logger.Warn().Int("positions", len(positions)).Msg("panic flatten")

	open, err := m.b.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}
	for _, o := range open {
		if err := m.b.CancelOrder(ctx, o.ID); err != nil {
			m.logger.Warn().Int64("order_id", o.ID).Err(err).Msg("panic cancel failed")
		}
	}

	var firstErr error
	for _, pos := range positions {
		order := &models.Order{
			ClientID: uuid.NewString(),
			Contract: pos.Contract,
			Side:     models.OrderSideSell,
			Type:     models.OrderTypeMarket,
			Quantity: pos.Quantity,
			TIF:      models.TIFDay,
		}
		if _, err := m.b.PlaceOrder(ctx, order); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ClearPanic re-enables trading after a flatten.
func (m *Manager) ClearPanic() {
	m.mu.Lock()
	m.panicked = false
	m.mu.Unlock()
}

// onOrderStatus completes the delay sample on the first acknowledgment.
func (m *Manager) onOrderStatus(order models.Order) {
	if order.Status == models.OrderStatusSubmitted {
		m.eb.Delays().CompleteOrder(order.ID)
	}
}

func (m *Manager) onFill(fill models.Fill) {
	metrics.IncFill(string(fill.Side))
	logging.LogFill(m.logger, fill.OrderID, fill.Contract.ID(), fill.Quantity, fill.Remaining, fill.Price)

	if fill.Side == models.OrderSideBuy {
		m.onBuyFill(fill)
		return
	}
	m.onSellFill(fill)
}

// onBuyFill opens or grows position tracking and (re)builds the brackets
// at the filled size.
func (m *Manager) onBuyFill(fill models.Fill) {
	key := fill.Contract.ID()

	m.mu.Lock()
	if !m.pending[key] {
		// Not a buy this manager placed.
		m.mu.Unlock()
		return
	}
	if !fill.Partial() {
		delete(m.pending, key)
	}

	pos := m.positions[key]
	if pos == nil {
		pos = &models.Position{Contract: fill.Contract, OpenedAt: fill.Timestamp}
		m.positions[key] = pos
	}
	total := pos.AveragePrice*float64(pos.Quantity) + fill.Price*float64(fill.Quantity)
	pos.Quantity += fill.Quantity
	pos.AveragePrice = total / float64(pos.Quantity)
	quantity := pos.Quantity
	entry := pos.AveragePrice

	if m.entries[key] == nil {
		m.entries[key] = &models.Trade{
			ID:        uuid.NewString(),
			Symbol:    fill.Contract.Symbol,
			Right:     string(fill.Contract.Right),
			Strike:    fill.Contract.Strike,
			Expiry:    fill.Contract.Expiry,
			EnteredAt: fill.Timestamp,
		}
	}
	m.entries[key].Quantity = quantity
	m.entries[key].EntryPrice = entry
	m.mu.Unlock()

	// Partial fills rebuild the brackets at the new position size.
	if err := m.placeBrackets(m.ctx, fill.Contract, quantity, entry); err != nil {
		m.logger.Error().Err(err).Msg("bracket placement failed")
	}
}

// onSellFill books the exit, cancels sibling bracket legs, and clears
// chase state once the position is flat.
func (m *Manager) onSellFill(fill models.Fill) {
	key := fill.Contract.ID()

	m.mu.Lock()
	pos := m.positions[key]
	if pos == nil {
		m.mu.Unlock()
		return
	}
	pos.Quantity -= fill.Quantity
	flat := pos.Quantity <= 0
	if flat {
		delete(m.positions, key)
	}

	reason := "manual"
	var siblingID int64
	if parentID, isLeg := m.byChild[fill.OrderID]; isLeg {
		bracket := m.brackets[parentID]
		if bracket != nil {
			if fill.OrderID == bracket.StopLossID {
				reason = "stop_loss"
				siblingID = bracket.TakeProfitID
			} else {
				reason = "take_profit"
				siblingID = bracket.StopLossID
			}
			delete(m.brackets, parentID)
			delete(m.byChild, bracket.StopLossID)
			delete(m.byChild, bracket.TakeProfitID)
		}
	} else if _, isChase := m.chases[fill.OrderID]; isChase || m.chaseOut[key] {
		reason = "chase"
		if flat {
			if chase := m.chases[fill.OrderID]; chase != nil && chase.timer != nil {
				chase.timer.Stop()
			}
			delete(m.chases, fill.OrderID)
			delete(m.chaseOut, key)
		}
	} else if m.panicked {
		reason = "panic"
	}

	var finished *models.Trade
	if trade := m.entries[key]; trade != nil && flat {
		trade.ExitPrice = fill.Price
		trade.ExitedAt = fill.Timestamp
		trade.ExitReason = reason
		trade.PnL = (trade.ExitPrice - trade.EntryPrice) * float64(trade.Quantity) * 100
		if trade.EntryPrice > 0 {
			trade.PnLPercent = (trade.ExitPrice - trade.EntryPrice) / trade.EntryPrice * 100
		}
		finished = trade
		delete(m.entries, key)
	}
	m.mu.Unlock()

	// OCA handles the sibling at the exchange; the paper broker and any
	// stragglers get an explicit cancel.
	if siblingID != 0 {
		if err := m.b.CancelOrder(m.ctx, siblingID); err != nil {
			m.logger.Debug().Int64("order_id", siblingID).Err(err).Msg("sibling cancel")
		}
	}
	if flat && reason != "chase" {
		m.cancelBracketsFor(m.ctx, fill.Contract)
	}

	if finished != nil {
		m.logger.Info().Str("reason", finished.ExitReason).Float64("pnl", finished.PnL).
			Msg("trade closed")
		if m.journal != nil {
			if err := m.journal.RecordTrade(*finished); err != nil {
				m.logger.Error().Err(err).Msg("journal write failed")
			}
		}
	}
}

// placeBrackets protects a position with a GTC stop loss and take profit
// in one OCA group, priced from the current drawdown tier.
func (m *Manager) placeBrackets(ctx context.Context, contract models.Contract, quantity int, entry float64) error {
	m.cancelBracketsFor(ctx, contract)

	m.mu.Lock()
	account := m.account
	m.mu.Unlock()
	tier := tierFor(m.cfg.RiskTiers, account.DailyPnLPercent())

	stopPrice := RoundToTick(entry * (1 - tier.StopLoss/100))
	profitPrice := RoundToTick(entry * (1 + tier.ProfitGain/100))
	ocaGroup := "OCA_" + uuid.NewString()

	stop := &models.Order{
		ClientID:  uuid.NewString(),
		Contract:  contract,
		Side:      models.OrderSideSell,
		Type:      models.OrderTypeStop,
		Quantity:  quantity,
		StopPrice: stopPrice,
		TIF:       models.TIFGTC,
		OCAGroup:  ocaGroup,
		OCAType:   1,
	}
	stopID, err := m.b.PlaceOrder(ctx, stop)
	if err != nil {
		return fmt.Errorf("stop loss: %w", err)
	}

	profit := &models.Order{
		ClientID:   uuid.NewString(),
		Contract:   contract,
		Side:       models.OrderSideSell,
		Type:       models.OrderTypeLimit,
		Quantity:   quantity,
		LimitPrice: profitPrice,
		TIF:        models.TIFGTC,
		OCAGroup:   ocaGroup,
		OCAType:    1,
	}
	profitID, err := m.b.PlaceOrder(ctx, profit)
	if err != nil {
		// A lone stop still protects the downside; keep it.
		m.logger.Error().Err(err).Msg("take profit leg failed, stop loss kept")
	}

	bracket := &models.Bracket{
		ParentID:     stopID,
		StopLossID:   stopID,
		TakeProfitID: profitID,
		Contract:     contract,
		Quantity:     quantity,
		EntryPrice:   entry,
		Right:        contract.Right,
	}

	m.mu.Lock()
	m.brackets[bracket.ParentID] = bracket
	m.byChild[stopID] = bracket.ParentID
	if profitID != 0 {
		m.byChild[profitID] = bracket.ParentID
	}
	m.mu.Unlock()

	m.logger.Info().Float64("stop", stopPrice).Float64("target", profitPrice).
		Int("quantity", quantity).Msg("brackets placed")
	return nil
}

// cancelBracketsFor takes down every bracket leg protecting a contract.
func (m *Manager) cancelBracketsFor(ctx context.Context, contract models.Contract) {
	m.mu.Lock()
	var legs []int64
	for parentID, bracket := range m.brackets {
		if bracket.Contract.ID() != contract.ID() {
			continue
		}
		if bracket.HasStopLoss() {
			legs = append(legs, bracket.StopLossID)
		}
		if bracket.HasTakeProfit() {
			legs = append(legs, bracket.TakeProfitID)
		}
		delete(m.brackets, parentID)
		delete(m.byChild, bracket.StopLossID)
		delete(m.byChild, bracket.TakeProfitID)
	}
	m.mu.Unlock()

	for _, id := range legs {
		if err := m.b.CancelOrder(ctx, id); err != nil {
			m.logger.Debug().Int64("order_id", id).Err(err).Msg("bracket cancel")
		}
	}
}

// Brackets returns the active bracket for a contract, nil when none.
func (m *Manager) Brackets(contract models.Contract) *models.Bracket {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.brackets {
		if b.Contract.ID() == contract.ID() {
			out := *b
			return &out
		}
	}
	return nil
}
