package broker

import (
	"context"
	"math"
	"sync"
	"time"

	apperrors "ibkr-trader/internal/errors"
	"ibkr-trader/internal/models"
)

// PaperBroker implements Broker against an in-memory book. Market orders
// fill immediately at the cached price; limit and stop orders rest until a
// tick crosses them. It backs paper mode and the test suites.
type PaperBroker struct {
	handlers

	mu        sync.Mutex
	connected bool
	cash      float64
	currency  string
	dailyPnL  float64

	prices    map[string]models.Tick
	positions map[string]*models.Position
	orders    map[int64]*models.Order
	chain     *models.OptionChain

	nextOrderID int64
}

// PaperConfig holds paper broker settings.
type PaperConfig struct {
	InitialCash float64
	Currency    string
	// Chain seeds OptionChain responses; nil synthesizes one around the
	// cached underlying price at request time.
	Chain *models.OptionChain
}

// NewPaperBroker creates a paper broker.
func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	if cfg.InitialCash == 0 {
		cfg.InitialCash = 25000
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &PaperBroker{
		cash:        cfg.InitialCash,
		currency:    cfg.Currency,
		chain:       cfg.Chain,
		prices:      make(map[string]models.Tick),
		positions:   make(map[string]*models.Position),
		orders:      make(map[int64]*models.Order),
		nextOrderID: 1000,
	}
}

// Connect marks the session up.
func (p *PaperBroker) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.emitConnect()
	return nil
}

// Disconnect marks the session down.
func (p *PaperBroker) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// DropConnection simulates a stream loss: the session goes down and the
// disconnect callback fires, as it would on a broken websocket.
func (p *PaperBroker) DropConnection(err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.emitDisconnect(err)
}

// IsConnected reports the session state.
func (p *PaperBroker) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// AccountSummary reports the simulated account.
func (p *PaperBroker) AccountSummary(ctx context.Context) (*models.AccountSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.cash
	for _, pos := range p.positions {
		value += pos.MarketPrice * float64(pos.Quantity) * contractMultiplier(pos.Contract)
	}
	return &models.AccountSummary{
		AccountID:      "PAPER",
		Currency:       p.currency,
		NetLiquidation: value,
		AvailableFunds: p.cash,
		BuyingPower:    p.cash,
		DailyPnL:       p.dailyPnL,
		UpdatedAt:      time.Now(),
	}, nil
}

// Positions returns the open positions.
func (p *PaperBroker) Positions(ctx context.Context) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// OpenOrders returns resting orders.
func (p *PaperBroker) OpenOrders(ctx context.Context) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		if !o.Terminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

// PlaceOrder accepts an order. Market orders fill at the cached price
// immediately; limit and stop orders rest until UpdateTick crosses them.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order *models.Order) (int64, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return 0, apperrors.ErrNotConnected
	}
	if order.Quantity <= 0 {
		p.mu.Unlock()
		return 0, apperrors.ErrInvalidOrder
	}

	p.nextOrderID++
	id := p.nextOrderID
	o := *order
	o.ID = id
	o.Status = models.OrderStatusSubmitted
	o.RemainingQty = o.Quantity
	o.PlacedAt = time.Now()
	p.orders[id] = &o

	var fill *models.Fill
	if o.Type == models.OrderTypeMarket {
		fill = p.fillLocked(&o, p.marketPriceLocked(o.Contract, o.Side))
	}
	p.mu.Unlock()

	order.ID = id
	order.Status = o.Status
	p.emitOrderStatus(o)
	if fill != nil {
		p.emitFill(*fill)
	}
	return id, nil
}

// CancelOrder cancels a resting order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID int64) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || o.Terminal() {
		p.mu.Unlock()
		return apperrors.ErrInvalidOrder
	}
	o.Status = models.OrderStatusCancelled
	status := *o
	p.mu.Unlock()

	p.emitOrderStatus(status)
	return nil
}

// OptionChain returns the seeded chain or synthesizes one around the
// cached underlying price.
func (p *PaperBroker) OptionChain(ctx context.Context, symbol string) (*models.OptionChain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chain != nil {
		return p.chain, nil
	}

	underlying := models.NewStockContract(symbol)
	tick, ok := p.prices[underlying.ID()]
	if !ok {
		return nil, apperrors.ErrNoMarketData
	}

	chain := &models.OptionChain{Symbol: symbol}
	center := math.Round(tick.Mid())
	for off := -10.0; off <= 10.0; off++ {
		chain.Strikes = append(chain.Strikes, center+off)
	}
	for d := 0; d < 7; d++ {
		day := time.Now().AddDate(0, 0, d)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			chain.Expirations = append(chain.Expirations, day.Format("20060102"))
		}
	}
	return chain, nil
}

// SubscribeMarketData is bookkept only; tests feed prices via UpdateTick.
func (p *PaperBroker) SubscribeMarketData(ctx context.Context, contract models.Contract) error {
	return nil
}

// UnsubscribeMarketData is a no-op.
func (p *PaperBroker) UnsubscribeMarketData(ctx context.Context, contract models.Contract) error {
	return nil
}

// UpdateTick caches a price, triggers resting orders, and republishes the
// tick through the data handlers.
func (p *PaperBroker) UpdateTick(tick models.Tick) {
	p.mu.Lock()
	p.prices[tick.Contract.ID()] = tick
	for _, pos := range p.positions {
		if pos.Contract.ID() == tick.Contract.ID() {
			pos.MarketPrice = tick.Mid()
			mult := contractMultiplier(pos.Contract)
			pos.PnL = (pos.MarketPrice - pos.AveragePrice) * float64(pos.Quantity) * mult
			if pos.AveragePrice > 0 {
				pos.PnLPercent = (pos.MarketPrice - pos.AveragePrice) / pos.AveragePrice * 100
			}
		}
	}
	fills := p.triggerRestingLocked(tick)
	p.mu.Unlock()

	if tick.Contract.IsOption() {
		p.emitOptionQuote(models.OptionQuote{
			Contract:  tick.Contract,
			Last:      tick.Last,
			Bid:       tick.Bid,
			Ask:       tick.Ask,
			Volume:    tick.Volume,
			Timestamp: tick.Timestamp,
		})
	} else {
		p.emitTick(tick)
	}
	for _, f := range fills {
		p.emitFill(f)
	}
}

// triggerRestingLocked fills resting orders the tick crosses.
func (p *PaperBroker) triggerRestingLocked(tick models.Tick) []models.Fill {
	var fills []models.Fill
	for _, o := range p.orders {
		if o.Terminal() || o.Contract.ID() != tick.Contract.ID() {
			continue
		}
		price := tick.Mid()
		switch o.Type {
		case models.OrderTypeLimit:
			if (o.Side == models.OrderSideBuy && price <= o.LimitPrice) ||
				(o.Side == models.OrderSideSell && price >= o.LimitPrice) {
				fills = append(fills, *p.fillLocked(o, o.LimitPrice))
			}
		case models.OrderTypeStop:
			if (o.Side == models.OrderSideSell && price <= o.StopPrice) ||
				(o.Side == models.OrderSideBuy && price >= o.StopPrice) {
				fills = append(fills, *p.fillLocked(o, price))
			}
		}
	}
	return fills
}

// fillLocked fills an order completely at the given price and books the
// position and cash movement.
func (p *PaperBroker) fillLocked(o *models.Order, price float64) *models.Fill {
	mult := contractMultiplier(o.Contract)
	qty := o.RemainingQty

	o.Status = models.OrderStatusFilled
	o.FilledQty = o.Quantity
	o.RemainingQty = 0
	o.AvgFillPrice = price

	key := o.Contract.ID()
	pos := p.positions[key]
	if o.Side == models.OrderSideBuy {
		p.cash -= price * float64(qty) * mult
		if pos == nil {
			p.positions[key] = &models.Position{
				Contract:     o.Contract,
				Quantity:     qty,
				AveragePrice: price,
				MarketPrice:  price,
				OpenedAt:     time.Now(),
			}
		} else {
			total := float64(pos.Quantity)*pos.AveragePrice + float64(qty)*price
			pos.Quantity += qty
			pos.AveragePrice = total / float64(pos.Quantity)
		}
	} else {
		p.cash += price * float64(qty) * mult
		if pos != nil {
			p.dailyPnL += (price - pos.AveragePrice) * float64(qty) * mult
			pos.Quantity -= qty
			if pos.Quantity <= 0 {
				delete(p.positions, key)
			}
		}
	}

	return &models.Fill{
		OrderID:   o.ID,
		Contract:  o.Contract,
		Side:      o.Side,
		Quantity:  qty,
		Remaining: 0,
		Price:     price,
		Timestamp: time.Now(),
	}
}

// marketPriceLocked picks the fill price for a market order, crossing the
// spread against the taker.
func (p *PaperBroker) marketPriceLocked(contract models.Contract, side models.OrderSide) float64 {
	tick, ok := p.prices[contract.ID()]
	if !ok {
		return 0
	}
	if side == models.OrderSideBuy && tick.Ask > 0 {
		return tick.Ask
	}
	if side == models.OrderSideSell && tick.Bid > 0 {
		return tick.Bid
	}
	return tick.Mid()
}

func contractMultiplier(c models.Contract) float64 {
	if c.IsOption() {
		return 100
	}
	return 1
}
