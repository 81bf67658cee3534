package trading

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/broker"
	"ibkr-trader/internal/bus"
	"ibkr-trader/internal/config"
	apperrors "ibkr-trader/internal/errors"
	"ibkr-trader/internal/models"
)

type recordingJournal struct {
	mu     sync.Mutex
	trades []models.Trade
}

func (j *recordingJournal) RecordTrade(trade models.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, trade)
	return nil
}

func (j *recordingJournal) recorded() []models.Trade {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.Trade, len(j.trades))
	copy(out, j.trades)
	return out
}

// wirePaper forwards paper broker callbacks onto the bus the way the
// engine does.
func wirePaper(eb *bus.Bus, p *broker.PaperBroker) {
	p.OnOptionQuote(func(q models.OptionQuote) {
		eb.Publish(bus.EventTickOption, q, bus.PriorityHigh)
	})
	p.OnOrderStatus(func(o models.Order) {
		eb.Publish(bus.EventOrderStatus, o, bus.PriorityHigh)
	})
	p.OnFill(func(f models.Fill) {
		eb.Publish(bus.EventOrderFill, f, bus.PriorityCritical)
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTradingTest(t *testing.T, cfg Config) (*Manager, *broker.PaperBroker, *recordingJournal) {
	t.Helper()

	busCfg := bus.DefaultConfig()
	busCfg.MonitorInterval = time.Hour
	busCfg.SampleWindow = time.Nanosecond // no coalescing in tests
	eb := bus.NewWithConfig(busCfg, zerolog.Nop())
	eb.Start()
	t.Cleanup(eb.Close)

	p := broker.NewPaperBroker(broker.PaperConfig{InitialCash: 100000})
	wirePaper(eb, p)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.RiskTiers == nil {
		cfg.RiskTiers = config.DefaultRiskTiers()
	}
	journal := &recordingJournal{}
	m := NewManager(eb, p, journal, cfg, zerolog.Nop())
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	// Seed the account and a first quote, then wait for both to land.
	eb.Publish(bus.EventAccountSummary,
		models.AccountSummary{NetLiquidation: 100000, AvailableFunds: 100000, Currency: "USD"},
		bus.PriorityHigh)
	p.UpdateTick(models.Tick{Contract: testOption(), Bid: 1.20, Ask: 1.30, Last: 1.25, Timestamp: time.Now()})
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, hasQuote := m.quotes[testOption().ID()]
		return hasQuote && m.account.NetLiquidation > 0
	}, "account summary and quote never reached the manager")

	return m, p, journal
}

func testOption() models.Contract {
	return models.NewOptionContract("SPY", "20260130", 500, models.RightCall)
}

func TestBuyOpensPositionAndBrackets(t *testing.T) {
	m, p, _ := newTradingTest(t, Config{MaxTradeValue: 500, TradeDelta: 0.05})
	ctx := context.Background()
	opt := testOption()

	order, err := m.Buy(ctx, opt)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// min(500, 8% of 100k, pdt buffer) / 1.30
	if order.Quantity != 384 {
		t.Fatalf("quantity = %d, want 384", order.Quantity)
	}

	waitFor(t, func() bool { return m.Brackets(opt) != nil }, "brackets never placed")

	bracket := m.Brackets(opt)
	if bracket.Quantity != 384 {
		t.Errorf("bracket quantity = %d, want 384", bracket.Quantity)
	}

	open, _ := p.OpenOrders(ctx)
	var stop, profit *models.Order
	for i := range open {
		switch open[i].Type {
		case models.OrderTypeStop:
			stop = &open[i]
		case models.OrderTypeLimit:
			profit = &open[i]
		}
	}
	if stop == nil || profit == nil {
		t.Fatalf("expected resting stop and limit, got %d open orders", len(open))
	}
	// entry 1.30, 25% stop and 35% gain at the flat tier, tick rounded
	if math.Abs(stop.StopPrice-1.00) > 1e-9 {
		t.Errorf("stop price = %v, want 1.00", stop.StopPrice)
	}
	if math.Abs(profit.LimitPrice-1.75) > 1e-9 {
		t.Errorf("profit price = %v, want 1.75", profit.LimitPrice)
	}
	if stop.OCAGroup == "" || stop.OCAGroup != profit.OCAGroup {
		t.Errorf("legs not in one OCA group: %q vs %q", stop.OCAGroup, profit.OCAGroup)
	}
	if stop.TIF != models.TIFGTC || profit.TIF != models.TIFGTC {
		t.Error("bracket legs must be GTC")
	}

	if _, err := m.Buy(ctx, opt); !errors.Is(err, apperrors.ErrPositionExists) {
		t.Errorf("second buy err = %v, want ErrPositionExists", err)
	}
}

func TestStopLossExitJournalsTrade(t *testing.T) {
	m, p, journal := newTradingTest(t, Config{MaxTradeValue: 500, TradeDelta: 0.05})
	ctx := context.Background()
	opt := testOption()

	if _, err := m.Buy(ctx, opt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	waitFor(t, func() bool { return m.Brackets(opt) != nil }, "brackets never placed")

	// Mid 0.92 crosses the 1.00 stop.
	p.UpdateTick(models.Tick{Contract: opt, Bid: 0.90, Ask: 0.94, Last: 0.92, Timestamp: time.Now()})

	waitFor(t, func() bool { return len(journal.recorded()) == 1 }, "trade never journaled")

	trade := journal.recorded()[0]
	if trade.ExitReason != "stop_loss" {
		t.Errorf("exit reason = %q, want stop_loss", trade.ExitReason)
	}
	if trade.PnL >= 0 {
		t.Errorf("stop exit should book a loss, got %v", trade.PnL)
	}
	if len(m.Positions()) != 0 {
		t.Error("position should be flat after the stop fill")
	}

	waitFor(t, func() bool {
		open, _ := p.OpenOrders(ctx)
		return len(open) == 0
	}, "take profit leg never cancelled")
}

func TestChaseTimeoutConvertsToMarket(t *testing.T) {
	m, _, journal := newTradingTest(t, Config{
		MaxTradeValue: 500,
		TradeDelta:    0.05,
		ChaseTimeout:  50 * time.Millisecond,
	})
	ctx := context.Background()
	opt := testOption()

	if _, err := m.Buy(ctx, opt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	waitFor(t, func() bool { return m.Brackets(opt) != nil }, "brackets never placed")

	order, err := m.Sell(ctx, opt)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if order.Type != models.OrderTypeLimit {
		t.Fatalf("chase should start as a limit order, got %s", order.Type)
	}
	// mid 1.25 less the 0.05 delta
	if math.Abs(order.LimitPrice-1.20) > 1e-9 {
		t.Errorf("chase limit = %v, want 1.20", order.LimitPrice)
	}
	if m.Brackets(opt) != nil {
		t.Error("sell should cancel the brackets first")
	}

	// No tick arrives, so the limit rests until the timeout converts it.
	waitFor(t, func() bool { return len(journal.recorded()) == 1 }, "chase never completed")

	trade := journal.recorded()[0]
	if trade.ExitReason != "chase" {
		t.Errorf("exit reason = %q, want chase", trade.ExitReason)
	}
	if len(m.Positions()) != 0 {
		t.Error("position should be flat after the chase market out")
	}
}

func TestRunnerKeepsContracts(t *testing.T) {
	m, p, _ := newTradingTest(t, Config{
		MaxTradeValue:   500,
		TradeDelta:      0.05,
		ChaseTimeout:    time.Hour,
		RunnerContracts: 1,
	})
	ctx := context.Background()
	opt := testOption()

	if _, err := m.Buy(ctx, opt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	waitFor(t, func() bool { return m.Brackets(opt) != nil }, "brackets never placed")

	// A broker position update marks the position profitable.
	p.UpdateTick(models.Tick{Contract: opt, Bid: 1.50, Ask: 1.60, Last: 1.55, Timestamp: time.Now()})
	positions, _ := p.Positions(ctx)
	if len(positions) != 1 || positions[0].PnL <= 0 {
		t.Fatalf("expected a profitable paper position, got %+v", positions)
	}
	m.eb.Publish(bus.EventPositionUpdate, positions[0], bus.PriorityNormal)
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		pos := m.positions[opt.ID()]
		return pos != nil && pos.PnL > 0
	}, "position update never reached the manager")

	order, err := m.Sell(ctx, opt)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if order.Quantity != 383 {
		t.Errorf("sell quantity = %d, want 383 with one runner kept", order.Quantity)
	}
}

func TestRunnerAlwaysSellsAtLeastOne(t *testing.T) {
	m, _, _ := newTradingTest(t, Config{
		MaxTradeValue:   500,
		TradeDelta:      0.05,
		ChaseTimeout:    time.Hour,
		RunnerContracts: 2,
	})
	ctx := context.Background()
	opt := testOption()

	// A profitable two lot with two runners configured still trims one.
	m.mu.Lock()
	m.positions[opt.ID()] = &models.Position{
		Contract:     opt,
		Quantity:     2,
		AveragePrice: 1.00,
		PnL:          50,
	}
	m.mu.Unlock()

	order, err := m.Sell(ctx, opt)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if order.Quantity != 1 {
		t.Errorf("sell quantity = %d, want 1 when runners would swallow the exit", order.Quantity)
	}
}

func TestSellRefusesWorthlessQuote(t *testing.T) {
	m, _, _ := newTradingTest(t, Config{MaxTradeValue: 500, TradeDelta: 0.05})
	ctx := context.Background()
	opt := testOption()

	if _, err := m.Buy(ctx, opt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	waitFor(t, func() bool { return m.Brackets(opt) != nil }, "brackets never placed")

	// A quote with no bid, ask, or last gives nothing to price the exit on.
	m.mu.Lock()
	m.quotes[opt.ID()] = models.OptionQuote{Contract: opt, Timestamp: time.Now()}
	m.mu.Unlock()

	if _, err := m.Sell(ctx, opt); !apperrors.Is(err, apperrors.ErrInvalidPrice) {
		t.Fatalf("err = %v, want ErrInvalidPrice", err)
	}
	if m.Brackets(opt) == nil {
		t.Error("brackets should survive a refused exit")
	}
}

func TestPanicFlattens(t *testing.T) {
	m, p, journal := newTradingTest(t, Config{MaxTradeValue: 500, TradeDelta: 0.05})
	ctx := context.Background()
	opt := testOption()

	if _, err := m.Buy(ctx, opt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	waitFor(t, func() bool { return m.Brackets(opt) != nil }, "brackets never placed")

	if err := m.Panic(ctx); err != nil {
		t.Fatalf("panic: %v", err)
	}

	waitFor(t, func() bool { return len(journal.recorded()) == 1 }, "panic exit never journaled")
	if reason := journal.recorded()[0].ExitReason; reason != "panic" {
		t.Errorf("exit reason = %q, want panic", reason)
	}
	if len(m.Positions()) != 0 {
		t.Error("positions should be flat after the flatten")
	}
	waitFor(t, func() bool {
		open, _ := p.OpenOrders(ctx)
		return len(open) == 0
	}, "open orders not cancelled by the flatten")

	if _, err := m.Buy(ctx, opt); err == nil {
		t.Error("buys must be refused while the flatten is active")
	}
	m.ClearPanic()
	if _, err := m.Buy(ctx, opt); err != nil {
		t.Errorf("buy after ClearPanic: %v", err)
	}
}

func TestPartialFillsRebuildBrackets(t *testing.T) {
	m, p, _ := newTradingTest(t, Config{MaxTradeValue: 500, TradeDelta: 0.05})
	opt := testOption()

	m.mu.Lock()
	m.pending[opt.ID()] = true
	m.mu.Unlock()

	m.onFill(models.Fill{
		OrderID: 99, Contract: opt, Side: models.OrderSideBuy,
		Quantity: 2, Remaining: 3, Price: 1.30, Timestamp: time.Now(),
	})
	bracket := m.Brackets(opt)
	if bracket == nil || bracket.Quantity != 2 {
		t.Fatalf("first partial should protect 2 contracts, got %+v", bracket)
	}

	m.onFill(models.Fill{
		OrderID: 99, Contract: opt, Side: models.OrderSideBuy,
		Quantity: 3, Remaining: 0, Price: 1.40, Timestamp: time.Now(),
	})
	bracket = m.Brackets(opt)
	if bracket == nil || bracket.Quantity != 5 {
		t.Fatalf("final fill should protect 5 contracts, got %+v", bracket)
	}
	if math.Abs(bracket.EntryPrice-1.36) > 1e-9 {
		t.Errorf("entry = %v, want volume weighted 1.36", bracket.EntryPrice)
	}

	// The first pair of legs must be gone, only the rebuilt pair rests.
	open, _ := p.OpenOrders(context.Background())
	if len(open) != 2 {
		t.Errorf("expected 2 resting legs, got %d", len(open))
	}
}
