package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/bus"
	apperrors "ibkr-trader/internal/errors"
	"ibkr-trader/internal/models"
)

func newConnectedPaper(t *testing.T) *PaperBroker {
	t.Helper()
	p := NewPaperBroker(PaperConfig{InitialCash: 25000})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return p
}

func TestPaperMarketOrderFillsAtAsk(t *testing.T) {
	p := newConnectedPaper(t)
	contract := models.NewOptionContract("SPY", "20260130", 500, models.RightCall)

	var fill models.Fill
	p.OnFill(func(f models.Fill) { fill = f })

	p.UpdateTick(models.Tick{Contract: contract, Bid: 1.20, Ask: 1.30, Last: 1.25})

	order := &models.Order{
		Contract: contract,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
		Quantity: 2,
	}
	id, err := p.PlaceOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id == 0 {
		t.Fatal("no order ID assigned")
	}

	if fill.Price != 1.30 {
		t.Errorf("fill price = %v, want ask 1.30", fill.Price)
	}
	if fill.Quantity != 2 {
		t.Errorf("fill qty = %d, want 2", fill.Quantity)
	}

	positions, _ := p.Positions(context.Background())
	if len(positions) != 1 || positions[0].Quantity != 2 {
		t.Fatalf("positions = %+v, want one of qty 2", positions)
	}

	summary, _ := p.AccountSummary(context.Background())
	// 25000 - 2 * 1.30 * 100 cash, plus position marked at 1.25 mid.
	if summary.AvailableFunds != 25000-260 {
		t.Errorf("cash = %v, want %v", summary.AvailableFunds, 25000-260)
	}
}

func TestPaperRestingOrdersTriggerOnTick(t *testing.T) {
	p := newConnectedPaper(t)
	contract := models.NewOptionContract("SPY", "20260130", 500, models.RightCall)
	p.UpdateTick(models.Tick{Contract: contract, Bid: 2.00, Ask: 2.10})

	// Open a position so the stop has something to sell.
	buy := &models.Order{Contract: contract, Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 1}
	if _, err := p.PlaceOrder(context.Background(), buy); err != nil {
		t.Fatalf("buy: %v", err)
	}

	var fills []models.Fill
	p.OnFill(func(f models.Fill) { fills = append(fills, f) })

	stop := &models.Order{
		Contract:  contract,
		Side:      models.OrderSideSell,
		Type:      models.OrderTypeStop,
		Quantity:  1,
		StopPrice: 1.80,
	}
	if _, err := p.PlaceOrder(context.Background(), stop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(fills) != 0 {
		t.Fatal("stop filled before trigger")
	}

	// Price holds above the stop: nothing happens.
	p.UpdateTick(models.Tick{Contract: contract, Bid: 1.90, Ask: 2.00})
	if len(fills) != 0 {
		t.Fatal("stop filled above trigger")
	}

	// Price breaks the stop.
	p.UpdateTick(models.Tick{Contract: contract, Bid: 1.70, Ask: 1.80})
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}

	positions, _ := p.Positions(context.Background())
	if len(positions) != 0 {
		t.Errorf("position remains after stop out: %+v", positions)
	}
}

func TestPaperCancelOrder(t *testing.T) {
	p := newConnectedPaper(t)
	contract := models.NewOptionContract("SPY", "20260130", 500, models.RightPut)
	p.UpdateTick(models.Tick{Contract: contract, Bid: 1.00, Ask: 1.10})

	limit := &models.Order{
		Contract:   contract,
		Side:       models.OrderSideBuy,
		Type:       models.OrderTypeLimit,
		Quantity:   1,
		LimitPrice: 0.50,
	}
	id, err := p.PlaceOrder(context.Background(), limit)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if err := p.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := p.CancelOrder(context.Background(), id); !apperrors.Is(err, apperrors.ErrInvalidOrder) {
		t.Errorf("double cancel err = %v, want ErrInvalidOrder", err)
	}

	open, _ := p.OpenOrders(context.Background())
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestPaperRejectsWhenDisconnected(t *testing.T) {
	p := NewPaperBroker(PaperConfig{})
	_, err := p.PlaceOrder(context.Background(), &models.Order{Quantity: 1})
	if !apperrors.Is(err, apperrors.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestPaperSynthesizedChain(t *testing.T) {
	p := newConnectedPaper(t)
	underlying := models.NewStockContract("SPY")
	p.UpdateTick(models.Tick{Contract: underlying, Bid: 499.9, Ask: 500.1})

	chain, err := p.OptionChain(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("OptionChain: %v", err)
	}
	if len(chain.Strikes) == 0 || len(chain.Expirations) == 0 {
		t.Fatal("empty chain")
	}

	found := false
	for _, s := range chain.Strikes {
		if s == 500 {
			found = true
		}
	}
	if !found {
		t.Error("chain missing the at-the-money strike")
	}
}

// failingBroker always fails to connect.
type failingBroker struct {
	PaperBroker
	attempts atomic.Int64
}

func (f *failingBroker) Connect(ctx context.Context) error {
	f.attempts.Add(1)
	return errors.New("gateway down")
}

func TestConnectionManagerGivesUp(t *testing.T) {
	eb := bus.New(zerolog.Nop())
	eb.Start()
	defer eb.Close()

	fb := &failingBroker{}
	cfg := ReconnectConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: 3,
	}
	m := NewConnectionManager(fb, eb, cfg, zerolog.Nop())

	err := m.Run(context.Background())
	if !apperrors.Is(err, apperrors.ErrReconnectExceeded) {
		t.Fatalf("err = %v, want ErrReconnectExceeded", err)
	}
	if got := fb.attempts.Load(); got != 4 {
		t.Errorf("connect attempts = %d, want 4 (initial + 3 retries)", got)
	}
}

func TestConnectionManagerPublishesTransitions(t *testing.T) {
	eb := bus.New(zerolog.Nop())
	eb.Start()
	defer eb.Close()

	var connected, disconnected atomic.Int64
	eb.Subscribe(bus.EventConnected, func(bus.Event) error {
		connected.Add(1)
		return nil
	}, bus.PriorityCritical)
	eb.Subscribe(bus.EventDisconnected, func(bus.Event) error {
		disconnected.Add(1)
		return nil
	}, bus.PriorityCritical)

	p := NewPaperBroker(PaperConfig{})
	cfg := ReconnectConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2}
	m := NewConnectionManager(p, eb, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && connected.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if connected.Load() == 0 {
		t.Fatal("no connected event published")
	}

	// Simulated session loss triggers a disconnect event and a reconnect.
	m.lost <- errors.New("stream reset")
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && disconnected.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if disconnected.Load() == 0 {
		t.Fatal("no disconnected event published")
	}
	cancel()
}
