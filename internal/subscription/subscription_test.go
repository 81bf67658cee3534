package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/broker"
	"ibkr-trader/internal/bus"
	"ibkr-trader/internal/models"
)

var et = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*3600)
	}
	return loc
}()

func TestSelectExpiration(t *testing.T) {
	// Friday Jan 30 2026. Monday Feb 2 is the next business day.
	chain := &models.OptionChain{
		Symbol:      "SPY",
		Expirations: []string{"20260130", "20260202", "20260204"},
	}

	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"morning picks same day", time.Date(2026, 1, 30, 10, 0, 0, 0, et), "20260130"},
		{"afternoon rolls to monday", time.Date(2026, 1, 30, 13, 0, 0, 0, et), "20260202"},
		{"missing target falls forward", time.Date(2026, 2, 2, 14, 0, 0, 0, et), "20260204"},
		{"past all dates takes last", time.Date(2026, 3, 1, 10, 0, 0, 0, et), "20260204"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectExpiration(chain, tt.now); got != tt.want {
				t.Errorf("SelectExpiration = %s, want %s", got, tt.want)
			}
		})
	}

	if got := SelectExpiration(&models.OptionChain{}, time.Now()); got != "" {
		t.Errorf("empty chain should select nothing, got %s", got)
	}
}

func TestSelectStrike(t *testing.T) {
	chain := &models.OptionChain{Strikes: []float64{495, 500, 505, 510}}

	tests := []struct {
		price float64
		want  float64
	}{
		{500.2, 500}, // rounds to a listed strike
		{503.0, 505}, // 503 unlisted, 505 closest to 503
		{497.4, 495}, // 497 unlisted, 495 closest
		{520.0, 510}, // beyond the chain, clamps to the edge
	}

	for _, tt := range tests {
		if got := SelectStrike(chain, tt.price); got != tt.want {
			t.Errorf("SelectStrike(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

// wireTicks forwards paper broker data onto the bus the way the engine does.
func wireTicks(eb *bus.Bus, p *broker.PaperBroker) {
	p.OnTick(func(tick models.Tick) {
		eb.Publish(bus.EventTickPrice, tick, bus.PriorityHigh)
	})
}

func newManagerUnderTest(t *testing.T, morning bool) (*Manager, *broker.PaperBroker, *bus.Bus) {
	t.Helper()

	cfg := bus.DefaultConfig()
	cfg.MonitorInterval = time.Hour
	cfg.SampleWindow = time.Nanosecond // no coalescing in tests
	eb := bus.NewWithConfig(cfg, zerolog.Nop())
	eb.Start()
	t.Cleanup(eb.Close)

	chain := &models.OptionChain{
		Symbol:      "SPY",
		Expirations: []string{"20260130", "20260202"},
		Strikes:     []float64{498, 499, 500, 501, 502},
	}
	p := broker.NewPaperBroker(broker.PaperConfig{InitialCash: 25000, Chain: chain})
	wireTicks(eb, p)
	p.Connect(context.Background())

	m := NewManager(eb, p, Config{Underlying: "SPY", Currency: "USD"}, zerolog.Nop())
	hour := 10
	if !morning {
		hour = 14
	}
	m.now = func() time.Time { return time.Date(2026, 1, 30, hour, 0, 0, 0, et) }
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	return m, p, eb
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestBootstrapReachesSubscribed(t *testing.T) {
	m, p, eb := newManagerUnderTest(t, true)

	// Price arrives first, then the session comes up.
	p.UpdateTick(models.Tick{Contract: models.NewStockContract("SPY"), Bid: 499.9, Ask: 500.1})
	eb.Publish(bus.EventConnected, nil, bus.PriorityCritical)

	waitState(t, m, StateSubscribed)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.CurrentSelection() == nil {
		time.Sleep(5 * time.Millisecond)
	}

	sel := m.CurrentSelection()
	if sel == nil {
		t.Fatal("no selection after bootstrap")
	}
	if sel.Strike != 500 {
		t.Errorf("strike = %v, want 500", sel.Strike)
	}
	if sel.Expiry != "20260130" {
		t.Errorf("expiry = %s, want same-day 20260130", sel.Expiry)
	}
	if sel.Call.Right != models.RightCall || sel.Put.Right != models.RightPut {
		t.Error("selection sides are wrong")
	}
}

func TestAfternoonSelectsNextBusinessDay(t *testing.T) {
	m, p, eb := newManagerUnderTest(t, false)

	p.UpdateTick(models.Tick{Contract: models.NewStockContract("SPY"), Bid: 499.9, Ask: 500.1})
	eb.Publish(bus.EventConnected, nil, bus.PriorityCritical)

	waitState(t, m, StateSubscribed)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.CurrentSelection() == nil {
		time.Sleep(5 * time.Millisecond)
	}

	sel := m.CurrentSelection()
	if sel == nil {
		t.Fatal("no selection")
	}
	// Friday afternoon rolls over the weekend to Monday.
	if sel.Expiry != "20260202" {
		t.Errorf("expiry = %s, want 20260202", sel.Expiry)
	}
}

func TestStrikeMoveReselects(t *testing.T) {
	m, p, eb := newManagerUnderTest(t, true)

	underlying := models.NewStockContract("SPY")
	p.UpdateTick(models.Tick{Contract: underlying, Bid: 499.9, Ask: 500.1})
	eb.Publish(bus.EventConnected, nil, bus.PriorityCritical)
	waitState(t, m, StateSubscribed)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sel := m.CurrentSelection(); sel != nil && sel.Strike == 500 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The underlying drifts two points: the pair must follow.
	p.UpdateTick(models.Tick{Contract: underlying, Bid: 501.9, Ask: 502.1})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sel := m.CurrentSelection(); sel != nil && sel.Strike == 502 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("selection did not follow the price, strike = %v", m.CurrentSelection().Strike)
}

func TestReselectDropsStaleSamples(t *testing.T) {
	m, p, eb := newManagerUnderTest(t, true)

	underlying := models.NewStockContract("SPY")
	p.UpdateTick(models.Tick{Contract: underlying, Bid: 499.9, Ask: 500.1})
	eb.Publish(bus.EventConnected, nil, bus.PriorityCritical)
	waitState(t, m, StateSubscribed)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sel := m.CurrentSelection(); sel != nil && sel.Strike == 500 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	old := m.CurrentSelection()
	if old == nil {
		t.Fatal("no initial selection")
	}

	eb.Publish(bus.EventTickOption, models.OptionQuote{
		Contract: old.Call, Bid: 1.20, Ask: 1.30, Timestamp: time.Now(),
	}, bus.PriorityHigh)
	if _, ok := eb.LatestSample(old.Call.ID()); !ok {
		t.Fatal("quote for the old call was never cached")
	}

	p.UpdateTick(models.Tick{Contract: underlying, Bid: 501.9, Ask: 502.1})
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sel := m.CurrentSelection(); sel != nil && sel.Strike == 502 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The unsubscribed pair must not leave a stale sample behind.
	if _, ok := eb.LatestSample(old.Call.ID()); ok {
		t.Error("stale sample survived the reselection")
	}
}

func TestDisconnectResetsState(t *testing.T) {
	m, p, eb := newManagerUnderTest(t, true)

	p.UpdateTick(models.Tick{Contract: models.NewStockContract("SPY"), Bid: 499.9, Ask: 500.1})
	eb.Publish(bus.EventConnected, nil, bus.PriorityCritical)
	waitState(t, m, StateSubscribed)

	eb.Publish(bus.EventDisconnected, nil, bus.PriorityCritical)
	waitState(t, m, StateDisconnected)

	if m.CurrentSelection() != nil {
		t.Error("selection should clear on disconnect")
	}
}
