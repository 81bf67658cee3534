package bus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
)

// Property: order flow events are delivered regardless of how hard the bus
// is flooded with market data. The throttle may drop data events but never
// anything on the exempt list.
func TestProperty_OrderFlowSurvivesDataFloods(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	floodGen := gen.IntRange(0, 200)
	orderGen := gen.IntRange(1, 10)

	properties.Property("every order event is delivered", prop.ForAll(
		func(floodCount, orderCount int) bool {
			cfg := DefaultConfig()
			cfg.MonitorInterval = time.Hour
			cfg.Throttle.InitialEventsPerSecond = 10
			b := NewWithConfig(cfg, zerolog.Nop())
			b.Start()
			defer b.Close()

			var orders atomic.Int64
			b.Subscribe(EventOrderPlace, func(Event) error {
				orders.Add(1)
				return nil
			}, PriorityCritical)
			b.Subscribe(EventPnLUpdate, func(Event) error { return nil }, PriorityLow)

			for i := 0; i < floodCount; i++ {
				b.Publish(EventPnLUpdate, i, PriorityLow)
			}
			for i := 0; i < orderCount; i++ {
				b.Publish(EventOrderPlace, i, PriorityCritical)
			}

			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if orders.Load() == int64(orderCount) {
					return true
				}
				time.Sleep(5 * time.Millisecond)
			}
			return false
		},
		floodGen,
		orderGen,
	))

	properties.TestingRun(t)
}

// Property: subscriber bookkeeping stays consistent across arbitrary
// subscribe/unsubscribe interleavings. A removed handler never fires and
// the remaining handlers all do.
func TestProperty_SubscribeUnsubscribeConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	subGen := gen.IntRange(1, 20)
	removeGen := gen.IntRange(0, 20)

	properties.Property("removed handlers never fire", prop.ForAll(
		func(subCount, removeCount int) bool {
			if removeCount > subCount {
				removeCount = subCount
			}

			cfg := DefaultConfig()
			cfg.MonitorInterval = time.Hour
			b := NewWithConfig(cfg, zerolog.Nop())
			b.Start()
			defer b.Close()

			fired := make([]atomic.Int64, subCount)
			ids := make([]string, subCount)
			for i := 0; i < subCount; i++ {
				i := i
				ids[i] = b.Subscribe("prop.event", func(Event) error {
					fired[i].Add(1)
					return nil
				}, PriorityNormal)
			}

			for i := 0; i < removeCount; i++ {
				b.Unsubscribe("prop.event", ids[i])
			}

			b.Publish("prop.event", nil, PriorityNormal)

			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				done := true
				for i := removeCount; i < subCount; i++ {
					if fired[i].Load() != 1 {
						done = false
						break
					}
				}
				if done {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}

			for i := 0; i < removeCount; i++ {
				if fired[i].Load() != 0 {
					return false
				}
			}
			for i := removeCount; i < subCount; i++ {
				if fired[i].Load() != 1 {
					return false
				}
			}
			return true
		},
		subGen,
		removeGen,
	))

	properties.TestingRun(t)
}
