package bus

import (
	"sync"
	"time"
)

// ThrottleConfig bounds the publish rate for non-exempt events.
type ThrottleConfig struct {
	// InitialEventsPerSecond is the starting ceiling.
	InitialEventsPerSecond int
	// MinEventsPerSecond is the floor the monitor may lower the ceiling to.
	MinEventsPerSecond int
	// MaxEventsPerSecond caps the ceiling when the monitor raises it.
	MaxEventsPerSecond int
	// WindowSize is how many recent event timestamps are retained.
	WindowSize int
}

// DefaultThrottleConfig returns the default throttle tuning.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		InitialEventsPerSecond: 100,
		MinEventsPerSecond:     10,
		MaxEventsPerSecond:     50,
		WindowSize:             1000,
	}
}

// throttleExempt events are never dropped, whatever the publish rate.
// Order flow must get through even when market data floods the bus.
var throttleExempt = map[string]struct{}{
	EventOrderPlace:   {},
	EventOrderCancel:  {},
	EventPositionSell: {},
}

// Throttle drops events once the publish rate over the last second exceeds
// the current ceiling. The ceiling moves between the configured floor and
// cap as the monitor reacts to order latency.
type Throttle struct {
	mu      sync.Mutex
	cfg     ThrottleConfig
	ceiling int
	stamps  []time.Time
	head    int
	count   int
	dropped uint64
}

// NewThrottle creates a throttle with the given tuning.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	return &Throttle{
		cfg:     cfg,
		ceiling: cfg.InitialEventsPerSecond,
		stamps:  make([]time.Time, cfg.WindowSize),
	}
}

// Allow records the event and reports whether it may pass. Exempt events
// always pass but still count toward the observed rate.
func (t *Throttle) Allow(name string) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exempt := throttleExempt[name]; exempt {
		t.record(now)
		return true
	}

	if t.recentCount(now) >= t.ceiling {
		t.dropped++
		return false
	}

	t.record(now)
	return true
}

func (t *Throttle) record(now time.Time) {
	t.stamps[t.head] = now
	t.head = (t.head + 1) % len(t.stamps)
	if t.count < len(t.stamps) {
		t.count++
	}
}

// recentCount returns how many retained timestamps fall inside the last second.
func (t *Throttle) recentCount(now time.Time) int {
	cutoff := now.Add(-time.Second)
	n := 0
	for i := 0; i < t.count; i++ {
		idx := (t.head - 1 - i + len(t.stamps)) % len(t.stamps)
		if t.stamps[idx].Before(cutoff) {
			// Timestamps are recorded in order, the rest are older still.
			break
		}
		n++
	}
	return n
}

// Ceiling returns the current events-per-second ceiling.
func (t *Throttle) Ceiling() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ceiling
}

// Lower reduces the ceiling by delta, bounded by the configured floor.
func (t *Throttle) Lower(delta int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ceiling -= delta
	if t.ceiling < t.cfg.MinEventsPerSecond {
		t.ceiling = t.cfg.MinEventsPerSecond
	}
	return t.ceiling
}

// Raise increases the ceiling by delta, bounded by the configured cap.
func (t *Throttle) Raise(delta int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ceiling += delta
	if t.ceiling > t.cfg.MaxEventsPerSecond {
		t.ceiling = t.cfg.MaxEventsPerSecond
	}
	return t.ceiling
}

// Dropped returns the number of throttled events.
func (t *Throttle) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
