package bus

import (
	"sync"
	"time"
)

// OrderDelayMonitor measures order placement round trips. The bus monitor
// reads the rolling average to decide whether market data is crowding out
// order flow and the throttle ceiling needs to move.
type OrderDelayMonitor struct {
	mu      sync.Mutex
	window  int
	pending map[int64]time.Time
	delays  []time.Duration
	head    int
	count   int
}

// NewOrderDelayMonitor creates a monitor retaining the last window samples.
func NewOrderDelayMonitor(window int) *OrderDelayMonitor {
	if window <= 0 {
		window = 100
	}
	return &OrderDelayMonitor{
		window:  window,
		pending: make(map[int64]time.Time),
		delays:  make([]time.Duration, window),
	}
}

// StartOrder records the moment an order was handed to the gateway.
func (m *OrderDelayMonitor) StartOrder(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[orderID] = time.Now()
}

// CompleteOrder records the acknowledgment and files the round-trip sample.
// Unknown order IDs are ignored.
func (m *OrderDelayMonitor) CompleteOrder(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, ok := m.pending[orderID]
	if !ok {
		return
	}
	delete(m.pending, orderID)

	m.delays[m.head] = time.Since(start)
	m.head = (m.head + 1) % m.window
	if m.count < m.window {
		m.count++
	}
}

// Average returns the mean round-trip delay over the retained samples,
// zero when no orders have completed yet.
func (m *OrderDelayMonitor) Average() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < m.count; i++ {
		total += m.delays[i]
	}
	return total / time.Duration(m.count)
}

// Pending returns how many orders have started but not completed.
func (m *OrderDelayMonitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
