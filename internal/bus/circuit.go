package bus

import (
	"sync"
)

// Breaker tracks handler outcomes for one priority and trips once failures
// dominate. An open breaker drops further publishes at that priority until
// it is reset by an operator.
type Breaker struct {
	mu        sync.Mutex
	processed uint64
	failures  uint64
	open      bool
}

// minFailuresToTrip guards against tripping on a handful of early errors.
const minFailuresToTrip = 10

// RecordSuccess counts a completed dispatch.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed++
}

// RecordFailure counts a failed or timed-out dispatch and trips the breaker
// when failures exceed half of all dispatches with at least
// minFailuresToTrip failures observed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed++
	b.failures++
	if b.failures >= minFailuresToTrip && b.failures*2 > b.processed {
		b.open = true
	}
}

// Open reports whether the breaker has tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Reset closes the breaker and clears its counters. Only a reset closes a
// tripped breaker; it never recovers on its own.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.processed = 0
	b.failures = 0
}

// Counts returns the processed and failed dispatch totals.
func (b *Breaker) Counts() (processed, failures uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed, b.failures
}
