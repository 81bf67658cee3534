package bus

import (
	"sync"
	"time"

	"ibkr-trader/internal/models"
)

// Coalescer rate-limits per-contract tick forwarding. Within the sample
// window only the first tick for a contract is forwarded; later ones
// replace the cached sample so consumers polling LatestSample still see
// the freshest prices.
type Coalescer struct {
	mu        sync.Mutex
	window    time.Duration
	forwarded map[string]time.Time
	latest    map[string]any
	absorbed  uint64
}

// NewCoalescer creates a coalescer with the given sample window.
func NewCoalescer(window time.Duration) *Coalescer {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Coalescer{
		window:    window,
		forwarded: make(map[string]time.Time),
		latest:    make(map[string]any),
	}
}

// sampleKey extracts the coalescing key from a tick payload. Non-tick
// payloads return false and bypass coalescing.
func sampleKey(payload any) (string, bool) {
	switch p := payload.(type) {
	case models.Tick:
		return p.Contract.ID(), true
	case models.OptionQuote:
		return p.Contract.ID(), true
	default:
		return "", false
	}
}

// Offer caches the payload and reports whether it should be forwarded now.
func (c *Coalescer) Offer(key string, payload any) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest[key] = payload

	if last, ok := c.forwarded[key]; ok && now.Sub(last) < c.window {
		c.absorbed++
		return false
	}

	c.forwarded[key] = now
	return true
}

// LatestSample returns the most recent payload cached for the contract,
// whether or not it was forwarded.
func (c *Coalescer) LatestSample(contractID string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.latest[contractID]
	return p, ok
}

// Absorbed returns how many ticks were cached without being forwarded.
func (c *Coalescer) Absorbed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.absorbed
}

// Forget drops the cached state for a contract, typically after
// unsubscribing it.
func (c *Coalescer) Forget(contractID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.forwarded, contractID)
	delete(c.latest, contractID)
}
