package bus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "ibkr-trader/internal/errors"
	"ibkr-trader/internal/logging"
	"ibkr-trader/internal/metrics"
	"ibkr-trader/internal/performance"
)

// Config holds bus tuning parameters.
type Config struct {
	// Workers is the size of the shared pool for normal/low/background events.
	Workers int
	// QueueSize bounds the critical and high dispatcher queues.
	QueueSize int
	// Throttle tunes the publish rate limiter.
	Throttle ThrottleConfig
	// SampleWindow is the tick coalescing window.
	SampleWindow time.Duration
	// MaxOrderDelay is the order round trip considered degraded.
	MaxOrderDelay time.Duration
	// MonitorInterval is how often the health monitor runs.
	MonitorInterval time.Duration
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       1000,
		Throttle:        DefaultThrottleConfig(),
		SampleWindow:    100 * time.Millisecond,
		MaxOrderDelay:   750 * time.Millisecond,
		MonitorInterval: 5 * time.Second,
	}
}

// requestTimeout bounds a Request round trip, queueing included.
const requestTimeout = 5 * time.Second

// PriorityMetrics is a snapshot of one priority lane.
type PriorityMetrics struct {
	Processed    uint64
	Failed       uint64
	Timeouts     uint64
	Fallbacks    uint64
	QueueDepth   int
	AvgLatencyMS float64
}

type prioStats struct {
	processed  atomic.Uint64
	failed     atomic.Uint64
	timeouts   atomic.Uint64
	fallbacks  atomic.Uint64
	latencyNS  atomic.Int64
	samples    atomic.Uint64
	lastActive atomic.Int64
}

type subscription struct {
	id       string
	priority Priority
	seq      uint64
	handler  Handler
}

// Bus is the priority event bus. Critical and high events each get a
// dedicated dispatcher goroutine so order flow is never queued behind
// market data; everything else shares the worker pool.
type Bus struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	subs    map[string][]subscription
	nextSeq uint64

	reqMu           sync.RWMutex
	requestHandlers map[string]RequestHandler

	criticalCh chan Event
	highCh     chan Event
	pool       *performance.WorkerPool

	breakers  [numPriorities]*Breaker
	throttle  *Throttle
	coalescer *Coalescer
	delays    *OrderDelayMonitor

	stats [numPriorities]*prioStats

	done      chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
	closeOnce sync.Once
}

// New creates a bus with the default configuration.
func New(logger zerolog.Logger) *Bus {
	return NewWithConfig(DefaultConfig(), logger)
}

// NewWithConfig creates a bus with custom tuning.
func NewWithConfig(cfg Config, logger zerolog.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.MaxOrderDelay <= 0 {
		cfg.MaxOrderDelay = 750 * time.Millisecond
	}

	b := &Bus{
		cfg:             cfg,
		logger:          logging.WithComponent(logger, "bus"),
		subs:            make(map[string][]subscription),
		requestHandlers: make(map[string]RequestHandler),
		criticalCh:      make(chan Event, cfg.QueueSize),
		highCh:          make(chan Event, cfg.QueueSize),
		pool:            performance.NewWorkerPool(cfg.Workers),
		throttle:        NewThrottle(cfg.Throttle),
		coalescer:       NewCoalescer(cfg.SampleWindow),
		delays:          NewOrderDelayMonitor(100),
		done:            make(chan struct{}),
	}
	for i := range b.breakers {
		b.breakers[i] = &Breaker{}
	}
	for i := range b.stats {
		b.stats[i] = &prioStats{}
	}
	return b
}

// Start launches the dispatchers, the worker pool, and the health monitor.
func (b *Bus) Start() {
	if b.started.Swap(true) {
		return
	}

	b.pool.Start()

	b.wg.Add(3)
	go b.dispatchLoop(PriorityCritical, b.criticalCh)
	go b.dispatchLoop(PriorityHigh, b.highCh)
	go b.monitorLoop()

	b.logger.Info().Int("workers", b.cfg.Workers).Msg("event bus started")
}

// Close stops the dispatchers, pool, and monitor. Safe to call twice.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.pool.Stop()
		b.wg.Wait()
		b.logger.Info().Msg("event bus closed")
	})
}

// Subscribe registers a handler for the named event and returns a
// subscription ID for Unsubscribe. Handlers run ordered by subscription
// priority, then registration order.
func (b *Bus) Subscribe(name string, handler Handler, priority Priority) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	sub := subscription{
		id:       uuid.NewString(),
		priority: priority,
		seq:      b.nextSeq,
		handler:  handler,
	}
	subs := append(b.subs[name], sub)
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
	b.subs[name] = subs
	return sub.id
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(name, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// RegisterRequestHandler registers the responder for a Request name.
// A later registration for the same name replaces the earlier one.
func (b *Bus) RegisterRequestHandler(name string, handler RequestHandler) {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()
	b.requestHandlers[name] = handler
}

// Publish routes an event to its subscribers. Events are dropped when the
// priority's breaker is open or the throttle ceiling is exceeded; ticks
// inside the sample window are coalesced. Publish never blocks.
func (b *Bus) Publish(name string, payload any, priority Priority) {
	select {
	case <-b.done:
		return
	default:
	}

	if priority < PriorityCritical || priority > PriorityBackground {
		priority = PriorityNormal
	}

	if b.breakers[priority].Open() {
		b.logger.Debug().Str("event", name).Str("priority", priority.String()).
			Msg("dropping event, circuit open")
		return
	}

	if !b.throttle.Allow(name) {
		metrics.IncThrottled()
		return
	}

	if name == EventTickPrice || name == EventTickOption {
		if key, ok := sampleKey(payload); ok {
			if !b.coalescer.Offer(key, payload) {
				metrics.IncCoalesced()
				return
			}
		}
	}

	b.route(Event{
		Name:       name,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	})
}

func (b *Bus) route(ev Event) {
	switch ev.Priority {
	case PriorityCritical:
		b.enqueue(b.criticalCh, ev)
	case PriorityHigh:
		b.enqueue(b.highCh, ev)
	default:
		if !b.pool.Submit(func() { b.dispatch(ev) }) {
			b.stats[ev.Priority].failed.Add(1)
			metrics.IncEventFailed(ev.Priority.String())
			b.logger.Warn().Str("event", ev.Name).Msg("worker pool saturated, event dropped")
		}
	}
}

// enqueue hands an event to a dedicated dispatcher, spilling to the worker
// pool when the queue is full rather than blocking the publisher.
func (b *Bus) enqueue(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		b.stats[ev.Priority].fallbacks.Add(1)
		b.logger.Warn().Str("event", ev.Name).Str("priority", ev.Priority.String()).
			Msg("dispatcher queue full, spilling to pool")
		if !b.pool.Submit(func() { b.dispatch(ev) }) {
			b.stats[ev.Priority].failed.Add(1)
			metrics.IncEventFailed(ev.Priority.String())
		}
	}
}

// Request performs a synchronous request/response round trip on the
// critical dispatcher.
func (b *Bus) Request(name string, payload any) (any, error) {
	b.reqMu.RLock()
	_, ok := b.requestHandlers[name]
	b.reqMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %q: %w", name, apperrors.ErrNoRequestHandler)
	}
	if b.breakers[PriorityCritical].Open() {
		return nil, fmt.Errorf("request %q: %w", name, apperrors.ErrCircuitOpen)
	}

	ev := Event{
		Name:       name,
		Payload:    payload,
		Priority:   PriorityCritical,
		EnqueuedAt: time.Now(),
		reply:      make(chan reqResult, 1),
	}

	select {
	case b.criticalCh <- ev:
	case <-b.done:
		return nil, apperrors.ErrBusClosed
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("request %q enqueue: %w", name, apperrors.ErrTimeout)
	}

	select {
	case res := <-ev.reply:
		return res.value, res.err
	case <-b.done:
		return nil, apperrors.ErrBusClosed
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("request %q: %w", name, apperrors.ErrTimeout)
	}
}

func (b *Bus) dispatchLoop(priority Priority, ch chan Event) {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case ev := <-ch:
			if ev.reply != nil {
				b.handleRequest(ev)
				continue
			}
			b.dispatch(ev)
		}
	}
}

func (b *Bus) handleRequest(ev Event) {
	b.reqMu.RLock()
	handler := b.requestHandlers[ev.Name]
	b.reqMu.RUnlock()

	if handler == nil {
		ev.reply <- reqResult{err: fmt.Errorf("request %q: %w", ev.Name, apperrors.ErrNoRequestHandler)}
		return
	}

	var res reqResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = reqResult{err: fmt.Errorf("request handler panic: %v", r)}
			}
		}()
		res.value, res.err = handler(ev)
	}()
	ev.reply <- res
}

// dispatch runs every subscribed handler for the event.
func (b *Bus) dispatch(ev Event) {
	b.stats[ev.Priority].lastActive.Store(time.Now().UnixNano())

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[ev.Name]))
	copy(subs, b.subs[ev.Name])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.runHandler(ev, sub.handler)
	}
}

// runHandler invokes one handler under the priority deadline. A failure or
// timeout is retried once through the worker pool with a relaxed deadline.
func (b *Bus) runHandler(ev Event, handler Handler) {
	st := b.stats[ev.Priority]
	start := time.Now()
	err := b.invoke(ev, handler)
	latency := time.Since(start)

	st.latencyNS.Add(latency.Nanoseconds())
	st.samples.Add(1)

	if err == nil {
		st.processed.Add(1)
		b.breakers[ev.Priority].RecordSuccess()
		metrics.IncEventProcessed(ev.Priority.String())
		return
	}

	st.failed.Add(1)
	if apperrors.Is(err, apperrors.ErrTimeout) {
		st.timeouts.Add(1)
	}
	b.breakers[ev.Priority].RecordFailure()
	metrics.IncEventFailed(ev.Priority.String())
	logging.LogEventFlow(b.logger, ev.Name, ev.Priority.String(),
		float64(latency.Milliseconds()), err)

	if !ev.fallback {
		st.fallbacks.Add(1)
		retry := ev
		retry.fallback = true
		b.pool.Submit(func() { b.runHandler(retry, handler) })
	}
}

// invoke runs the handler with panic recovery and the priority timeout.
// Fallback retries get the most relaxed deadline.
func (b *Bus) invoke(ev Event, handler Handler) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic on %s: %v", ev.Name, r)
			}
		}()
		done <- handler(ev)
	}()

	timeout := ev.Priority.Timeout()
	if ev.fallback {
		timeout = PriorityBackground.Timeout()
	}

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("handler for %s exceeded %s: %w", ev.Name, timeout, apperrors.ErrTimeout)
	}
}

// Delays exposes the order delay monitor so order flow can feed it.
func (b *Bus) Delays() *OrderDelayMonitor { return b.delays }

// LatestSample returns the freshest coalesced tick payload for a contract.
func (b *Bus) LatestSample(contractID string) (any, bool) {
	return b.coalescer.LatestSample(contractID)
}

// ForgetContract drops coalescer state for a contract so a stale sample
// cannot outlive its subscription.
func (b *Bus) ForgetContract(contractID string) {
	b.coalescer.Forget(contractID)
}

// BreakerOpen reports whether the breaker for a priority has tripped.
func (b *Bus) BreakerOpen(priority Priority) bool {
	return b.breakers[priority].Open()
}

// ResetBreaker closes a tripped breaker. Breakers never close on their own.
func (b *Bus) ResetBreaker(priority Priority) {
	b.breakers[priority].Reset()
	metrics.SetCircuitOpen(priority.String(), false)
	b.logger.Info().Str("priority", priority.String()).Msg("circuit breaker reset")
}

// ThrottleCeiling returns the current publish ceiling in events per second.
func (b *Bus) ThrottleCeiling() int { return b.throttle.Ceiling() }

// Metrics returns a snapshot of every priority lane.
func (b *Bus) Metrics() map[Priority]PriorityMetrics {
	out := make(map[Priority]PriorityMetrics, numPriorities)
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		st := b.stats[p]
		m := PriorityMetrics{
			Processed:  st.processed.Load(),
			Failed:     st.failed.Load(),
			Timeouts:   st.timeouts.Load(),
			Fallbacks:  st.fallbacks.Load(),
			QueueDepth: b.queueDepth(p),
		}
		if n := st.samples.Load(); n > 0 {
			m.AvgLatencyMS = float64(st.latencyNS.Load()) / float64(n) / 1e6
		}
		out[p] = m
	}
	return out
}

func (b *Bus) queueDepth(p Priority) int {
	switch p {
	case PriorityCritical:
		return len(b.criticalCh)
	case PriorityHigh:
		return len(b.highCh)
	default:
		return b.pool.Stats().QueueLen
	}
}

// monitorLoop tracks lane health and steers the throttle ceiling from the
// observed order delay.
func (b *Bus) monitorLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.checkHealth()
		}
	}
}

func (b *Bus) checkHealth() {
	now := time.Now()

	for p := PriorityCritical; p <= PriorityBackground; p++ {
		depth := b.queueDepth(p)
		metrics.SetQueueDepth(p.String(), depth)
		metrics.SetCircuitOpen(p.String(), b.breakers[p].Open())

		last := b.stats[p].lastActive.Load()
		if depth > 0 && last > 0 && now.Sub(time.Unix(0, last)) > 2*p.Timeout() {
			b.logger.Warn().Str("priority", p.String()).Int("depth", depth).
				Msg("priority lane stalled")
		}
	}

	avg := b.delays.Average()
	if avg > 0 {
		max := b.cfg.MaxOrderDelay
		switch {
		case avg > max*8/10:
			ceiling := b.throttle.Lower(5)
			b.logger.Warn().Dur("avg_order_delay", avg).Int("ceiling", ceiling).
				Msg("order delay degraded, lowering throttle ceiling")
		case avg < max*3/10:
			b.throttle.Raise(1)
		}
		metrics.ObserveOrderDelay(avg)
	}
	metrics.SetThrottleCeiling(float64(b.throttle.Ceiling()))
}
