// Package bus implements the priority event bus that connects the gateway,
// the subscription manager, and the trading manager. Urgent events run on
// dedicated dispatcher goroutines; everything else shares a bounded worker
// pool. Per-priority circuit breakers and a sliding-window throttle keep a
// flood of market data from starving order flow.
package bus

import "time"

// Priority orders events by urgency. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	numPriorities = int(PriorityBackground) + 1
)

// String returns the lowercase priority name used in logs and metric labels.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Timeout returns the handler deadline for this priority. A handler that
// exceeds it is counted as failed and retried once through the worker pool.
func (p Priority) Timeout() time.Duration {
	switch p {
	case PriorityCritical:
		return 100 * time.Millisecond
	case PriorityHigh:
		return 500 * time.Millisecond
	case PriorityNormal:
		return time.Second
	case PriorityLow:
		return 2 * time.Second
	default:
		return 5 * time.Second
	}
}

// Event is a named message with an opaque payload.
type Event struct {
	Name       string
	Payload    any
	Priority   Priority
	EnqueuedAt time.Time

	fallback bool
	reply    chan reqResult
}

// Event names published by the engine. Handlers subscribe by name.
const (
	EventConnected    = "ib.connected"
	EventDisconnected = "ib.disconnected"
	EventGatewayError = "ib.error"

	EventTickPrice  = "tick.price"
	EventTickOption = "tick.option"

	EventOrderPlace  = "order.place"
	EventOrderCancel = "order.cancel"
	EventOrderStatus = "order.status"
	EventOrderFill   = "order.fill"

	EventPositionSell   = "position.sell"
	EventPositionUpdate = "position.update"
	EventAccountSummary = "account.summary"
	EventPnLUpdate      = "pnl.update"
	EventForexUpdate    = "forex.update"

	EventChainReceived    = "chain.received"
	EventContractSelected = "contract.selected"

	EventPanicSell = "panic.sell"
)

// Handler processes a single event. A non-nil error counts against the
// priority's circuit breaker.
type Handler func(Event) error

// RequestHandler answers a Request with a typed result.
type RequestHandler func(Event) (any, error)

type reqResult struct {
	value any
	err   error
}
