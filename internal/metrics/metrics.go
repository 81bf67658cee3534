// Package metrics exposes Prometheus instrumentation for the event bus,
// order flow, and gateway connection. Collectors are registered at init
// and served at /metrics in Prometheus text exposition format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_events_processed_total",
			Help: "Events dispatched to handlers, by priority",
		},
		[]string{"priority"},
	)

	eventsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_events_failed_total",
			Help: "Handler failures and timeouts, by priority",
		},
		[]string{"priority"},
	)

	eventsThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_events_throttled_total",
			Help: "Events dropped by the publish throttle",
		},
	)

	eventsCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_events_coalesced_total",
			Help: "Tick events absorbed by the sampling window",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_queue_depth",
			Help: "Buffered events per priority lane",
		},
		[]string{"priority"},
	)

	throttleCeiling = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_throttle_ceiling",
			Help: "Current publish ceiling in events per second",
		},
	)

	circuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_circuit_open",
			Help: "1 when the dispatch circuit for a priority is open",
		},
		[]string{"priority"},
	)

	orderDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_order_delay_seconds",
			Help:    "Order placement round-trip latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 0.75, 1, 2, 5},
		},
	)

	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders placed, by side and type",
		},
		[]string{"side", "type"},
	)

	fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_fills_total",
			Help: "Fills received, by side",
		},
		[]string{"side"},
	)

	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_connection_state",
			Help: "Subscription state indicator, one labeled series per state",
		},
		[]string{"state"},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_reconnects_total",
			Help: "Gateway reconnect attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsProcessed, eventsFailed, eventsThrottled, eventsCoalesced)
	prometheus.MustRegister(queueDepth, throttleCeiling, circuitOpen)
	prometheus.MustRegister(orderDelay, ordersPlaced, fills)
	prometheus.MustRegister(connectionState, reconnects)
}

// Handler returns the /metrics handler.
func Handler() http.Handler { return promhttp.Handler() }

func IncEventProcessed(priority string) { eventsProcessed.WithLabelValues(priority).Inc() }
func IncEventFailed(priority string)    { eventsFailed.WithLabelValues(priority).Inc() }
func IncThrottled()                     { eventsThrottled.Inc() }
func IncCoalesced()                     { eventsCoalesced.Inc() }

func SetQueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func SetThrottleCeiling(eps float64) { throttleCeiling.Set(eps) }

func SetCircuitOpen(priority string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	circuitOpen.WithLabelValues(priority).Set(v)
}

func ObserveOrderDelay(d time.Duration) { orderDelay.Observe(d.Seconds()) }

func IncOrderPlaced(side, orderType string) { ordersPlaced.WithLabelValues(side, orderType).Inc() }
func IncFill(side string)                   { fills.WithLabelValues(side).Inc() }

// SetConnectionState flips the labeled series so exactly one state reads 1.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

func IncReconnect() { reconnects.Inc() }
