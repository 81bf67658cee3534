package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/bus"
	apperrors "ibkr-trader/internal/errors"
	"ibkr-trader/internal/logging"
	"ibkr-trader/internal/metrics"
)

// ReconnectConfig tunes the connection retry loop.
type ReconnectConfig struct {
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// MaxAttempts bounds consecutive failures before giving up.
	MaxAttempts int
}

// DefaultReconnectConfig returns the default retry tuning.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
	}
}

// ConnectionManager keeps a broker session alive. Each failure grows the
// retry delay by half, capped at MaxDelay; a successful session resets
// both the delay and the attempt counter. Session transitions are
// published on the bus.
type ConnectionManager struct {
	broker Broker
	eb     *bus.Bus
	cfg    ReconnectConfig
	logger zerolog.Logger

	lost chan error
}

// NewConnectionManager creates a manager for the given broker.
func NewConnectionManager(b Broker, eb *bus.Bus, cfg ReconnectConfig, logger zerolog.Logger) *ConnectionManager {
	m := &ConnectionManager{
		broker: b,
		eb:     eb,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "connection"),
		lost:   make(chan error, 1),
	}
	b.OnDisconnect(func(err error) {
		select {
		case m.lost <- err:
		default:
		}
	})
	return m
}

// Run maintains the connection until the context is cancelled or the
// attempt limit is exhausted.
func (m *ConnectionManager) Run(ctx context.Context) error {
	delay := m.cfg.BaseDelay
	attempts := 0

	for {
		// Drop any stale disconnect signal from the previous session.
		select {
		case <-m.lost:
		default:
		}
		logging.LogConnection(m.logger, "connecting", attempts, nil)

		err := m.broker.Connect(ctx)
		if err == nil {
			delay = m.cfg.BaseDelay
			attempts = 0
			logging.LogConnection(m.logger, "connected", 0, nil)
			m.eb.Publish(bus.EventConnected, nil, bus.PriorityCritical)

			select {
			case <-ctx.Done():
				m.broker.Disconnect(context.Background())
				return ctx.Err()
			case lostErr := <-m.lost:
				logging.LogConnection(m.logger, "disconnected", 0, lostErr)
				m.eb.Publish(bus.EventDisconnected, lostErr, bus.PriorityCritical)
			}
		} else {
			logging.LogConnection(m.logger, "connect_failed", attempts, err)
			m.eb.Publish(bus.EventGatewayError, err, bus.PriorityHigh)
		}

		attempts++
		if attempts > m.cfg.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", m.cfg.MaxAttempts, apperrors.ErrReconnectExceeded)
		}
		metrics.IncReconnect()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = delay * 3 / 2
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}
}
