// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotConnected      = errors.New("not connected to gateway")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrReconnectExceeded = errors.New("max reconnection attempts reached")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrPositionExists    = errors.New("an active position already exists")
	ErrNoPosition        = errors.New("no active position")
	ErrNoMarketData      = errors.New("market data unavailable")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrPacingViolation   = errors.New("pacing violation")
	ErrInvalidContract   = errors.New("invalid contract specification")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrBusClosed         = errors.New("event bus is closed")
	ErrNoRequestHandler  = errors.New("no handler registered for request")
	ErrTimeout           = errors.New("operation timed out")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDataNotFound      = errors.New("data not found")
)

// Category classifies IB gateway errors for recovery decisions.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryMarketData Category = "market_data"
	CategoryOrder      Category = "order"
	CategoryPacing     Category = "pacing"
	CategoryGeneral    Category = "general"
)

// Recovery describes how a gateway error should be handled.
type Recovery string

const (
	RecoveryReconnect  Recovery = "reconnect"
	RecoveryRetry      Recovery = "retry"
	RecoveryDoNotRetry Recovery = "do_not_retry"
	RecoveryLogOnly    Recovery = "log_only"
)

// GatewayError represents a coded error reported by the IB gateway.
type GatewayError struct {
	Code    int
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway error %d (%s): %s: %v", e.Code, e.Category(), e.Message, e.Err)
	}
	return fmt.Sprintf("gateway error %d (%s): %s", e.Code, e.Category(), e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a new GatewayError.
func NewGatewayError(code int, message string, err error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Err: err}
}

// Category classifies the error by its code. Codes come from two wires:
// TWS-style numeric errors relayed over the websocket, and raw HTTP status
// codes from the Client Portal REST API, which reports pacing as 429.
func (e *GatewayError) Category() Category {
	switch {
	case e.Code == 1100 || e.Code == 1101 || e.Code == 1102 || e.Code == 1300 ||
		e.Code == 2110 || e.Code == 504:
		return CategoryConnection
	case e.Code == 429 || e.Code == 503:
		return CategoryPacing
	case e.Code >= 10167 && e.Code <= 10169:
		return CategoryPacing
	case e.Code >= 10182 && e.Code <= 10184:
		return CategoryMarketData
	case e.Code == 200 || e.Code == 203:
		return CategoryMarketData
	case e.Code >= 103 && e.Code <= 110 || e.Code == 201 || e.Code == 202 || e.Code == 399:
		return CategoryOrder
	default:
		return CategoryGeneral
	}
}

// RecoveryStrategy returns the recommended recovery action for the error.
func (e *GatewayError) RecoveryStrategy() Recovery {
	switch e.Category() {
	case CategoryConnection:
		return RecoveryReconnect
	case CategoryPacing:
		return RecoveryRetry
	case CategoryMarketData:
		if e.Code >= 10182 && e.Code <= 10184 {
			// Invalid contract specifications never become valid on retry.
			return RecoveryDoNotRetry
		}
		return RecoveryRetry
	case CategoryOrder:
		return RecoveryLogOnly
	default:
		return RecoveryLogOnly
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID int64
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%d] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%d] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID int64, symbol, action, reason string, err error) *OrderError {
	return &OrderError{OrderID: orderID, Symbol: symbol, Action: action, Reason: reason, Err: err}
}

// Is reports whether target matches err or any error it wraps.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap annotates err with a message, returning nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
