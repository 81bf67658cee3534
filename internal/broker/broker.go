// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"

	"ibkr-trader/internal/models"
)

// Broker defines the interface for gateway operations. All blocking calls
// take a context.
type Broker interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Account
	AccountSummary(ctx context.Context) (*models.AccountSummary, error)
	Positions(ctx context.Context) ([]models.Position, error)
	OpenOrders(ctx context.Context) ([]models.Order, error)

	// Orders
	PlaceOrder(ctx context.Context, order *models.Order) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error

	// Market data
	OptionChain(ctx context.Context, symbol string) (*models.OptionChain, error)
	SubscribeMarketData(ctx context.Context, contract models.Contract) error
	UnsubscribeMarketData(ctx context.Context, contract models.Contract) error

	// Push handlers. Register before Connect.
	OnTick(handler func(models.Tick))
	OnOptionQuote(handler func(models.OptionQuote))
	OnOrderStatus(handler func(models.Order))
	OnFill(handler func(models.Fill))
	OnConnect(handler func())
	OnDisconnect(handler func(error))
	OnError(handler func(error))
}

// handlers is the shared callback registry embedded by implementations.
type handlers struct {
	tick        func(models.Tick)
	optionQuote func(models.OptionQuote)
	orderStatus func(models.Order)
	fill        func(models.Fill)
	connect     func()
	disconnect  func(error)
	errFn       func(error)
}

func (h *handlers) OnTick(fn func(models.Tick))               { h.tick = fn }
func (h *handlers) OnOptionQuote(fn func(models.OptionQuote)) { h.optionQuote = fn }
func (h *handlers) OnOrderStatus(fn func(models.Order))       { h.orderStatus = fn }
func (h *handlers) OnFill(fn func(models.Fill))               { h.fill = fn }
func (h *handlers) OnConnect(fn func())                       { h.connect = fn }
func (h *handlers) OnDisconnect(fn func(error))               { h.disconnect = fn }
func (h *handlers) OnError(fn func(error))                    { h.errFn = fn }

func (h *handlers) emitTick(t models.Tick) {
	if h.tick != nil {
		h.tick(t)
	}
}

func (h *handlers) emitOptionQuote(q models.OptionQuote) {
	if h.optionQuote != nil {
		h.optionQuote(q)
	}
}

func (h *handlers) emitOrderStatus(o models.Order) {
	if h.orderStatus != nil {
		h.orderStatus(o)
	}
}

func (h *handlers) emitFill(f models.Fill) {
	if h.fill != nil {
		h.fill(f)
	}
}

func (h *handlers) emitConnect() {
	if h.connect != nil {
		h.connect()
	}
}

func (h *handlers) emitDisconnect(err error) {
	if h.disconnect != nil {
		h.disconnect(err)
	}
}

func (h *handlers) emitError(err error) {
	if h.errFn != nil {
		h.errFn(err)
	}
}
