package models

import "time"

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
)

// OrderStatus represents the broker-reported status of an order.
type OrderStatus string

const (
	OrderStatusPendingSubmit OrderStatus = "PendingSubmit"
	OrderStatusSubmitted     OrderStatus = "Submitted"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusCancelled     OrderStatus = "Cancelled"
	OrderStatusInactive      OrderStatus = "Inactive"
)

// TimeInForce values accepted by IB.
const (
	TIFDay = "DAY"
	TIFGTC = "GTC"
	TIFIOC = "IOC"
)

// Order represents a trading order.
type Order struct {
	ID           int64
	ClientID     string // uuid assigned before submission
	Contract     Contract
	Side         OrderSide
	Type         OrderType
	Quantity     int
	LimitPrice   float64
	StopPrice    float64
	TIF          string
	OCAGroup     string
	OCAType      int
	AlgoStrategy string // e.g. "Adaptive"
	AlgoPriority string // adaptive urgency: Patient, Normal, Urgent
	Status       OrderStatus
	FilledQty    int
	RemainingQty int
	AvgFillPrice float64
	PlacedAt     time.Time
}

// Terminal reports whether the order reached a final state.
func (o Order) Terminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled || o.Status == OrderStatusInactive
}

// Fill represents an execution report for an order.
type Fill struct {
	OrderID   int64
	Contract  Contract
	Side      OrderSide
	Quantity  int
	Remaining int
	Price     float64
	Timestamp time.Time
}

// Partial reports whether the fill left quantity outstanding.
func (f Fill) Partial() bool {
	return f.Remaining > 0
}

// Bracket tracks the protective orders attached to a parent order.
type Bracket struct {
	ParentID     int64
	StopLossID   int64
	TakeProfitID int64
	Contract     Contract
	Quantity     int
	EntryPrice   float64
	Right        Right
}

// HasStopLoss reports whether a stop-loss leg is active.
func (b Bracket) HasStopLoss() bool { return b.StopLossID != 0 }

// HasTakeProfit reports whether a take-profit leg is active.
func (b Bracket) HasTakeProfit() bool { return b.TakeProfitID != 0 }
