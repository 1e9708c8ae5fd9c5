package model

import "time"

// OrderSide distinguishes entry orders from exit orders.
type OrderSide string

// Sides.
const (
	OrderSideEntry OrderSide = "ENTRY"
	OrderSideExit  OrderSide = "EXIT"
)

// OrderStatus mirrors the broker's order lifecycle, normalized to a
// small enum the rest of the engine can switch on.
type OrderStatus string

// Statuses.
const (
	OrderPending   OrderStatus = "PENDING"
	OrderPlaced    OrderStatus = "PLACED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether the order will never change status again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// Order is a single locally-tracked outbound request to the broker. Every
// order is back-linked to the proposal that produced it.
type Order struct {
	ID string

	ProposalID string // NOT NULL invariant
	TradeID    string // nullable until linked

	ClientOrderID  string // unique, generated locally
	TradierOrderID int    // assigned on placement, 0 until then

	Side OrderSide

	Status OrderStatus

	AvgFillPrice       float64
	FilledQuantity     int
	RemainingQuantity  int

	SnapshotID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PositionSide is long or short, per leg, in the portfolio mirror.
type PositionSide string

// Sides.
const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PortfolioPosition mirrors one broker-held option leg. The broker is
// canonical: the mirror is overwritten whole on each successful sync.
type PortfolioPosition struct {
	Symbol string // broker option symbol, identity

	Underlying string
	Expiration time.Time
	OptionType string // CALL | PUT
	Strike     float64

	Side     PositionSide
	Quantity float64 // absolute value >= 0

	CostBasisPerContract float64
	LastPrice            float64
	Bid                  float64
	Ask                  float64

	SnapshotID string
	UpdatedAt  time.Time
}

// Mid returns the midpoint of bid/ask, or LastPrice if either side of
// the quote is non-positive.
func (p PortfolioPosition) Mid() float64 {
	if p.Bid <= 0 || p.Ask <= 0 {
		return p.LastPrice
	}
	return (p.Bid + p.Ask) / 2
}
