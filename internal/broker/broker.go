// Package broker implements the Broker Gateway: a stateless wrapper
// over the broker's HTTP API that normalizes quotes, chains, orders,
// positions, balances, and gain/loss; enforces per-call timeouts and
// bounded retry; and emits an audit record per call.
//
// The order builder is strategy-aware, covering all five strategies in
// model.Strategy rather than a single fixed spread shape.
package broker

import (
	"context"
	"time"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// Quote is the latest last/bid/ask for an underlying.
type Quote struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
}

// Greeks holds the per-leg option greeks and implied vol readings.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	MidIV float64
}

// OptionLeg is one normalized row from an option chain.
type OptionLeg struct {
	Symbol         string // OCC/OSI symbol
	OptionType     string // CALL | PUT
	Strike         float64
	ExpirationDate string
	Bid            float64
	Ask            float64
	Last           float64
	Volume         int64
	OpenInterest   int64
	Greeks         *Greeks
}

// Mid returns the leg's midpoint price.
func (o OptionLeg) Mid() float64 {
	if o.Bid <= 0 || o.Ask <= 0 {
		return o.Last
	}
	return (o.Bid + o.Ask) / 2
}

// PlacedOrder is the broker's response to an order submission or status
// query, normalized to the fields the rest of the engine needs.
type PlacedOrder struct {
	ID                int
	Status            model.OrderStatus
	AvgFillPrice      float64
	FilledQuantity    int
	RemainingQuantity int
	RejectionText     string

	// Tag echoes back the client_order_id the order was submitted
	// with, used by the Sync Engine to recognize this engine's own
	// orders.
	Tag string
	// Symbol is the underlying or OCC option symbol the order trades,
	// used to match an untagged order to a trade by underlying and
	// strikes when Tag is absent (e.g. orders placed outside this
	// engine, or before tagging existed).
	Symbol    string
	CreatedAt time.Time
}

// BalanceSnapshot is the broker account balance at a point in time.
type BalanceSnapshot struct {
	Cash              float64
	BuyingPower       float64
	Equity            float64
	MarginRequirement float64
}

// GainLossEntry is one realized-PnL row from the broker's gain/loss
// report, keyed by the closed option symbol.
type GainLossEntry struct {
	Symbol      string
	ClosedAt    time.Time
	Quantity    float64
	ProceedsPnL float64
}

// HistoricalBar is one daily close, used for trend/SMA filters.
type HistoricalBar struct {
	Date  time.Time
	Close float64
}

// SpreadLeg describes one leg of an outbound multileg order.
type SpreadLeg struct {
	OptionSymbol string
	Side         string // buy_to_open | sell_to_open | buy_to_close | sell_to_close
	Quantity     int
}

// SpreadOrderRequest is the input to PlaceSpreadOrder.
type SpreadOrderRequest struct {
	Strategy      model.Strategy
	IsExit        bool // flips the base type: credit strategies close as debits and vice versa
	Legs          [2]SpreadLeg
	LimitPrice    float64 // net credit/debit, always positive magnitude
	ClientOrderID string
	Duration      string // day | gtc
}

// Broker is the interface the rest of the engine depends on. Every
// method accepts a context and is expected to honor the per-call
// timeout defaults internally (via the HTTP client
// wired in at construction); methods here are pure signature surface.
type Broker interface {
	GetUnderlyingQuote(ctx context.Context, symbol string) (Quote, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string) ([]OptionLeg, error)

	PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*PlacedOrder, error)
	PlaceSingleLegCloseOrder(ctx context.Context, optionSymbol, side string, quantity int, clientOrderID string) (*PlacedOrder, error)

	GetOrder(ctx context.Context, id int) (*PlacedOrder, error)
	GetAllOrders(ctx context.Context, start, end time.Time) ([]PlacedOrder, error)
	GetOpenOrders(ctx context.Context) ([]PlacedOrder, error)
	CancelOrder(ctx context.Context, id int) error

	GetPositions(ctx context.Context) ([]model.PortfolioPosition, error)
	GetBalances(ctx context.Context) (BalanceSnapshot, error)
	GetGainLoss(ctx context.Context, start, end time.Time) ([]GainLossEntry, error)
	GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalBar, error)
}

// Timeout defaults.
const (
	DefaultTimeout       = 10 * time.Second
	OrderEndpointTimeout = 15 * time.Second
	PositionsTimeout     = 10 * time.Second
)

// MaxRetries is the bounded-retry ceiling for AbortError/5xx responses.
const MaxRetries = 2
