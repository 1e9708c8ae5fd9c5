// Package model holds the core domain entities shared across the trading
// engine: trades, proposals, orders, and the portfolio position mirror.
package model

import "time"

// Strategy enumerates the supported two-leg spread structures.
type Strategy string

// Supported strategies. Width is fixed at 5 strike points in v1.
const (
	BullPutCredit  Strategy = "BULL_PUT_CREDIT"
	BearCallCredit Strategy = "BEAR_CALL_CREDIT"
	BullCallDebit  Strategy = "BULL_CALL_DEBIT"
	BearPutDebit   Strategy = "BEAR_PUT_DEBIT"
	IronCondor     Strategy = "IRON_CONDOR"
)

// IsCredit reports whether the strategy collects net premium at open.
func (s Strategy) IsCredit() bool {
	switch s {
	case BullPutCredit, BearCallCredit:
		return true
	default:
		return false
	}
}

// OptionType returns the shared option type for both legs of the strategy.
// CALL for call-based strategies, PUT otherwise. Iron condors carry two
// independent verticals and are handled per-leg by callers; OptionType is
// meaningless for IronCondor and panics if called on it.
func (s Strategy) OptionType() string {
	switch s {
	case BearCallCredit, BullCallDebit:
		return "CALL"
	case BullPutCredit, BearPutDebit:
		return "PUT"
	default:
		panic("model: OptionType called on a strategy with no single shared leg type")
	}
}

// TradeStatus is the Lifecycle Controller's authoritative trade state.
type TradeStatus string

// Trade lifecycle states.
const (
	StatusEntryPending     TradeStatus = "ENTRY_PENDING"
	StatusOpen             TradeStatus = "OPEN"
	StatusClosingPending   TradeStatus = "CLOSING_PENDING"
	StatusClosed           TradeStatus = "CLOSED"
	StatusCancelled        TradeStatus = "CANCELLED"
	StatusCloseFailed      TradeStatus = "CLOSE_FAILED"
	StatusInvalidStructure TradeStatus = "INVALID_STRUCTURE"
	StatusExitError        TradeStatus = "EXIT_ERROR"
)

// ExitReason tags why a trade closed or failed to close.
type ExitReason string

// Recognized exit reasons.
const (
	ExitReasonBrokerAlreadyFlat ExitReason = "BROKER_ALREADY_FLAT"
	ExitReasonQuantityMismatch  ExitReason = "QUANTITY_MISMATCH"
	ExitReasonMaxExitAttempts   ExitReason = "MAX_EXIT_ATTEMPTS"
	ExitReasonManualClose       ExitReason = "MANUAL_CLOSE"
	ExitReasonPhantomTrade      ExitReason = "PHANTOM_TRADE"
	ExitReasonNormalExit        ExitReason = "NORMAL_EXIT"
	ExitReasonUnknown           ExitReason = "UNKNOWN"
)

// TradeOrigin records how a trade came to exist.
type TradeOrigin string

// Origins.
const (
	OriginEngine   TradeOrigin = "ENGINE"
	OriginImported TradeOrigin = "IMPORTED"
	OriginManual   TradeOrigin = "MANUAL"
)

// Width is fixed at 5 strike points for the initial cut.
const Width = 5.0

// Trade is a two-leg spread position tracked end to end by the engine.
type Trade struct {
	ID         string
	ProposalID string // post-bootstrap invariant: always set for engine-created trades

	Underlying  string
	Expiration  time.Time
	ShortStrike float64
	LongStrike  float64
	Width       float64
	Quantity    int
	Strategy    Strategy

	EntryPrice  float64 // per contract, always positive
	ExitPrice   *float64
	MaxProfit   float64
	MaxLoss     float64
	RealizedPnL *float64 // null unless computed from a real fill or gain/loss lookup

	IVEntry               float64
	MaxSeenProfitFraction float64

	Origin  TradeOrigin
	Managed bool

	BrokerOrderIDOpen  string
	BrokerOrderIDClose string

	EntryLimitPrice float64

	Status     TradeStatus
	ExitReason ExitReason

	CreatedAt time.Time
	OpenedAt  *time.Time
	ClosedAt  *time.Time

	LastCheckedAt time.Time
}

// LongStrikeFor computes the required long strike for a strategy,
// short strike, and width combination:
//
//	credit put / debit call: long = short - width
//	debit put  / credit call: long = short + width
func LongStrikeFor(strategy Strategy, shortStrike, width float64) float64 {
	switch strategy {
	case BullPutCredit, BullCallDebit:
		return shortStrike - width
	case BearCallCredit, BearPutDebit:
		return shortStrike + width
	default:
		panic("model: LongStrikeFor called with an unsupported strategy")
	}
}

// RealizedPnLPerContract computes the per-contract PnL for a closed trade:
// entry-exit for credit strategies, exit-entry for debit strategies.
func RealizedPnLPerContract(strategy Strategy, entry, exit float64) float64 {
	if strategy.IsCredit() {
		return entry - exit
	}
	return exit - entry
}
