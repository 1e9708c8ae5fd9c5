// Package lifecycle implements the trade state machine: the sole writer
// of trade status, and the post-open structural invariant checks.
//
// The transition table is a slice of allowed transitions plus a
// precomputed O(1) lookup map built once in init(), generalized over
// the trade lifecycle's own states rather than a single-symbol
// adjustment/rolling phase model.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// Condition names used on transitions, for audit logging.
const (
	ConditionOrderFilled       = "order_filled"
	ConditionOrderRejected     = "order_rejected"
	ConditionOrderCancelled    = "order_cancelled"
	ConditionInvariantFailed   = "invariant_failed"
	ConditionExitTriggered     = "exit_triggered"
	ConditionExitFilled        = "exit_filled"
	ConditionExitExhausted     = "exit_exhausted"
	ConditionBrokerAlreadyFlat = "broker_already_flat"
	ConditionManualClose       = "manual_close"
	ConditionReentry           = "reentry" // EXIT_ERROR -> CLOSING_PENDING next cycle
)

// StructuralGracePeriod is the window after open during which a missing
// leg in the portfolio mirror is tolerated rather than treated as a
// structural break.
const StructuralGracePeriod = 10 * time.Minute

// Transition describes one allowed edge in the trade state graph.
type Transition struct {
	From      model.TradeStatus
	To        model.TradeStatus
	Condition string
}

// Transitions is the full allowed-edge table for a trade's lifecycle:
//
//	created -> ENTRY_PENDING
//	ENTRY_PENDING -> CANCELLED          (entry rejected/cancelled)
//	ENTRY_PENDING -> OPEN               (fill)
//	ENTRY_PENDING -> INVALID_STRUCTURE  (post-open invariant fail)
//	OPEN -> CLOSING_PENDING             (exit trigger)
//	OPEN -> INVALID_STRUCTURE           (invariant fail discovered later)
//	OPEN -> CLOSED                      (broker-flat reconcile)
//	CLOSING_PENDING -> CLOSED           (fill)
//	CLOSING_PENDING -> EXIT_ERROR       (retry exhausted)
//	CLOSING_PENDING -> CLOSED           (broker-flat reconcile mid-exit)
//	CLOSING_PENDING -> CLOSED           (manual close)
//	EXIT_ERROR -> CLOSING_PENDING       (re-entered next monitor cycle)
var Transitions = []Transition{
	{model.StatusEntryPending, model.StatusCancelled, ConditionOrderRejected},
	{model.StatusEntryPending, model.StatusCancelled, ConditionOrderCancelled},
	{model.StatusEntryPending, model.StatusOpen, ConditionOrderFilled},
	{model.StatusEntryPending, model.StatusInvalidStructure, ConditionInvariantFailed},
	{model.StatusOpen, model.StatusClosingPending, ConditionExitTriggered},
	{model.StatusOpen, model.StatusInvalidStructure, ConditionInvariantFailed},
	{model.StatusOpen, model.StatusClosed, ConditionBrokerAlreadyFlat},
	{model.StatusClosingPending, model.StatusClosed, ConditionExitFilled},
	{model.StatusClosingPending, model.StatusExitError, ConditionExitExhausted},
	{model.StatusClosingPending, model.StatusClosed, ConditionBrokerAlreadyFlat},
	{model.StatusClosingPending, model.StatusClosed, ConditionManualClose},
	{model.StatusExitError, model.StatusClosingPending, ConditionReentry},
}

// transitionLookup is built once so IsValidTransition is O(1) instead of
// a linear scan over Transitions on every call.
var transitionLookup map[model.TradeStatus]map[model.TradeStatus]map[string]bool

func init() {
	transitionLookup = make(map[model.TradeStatus]map[model.TradeStatus]map[string]bool)
	for _, t := range Transitions {
		if transitionLookup[t.From] == nil {
			transitionLookup[t.From] = make(map[model.TradeStatus]map[string]bool)
		}
		if transitionLookup[t.From][t.To] == nil {
			transitionLookup[t.From][t.To] = make(map[string]bool)
		}
		transitionLookup[t.From][t.To][t.Condition] = true
	}
}

// IsValidTransition reports whether moving from->to under condition is
// an allowed edge in the table above.
func IsValidTransition(from, to model.TradeStatus, condition string) bool {
	byTo, ok := transitionLookup[from]
	if !ok {
		return false
	}
	conds, ok := byTo[to]
	if !ok {
		return false
	}
	return conds[condition]
}

// TerminalStatuses are the trade states with no further transitions.
var TerminalStatuses = map[model.TradeStatus]bool{
	model.StatusClosed:           true,
	model.StatusCancelled:        true,
	model.StatusInvalidStructure: true,
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status model.TradeStatus) bool {
	return TerminalStatuses[status]
}

// Controller is the sole writer of trade status. All status mutation
// in the engine goes through Transition so the allowed-edge table is
// enforced in one place.
type Controller struct{}

// NewController builds a lifecycle Controller.
func NewController() *Controller {
	return &Controller{}
}

// Transition validates and applies a status change to trade, stamping
// opened_at / closed_at as appropriate. It returns an error if the edge
// is not in the Transitions table; callers must never force a status
// write outside this method.
func (c *Controller) Transition(trade *model.Trade, to model.TradeStatus, condition string, now time.Time) error {
	if !IsValidTransition(trade.Status, to, condition) {
		return fmt.Errorf("lifecycle: invalid transition %s -> %s (condition=%s)", trade.Status, to, condition)
	}
	trade.Status = to
	switch to {
	case model.StatusOpen:
		if trade.OpenedAt == nil {
			t := now
			trade.OpenedAt = &t
		}
	case model.StatusClosed, model.StatusCancelled, model.StatusInvalidStructure:
		if trade.ClosedAt == nil {
			t := now
			trade.ClosedAt = &t
		}
	}
	return nil
}
