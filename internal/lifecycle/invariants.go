package lifecycle

import (
	"fmt"
	"math"
	"time"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// InvariantResult reports the outcome of a post-open structural check.
type InvariantResult struct {
	OK     bool
	Reason string // populated when OK is false
	Skip   bool   // true when a broker-API failure means "retry next cycle", not invalidate
}

// ValidateStructure checks the invariants required after a trade opens:
//   - strikes match strategy + width
//   - width equals model.Width in v1
//   - both legs present in the option chain (legsInChain)
//   - both legs present in the portfolio mirror after the structural
//     grace period, with short negative / long positive / equal absolute
//     quantities / |short| >= trade.Quantity
//
// legsInChain and mirror lookups are supplied by the caller (Sync
// Engine / Monitor Cycle) since this package has no broker or
// persistence dependency; it is pure validation logic.
//
// Broker-API failures during validation must be treated as "skip and
// retry next cycle", never as invalidation: callers signal that by
// passing brokerErr != nil, and ValidateStructure returns Skip=true.
func ValidateStructure(trade *model.Trade, legsInChain bool, mirror []model.PortfolioPosition, now time.Time, brokerErr error) InvariantResult {
	if brokerErr != nil {
		return InvariantResult{OK: false, Skip: true, Reason: "broker_error: " + brokerErr.Error()}
	}

	if trade.Width != model.Width {
		return InvariantResult{OK: false, Reason: fmt.Sprintf("width %v != %v", trade.Width, model.Width)}
	}

	wantLong := model.LongStrikeFor(trade.Strategy, trade.ShortStrike, trade.Width)
	if math.Abs(wantLong-trade.LongStrike) > 1e-6 {
		return InvariantResult{OK: false, Reason: fmt.Sprintf("long strike %v does not match strategy+width (want %v)", trade.LongStrike, wantLong)}
	}

	if !legsInChain {
		return InvariantResult{OK: false, Reason: "one or both legs missing from option chain"}
	}

	if trade.OpenedAt == nil || now.Sub(*trade.OpenedAt) < StructuralGracePeriod {
		// Within grace: a missing mirror leg is tolerated.
		return InvariantResult{OK: true}
	}

	short, long, ok := FindLegs(trade, mirror)
	if !ok {
		return InvariantResult{OK: false, Reason: "one or both legs missing from portfolio mirror after grace period"}
	}
	if short.Side != model.PositionShort {
		return InvariantResult{OK: false, Reason: "short leg is not short in mirror"}
	}
	if long.Side != model.PositionLong {
		return InvariantResult{OK: false, Reason: "long leg is not long in mirror"}
	}
	if math.Abs(short.Quantity-long.Quantity) > 1e-6 {
		return InvariantResult{OK: false, Reason: "short/long leg quantities do not match"}
	}
	if short.Quantity < float64(trade.Quantity) {
		return InvariantResult{OK: false, Reason: "mirror quantity is less than trade quantity"}
	}

	return InvariantResult{OK: true}
}

// FindLegs locates a trade's short and long legs in a portfolio mirror
// by underlying, expiration, and strike. Exported so the Sync Engine's
// trade-quantity drift reconciliation can reuse the exact
// matching rule the structural invariant check uses.
func FindLegs(trade *model.Trade, mirror []model.PortfolioPosition) (short, long model.PortfolioPosition, ok bool) {
	// Expirations are compared as calendar dates: the mirror's come from
	// OCC symbol decoding (UTC midnight) while the trade's were parsed
	// in the market clock's location, so instant equality would never
	// hold across the two.
	wantDate := trade.Expiration.Format("2006-01-02")
	var haveShort, haveLong bool
	for _, p := range mirror {
		if p.Underlying != trade.Underlying || p.Expiration.Format("2006-01-02") != wantDate {
			continue
		}
		if math.Abs(p.Strike-trade.ShortStrike) < 1e-6 {
			short, haveShort = p, true
		}
		if math.Abs(p.Strike-trade.LongStrike) < 1e-6 {
			long, haveLong = p, true
		}
	}
	return short, long, haveShort && haveLong
}

// SuppressStructuralFailure reports whether a structural-break finding
// should be suppressed because no sync has completed since the trade
// opened.
func SuppressStructuralFailure(trade *model.Trade, lastSyncAt time.Time) bool {
	if trade.OpenedAt == nil {
		return false
	}
	return lastSyncAt.Before(*trade.OpenedAt)
}
