// Package exit implements the Monitoring & Exit Rule Ladder and the
// Exit Engine's structured execution sequence.
// The ladder is a pure function over computed trade metrics so it can
// be unit tested against literal scenarios without a broker. It covers
// eight rules (including TRAIL_PROFIT, IV_CRUSH_EXIT, and
// LOW_VALUE_CLOSE) in an explicit priority ordering.
package exit

import "time"

// Trigger is the exit rule ladder's verdict.
type Trigger string

// Ladder outcomes, in priority order.
const (
	TriggerStructuralBreak Trigger = "STRUCTURAL_BREAK"
	TriggerTimeExit        Trigger = "TIME_EXIT"
	TriggerStopLoss        Trigger = "STOP_LOSS"
	TriggerTrailProfit     Trigger = "TRAIL_PROFIT"
	TriggerProfitTarget    Trigger = "PROFIT_TARGET"
	TriggerIVCrushExit     Trigger = "IV_CRUSH_EXIT"
	TriggerLowValueClose   Trigger = "LOW_VALUE_CLOSE"
	TriggerNone            Trigger = "NONE"
)

// Thresholds bundles the CLOSE_RULE_* settings.
type Thresholds struct {
	TimeExitDTE            int
	TimeExitCutoffET       string // "HH:MM", e.g. "15:45"
	StopLossFraction       float64
	TrailArmProfitFraction float64
	TrailGivebackFraction  float64
	ProfitTargetFraction   float64
	IVCrushThreshold       float64
	IVCrushMinPnL          float64
	LowValueFloor          float64
	ProtectiveSlippage     float64 // added to max_loss for an EMERGENCY exit limit
}

// Metrics is everything the ladder needs about one OPEN trade, computed
// fresh each monitor pass by the caller (current mark from the chain,
// structural checks from the Sync Engine / lifecycle package).
type Metrics struct {
	Now time.Time

	Mark       float64 // current mark, midpoint of spread bid/ask
	MaxProfit  float64
	MaxLoss    float64
	EntryPrice float64
	IVEntry    float64
	IVNow      float64
	DTE        int

	PnLFraction  float64 // realized-if-closed as a fraction of MaxProfit
	LossFraction float64 // as a fraction of MaxLoss

	MaxSeenProfitFraction float64 // high-water mark, monotonic

	StructuralBreak   bool // either leg missing from mirror after grace
	QuoteIntegrityBad bool // liquidity spreads exceeded / inconsistent quotes
	MaterialAdverse   bool // quote-integrity failure paired with an adverse mark
}

// Evaluate runs the 8-rule ladder in priority order and returns the
// first matching trigger, along with the updated MaxSeenProfitFraction
// (which must be persisted back onto the trade regardless of whether a
// trigger fired; arming is monotonic).
func Evaluate(m Metrics, th Thresholds) (Trigger, float64) {
	maxSeen := m.MaxSeenProfitFraction
	if m.PnLFraction > maxSeen {
		maxSeen = m.PnLFraction
	}

	if m.StructuralBreak || (m.QuoteIntegrityBad && m.MaterialAdverse) {
		return TriggerStructuralBreak, maxSeen
	}

	// Quote-integrity failures block every rule except EMERGENCY.
	if m.QuoteIntegrityBad {
		return TriggerNone, maxSeen
	}

	if m.DTE <= th.TimeExitDTE && etTimeAtOrAfter(m.Now, th.TimeExitCutoffET) {
		return TriggerTimeExit, maxSeen
	}

	if m.LossFraction >= th.StopLossFraction {
		return TriggerStopLoss, maxSeen
	}

	if maxSeen >= th.TrailArmProfitFraction && m.PnLFraction <= maxSeen-th.TrailGivebackFraction {
		return TriggerTrailProfit, maxSeen
	}

	if m.PnLFraction >= th.ProfitTargetFraction {
		return TriggerProfitTarget, maxSeen
	}

	if m.IVEntry > 0 && m.IVNow <= m.IVEntry*th.IVCrushThreshold && m.PnLFraction >= th.IVCrushMinPnL {
		return TriggerIVCrushExit, maxSeen
	}

	if m.Mark <= th.LowValueFloor {
		return TriggerLowValueClose, maxSeen
	}

	return TriggerNone, maxSeen
}

// ProtectiveLimit returns the emergency exit limit price: max_loss plus
// a fixed slippage allowance, guaranteeing flattening.
func ProtectiveLimit(maxLoss float64, th Thresholds) float64 {
	return maxLoss + th.ProtectiveSlippage
}

// etTimeAtOrAfter reports whether now's ET-local wall clock is at or
// after cutoff ("HH:MM"). now is assumed to already be in the ET
// location; conversion is the Time/Market Clock component's job.
func etTimeAtOrAfter(now time.Time, cutoff string) bool {
	cutT, err := time.Parse("15:04", cutoff)
	if err != nil {
		return false
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	cutMinutes := cutT.Hour()*60 + cutT.Minute()
	return nowMinutes >= cutMinutes
}
