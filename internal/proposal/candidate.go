package proposal

import (
	"math"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/scoring"
)

// candidate is one buildable two-leg spread at a fixed width, paired
// with the metrics the scoring engine needs. It carries no broker or
// store dependency so it can be unit tested against hand-built chains.
type candidate struct {
	Strategy    model.Strategy
	ShortStrike float64
	LongStrike  float64
	Width       float64
	Metrics     scoring.CandidateMetrics
}

// filterChainRows applies the mode-dependent chain filter:
// rows with no usable bid/ask are always dropped (no price, no spread);
// in LIVE/DRY_RUN rows missing greeks are also dropped since scoring
// needs delta and IV. SANDBOX_PAPER tolerates missing greeks, passing
// the row through with zero-valued greeks (see greeksOf).
//
// This lives in the Proposal Engine rather than the Broker Gateway
// itself: the gateway's GetOptionChain signature carries no mode
// parameter (it stays a stateless HTTP wrapper), so the mode-aware
// decision is made here, the one caller that knows which mode it is
// running in.
func filterChainRows(rows []broker.OptionLeg, mode scoring.Mode) []broker.OptionLeg {
	out := make([]broker.OptionLeg, 0, len(rows))
	for _, r := range rows {
		if r.Bid <= 0 || r.Ask <= 0 {
			continue
		}
		if mode != scoring.ModeSandboxPaper && r.Greeks == nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func greeksOf(leg broker.OptionLeg) broker.Greeks {
	if leg.Greeks == nil {
		return broker.Greeks{}
	}
	return *leg.Greeks
}

func pctSpread(leg broker.OptionLeg) float64 {
	mid := leg.Mid()
	if mid <= 0 {
		return math.Inf(1)
	}
	return (leg.Ask - leg.Bid) / mid
}

// isOTMShort reports whether strike is out-of-the-money for a credit
// spread's short leg: below spot for a put (BULL_PUT_CREDIT), above
// spot for a call (BEAR_CALL_CREDIT).
func isOTMShort(strategy model.Strategy, strike, spot float64) bool {
	switch strategy {
	case model.BullPutCredit:
		return strike < spot
	case model.BearCallCredit:
		return strike > spot
	default:
		return false
	}
}

// shortStrikeFor inverts model.LongStrikeFor for the debit strategies:
// given the chosen long strike, returns the short strike width away in
// the direction the strategy's LongStrikeFor formula implies.
func shortStrikeFor(strategy model.Strategy, longStrike, width float64) float64 {
	switch strategy {
	case model.BullCallDebit:
		return longStrike + width
	case model.BearPutDebit:
		return longStrike - width
	default:
		panic("proposal: shortStrikeFor called with a non-debit strategy")
	}
}

// trendScore gives a crude 0-1 directional-trend reading from a 20-day
// price change, oriented so the debit strategy that wants that
// direction scores higher. Neutral (0.5)
// when there isn't enough history.
func trendScore(strategy model.Strategy, bars []broker.HistoricalBar) float64 {
	const lookback = 20
	if len(bars) <= lookback {
		return 0.5
	}
	recent := bars[len(bars)-1].Close
	past := bars[len(bars)-1-lookback].Close
	if past <= 0 {
		return 0.5
	}
	pctChange := (recent - past) / past
	if strategy == model.BearPutDebit {
		pctChange = -pctChange
	}
	return clamp01(0.5 + pctChange*5)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// buildMetrics computes the scoring.CandidateMetrics for one short/long
// leg pairing.
func buildMetrics(strategy model.Strategy, mode scoring.Mode, shortLeg, longLeg broker.OptionLeg, trend float64, bars []broker.HistoricalBar, minCreditFraction float64) scoring.CandidateMetrics {
	sg, lg := greeksOf(shortLeg), greeksOf(longLeg)
	return scoring.CandidateMetrics{
		Mode:              mode,
		Strategy:          strategy,
		Width:             model.Width,
		Credit:            shortLeg.Mid() - longLeg.Mid(),
		Debit:             longLeg.Mid() - shortLeg.Mid(),
		POP:               1 - math.Abs(sg.Delta),
		IVR:               ivrProxy(sg.MidIV, bars),
		DeltaShort:        sg.Delta,
		DeltaLong:         lg.Delta,
		ShortPctSpread:    pctSpread(shortLeg),
		LongPctSpread:     pctSpread(longLeg),
		VerticalSkew:      sg.MidIV - lg.MidIV,
		Trend:             trend,
		MinCreditFraction: minCreditFraction,
	}
}

// buildCandidates walks rows (already mode-filtered) for strategy,
// pairing every eligible pivot strike with its strategy+width partner
// strike and rejecting pairs with a missing partner leg, non-positive
// quotes, or a per-leg spread wider than maxEntrySpreadPct. minCreditFraction
// is the configured MIN_CREDIT_FRACTION, forwarded onto each candidate's
// metrics for the credit hard filter.
func buildCandidates(strategy model.Strategy, quote broker.Quote, rows []broker.OptionLeg, mode scoring.Mode, trend float64, bars []broker.HistoricalBar, maxEntrySpreadPct, minCreditFraction float64) []candidate {
	optType := strategy.OptionType()
	idx := make(map[float64]broker.OptionLeg, len(rows))
	for _, r := range rows {
		if r.OptionType != optType {
			continue
		}
		idx[r.Strike] = r
	}

	isCredit := strategy.IsCredit()
	out := make([]candidate, 0, len(idx))
	for strike, leg := range idx {
		var shortStrike, longStrike float64
		var shortLeg, longLeg broker.OptionLeg

		if isCredit {
			if !isOTMShort(strategy, strike, quote.Last) {
				continue
			}
			shortStrike = strike
			longStrike = model.LongStrikeFor(strategy, shortStrike, model.Width)
			paired, ok := idx[longStrike]
			if !ok {
				continue
			}
			shortLeg, longLeg = leg, paired
		} else {
			longStrike = strike
			shortStrike = shortStrikeFor(strategy, longStrike, model.Width)
			paired, ok := idx[shortStrike]
			if !ok {
				continue
			}
			shortLeg, longLeg = paired, leg
		}

		if shortLeg.Bid <= 0 || shortLeg.Ask <= 0 || longLeg.Bid <= 0 || longLeg.Ask <= 0 {
			continue
		}
		if pctSpread(shortLeg) > maxEntrySpreadPct || pctSpread(longLeg) > maxEntrySpreadPct {
			continue
		}

		out = append(out, candidate{
			Strategy:    strategy,
			ShortStrike: shortStrike,
			LongStrike:  longStrike,
			Width:       model.Width,
			Metrics:     buildMetrics(strategy, mode, shortLeg, longLeg, trend, bars, minCreditFraction),
		})
	}
	return out
}
