package scoring

import "github.com/gekkoworks/spreadengine/internal/model"

// ScoreDebitSpread applies the debit-spread hard filters and, if they
// all pass, computes the composite score and component scores.
// Deliberately independent of ScoreCreditSpread beyond the shared
// clamp/logistic primitives in scoremath.go.
func ScoreDebitSpread(m CandidateMetrics) (Score, *Rejection) {
	ivr := normalizeFraction(m.IVR)

	if m.Mode != ModeSandboxPaper {
		if ivr < 0.10 || ivr > 0.70 {
			return Score{}, &Rejection{RejectIVROutOfRange, "IVR out of [0.10, 0.70]"}
		}
	}

	deltaForFilter := m.DeltaLong
	usedShortFallback := false
	if deltaForFilter == 0 {
		deltaForFilter = m.DeltaShort
		usedShortFallback = true
	}
	absDelta := absf(deltaForFilter)
	if absDelta < 0.40 || absDelta > 0.55 {
		return Score{}, &Rejection{RejectDeltaOutOfRange, "delta_long (or delta_short fallback) out of [0.40, 0.55]"}
	}

	if m.Debit < 0.80 || m.Debit > 2.50 {
		return Score{}, &Rejection{RejectDebitOutOfRange, "debit out of [0.80, 2.50]"}
	}

	var rewardRisk float64
	if m.Debit != 0 {
		rewardRisk = (m.Width - m.Debit) / m.Debit
	}
	if rewardRisk < 1.0 {
		return Score{}, &Rejection{RejectRewardRiskLow, "reward:risk below 1.0"}
	}

	trendComponent := clamp(m.Trend, 0, 1)

	deltaComponent := clamp(1-absf(absDelta-0.475)/0.075, 0, 1)

	var rrComponent float64
	switch {
	case rewardRisk >= 1.2:
		rrComponent = 1
	case rewardRisk <= 1.0:
		rrComponent = 0.5
	default:
		rrComponent = 0.5 + 0.5*(rewardRisk-1.0)/(1.2-1.0)
	}

	ivrComponent := ivrDebitPreference(ivr)

	liquidityComponent := clamp(1-12*(m.ShortPctSpread+m.LongPctSpread), 0, 1)

	composite := 0.30*trendComponent + 0.25*deltaComponent + 0.25*rrComponent +
		0.10*ivrComponent + 0.10*liquidityComponent

	return Score{
		Composite: clamp(composite, 0, 1),
		Components: model.ComponentScores{
			Trend: trendComponent, Delta: deltaComponent, RewardRisk: rrComponent,
			IVR: ivrComponent, Liquidity: liquidityComponent,
		},
		UsedDeltaShortFallback: usedShortFallback,
	}, nil
}

// ivrDebitPreference implements the IVR debit-preference component:
// centered in [0.20, 0.50] with a soft floor of 0.6 outside that band.
func ivrDebitPreference(ivr float64) float64 {
	if ivr >= 0.20 && ivr <= 0.50 {
		return 1.0
	}
	if ivr < 0.20 {
		if ivr <= 0 {
			return 0.6
		}
		return clamp(0.6+0.4*(ivr/0.20), 0.6, 1.0)
	}
	// ivr > 0.50
	over := ivr - 0.50
	return clamp(1.0-0.4*(over/0.20), 0.6, 1.0)
}
