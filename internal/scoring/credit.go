package scoring

import (
	"math"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// creditWeights are the composite weights for credit-spread scoring.
// In SANDBOX_PAPER the IVR weight is zeroed and the remaining weights
// renormalized.
type creditWeights struct {
	pop, credit, ivr, delta, liquidity, skew float64
}

var baseCreditWeights = creditWeights{
	pop: 0.40, credit: 0.25, ivr: 0.20, delta: 0.08, liquidity: 0.04, skew: 0.03,
}

func weightsFor(mode Mode) creditWeights {
	w := baseCreditWeights
	if mode != ModeSandboxPaper {
		return w
	}
	remaining := w.pop + w.credit + w.delta + w.liquidity + w.skew
	if remaining <= 0 {
		return w
	}
	scale := 1.0 / remaining
	return creditWeights{
		pop:       w.pop * scale,
		credit:    w.credit * scale,
		ivr:       0,
		delta:     w.delta * scale,
		liquidity: w.liquidity * scale,
		skew:      w.skew * scale,
	}
}

// ScoreCreditSpread applies the credit-spread hard filters and, if they
// all pass, computes the composite score and component scores.
func ScoreCreditSpread(m CandidateMetrics) (Score, *Rejection) {
	pop := normalizeFraction(m.POP)
	ivr := normalizeFraction(m.IVR)

	if pop < 0.65 {
		return Score{}, &Rejection{RejectPOPTooLow, "POP below 0.65"}
	}

	deltaLo, deltaHi := 0.18, 0.28
	if m.Mode == ModeSandboxPaper {
		deltaLo, deltaHi = 0.15, 0.35
	}
	absDeltaShort := absf(m.DeltaShort)
	if absDeltaShort < deltaLo || absDeltaShort > deltaHi {
		return Score{}, &Rejection{RejectDeltaOutOfRange, "short delta out of range for mode"}
	}

	if m.Mode != ModeSandboxPaper {
		if ivr < 0.15 || ivr > 0.70 {
			return Score{}, &Rejection{RejectIVROutOfRange, "IVR out of [0.15, 0.70]"}
		}
	}

	if math.IsInf(m.VerticalSkew, 0) || math.IsNaN(m.VerticalSkew) || absf(m.VerticalSkew) > 2 {
		return Score{}, &Rejection{RejectSkewTooWide, "vertical skew not finite or |skew| > 2"}
	}

	creditFraction := m.MinCreditFraction
	if creditFraction <= 0 {
		creditFraction = defaultMinCreditFraction
	}
	minCredit := m.Width * creditFraction
	if m.Credit < minCredit {
		return Score{}, &Rejection{RejectCreditTooLow, "credit below width * minCreditFraction"}
	}

	w := weightsFor(m.Mode)

	popComponent := clamp((clamp(pop, 0.5, 0.9)-0.5)/0.4, 0, 1)
	creditRatio := 0.0
	if m.Width != 0 {
		creditRatio = m.Credit / m.Width
	}
	creditComponent := logistic(15 * (creditRatio - 0.22))

	ivrComponent := clamp(1-7.5*absf(ivr-0.45), 0, 1)
	deltaComponent := clamp(1-absf(absDeltaShort-0.25)/0.07, 0, 1)
	liquidityComponent := clamp(1-12*(m.ShortPctSpread+m.LongPctSpread), 0, 1)

	var skewComponent float64
	absSkew := absf(m.VerticalSkew)
	switch {
	case absSkew <= 0.10:
		skewComponent = 1
	case absSkew >= 0.50:
		skewComponent = 0
	default:
		skewComponent = 1 - (absSkew-0.10)/(0.50-0.10)
	}

	composite := w.pop*popComponent + w.credit*creditComponent + w.ivr*ivrComponent +
		w.delta*deltaComponent + w.liquidity*liquidityComponent + w.skew*skewComponent

	ev := pop*m.Credit - (1-pop)*(m.Width-m.Credit)

	return Score{
		Composite: clamp(composite, 0, 1),
		Components: model.ComponentScores{
			POP: popComponent, Credit: creditComponent, IVR: ivrComponent,
			Delta: deltaComponent, Liquidity: liquidityComponent, Skew: skewComponent,
		},
		EVEstimate: ev,
	}, nil
}

// defaultMinCreditFraction is the floor on credit/width used when a
// candidate's MinCreditFraction is unset (0.16 rejects 0.10 and 0.152,
// accepts 0.17). The Proposal Engine normally overrides this with the
// live MIN_CREDIT_FRACTION setting via CandidateMetrics.MinCreditFraction.
const defaultMinCreditFraction = 0.16

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
