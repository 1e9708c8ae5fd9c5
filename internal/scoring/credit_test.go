package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseCreditMetrics() CandidateMetrics {
	return CandidateMetrics{
		Mode:           ModeLive,
		Strategy:       "BULL_PUT_CREDIT",
		Width:          5,
		Credit:         0.85,
		POP:            0.70,
		IVR:            0.45,
		DeltaShort:     -0.22,
		VerticalSkew:   0.05,
		ShortPctSpread: 0.02,
		LongPctSpread:  0.02,
	}
}

func TestScoreCreditSpread_POPBoundary(t *testing.T) {
	m := baseCreditMetrics()
	m.POP = 0.649999
	_, rej := ScoreCreditSpread(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectPOPTooLow, rej.Code)

	m.POP = 0.65
	_, rej = ScoreCreditSpread(m)
	assert.Nil(t, rej)
}

func TestScoreCreditSpread_POPNormalizesFromPercent(t *testing.T) {
	m := baseCreditMetrics()
	m.POP = 70 // reported on 0-100 scale
	score, rej := ScoreCreditSpread(m)
	require.Nil(t, rej)
	assert.Greater(t, score.Composite, 0.0)
}

func TestScoreCreditSpread_CreditTooLowScenario(t *testing.T) {
	// scenario: credit=0.50, width=5 -> ratio 0.10 < 0.16.
	m := baseCreditMetrics()
	m.Credit = 0.50
	_, rej := ScoreCreditSpread(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectCreditTooLow, rej.Code)

	// credit=0.76 -> ratio 0.152, still below 0.16.
	m.Credit = 0.76
	_, rej = ScoreCreditSpread(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectCreditTooLow, rej.Code)

	// credit=0.85 -> ratio 0.17, proceeds to score.
	m.Credit = 0.85
	_, rej = ScoreCreditSpread(m)
	assert.Nil(t, rej)
}

func TestScoreCreditSpread_MinCreditFractionOverridesDefault(t *testing.T) {
	m := baseCreditMetrics()
	m.Credit = 0.60 // ratio 0.12: passes a looser configured floor, fails the 0.16 default

	m.MinCreditFraction = 0.10
	_, rej := ScoreCreditSpread(m)
	assert.Nil(t, rej, "0.12 clears a configured 0.10 floor")

	m.MinCreditFraction = 0
	_, rej = ScoreCreditSpread(m)
	require.NotNil(t, rej, "zero MinCreditFraction falls back to the 0.16 default, which 0.12 fails")
	assert.Equal(t, RejectCreditTooLow, rej.Code)
}

func TestScoreCreditSpread_DeltaRangeByMode(t *testing.T) {
	m := baseCreditMetrics()
	m.DeltaShort = -0.30
	_, rej := ScoreCreditSpread(m)
	require.NotNil(t, rej, "0.30 is out of LIVE range [0.18,0.28]")

	m.Mode = ModeSandboxPaper
	m.IVR = 0 // ignored in sandbox
	_, rej = ScoreCreditSpread(m)
	assert.Nil(t, rej, "0.30 is within SANDBOX_PAPER range [0.15,0.35]")
}

func TestScoreCreditSpread_IVRIgnoredInSandbox(t *testing.T) {
	m := baseCreditMetrics()
	m.Mode = ModeSandboxPaper
	m.IVR = 0.95 // would fail LIVE bounds
	score, rej := ScoreCreditSpread(m)
	require.Nil(t, rej)
	assert.Zero(t, score.Components.IVR, "IVR weight is zeroed in sandbox so its component contributes nothing distinct, but is still computed")
}

func TestScoreCreditSpread_CompositeInRange(t *testing.T) {
	m := baseCreditMetrics()
	score, rej := ScoreCreditSpread(m)
	require.Nil(t, rej)
	assert.GreaterOrEqual(t, score.Composite, 0.0)
	assert.LessOrEqual(t, score.Composite, 1.0)
}

func TestScoreCreditSpread_SkewRejectsAboveTwo(t *testing.T) {
	m := baseCreditMetrics()
	m.VerticalSkew = 3.0
	_, rej := ScoreCreditSpread(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectSkewTooWide, rej.Code)
}

func TestMeetsScoreThreshold(t *testing.T) {
	assert.True(t, MeetsScoreThreshold("BULL_PUT_CREDIT", 0.70))
	assert.False(t, MeetsScoreThreshold("BULL_PUT_CREDIT", 0.69999))
	assert.True(t, MeetsScoreThreshold("BULL_CALL_DEBIT", 0.85))
	assert.False(t, MeetsScoreThreshold("BULL_CALL_DEBIT", 0.84999))
}
