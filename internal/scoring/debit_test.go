package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseDebitMetrics() CandidateMetrics {
	return CandidateMetrics{
		Mode:           ModeLive,
		Strategy:       "BULL_CALL_DEBIT",
		Width:          5,
		Debit:          1.50,
		IVR:            0.35,
		DeltaLong:      0.48,
		Trend:          0.6,
		ShortPctSpread: 0.02,
		LongPctSpread:  0.02,
	}
}

func TestScoreDebitSpread_RewardRiskBoundary(t *testing.T) {
	m := baseDebitMetrics()
	m.Debit = 2.5 // (5-2.5)/2.5 = 1.0, accept at the boundary
	_, rej := ScoreDebitSpread(m)
	assert.Nil(t, rej)

	m.Debit = 2.6 // out of the [0.80,2.50] debit hard filter entirely
	_, rej = ScoreDebitSpread(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectDebitOutOfRange, rej.Code)
}

func TestScoreDebitSpread_DeltaFallsBackToShort(t *testing.T) {
	m := baseDebitMetrics()
	m.DeltaLong = 0
	m.DeltaShort = 0.50
	score, rej := ScoreDebitSpread(m)
	assert.Nil(t, rej)
	assert.True(t, score.UsedDeltaShortFallback, "missing delta_long must surface as a fallback signal")
}

func TestScoreDebitSpread_NoFallbackWhenDeltaLongPresent(t *testing.T) {
	m := baseDebitMetrics()
	score, rej := ScoreDebitSpread(m)
	require.Nil(t, rej)
	assert.False(t, score.UsedDeltaShortFallback)
}

func TestScoreDebitSpread_IVRSandboxExempt(t *testing.T) {
	m := baseDebitMetrics()
	m.Mode = ModeSandboxPaper
	m.IVR = 0.95
	_, rej := ScoreDebitSpread(m)
	assert.Nil(t, rej)
}

func TestScoreDebitSpread_CompositeInRange(t *testing.T) {
	m := baseDebitMetrics()
	score, rej := ScoreDebitSpread(m)
	require.Nil(t, rej)
	assert.GreaterOrEqual(t, score.Composite, 0.0)
	assert.LessOrEqual(t, score.Composite, 1.0)
}
