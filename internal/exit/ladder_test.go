package exit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseThresholds() Thresholds {
	return Thresholds{
		TimeExitDTE:            2,
		TimeExitCutoffET:       "15:45",
		StopLossFraction:       1.5,
		TrailArmProfitFraction: 0.25,
		TrailGivebackFraction:  0.10,
		ProfitTargetFraction:   0.50,
		IVCrushThreshold:       0.85,
		IVCrushMinPnL:          0.15,
		LowValueFloor:          0.05,
		ProtectiveSlippage:     0.20,
	}
}

// IV-crush exit.
func TestEvaluate_IVCrushExitScenario(t *testing.T) {
	m := Metrics{
		Now:          time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Mark:         0.60,
		MaxProfit:    0.80,
		EntryPrice:   0.80,
		IVEntry:      0.40,
		IVNow:        0.30,
		DTE:          20,
		PnLFraction:  (0.80 - 0.60) / 0.80,
		LossFraction: 0,
	}
	trigger, _ := Evaluate(m, baseThresholds())
	assert.Equal(t, TriggerIVCrushExit, trigger)
}

// trailing stop arm-and-giveback.
func TestEvaluate_TrailProfitArmAndGiveback(t *testing.T) {
	th := baseThresholds()
	m := Metrics{
		Now:         time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		MaxProfit:   1.00,
		EntryPrice:  1.00,
		DTE:         20,
		PnLFraction: 0.30, // mark fell to 0.70
	}
	_, maxSeen := Evaluate(m, th)
	assert.InDelta(t, 0.30, maxSeen, 1e-9, "arming is monotonic: max_seen_profit_fraction becomes 0.30")

	m.PnLFraction = 0.18 // mark rebounded to 0.82
	m.MaxSeenProfitFraction = maxSeen
	trigger, maxSeen2 := Evaluate(m, th)
	assert.Equal(t, TriggerTrailProfit, trigger)
	assert.InDelta(t, 0.30, maxSeen2, 1e-9, "high-water mark never decreases")
}

func TestEvaluate_TrailProfitDoesNotFireBeforeArming(t *testing.T) {
	th := baseThresholds()
	m := Metrics{
		Now:                   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		MaxSeenProfitFraction: 0.20, // below TrailArmProfitFraction=0.25
		PnLFraction:           0.05,
		DTE:                   20,
	}
	trigger, _ := Evaluate(m, th)
	assert.NotEqual(t, TriggerTrailProfit, trigger)
}

func TestEvaluate_TimeExitBoundary(t *testing.T) {
	th := baseThresholds()
	cutoff, _ := time.Parse("15:04", th.TimeExitCutoffET)
	m := Metrics{
		DTE: th.TimeExitDTE,
		Now: time.Date(2024, 1, 1, cutoff.Hour(), cutoff.Minute(), 0, 0, time.UTC),
	}
	trigger, _ := Evaluate(m, th)
	assert.Equal(t, TriggerTimeExit, trigger)

	m.Now = m.Now.Add(-time.Minute)
	trigger, _ = Evaluate(m, th)
	assert.NotEqual(t, TriggerTimeExit, trigger)
}

func TestEvaluate_StructuralBreakTakesPriorityOverEverything(t *testing.T) {
	th := baseThresholds()
	m := Metrics{
		Now:             time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC),
		DTE:             1, // would also match TIME_EXIT
		PnLFraction:     0.9,
		LossFraction:    5,
		StructuralBreak: true,
	}
	trigger, _ := Evaluate(m, th)
	assert.Equal(t, TriggerStructuralBreak, trigger)
}

func TestEvaluate_QuoteIntegrityBadBlocksAllButEmergency(t *testing.T) {
	th := baseThresholds()
	m := Metrics{
		Now:               time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		QuoteIntegrityBad: true,
		LossFraction:      5, // would otherwise trigger STOP_LOSS
	}
	trigger, _ := Evaluate(m, th)
	assert.Equal(t, TriggerNone, trigger)

	m.MaterialAdverse = true
	trigger, _ = Evaluate(m, th)
	assert.Equal(t, TriggerStructuralBreak, trigger)
}

func TestProtectiveLimit(t *testing.T) {
	th := baseThresholds()
	assert.InDelta(t, 5.20, ProtectiveLimit(5.0, th), 1e-9)
}
