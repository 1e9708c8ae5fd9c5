package scoring

import "github.com/gekkoworks/spreadengine/internal/model"

// Mode gates which hard filters and weights apply.
type Mode string

// Modes.
const (
	ModeLive         Mode = "LIVE"
	ModeDryRun       Mode = "DRY_RUN"
	ModeSandboxPaper Mode = "SANDBOX_PAPER"
)

// CandidateMetrics is the pure input to both scoring functions: every
// number the engine needs to compute, with no broker or chain access
// inside the scoring package itself; that access lives in the Proposal
// Engine, which builds a CandidateMetrics per candidate.
type CandidateMetrics struct {
	Mode Mode

	Strategy model.Strategy
	Width    float64

	Credit float64 // for credit strategies
	Debit  float64 // for debit strategies

	POP        float64 // 0-1 or 0-100, normalized internally
	IVR        float64 // 0-1 or 0-100, normalized internally
	DeltaShort float64
	DeltaLong  float64 // may be 0/absent for some debit candidates

	ShortPctSpread float64
	LongPctSpread  float64

	VerticalSkew float64 // signed difference between per-leg IVs

	Trend float64 // 0-1, precomputed by the caller from historical closes

	// MinCreditFraction is the admin-tunable MIN_CREDIT_FRACTION setting
	// (credit >= width * MinCreditFraction). Zero means "caller didn't
	// set one"; ScoreCreditSpread falls back to defaultMinCreditFraction.
	MinCreditFraction float64
}

// Rejection tags a hard-filter failure with a structured, loggable reason.
type Rejection struct {
	Code   string
	Detail string
}

// Score is the result of a successful (non-rejected) scoring pass.
type Score struct {
	Composite  float64
	Components model.ComponentScores
	EVEstimate float64

	// UsedDeltaShortFallback is set by ScoreDebitSpread when delta_long
	// was missing and the delta hard filter fell back to delta_short;
	// callers should log a warning when this is true.
	UsedDeltaShortFallback bool
}

// Hard-filter rejection codes attached to a Rejection when a candidate
// fails a hard filter (e.g. CREDIT_TOO_LOW).
const (
	RejectPOPTooLow       = "POP_TOO_LOW"
	RejectDeltaOutOfRange = "DELTA_OUT_OF_RANGE"
	RejectIVROutOfRange   = "IVR_OUT_OF_RANGE"
	RejectSkewTooWide     = "SKEW_TOO_WIDE"
	RejectCreditTooLow    = "CREDIT_TOO_LOW"
	RejectDebitOutOfRange = "DEBIT_OUT_OF_RANGE"
	RejectRewardRiskLow   = "REWARD_RISK_TOO_LOW"
)

// Hard-coded engine-level score floors.
const (
	CreditScoreFloor = 0.70
	DebitScoreFloor  = 0.85
)

// MeetsScoreThreshold applies the engine-level hard-coded floor for the
// given strategy family.
func MeetsScoreThreshold(strategy model.Strategy, composite float64) bool {
	if strategy.IsCredit() {
		return composite >= CreditScoreFloor
	}
	return composite >= DebitScoreFloor
}
