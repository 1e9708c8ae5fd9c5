package model

import "time"

// ProposalStatus tracks a proposal from creation to consumption.
type ProposalStatus string

// Proposal lifecycle states. Transitions are terminal.
const (
	ProposalReady       ProposalStatus = "READY"
	ProposalInvalidated ProposalStatus = "INVALIDATED"
	ProposalConsumed    ProposalStatus = "CONSUMED"
)

// ProposalKind distinguishes entry candidates from exit candidates.
type ProposalKind string

// Kinds.
const (
	ProposalKindEntry ProposalKind = "ENTRY"
	ProposalKindExit  ProposalKind = "EXIT"
)

// ComponentScores holds the individual 0-1 component scores that make up
// a composite. Which fields are populated depends on whether the
// proposal came from the credit or debit scoring engine.
type ComponentScores struct {
	POP        float64
	Credit     float64
	IVR        float64
	Delta      float64
	Liquidity  float64
	Skew       float64
	Trend      float64
	RewardRisk float64
}

// Proposal is a scored candidate spread awaiting (or having undergone)
// entry or exit.
type Proposal struct {
	ID string

	Underlying  string
	Expiration  time.Time
	ShortStrike float64
	LongStrike  float64
	Width       float64
	Quantity    int
	Strategy    Strategy

	CreditTarget float64

	CompositeScore  float64
	ComponentScores ComponentScores
	EVEstimate      float64

	Kind          ProposalKind
	LinkedTradeID string // set only for Kind == ProposalKindExit
	ClientOrderID string

	Status ProposalStatus
	Reason string // populated when Status == ProposalInvalidated

	CreatedAt time.Time
}
