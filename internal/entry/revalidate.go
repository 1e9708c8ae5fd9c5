package entry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/idgen"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/scoring"
	"github.com/gekkoworks/spreadengine/internal/util"
)

// revalidation carries the fresh-chain recompute the drift check
// needs, plus the reject reason (empty if the candidate still clears
// every check) so the caller can invalidate the proposal with a
// specific, loggable cause.
type revalidation struct {
	Credit, Debit float64
	LimitPrice    float64
	IVEntry       float64
	rejectReason  string
}

// revalidate re-fetches the chain for p's expiration, locates the two
// legs by strike, and re-runs the credit/debit drift check and the
// family-appropriate scoring hard filters.
func (e *Engine) revalidate(ctx context.Context, p *model.Proposal, cfg Config) (broker.OptionLeg, broker.OptionLeg, revalidation, error) {
	var zero broker.OptionLeg

	if model.LongStrikeFor(p.Strategy, p.ShortStrike, p.Width) != p.LongStrike {
		return zero, zero, revalidation{rejectReason: "structure: proposal strikes inconsistent with strategy/width"}, nil
	}

	expStr := p.Expiration.Format("2006-01-02")
	chain, err := e.broker.GetOptionChain(ctx, p.Underlying, expStr)
	if err != nil {
		return zero, zero, revalidation{}, fmt.Errorf("entry: refetching chain for %s %s: %w", p.Underlying, expStr, err)
	}

	optType := p.Strategy.OptionType()
	var shortLeg, longLeg broker.OptionLeg
	var haveShort, haveLong bool
	for _, leg := range chain {
		if leg.OptionType != optType {
			continue
		}
		if leg.Strike == p.ShortStrike {
			shortLeg, haveShort = leg, true
		}
		if leg.Strike == p.LongStrike {
			longLeg, haveLong = leg, true
		}
	}
	if !haveShort || !haveLong {
		return zero, zero, revalidation{rejectReason: "structure: one or both legs missing from current chain"}, nil
	}
	if shortLeg.Bid <= 0 || shortLeg.Ask <= 0 || longLeg.Bid <= 0 || longLeg.Ask <= 0 {
		return zero, zero, revalidation{rejectReason: "stale quote: bid/ask not positive on re-fetch"}, nil
	}
	if pctSpreadOf(shortLeg) > cfg.MaxEntrySpreadPct || pctSpreadOf(longLeg) > cfg.MaxEntrySpreadPct {
		return zero, zero, revalidation{rejectReason: "stale quote: per-leg spread exceeds entry tolerance"}, nil
	}

	credit := shortLeg.Mid() - longLeg.Mid()
	debit := longLeg.Mid() - shortLeg.Mid()
	actual, target := credit, p.CreditTarget
	if !p.Strategy.IsCredit() {
		actual = debit
	}
	if target != 0 {
		drift := math.Abs(actual-target) / math.Abs(target)
		if drift > cfg.EntryDriftTolerance {
			return zero, zero, revalidation{rejectReason: "price drift beyond configured tolerance"}, nil
		}
	}

	sg := greeksOf(shortLeg)
	lg := greeksOf(longLeg)
	metrics := scoring.CandidateMetrics{
		Mode: cfg.Mode, Strategy: p.Strategy, Width: p.Width,
		Credit: credit, Debit: debit,
		POP: 1 - math.Abs(sg.Delta), IVR: p.ComponentScores.IVR,
		DeltaShort: sg.Delta, DeltaLong: lg.Delta,
		ShortPctSpread: pctSpreadOf(shortLeg), LongPctSpread: pctSpreadOf(longLeg),
		VerticalSkew:      sg.MidIV - lg.MidIV,
		Trend:             p.ComponentScores.Trend,
		MinCreditFraction: cfg.MinCreditFraction,
	}
	var rej *scoring.Rejection
	if p.Strategy.IsCredit() {
		_, rej = scoring.ScoreCreditSpread(metrics)
	} else {
		_, rej = scoring.ScoreDebitSpread(metrics)
	}
	if rej != nil {
		return zero, zero, revalidation{rejectReason: "re-scoring hard filter: " + rej.Code + ": " + rej.Detail}, nil
	}

	limitPrice := roundedLimitPrice(p.Strategy, actual)
	return shortLeg, longLeg, revalidation{Credit: credit, Debit: debit, LimitPrice: limitPrice, IVEntry: sg.MidIV}, nil
}

func greeksOf(leg broker.OptionLeg) broker.Greeks {
	if leg.Greeks == nil {
		return broker.Greeks{}
	}
	return *leg.Greeks
}

func pctSpreadOf(leg broker.OptionLeg) float64 {
	mid := leg.Mid()
	if mid <= 0 {
		return math.Inf(1)
	}
	return (leg.Ask - leg.Bid) / mid
}

func roundedLimitPrice(strategy model.Strategy, price float64) float64 {
	if strategy.IsCredit() {
		return util.FloorToTick(price, 0.01)
	}
	return util.CeilToTick(price, 0.01)
}

// buildTradeAndOrder constructs the ENTRY_PENDING Trade and its linked
// pending Order row: the trade is born with
// proposal_id set and broker_order_id_open empty until the broker
// responds.
func buildTradeAndOrder(p *model.Proposal, reval revalidation, now time.Time) (*model.Trade, *model.Order) {
	maxProfit, maxLoss := maxProfitLoss(p.Strategy, p.Width, reval, p.Quantity)

	clientOrderID := idgen.ClientOrderID(idgen.PrefixEntry,
		p.Underlying, p.Expiration.Format("2006-01-02"), string(p.Strategy),
		formatStrike(p.ShortStrike), formatStrike(p.LongStrike), formatInt(p.Quantity),
	)

	trade := &model.Trade{
		ID:              uuid.NewString(),
		ProposalID:      p.ID,
		Underlying:      p.Underlying,
		Expiration:      p.Expiration,
		ShortStrike:     p.ShortStrike,
		LongStrike:      p.LongStrike,
		Width:           p.Width,
		Quantity:        p.Quantity,
		Strategy:        p.Strategy,
		MaxProfit:       maxProfit,
		MaxLoss:         maxLoss,
		IVEntry:         reval.IVEntry,
		Origin:          model.OriginEngine,
		Managed:         true,
		EntryLimitPrice: reval.LimitPrice,
		Status:          model.StatusEntryPending,
		ExitReason:      model.ExitReasonUnknown,
		CreatedAt:       now,
		LastCheckedAt:   now,
	}
	order := &model.Order{
		ID:            uuid.NewString(),
		ProposalID:    p.ID,
		ClientOrderID: clientOrderID,
		Side:          model.OrderSideEntry,
		Status:        model.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return trade, order
}

func maxProfitLoss(strategy model.Strategy, width float64, reval revalidation, qty int) (maxProfit, maxLoss float64) {
	if strategy.IsCredit() {
		return reval.Credit * 100 * float64(qty), (width - reval.Credit) * 100 * float64(qty)
	}
	return (width - reval.Debit) * 100 * float64(qty), reval.Debit * 100 * float64(qty)
}

func spreadOrderRequest(p *model.Proposal, shortLeg, longLeg broker.OptionLeg, reval revalidation, clientOrderID, duration string) broker.SpreadOrderRequest {
	return broker.SpreadOrderRequest{
		Strategy: p.Strategy,
		IsExit:   false,
		Legs: [2]broker.SpreadLeg{
			{OptionSymbol: shortLeg.Symbol, Side: "sell_to_open", Quantity: p.Quantity},
			{OptionSymbol: longLeg.Symbol, Side: "buy_to_open", Quantity: p.Quantity},
		},
		LimitPrice:    reval.LimitPrice,
		ClientOrderID: clientOrderID,
		Duration:      duration,
	}
}

func formatStrike(strike float64) string {
	return fmt.Sprintf("%.2f", strike)
}

func formatInt(n int) string {
	return fmt.Sprintf("%d", n)
}
