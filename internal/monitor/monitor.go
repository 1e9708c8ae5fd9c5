// Package monitor implements the Monitor Cycle's per-trade body: for
// every OPEN (or re-entered EXIT_ERROR) trade it re-fetches the option
// chain, computes the metrics the exit ladder needs, runs the ladder,
// and on a non-NONE trigger hands the trade to the Exit Engine.
//
// Metric computation (computeMetrics) is pure and strategy-agnostic;
// the ladder decision itself is delegated to internal/exit.Evaluate,
// which runs the full eight-rule ordered ladder.
package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/clock"
	"github.com/gekkoworks/spreadengine/internal/exit"
	"github.com/gekkoworks/spreadengine/internal/lifecycle"
	engmetrics "github.com/gekkoworks/spreadengine/internal/metrics"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
)

// MaxQuotePctSpread bounds the per-leg bid-ask spread (as a fraction of
// mid) tolerated before a trade's quote is flagged integrity-bad.
const MaxQuotePctSpread = 0.25

// Config bundles the settings one Monitor Cycle pass over one trade
// needs: the exit ladder thresholds and the Exit Engine's own config.
type Config struct {
	Thresholds exit.Thresholds
	Exit       exit.Config
}

// Outcome reports what the monitor did with one trade.
type Outcome struct {
	TradeID  string
	Trigger  exit.Trigger
	Exited   bool
	Reason   string
	Skipped  bool // invariant check deferred to next cycle (broker error)
}

// Runner drives the per-trade monitor pass: compute metrics, evaluate
// the ladder, execute an exit when triggered.
type Runner struct {
	broker     broker.Broker
	store      *store.Store
	exitEngine *exit.Engine
}

// NewRunner wires a monitor Runner over the Broker Gateway, Persistence
// Layer, and a pre-built Exit Engine (so callers share one Exit Engine
// instance across the whole Monitor Cycle rather than constructing a
// new one per trade).
func NewRunner(b broker.Broker, s *store.Store, exitEngine *exit.Engine) *Runner {
	return &Runner{broker: b, store: s, exitEngine: exitEngine}
}

// RunTrade evaluates one OPEN (or EXIT_ERROR re-entered) trade against
// the ladder and executes an exit if triggered. lastSyncAt is the Sync
// Engine's most recent successful positions sync, used to suppress a
// structural-break finding when no
// sync has completed since the trade opened.
func (r *Runner) RunTrade(ctx context.Context, now time.Time, trade *model.Trade, mirror []model.PortfolioPosition, lastSyncAt time.Time, cfg Config) (Outcome, error) {
	metrics, structOK, err := r.computeMetrics(ctx, now, trade, mirror, lastSyncAt, cfg.Thresholds)
	if err != nil {
		return Outcome{TradeID: trade.ID, Skipped: true}, nil //nolint:nilerr // broker failure: skip and retry next cycle
	}
	if !structOK.OK && !structOK.Skip {
		if terr := r.invalidateStructure(ctx, now, trade, structOK.Reason); terr != nil {
			return Outcome{}, terr
		}
		return Outcome{TradeID: trade.ID, Reason: "invalid_structure: " + structOK.Reason}, nil
	}
	if structOK.Skip {
		return Outcome{TradeID: trade.ID, Skipped: true}, nil
	}

	trigger, maxSeen := exit.Evaluate(metrics, cfg.Thresholds)
	trade.MaxSeenProfitFraction = maxSeen
	trade.LastCheckedAt = now
	if trigger != exit.TriggerNone {
		engmetrics.IncExitTrigger(string(trigger))
	}
	if trigger == exit.TriggerNone {
		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			return Outcome{}, fmt.Errorf("monitor: persisting high-water mark for trade %s: %w", trade.ID, err)
		}
		return Outcome{TradeID: trade.ID, Trigger: trigger}, nil
	}

	outcome, err := r.exitEngine.Run(ctx, now, trade, trigger, cfg.Exit)
	if err != nil {
		return Outcome{}, fmt.Errorf("monitor: executing exit for trade %s: %w", trade.ID, err)
	}
	return Outcome{TradeID: trade.ID, Trigger: trigger, Exited: outcome.Closed, Reason: outcome.Reason}, nil
}

// FinalizePending delegates to the Exit Engine's CLOSING_PENDING
// finalization, so the Monitor Cycle can settle exits whose fill was
// observed by the order sync rather than the submit-time poll loop.
func (r *Runner) FinalizePending(ctx context.Context, now time.Time, trade *model.Trade) (exit.Outcome, error) {
	return r.exitEngine.FinalizePending(ctx, now, trade)
}

// invalidateStructure moves a trade to INVALID_STRUCTURE.
func (r *Runner) invalidateStructure(ctx context.Context, now time.Time, trade *model.Trade, reason string) error {
	ctrl := lifecycle.NewController()
	if err := ctrl.Transition(trade, model.StatusInvalidStructure, lifecycle.ConditionInvariantFailed, now); err != nil {
		return fmt.Errorf("monitor: transitioning trade %s to invalid_structure: %w", trade.ID, err)
	}
	return r.store.UpdateTrade(ctx, trade)
}

// computeMetrics fetches the current chain for trade's expiration,
// locates both legs, and derives the exit.Metrics the ladder needs,
// alongside the post-open structural invariant result.
// A broker error surfaces as a non-nil error so the caller can skip
// this trade for the cycle rather than treat a fetch failure as a
// structural finding.
func (r *Runner) computeMetrics(ctx context.Context, now time.Time, trade *model.Trade, mirror []model.PortfolioPosition, lastSyncAt time.Time, th exit.Thresholds) (exit.Metrics, lifecycle.InvariantResult, error) {
	expStr := trade.Expiration.Format("2006-01-02")
	chain, err := r.broker.GetOptionChain(ctx, trade.Underlying, expStr)
	if err != nil {
		return exit.Metrics{}, lifecycle.ValidateStructure(trade, false, mirror, now, err), err
	}

	optType := trade.Strategy.OptionType()
	var shortLeg, longLeg broker.OptionLeg
	var haveShort, haveLong bool
	for _, leg := range chain {
		if leg.OptionType != optType {
			continue
		}
		if leg.Strike == trade.ShortStrike {
			shortLeg, haveShort = leg, true
		}
		if leg.Strike == trade.LongStrike {
			longLeg, haveLong = leg, true
		}
	}
	legsInChain := haveShort && haveLong

	inv := lifecycle.ValidateStructure(trade, legsInChain, mirror, now, nil)
	if lifecycle.SuppressStructuralFailure(trade, lastSyncAt) && !inv.OK && !inv.Skip {
		inv = lifecycle.InvariantResult{OK: false, Skip: true, Reason: "no sync completed since trade opened: " + inv.Reason}
	}

	dte := clock.DTE(now, trade.Expiration, now.Location())

	if !legsInChain {
		// No usable mark without both legs; report a structural
		// metrics snapshot with no mark. RunTrade moves a trade whose
		// structure check fails to INVALID_STRUCTURE, and skips one
		// whose check is suppressed, before the ladder runs.
		return exit.Metrics{
			Now: now, MaxProfit: trade.MaxProfit, MaxLoss: trade.MaxLoss,
			EntryPrice: trade.EntryPrice, IVEntry: trade.IVEntry, DTE: dte,
			MaxSeenProfitFraction: trade.MaxSeenProfitFraction,
			StructuralBreak:       !inv.Skip,
		}, inv, nil
	}

	mark := math.Abs(shortLeg.Mid() - longLeg.Mid())
	ivNow := ivNowFor(shortLeg, longLeg)
	quoteBad := quoteIntegrityBad(shortLeg) || quoteIntegrityBad(longLeg)
	materialAdverse := quoteBad && mark > trade.EntryPrice*1.5

	pnlFraction, lossFraction := pnlAndLossFraction(trade, mark)

	structBreak := !inv.Skip && !inv.OK

	return exit.Metrics{
		Now:        now,
		Mark:       mark,
		MaxProfit:  trade.MaxProfit,
		MaxLoss:    trade.MaxLoss,
		EntryPrice: trade.EntryPrice,
		IVEntry:    trade.IVEntry,
		IVNow:      ivNow,
		DTE:        dte,

		PnLFraction:  pnlFraction,
		LossFraction: lossFraction,

		MaxSeenProfitFraction: trade.MaxSeenProfitFraction,

		StructuralBreak:   structBreak,
		QuoteIntegrityBad: quoteBad,
		MaterialAdverse:   materialAdverse,
	}, inv, nil
}

// pnlAndLossFraction computes the realized-if-closed fraction of
// max_profit and max_loss for the current mark, sign-consistent with
// model.RealizedPnLPerContract (credit: entry-exit; debit: exit-entry).
// MaxProfit/MaxLoss are dollar figures (scaled by 100 x quantity at
// entry), so the per-contract PnL is scaled the same way before
// dividing.
func pnlAndLossFraction(trade *model.Trade, mark float64) (pnlFraction, lossFraction float64) {
	dollars := model.RealizedPnLPerContract(trade.Strategy, trade.EntryPrice, mark) * 100 * float64(trade.Quantity)
	if trade.MaxProfit > 0 {
		pnlFraction = dollars / trade.MaxProfit
	}
	if trade.MaxLoss > 0 && dollars < 0 {
		lossFraction = -dollars / trade.MaxLoss
	}
	return pnlFraction, lossFraction
}

func ivNowFor(shortLeg, longLeg broker.OptionLeg) float64 {
	var sum float64
	var n int
	if shortLeg.Greeks != nil && shortLeg.Greeks.MidIV > 0 {
		sum += shortLeg.Greeks.MidIV
		n++
	}
	if longLeg.Greeks != nil && longLeg.Greeks.MidIV > 0 {
		sum += longLeg.Greeks.MidIV
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func quoteIntegrityBad(leg broker.OptionLeg) bool {
	if leg.Bid <= 0 || leg.Ask <= 0 || leg.Bid > leg.Ask {
		return true
	}
	mid := leg.Mid()
	if mid <= 0 {
		return true
	}
	return (leg.Ask-leg.Bid)/mid > MaxQuotePctSpread
}
