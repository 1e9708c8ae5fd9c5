// Package proposal implements the Proposal Engine: for each enabled
// strategy x underlying x expiration inside the configured DTE window,
// it builds candidate legs from the live option chain, scores them,
// and persists the single best-scoring survivor per (underlying,
// expiration, strategy) bucket as a READY proposal. Strategy/symbol
// enablement is driven by the settings-table whitelist
// (internal/config) rather than a single hardcoded symbol.
package proposal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/clock"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/risk"
	"github.com/gekkoworks/spreadengine/internal/scoring"
	"github.com/gekkoworks/spreadengine/internal/store"
)

// Config bundles one cycle's settings-table inputs.
type Config struct {
	Mode              scoring.Mode
	Strategies        []model.Strategy
	Underlyings       []string
	DTEMin, DTEMax    int
	ProposalMinScore  float64 // admin-configured floor, applied in addition to scoring.MeetsScoreThreshold
	DefaultQuantity   int
	MaxEntrySpreadPct float64 // per-leg bid-ask spread fraction ceiling
	MinCreditFraction float64 // MIN_CREDIT_FRACTION: credit >= width * MinCreditFraction

	Risk risk.Caps
}

// Engine runs the Proposal Engine's per-cycle candidate sweep.
type Engine struct {
	broker broker.Broker
	store  *store.Store
	risk   *risk.Gate
	clock  *clock.Clock
}

// NewEngine wires a Proposal Engine over the given Broker Gateway,
// Persistence Layer, risk Gate, and Time/Market Clock.
func NewEngine(b broker.Broker, s *store.Store, g *risk.Gate, c *clock.Clock) *Engine {
	return &Engine{broker: b, store: s, risk: g, clock: c}
}

// Run sweeps every strategy x underlying x expiration combination
// inside cfg's DTE window, persisting at most one READY proposal per
// bucket. It returns the number of proposals newly persisted;
// per-candidate rejections and per-symbol fetch failures do not abort
// the sweep: a rejected candidate is tagged with its reason and a bad
// fetch skips that symbol, not the cycle.
func (e *Engine) Run(ctx context.Context, now time.Time, cfg Config) (int, error) {
	snapshot, _, err := e.risk.Snapshot(ctx, risk.TradingDayKey(now))
	if err != nil {
		return 0, fmt.Errorf("proposal: loading risk snapshot: %w", err)
	}

	openTrades, err := e.store.ListOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("proposal: listing open trades: %w", err)
	}
	globalOpen := len(openTrades)
	openBySymbol := make(map[string]int, len(openTrades))
	for _, t := range openTrades {
		openBySymbol[t.Underlying]++
	}

	loc := e.clock.Location()
	persisted := 0

	for _, underlying := range cfg.Underlyings {
		quote, err := e.broker.GetUnderlyingQuote(ctx, underlying)
		if err != nil {
			continue
		}
		expirations, err := e.broker.GetExpirations(ctx, underlying)
		if err != nil {
			continue
		}
		bars, err := e.broker.GetHistoricalData(ctx, underlying, now.AddDate(0, 0, -90), now)
		if err != nil {
			bars = nil // trend/IVR degrade to neutral defaults rather than abort the symbol
		}

		for _, expStr := range expirations {
			expTime, perr := time.ParseInLocation("2006-01-02", expStr, loc)
			if perr != nil {
				continue
			}
			dte := clock.DTE(now, expTime, loc)
			if dte < cfg.DTEMin || dte > cfg.DTEMax {
				continue
			}

			chainRaw, cerr := e.broker.GetOptionChain(ctx, underlying, expStr)
			if cerr != nil {
				continue
			}

			for _, strategy := range cfg.Strategies {
				if strategy == model.IronCondor {
					// The Trade/Proposal schema is two-leg only in
					// this cut (model.Strategy.OptionType and
					// model.LongStrikeFor both panic for
					// IRON_CONDOR); kept in the whitelist for
					// forward compatibility but not buildable here.
					continue
				}
				n, perr := e.proposeOne(ctx, now, underlying, expStr, expTime, strategy, quote, chainRaw, bars, cfg, *snapshot, globalOpen, openBySymbol[underlying])
				if perr != nil {
					return persisted, perr
				}
				persisted += n
			}
		}
	}
	return persisted, nil
}

// proposeOne scores every candidate for one (underlying, expiration,
// strategy) bucket and persists the best survivor, applying the
// selection gates in the order the engine checks them: mode enablement is the
// caller's responsibility (cfg.Strategies is already mode-filtered),
// underlying whitelist is cfg.Underlyings, and the remaining
// concentration/daily-count gates run through risk.Gate.CheckEntry.
func (e *Engine) proposeOne(
	ctx context.Context,
	now time.Time,
	underlying, expStr string,
	expTime time.Time,
	strategy model.Strategy,
	quote broker.Quote,
	chainRaw []broker.OptionLeg,
	bars []broker.HistoricalBar,
	cfg Config,
	snapshot model.RiskSnapshot,
	globalOpen, symbolOpen int,
) (int, error) {
	rows := filterChainRows(chainRaw, cfg.Mode)
	trend := trendScore(strategy, bars)
	cands := buildCandidates(strategy, quote, rows, cfg.Mode, trend, bars, cfg.MaxEntrySpreadPct, cfg.MinCreditFraction)

	best, bestScore, ok := scoreBest(strategy, cands)
	if !ok {
		return 0, nil
	}
	if !scoring.MeetsScoreThreshold(strategy, bestScore.Composite) {
		return 0, nil
	}
	if bestScore.Composite < cfg.ProposalMinScore {
		return 0, nil
	}
	if bestScore.UsedDeltaShortFallback {
		_ = e.store.RecordSystemLog(ctx, store.SystemLogEntry{
			Type:      "debit_delta_fallback",
			Message:   fmt.Sprintf("%s %s %s: delta_long missing, scored on delta_short instead", underlying, expStr, strategy),
			Details:   map[string]any{"underlying": underlying, "expiration": expStr, "strategy": string(strategy)},
			CreatedAt: now,
		})
	}

	tradeRisk := tradeRiskDollars(strategy, best, cfg.DefaultQuantity)
	decision := e.risk.CheckEntry(snapshot, cfg.Risk, underlying, expStr, tradeRisk, globalOpen, symbolOpen)
	if !decision.Allowed {
		return 0, nil
	}

	p := &model.Proposal{
		ID:              uuid.NewString(),
		Underlying:      underlying,
		Expiration:      expTime,
		ShortStrike:     best.ShortStrike,
		LongStrike:      best.LongStrike,
		Width:           best.Width,
		Quantity:        cfg.DefaultQuantity,
		Strategy:        strategy,
		CreditTarget:    creditOrDebitTarget(strategy, best.Metrics),
		CompositeScore:  bestScore.Composite,
		ComponentScores: bestScore.Components,
		EVEstimate:      bestScore.EVEstimate,
		Kind:            model.ProposalKindEntry,
		Status:          model.ProposalReady,
		CreatedAt:       now,
	}

	inserted, err := e.store.InsertProposalIfNoneOutstanding(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("proposal: persisting %s %s %s: %w", underlying, expStr, strategy, err)
	}
	if !inserted {
		return 0, nil
	}
	return 1, nil
}

// scoreBest scores every candidate with the family-appropriate scoring
// function and returns the highest composite among survivors.
func scoreBest(strategy model.Strategy, cands []candidate) (candidate, scoring.Score, bool) {
	var best candidate
	var bestScore scoring.Score
	found := false

	for _, c := range cands {
		var sc scoring.Score
		var rej *scoring.Rejection
		if strategy.IsCredit() {
			sc, rej = scoring.ScoreCreditSpread(c.Metrics)
		} else {
			sc, rej = scoring.ScoreDebitSpread(c.Metrics)
		}
		if rej != nil {
			continue
		}
		if !found || sc.Composite > bestScore.Composite {
			best, bestScore, found = c, sc, true
		}
	}
	return best, bestScore, found
}

// tradeRiskDollars computes the per-trade max-loss dollar exposure
// risk.Gate.CheckEntry gates on: credit spreads risk (width - credit)
// per contract, debit spreads risk the full debit paid, both times 100
// shares/contract times quantity.
func tradeRiskDollars(strategy model.Strategy, c candidate, qty int) float64 {
	maxLossPerContract := c.Metrics.Debit
	if strategy.IsCredit() {
		maxLossPerContract = c.Width - c.Metrics.Credit
	}
	if maxLossPerContract < 0 {
		maxLossPerContract = 0
	}
	return maxLossPerContract * 100 * float64(qty)
}

func creditOrDebitTarget(strategy model.Strategy, m scoring.CandidateMetrics) float64 {
	if strategy.IsCredit() {
		return m.Credit
	}
	return m.Debit
}
