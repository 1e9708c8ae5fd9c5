// Package entry implements the Entry Engine: given a READY proposal,
// it re-validates staleness, risk, and price drift, checks chain
// structure, submits the order, and tracks the fill through to the
// Lifecycle Controller's OPEN transition. Order submission goes
// through the strategy-aware multileg builder in internal/broker, and
// status transitions go through the Lifecycle Controller's
// table-driven FSM rather than any ad hoc position struct.
package entry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/lifecycle"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/risk"
	"github.com/gekkoworks/spreadengine/internal/scoring"
	"github.com/gekkoworks/spreadengine/internal/store"
)

// Config bundles the settings-table inputs one Entry Engine pass needs.
type Config struct {
	Mode                scoring.Mode
	DryRun              bool
	MaxProposalAge      time.Duration
	MinScore            float64 // admin-configured, per-mode
	EntryDriftTolerance float64 // fractional tolerance on credit/debit drift
	MaxEntrySpreadPct   float64
	MinCreditFraction   float64 // re-applied by the drift re-validation's hard filters
	OrderDuration       string  // "day" | "gtc"

	Risk risk.Caps
}

// benignRejectionSubstrings match broker rejection text treated as a
// soft failure rather than an error: the next cycle during market
// hours proceeds normally.
var benignRejectionSubstrings = []string{"market closed", "after hours", "after-hours", "market is closed"}

// Result reports what the Entry Engine did with one proposal.
type Result struct {
	Accepted bool
	TradeID  string
	Reason   string
}

// Engine runs the Entry Engine over one READY proposal at a time.
type Engine struct {
	broker broker.Broker
	store  *store.Store
	risk   *risk.Gate
}

// NewEngine wires an Entry Engine over the Broker Gateway, Persistence
// Layer, and risk Gate.
func NewEngine(b broker.Broker, s *store.Store, g *risk.Gate) *Engine {
	return &Engine{broker: b, store: s, risk: g}
}

// Run drives one proposal through staleness, risk, drift, structure,
// submission, and fill tracking.
func (e *Engine) Run(ctx context.Context, now time.Time, p *model.Proposal, cfg Config) (Result, error) {
	if now.Sub(p.CreatedAt) > cfg.MaxProposalAge {
		return e.invalidate(ctx, p, "stale: older than configured max age")
	}

	snapshot, rs, err := e.risk.Snapshot(ctx, risk.TradingDayKey(now))
	if err != nil {
		return Result{}, fmt.Errorf("entry: loading risk snapshot: %w", err)
	}
	if p.CompositeScore < cfg.MinScore {
		return e.invalidate(ctx, p, "composite score below admin-configured min_score")
	}

	openTrades, err := e.store.ListOpenTrades(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("entry: listing open trades: %w", err)
	}
	globalOpen, symbolOpen := len(openTrades), 0
	for _, t := range openTrades {
		if t.Underlying == p.Underlying {
			symbolOpen++
		}
	}
	expiryKey := p.Expiration.Format("2006-01-02")
	tradeRisk := tradeRiskDollars(p)
	decision := e.risk.CheckEntry(*snapshot, cfg.Risk, p.Underlying, expiryKey, tradeRisk, globalOpen, symbolOpen)
	if !decision.Allowed {
		return e.invalidate(ctx, p, "risk gate: "+decision.Reason)
	}

	shortLeg, longLeg, reval, err := e.revalidate(ctx, p, cfg)
	if err != nil {
		return Result{}, err
	}
	if reval.rejectReason != "" {
		return e.invalidate(ctx, p, reval.rejectReason)
	}

	if cfg.DryRun {
		return Result{Accepted: true, Reason: "dry_run: would submit " + string(p.Strategy)}, nil
	}

	trade, order := buildTradeAndOrder(p, reval, now)
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		return Result{}, fmt.Errorf("entry: inserting trade: %w", err)
	}
	order.TradeID = trade.ID
	if err := e.store.InsertOrder(ctx, order); err != nil {
		return Result{}, fmt.Errorf("entry: inserting order: %w", err)
	}
	if err := e.store.UpdateProposalStatus(ctx, p.ID, model.ProposalConsumed, "submitted for entry"); err != nil {
		return Result{}, fmt.Errorf("entry: consuming proposal: %w", err)
	}

	placed, placeErr := e.broker.PlaceSpreadOrder(ctx, spreadOrderRequest(p, shortLeg, longLeg, reval, order.ClientOrderID, cfg.OrderDuration))
	return e.finishSubmission(ctx, now, trade, order, rs, placed, placeErr, tradeRisk, expiryKey)
}

func (e *Engine) invalidate(ctx context.Context, p *model.Proposal, reason string) (Result, error) {
	if err := e.store.UpdateProposalStatus(ctx, p.ID, model.ProposalInvalidated, reason); err != nil {
		return Result{}, fmt.Errorf("entry: invalidating proposal %s: %w", p.ID, err)
	}
	return Result{Accepted: false, Reason: reason}, nil
}

// tradeRiskDollars mirrors proposal.tradeRiskDollars but operates on a
// persisted Proposal row rather than an in-flight candidate; kept as a
// separate small function rather than a shared package to avoid a
// dependency cycle between internal/proposal and internal/entry.
func tradeRiskDollars(p *model.Proposal) float64 {
	maxLoss := p.Width - p.CreditTarget
	if !p.Strategy.IsCredit() {
		maxLoss = p.CreditTarget // CreditTarget holds the debit for debit strategies
	}
	if maxLoss < 0 {
		maxLoss = 0
	}
	return maxLoss * 100 * float64(p.Quantity)
}

// finishSubmission updates the local Order/Trade rows from the
// broker's immediate response, polls until fill or timeout, and
// transitions the trade via the Lifecycle Controller.
func (e *Engine) finishSubmission(ctx context.Context, now time.Time, trade *model.Trade, order *model.Order, rs *model.RiskState, placed *broker.PlacedOrder, placeErr error, tradeRisk float64, expiryKey string) (Result, error) {
	ctrl := lifecycle.NewController()

	if placeErr != nil {
		order.Status = model.OrderRejected
		order.UpdatedAt = now
		_ = e.store.UpdateOrder(ctx, order)
		if err := ctrl.Transition(trade, model.StatusCancelled, lifecycle.ConditionOrderRejected, now); err != nil {
			return Result{}, fmt.Errorf("entry: transitioning rejected trade: %w", err)
		}
		if err := e.store.UpdateTrade(ctx, trade); err != nil {
			return Result{}, fmt.Errorf("entry: persisting rejected trade: %w", err)
		}
		reason := placeErr.Error()
		if isBenignRejection(reason) {
			return Result{Accepted: false, TradeID: trade.ID, Reason: "benign rejection: " + reason}, nil
		}
		return Result{Accepted: false, TradeID: trade.ID, Reason: "order rejected: " + reason}, nil
	}

	order.TradierOrderID = placed.ID
	order.Status = placed.Status
	order.AvgFillPrice = placed.AvgFillPrice
	order.FilledQuantity = placed.FilledQuantity
	order.RemainingQuantity = placed.RemainingQuantity
	order.UpdatedAt = now
	trade.BrokerOrderIDOpen = strconv.Itoa(placed.ID)

	final, err := e.pollUntilTerminal(ctx, placed.ID, order)
	if err != nil {
		_ = e.store.UpdateOrder(ctx, order)
		_ = e.store.UpdateTrade(ctx, trade)
		return Result{}, fmt.Errorf("entry: polling order %d: %w", placed.ID, err)
	}

	switch final.Status {
	case model.OrderFilled:
		trade.EntryPrice = final.AvgFillPrice
		if err := ctrl.Transition(trade, model.StatusOpen, lifecycle.ConditionOrderFilled, now); err != nil {
			return Result{}, fmt.Errorf("entry: transitioning filled trade: %w", err)
		}
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			return Result{}, fmt.Errorf("entry: persisting filled order: %w", err)
		}
		if err := e.store.UpdateTrade(ctx, trade); err != nil {
			return Result{}, fmt.Errorf("entry: persisting opened trade: %w", err)
		}
		if err := e.risk.RecordNewRisk(ctx, rs, trade.Underlying, expiryKey, tradeRisk); err != nil {
			return Result{}, fmt.Errorf("entry: recording new risk: %w", err)
		}
		return Result{Accepted: true, TradeID: trade.ID, Reason: "filled"}, nil
	case model.OrderRejected, model.OrderCancelled:
		cond := lifecycle.ConditionOrderRejected
		if final.Status == model.OrderCancelled {
			cond = lifecycle.ConditionOrderCancelled
		}
		if err := ctrl.Transition(trade, model.StatusCancelled, cond, now); err != nil {
			return Result{}, fmt.Errorf("entry: transitioning cancelled trade: %w", err)
		}
		_ = e.store.UpdateOrder(ctx, order)
		if err := e.store.UpdateTrade(ctx, trade); err != nil {
			return Result{}, fmt.Errorf("entry: persisting cancelled trade: %w", err)
		}
		reason := final.RejectionText
		if isBenignRejection(reason) {
			return Result{Accepted: false, TradeID: trade.ID, Reason: "benign rejection: " + reason}, nil
		}
		return Result{Accepted: false, TradeID: trade.ID, Reason: "rejected: " + reason}, nil
	default:
		// Still pending/partial at poll timeout: leave ENTRY_PENDING
		// for the next Trade Cycle's sync to reconcile.
		_ = e.store.UpdateOrder(ctx, order)
		_ = e.store.UpdateTrade(ctx, trade)
		return Result{Accepted: false, TradeID: trade.ID, Reason: "pending at poll timeout"}, nil
	}
}

// pollUntilTerminal polls the broker for order status every
// defaultFillPollInterval up to defaultFillPollTimeout, returning the
// last seen status if no terminal state is reached.
func (e *Engine) pollUntilTerminal(ctx context.Context, orderID int, order *model.Order) (*broker.PlacedOrder, error) {
	deadline := time.Now().Add(defaultFillPollTimeout)
	last := &broker.PlacedOrder{ID: orderID, Status: order.Status}
	for {
		status, err := e.broker.GetOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("fetching order status: %w", err)
		}
		last = status
		order.Status = status.Status
		order.AvgFillPrice = status.AvgFillPrice
		order.FilledQuantity = status.FilledQuantity
		order.RemainingQuantity = status.RemainingQuantity
		if status.Status.IsTerminal() {
			return last, nil
		}
		if time.Now().After(deadline) {
			return last, nil
		}
		select {
		case <-time.After(defaultFillPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

const (
	defaultFillPollInterval = 2 * time.Second
	defaultFillPollTimeout  = 20 * time.Second
)

func isBenignRejection(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range benignRejectionSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
