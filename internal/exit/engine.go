// The Exit Engine's execution sequence: given an OPEN (or EXIT_ERROR
// re-entered) trade and a non-NONE ladder trigger, cancel stale close
// orders, reconcile broker-flat positions, submit the close order with
// a priced-ladder retry, fall back to single-leg market orders, and
// drive the trade to CLOSED or EXIT_ERROR through the Lifecycle
// Controller. Limit pricing is tick-aware; each priced tier submits
// under a deterministic per-attempt client_order_id.

package exit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/idgen"
	"github.com/gekkoworks/spreadengine/internal/lifecycle"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
	"github.com/gekkoworks/spreadengine/internal/util"
)

// Config bundles the CLOSE_RULE_* settings and order mechanics the
// Exit Engine needs for one trade's close sequence.
type Config struct {
	DryRun        bool
	Thresholds    Thresholds
	OrderDuration string // "day" | "gtc"

	// GainLossLookback bounds how far back BROKER_ALREADY_FLAT
	// reconciliation searches the broker's gain/loss report.
	GainLossLookback time.Duration
}

// Outcome reports what the Exit Engine did with one trade.
type Outcome struct {
	Closed    bool
	Reason    string
	NeedsSync bool // force a full sync after a fill
}

// Engine drives one trade through the exit execution sequence.
type Engine struct {
	broker broker.Broker
	store  *store.Store
}

// NewEngine wires an Exit Engine over the Broker Gateway and
// Persistence Layer.
func NewEngine(b broker.Broker, s *store.Store) *Engine {
	return &Engine{broker: b, store: s}
}

// quantityMismatchSubstrings match the broker rejection text the
// quantity-mismatch heuristic looks for.
var quantityMismatchSubstrings = []string{
	"quantity", "insufficient", "not enough", "position not found", "no open position",
}

// Run executes the close sequence for one trade, which the
// caller has already matched to a non-NONE ladder trigger.
func (e *Engine) Run(ctx context.Context, now time.Time, trade *model.Trade, trigger Trigger, cfg Config) (Outcome, error) {
	ctrl := lifecycle.NewController()
	condition := lifecycle.ConditionExitTriggered
	if trade.Status == model.StatusExitError {
		condition = lifecycle.ConditionReentry
	}
	if trade.Status != model.StatusClosingPending {
		if err := ctrl.Transition(trade, model.StatusClosingPending, condition, now); err != nil {
			return Outcome{}, fmt.Errorf("exit: entering closing_pending: %w", err)
		}
		if err := e.store.UpdateTrade(ctx, trade); err != nil {
			return Outcome{}, fmt.Errorf("exit: persisting closing_pending: %w", err)
		}
	}

	// Step 1: cancel any open close orders for this trade and let them
	// settle before re-reading positions.
	if err := e.cancelOpenCloseOrders(ctx, trade); err != nil {
		return Outcome{}, fmt.Errorf("exit: cancelling stale close orders: %w", err)
	}

	shortLeg, longLeg, err := e.locateLegs(ctx, trade)
	if err != nil {
		return Outcome{}, fmt.Errorf("exit: locating chain legs: %w", err)
	}

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("exit: fetching positions: %w", err)
	}
	openOrders, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("exit: fetching open orders: %w", err)
	}
	shortQty := availableQuantity(positions, shortLeg.Symbol) - enqueuedQuantity(openOrders, shortLeg.Symbol)
	longQty := availableQuantity(positions, longLeg.Symbol) - enqueuedQuantity(openOrders, longLeg.Symbol)
	if shortQty < 0 {
		shortQty = 0
	}
	if longQty < 0 {
		longQty = 0
	}

	// Step 2: broker-already-flat reconciliation.
	if shortQty == 0 && longQty == 0 {
		return e.reconcileBrokerFlat(ctx, now, trade, shortLeg.Symbol, longLeg.Symbol, cfg, ctrl)
	}

	qty := trade.Quantity
	if shortQty < qty {
		qty = shortQty
	}
	if longQty < qty {
		qty = longQty
	}
	if qty <= 0 {
		return e.reconcileBrokerFlat(ctx, now, trade, shortLeg.Symbol, longLeg.Symbol, cfg, ctrl)
	}

	if cfg.DryRun {
		return Outcome{Closed: false, Reason: "dry_run: would execute exit " + string(trigger)}, nil
	}

	return e.attemptClose(ctx, now, trade, trigger, shortLeg, longLeg, qty, cfg, ctrl)
}

// FinalizePending closes a CLOSING_PENDING trade whose exit order the
// order sync has since seen fill; a process restart between
// submission and the poll loop's own fill observation leaves exactly
// this state behind. Returns a zero Outcome when no filled exit order
// exists yet; the trade stays CLOSING_PENDING for the ladder's next
// pass.
func (e *Engine) FinalizePending(ctx context.Context, now time.Time, trade *model.Trade) (Outcome, error) {
	orders, err := e.store.ListOrdersByTrade(ctx, trade.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("exit: listing orders for pending trade %s: %w", trade.ID, err)
	}
	for _, o := range orders {
		if o.Side != model.OrderSideExit || o.Status != model.OrderFilled {
			continue
		}
		return e.finalizeFill(ctx, now, trade, o.AvgFillPrice, model.ExitReasonNormalExit, lifecycle.NewController())
	}
	return Outcome{}, nil
}

// attemptClose runs the normal-then-retry priced multileg submission,
// falling back to single-leg market orders on a non-quantity rejection,
// and polls both tiers to a terminal status.
func (e *Engine) attemptClose(ctx context.Context, now time.Time, trade *model.Trade, trigger Trigger, shortLeg, longLeg broker.OptionLeg, qty int, cfg Config, ctrl *lifecycle.Controller) (Outcome, error) {
	mark := math.Abs(shortLeg.Mid() - longLeg.Mid())
	haveTrustworthyMark := shortLeg.Bid > 0 && shortLeg.Ask > 0 && longLeg.Bid > 0 && longLeg.Ask > 0

	tiers := []float64{mark + 0.02, mark + 0.03}
	if !haveTrustworthyMark {
		tiers = []float64{ProtectiveLimit(perContractMaxLoss(trade), cfg.Thresholds)}
	}

	var lastErr error
	lastReason := model.ExitReasonMaxExitAttempts
	for attempt, limit := range tiers {
		limit = util.CeilToTick(limit, 0.01)
		clientOrderID := idgen.ClientOrderID(idgen.PrefixClose, trade.ID, strconv.Itoa(attempt))
		req := spreadCloseRequest(trade.Strategy, shortLeg, longLeg, qty, limit, clientOrderID, cfg.OrderDuration)

		placed, placeErr := e.broker.PlaceSpreadOrder(ctx, req)
		if placeErr != nil {
			lastErr = placeErr
			if isQuantityMismatch(placeErr.Error()) {
				lastReason = model.ExitReasonQuantityMismatch
				refreshed, refreshErr := e.refreshAvailableQty(ctx, trade, shortLeg.Symbol, longLeg.Symbol)
				if refreshErr != nil {
					return Outcome{}, fmt.Errorf("exit: refreshing quantities after mismatch: %w", refreshErr)
				}
				qty = refreshed
				continue
			}
			return e.singleLegFallback(ctx, now, trade, shortLeg, longLeg, qty, ctrl)
		}

		lastReason = model.ExitReasonMaxExitAttempts
		final, pollErr := e.pollUntilTerminal(ctx, placed.ID)
		if pollErr != nil {
			lastErr = pollErr
			continue
		}
		if final.Status == model.OrderFilled {
			return e.finalizeFill(ctx, now, trade, final.AvgFillPrice, model.ExitReasonNormalExit, ctrl)
		}
		lastErr = fmt.Errorf("exit: order %d ended in status %s", placed.ID, final.Status)
	}

	return e.exhaustExit(ctx, now, trade, lastErr, lastReason, ctrl)
}

// singleLegFallback submits two independent MARKET close orders when
// the multileg ticket is rejected for a reason other than quantity
// mismatch.
func (e *Engine) singleLegFallback(ctx context.Context, now time.Time, trade *model.Trade, shortLeg, longLeg broker.OptionLeg, qty int, ctrl *lifecycle.Controller) (Outcome, error) {
	shortSide, longSide := closeSidesFor(trade.Strategy)

	shortOrder, shortErr := e.broker.PlaceSingleLegCloseOrder(ctx, shortLeg.Symbol, shortSide, qty,
		idgen.ClientOrderID(idgen.PrefixClose, trade.ID, "short-fallback"))
	longOrder, longErr := e.broker.PlaceSingleLegCloseOrder(ctx, longLeg.Symbol, longSide, qty,
		idgen.ClientOrderID(idgen.PrefixClose, trade.ID, "long-fallback"))
	if shortErr != nil || longErr != nil {
		return e.exhaustExit(ctx, now, trade, fmt.Errorf("exit: single-leg fallback: short=%v long=%v", shortErr, longErr), model.ExitReasonMaxExitAttempts, ctrl)
	}

	shortFinal, shortPollErr := e.pollUntilTerminal(ctx, shortOrder.ID)
	longFinal, longPollErr := e.pollUntilTerminal(ctx, longOrder.ID)
	if shortPollErr != nil || longPollErr != nil {
		return e.exhaustExit(ctx, now, trade, fmt.Errorf("exit: single-leg poll: short=%v long=%v", shortPollErr, longPollErr), model.ExitReasonMaxExitAttempts, ctrl)
	}
	if shortFinal.Status != model.OrderFilled || longFinal.Status != model.OrderFilled {
		return e.exhaustExit(ctx, now, trade, fmt.Errorf("exit: single-leg fallback did not fill both legs"), model.ExitReasonMaxExitAttempts, ctrl)
	}

	avgFill := (shortFinal.AvgFillPrice + longFinal.AvgFillPrice) / 2
	return e.finalizeFill(ctx, now, trade, avgFill, model.ExitReasonNormalExit, ctrl)
}

// finalizeFill computes realized PnL, persists the close, and
// transitions the trade to CLOSED.
func (e *Engine) finalizeFill(ctx context.Context, now time.Time, trade *model.Trade, exitPrice float64, reason model.ExitReason, ctrl *lifecycle.Controller) (Outcome, error) {
	pnl := model.RealizedPnLPerContract(trade.Strategy, trade.EntryPrice, exitPrice) * 100 * float64(trade.Quantity)
	trade.ExitPrice = &exitPrice
	trade.RealizedPnL = &pnl
	trade.ExitReason = reason
	if err := ctrl.Transition(trade, model.StatusClosed, lifecycle.ConditionExitFilled, now); err != nil {
		return Outcome{}, fmt.Errorf("exit: transitioning to closed: %w", err)
	}
	if err := e.store.UpdateTrade(ctx, trade); err != nil {
		return Outcome{}, fmt.Errorf("exit: persisting closed trade: %w", err)
	}
	return Outcome{Closed: true, Reason: string(reason), NeedsSync: true}, nil
}

// exhaustExit marks trade EXIT_ERROR after every retry tier has
// failed; the trade re-enters the ladder on the next monitor cycle.
// reason is QUANTITY_MISMATCH when the last rejection was a quantity
// mismatch, MAX_EXIT_ATTEMPTS otherwise.
func (e *Engine) exhaustExit(ctx context.Context, now time.Time, trade *model.Trade, cause error, reason model.ExitReason, ctrl *lifecycle.Controller) (Outcome, error) {
	trade.ExitReason = reason
	if err := ctrl.Transition(trade, model.StatusExitError, lifecycle.ConditionExitExhausted, now); err != nil {
		return Outcome{}, fmt.Errorf("exit: transitioning to exit_error: %w", err)
	}
	if err := e.store.UpdateTrade(ctx, trade); err != nil {
		return Outcome{}, fmt.Errorf("exit: persisting exit_error trade: %w", err)
	}
	msg := "exit retries exhausted"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return Outcome{Closed: false, Reason: msg}, nil
}

// reconcileBrokerFlat closes a trade the broker already shows as flat,
// reconstructing exit_price from the gain/loss report where available
// and otherwise falling back to the max-profit scenario.
func (e *Engine) reconcileBrokerFlat(ctx context.Context, now time.Time, trade *model.Trade, shortSymbol, longSymbol string, cfg Config, ctrl *lifecycle.Controller) (Outcome, error) {
	var exitPrice float64
	var realized *float64

	if pnl, price, ok := e.gainLossExitPrice(ctx, now, trade, shortSymbol, longSymbol, cfg); ok {
		exitPrice, realized = price, &pnl
	} else {
		// No gain/loss record for either leg: the exit price is the
		// max-profit scenario estimate, but realized PnL stays null
		// rather than being synthesized from it.
		exitPrice = maxProfitExitPrice(trade.Strategy, trade.Width)
	}

	trade.ExitPrice = &exitPrice
	trade.RealizedPnL = realized
	trade.ExitReason = model.ExitReasonBrokerAlreadyFlat
	condition := lifecycle.ConditionBrokerAlreadyFlat
	to := model.StatusClosed
	if err := ctrl.Transition(trade, to, condition, now); err != nil {
		return Outcome{}, fmt.Errorf("exit: transitioning broker-flat trade: %w", err)
	}
	if err := e.store.UpdateTrade(ctx, trade); err != nil {
		return Outcome{}, fmt.Errorf("exit: persisting broker-flat trade: %w", err)
	}
	return Outcome{Closed: true, Reason: string(model.ExitReasonBrokerAlreadyFlat), NeedsSync: true}, nil
}

// gainLossExitPrice sums the broker's gain/loss entries for this
// trade's two legs over the configured lookback window and derives a
// per-contract exit price consistent with that realized total.
func (e *Engine) gainLossExitPrice(ctx context.Context, now time.Time, trade *model.Trade, shortSymbol, longSymbol string, cfg Config) (pnl, exitPrice float64, ok bool) {
	lookback := cfg.GainLossLookback
	if lookback <= 0 {
		lookback = 3 * 24 * time.Hour
	}
	entries, err := e.broker.GetGainLoss(ctx, now.Add(-lookback), now)
	if err != nil {
		return 0, 0, false
	}
	var total float64
	var matched bool
	for _, g := range entries {
		if g.Symbol == shortSymbol || g.Symbol == longSymbol {
			total += g.ProceedsPnL
			matched = true
		}
	}
	if !matched {
		return 0, 0, false
	}
	perContract := total / (100 * float64(trade.Quantity))
	if trade.Strategy.IsCredit() {
		return total, trade.EntryPrice - perContract, true
	}
	return total, trade.EntryPrice + perContract, true
}

// locateLegs re-fetches the option chain for trade's expiration and
// finds the short/long legs by strike, the same approach
// internal/entry.revalidate uses for entry-time re-validation.
func (e *Engine) locateLegs(ctx context.Context, trade *model.Trade) (shortLeg, longLeg broker.OptionLeg, err error) {
	expStr := trade.Expiration.Format("2006-01-02")
	chain, err := e.broker.GetOptionChain(ctx, trade.Underlying, expStr)
	if err != nil {
		return broker.OptionLeg{}, broker.OptionLeg{}, fmt.Errorf("fetching chain for %s %s: %w", trade.Underlying, expStr, err)
	}
	optType := trade.Strategy.OptionType()
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
	if !haveShort || !haveLong {
		return broker.OptionLeg{}, broker.OptionLeg{}, fmt.Errorf("one or both legs missing from current chain for trade %s", trade.ID)
	}
	return shortLeg, longLeg, nil
}

// cancelOpenCloseOrders cancels every non-terminal exit-side order this
// engine previously placed for trade and gives the broker a moment to
// settle the cancellation before positions are re-read.
func (e *Engine) cancelOpenCloseOrders(ctx context.Context, trade *model.Trade) error {
	orders, err := e.store.ListOrdersByTrade(ctx, trade.ID)
	if err != nil {
		return fmt.Errorf("listing orders for trade %s: %w", trade.ID, err)
	}
	var cancelled bool
	for _, o := range orders {
		if o.Side != model.OrderSideExit || o.Status.IsTerminal() || o.TradierOrderID == 0 {
			continue
		}
		if err := e.broker.CancelOrder(ctx, o.TradierOrderID); err != nil {
			continue // best-effort: a cancel racing a fill is not fatal here
		}
		o.Status = model.OrderCancelled
		_ = e.store.UpdateOrder(ctx, o)
		cancelled = true
	}
	if cancelled {
		select {
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// refreshAvailableQty re-reads positions after a quantity-mismatch
// rejection and returns the smaller of the two legs' available
// quantity.
func (e *Engine) refreshAvailableQty(ctx context.Context, trade *model.Trade, shortSymbol, longSymbol string) (int, error) {
	if err := e.cancelOpenCloseOrders(ctx, trade); err != nil {
		return 0, err
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return 0, err
	}
	openOrders, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	shortQty := availableQuantity(positions, shortSymbol) - enqueuedQuantity(openOrders, shortSymbol)
	longQty := availableQuantity(positions, longSymbol) - enqueuedQuantity(openOrders, longSymbol)
	qty := shortQty
	if longQty < qty {
		qty = longQty
	}
	if qty < 0 {
		qty = 0
	}
	return qty, nil
}

// pollUntilTerminal polls the broker for order status every
// defaultPollInterval up to defaultPollBudget: a 20-second overall
// budget at a 2-second interval.
func (e *Engine) pollUntilTerminal(ctx context.Context, orderID int) (*broker.PlacedOrder, error) {
	deadline := time.Now().Add(defaultPollBudget)
	var last *broker.PlacedOrder
	for {
		status, err := e.broker.GetOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("fetching order %d status: %w", orderID, err)
		}
		last = status
		if status.Status.IsTerminal() {
			return last, nil
		}
		if time.Now().After(deadline) {
			return last, fmt.Errorf("order %d still %s at poll timeout", orderID, status.Status)
		}
		select {
		case <-time.After(defaultPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

const (
	defaultPollInterval = 2 * time.Second
	defaultPollBudget   = 20 * time.Second
)

// perContractMaxLoss converts trade.MaxLoss (a dollar figure scaled by
// 100 x quantity at entry) back to the per-contract price the
// protective limit must be quoted in.
func perContractMaxLoss(trade *model.Trade) float64 {
	if trade.Quantity <= 0 {
		return trade.MaxLoss / 100
	}
	return trade.MaxLoss / (100 * float64(trade.Quantity))
}

func availableQuantity(positions []model.PortfolioPosition, symbol string) int {
	for _, p := range positions {
		if p.Symbol == symbol {
			return int(math.Abs(p.Quantity))
		}
	}
	return 0
}

// enqueuedQuantity sums the unfilled quantity of non-terminal broker
// orders for symbol, so contracts a resting close order already claims
// are not submitted a second time.
func enqueuedQuantity(orders []broker.PlacedOrder, symbol string) int {
	total := 0
	for _, o := range orders {
		if o.Status.IsTerminal() || o.Symbol != symbol {
			continue
		}
		total += o.RemainingQuantity
	}
	return total
}

func isQuantityMismatch(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range quantityMismatchSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
