package exit

import (
	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/model"
)

// closeSidesFor returns the close-side verb for the short-strike and
// long-strike legs. A trade is always short its ShortStrike leg and
// long its LongStrike leg regardless of strategy (model.LongStrikeFor's
// convention), so closing always buys back the short leg and sells the
// long leg; only the order the two legs appear in the ticket is
// strategy-specific.
func closeSidesFor(model.Strategy) (shortSide, longSide string) {
	return "buy_to_close", "sell_to_close"
}

// spreadCloseRequest builds the multileg close ticket, placing the
// long leg first for debit spreads and the short leg first for credit
// spreads.
func spreadCloseRequest(strategy model.Strategy, shortLeg, longLeg broker.OptionLeg, qty int, limitPrice float64, clientOrderID, duration string) broker.SpreadOrderRequest {
	shortSide, longSide := closeSidesFor(strategy)
	shortCloseLeg := broker.SpreadLeg{OptionSymbol: shortLeg.Symbol, Side: shortSide, Quantity: qty}
	longCloseLeg := broker.SpreadLeg{OptionSymbol: longLeg.Symbol, Side: longSide, Quantity: qty}

	legs := [2]broker.SpreadLeg{shortCloseLeg, longCloseLeg}
	if !strategy.IsCredit() {
		legs = [2]broker.SpreadLeg{longCloseLeg, shortCloseLeg}
	}

	return broker.SpreadOrderRequest{
		Strategy:      strategy,
		IsExit:        true,
		Legs:          legs,
		LimitPrice:    limitPrice,
		ClientOrderID: clientOrderID,
		Duration:      duration,
	}
}

// maxProfitExitPrice is the exit price implied by the max-profit
// scenario for strategy: a credit spread's short leg expiring worthless
// (net 0 to close), a debit spread's long leg reaching full width
// (net width to close). Used only as the second-choice
// BROKER_ALREADY_FLAT estimate when no gain/loss record exists.
func maxProfitExitPrice(strategy model.Strategy, width float64) float64 {
	if strategy.IsCredit() {
		return 0
	}
	return width
}

