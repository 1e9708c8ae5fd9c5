package sync

import (
	"github.com/gekkoworks/spreadengine/internal/lifecycle"
	"github.com/gekkoworks/spreadengine/internal/model"
)

// mirrorQuantity returns the broker-held quantity for trade's spread in
// mirror, taking the smaller of the two legs' quantities when they
// disagree (a mismatch the structural invariant check flags separately;
// this reconciliation's job is only to track the quantity actually
// available to close).
func mirrorQuantity(trade *model.Trade, mirror []model.PortfolioPosition) (int, bool) {
	short, long, ok := lifecycle.FindLegs(trade, mirror)
	if !ok {
		return 0, false
	}
	qty := short.Quantity
	if long.Quantity < qty {
		qty = long.Quantity
	}
	return int(qty), true
}
