package engine

import (
	"github.com/shopspring/decimal"

	"tagtrader/internal/types"
)

// trailingCandidate returns the stop the position should ratchet to, if any.
// A long trails the bid and a short trails the ask, each kept minStop away;
// the stop only ever moves in the position's favor.
func trailingCandidate(pos types.Position, quote types.Quote, inst types.Instrument) (decimal.Decimal, bool) {
	gap := inst.MinStopDistance()

	switch pos.Side {
	case types.SideLong:
		if quote.Bid.LessThan(pos.OpenPrice.Add(gap)) {
			return decimal.Zero, false
		}
		cand := quote.Bid.Sub(gap).Round(inst.Digits)
		if cand.GreaterThan(pos.StopLoss) {
			return cand, true
		}

	case types.SideShort:
		if quote.Ask.GreaterThan(pos.OpenPrice.Sub(gap)) {
			return decimal.Zero, false
		}
		cand := quote.Ask.Add(gap).Round(inst.Digits)
		if cand.LessThan(pos.StopLoss) {
			return cand, true
		}
	}

	return decimal.Zero, false
}
