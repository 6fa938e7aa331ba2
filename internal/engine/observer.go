package engine

import (
	"github.com/shopspring/decimal"

	"tagtrader/internal/types"
)

// Observer receives controller events. Calls happen on the tick goroutine,
// so implementations must return quickly and hand slow work to their own workers.
type Observer interface {
	OrderSubmitted(req types.OrderRequest, handle types.Handle)
	StopMoved(pos types.Position, from, to decimal.Decimal)
	TradeClosed(trade types.ClosedTrade)
	VenueFailed(err *types.VenueError)
	// VenueRecovered follows the first tick without a venue failure after one or more failed ticks
	VenueRecovered()
}

// Observers fans every event out to each member
type Observers []Observer

func (o Observers) OrderSubmitted(req types.OrderRequest, handle types.Handle) {
	for _, obs := range o {
		obs.OrderSubmitted(req, handle)
	}
}

func (o Observers) StopMoved(pos types.Position, from, to decimal.Decimal) {
	for _, obs := range o {
		obs.StopMoved(pos, from, to)
	}
}

func (o Observers) TradeClosed(trade types.ClosedTrade) {
	for _, obs := range o {
		obs.TradeClosed(trade)
	}
}

func (o Observers) VenueFailed(err *types.VenueError) {
	for _, obs := range o {
		obs.VenueFailed(err)
	}
}

func (o Observers) VenueRecovered() {
	for _, obs := range o {
		obs.VenueRecovered()
	}
}
