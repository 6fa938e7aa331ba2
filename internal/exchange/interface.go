package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"tagtrader/internal/types"
)

// Venue defines the account and order operations the controller relies on.
// Every call is blocking; failures are returned as *types.VenueError.
type Venue interface {
	// ListOpenPositions returns every open position on the account, any tag
	ListOpenPositions(ctx context.Context) ([]types.VenuePosition, error)

	// SubmitOrder places a market order with attached stop-loss and take-profit
	SubmitOrder(ctx context.Context, req types.OrderRequest) (types.Handle, error)

	// ModifyPosition replaces the protective levels of an open position
	ModifyPosition(ctx context.Context, handle types.Handle, stopLoss, takeProfit decimal.Decimal) error

	// AccountBalance returns the account balance excluding open profit
	AccountBalance(ctx context.Context) (decimal.Decimal, error)

	// Quote returns the current bid/ask for the traded instrument
	Quote(ctx context.Context) (types.Quote, error)

	// Instrument returns point size, precision and stop level
	Instrument(ctx context.Context) (types.Instrument, error)

	// Close cleans up resources
	Close() error
}

// QuoteObserver is implemented by venues that want to see every streamed quote
type QuoteObserver interface {
	Observe(q types.Quote)
}

// MarketStreamer defines the interface for streaming market data
type MarketStreamer interface {
	// Subscribe starts streaming quotes for a symbol
	Subscribe(ctx context.Context, symbol string) error

	// Unsubscribe stops streaming quotes for a symbol
	Unsubscribe(symbol string) error

	// Events returns the channel for receiving quotes
	Events() <-chan types.Quote

	// GetKlines returns historical kline/candlestick data
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]types.Kline, error)

	// Close cleans up all connections
	Close() error
}
