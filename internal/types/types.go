package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of the controller's position
type Side int

const (
	SideNone Side = iota
	SideLong
	SideShort
)

// String returns the lower-case side name
func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "none"
	}
}

// MarshalText lets Side render as its name in JSON
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a side name
func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "long":
		*s = SideLong
	case "short":
		*s = SideShort
	case "none", "":
		*s = SideNone
	default:
		return fmt.Errorf("unknown side %q", string(b))
	}
	return nil
}

// Handle is the venue's opaque reference to an open position
type Handle string

// Position mirrors the single venue position owned by the controller
type Position struct {
	Tag           int64           `json:"tag"`
	Side          Side            `json:"side"`
	OpenPrice     decimal.Decimal `json:"open_price"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	Lots          decimal.Decimal `json:"lots"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Commission    decimal.Decimal `json:"commission"`
	Swap          decimal.Decimal `json:"swap"`
	Handle        Handle          `json:"handle,omitempty"`
}

// IsOpen reports whether a matching venue position was found
func (p Position) IsOpen() bool {
	return p.Side != SideNone
}

// VenuePosition is an open position as reported by the venue
type VenuePosition struct {
	Tag           int64
	Symbol        string
	Side          Side
	OpenPrice     decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	Lots          decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Commission    decimal.Decimal
	Swap          decimal.Decimal
	Handle        Handle
	OpenedAt      time.Time
}

// ControllerState is the process-wide bookkeeping carried between ticks
type ControllerState struct {
	PreviouslyOpen   bool            `json:"previously_open"`
	PreviousEquity   decimal.Decimal `json:"previous_equity"`
	ClosedTradeCount int             `json:"closed_trade_count"`
	ScorePoints      int             `json:"score_points"`
	LastError        error           `json:"-"`
}

// SignalSnapshot holds the oscillator readings used by the entry rules
type SignalSnapshot struct {
	StochMain       float64 `json:"stoch_main"`
	StochMainPrev   float64 `json:"stoch_main_prev"`
	StochSignal     float64 `json:"stoch_signal"`
	StochSignalPrev float64 `json:"stoch_signal_prev"`
	CCI             float64 `json:"cci"`
	MFI             float64 `json:"mfi"`
}

// Quote is the current top of book for the traded instrument
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   time.Time       `json:"time"`
}

// Instrument carries the venue constraints for the traded symbol
type Instrument struct {
	Symbol    string          `json:"symbol"`
	Point     decimal.Decimal `json:"point"`      // Minimum price increment
	Digits    int32           `json:"digits"`     // Price precision
	StopLevel int64           `json:"stop_level"` // Minimum stop distance in points
}

// MinStopDistance returns the stop level expressed as a price distance
func (i Instrument) MinStopDistance() decimal.Decimal {
	return i.Point.Mul(decimal.NewFromInt(i.StopLevel))
}

// Points converts a distance in points to a price distance
func (i Instrument) Points(n decimal.Decimal) decimal.Decimal {
	return i.Point.Mul(n)
}

// OrderRequest represents a new market order for the controller's position
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Lots       decimal.Decimal `json:"lots"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Tag        int64           `json:"tag"`
	Slippage   int64           `json:"slippage"` // In points
	Comment    string          `json:"comment,omitempty"`
}

// ClosedTrade describes a position that disappeared from the venue
type ClosedTrade struct {
	Tag           int64           `json:"tag"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	OpenPrice     decimal.Decimal `json:"open_price"`
	Lots          decimal.Decimal `json:"lots"`
	LastProfit    decimal.Decimal `json:"last_profit"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Scored        bool            `json:"scored"`
	ClosedAt      time.Time       `json:"closed_at"`
}

// Kline represents OHLCV candlestick data
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// Status is the published, read-only view of the controller after a tick
type Status struct {
	Tag              int64           `json:"tag"`
	Symbol           string          `json:"symbol"`
	Position         Position        `json:"position"`
	InTrade          bool            `json:"in_trade"`
	ClosedTradeCount int             `json:"closed_trade_count"`
	ScorePoints      int             `json:"score_points"`
	Balance          string          `json:"balance"`
	Line             string          `json:"line"`
	LastError        string          `json:"last_error,omitempty"`
	Ticks            int64           `json:"ticks"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Snapshot         *SignalSnapshot `json:"snapshot,omitempty"`
}

// StatusReport is the structure written to the report file
type StatusReport struct {
	Status  Status    `json:"status"`
	SavedAt time.Time `json:"saved_at"`
	Version int       `json:"version"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	InTrade   bool      `json:"in_trade"`
}
