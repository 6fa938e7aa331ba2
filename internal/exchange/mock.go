package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

// Paper venue error codes, numbered after the MetaTrader trade server codes
const (
	CodeInvalidStops  int64 = 130
	CodeInvalidVolume int64 = 131
	CodeOffQuotes     int64 = 136
	CodeRequote       int64 = 138
	CodeInvalidTicket int64 = 4108
	CodeConfigured    int64 = 1
)

// Modification records a successful ModifyPosition call
type Modification struct {
	Handle     types.Handle
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	At         time.Time
}

// PaperVenue implements Venue with an in-memory account for testing and
// mock mode. Market orders fill at the observed quote; positions close when
// an observed quote touches their stop-loss or take-profit.
type PaperVenue struct {
	logger        *zap.SugaredLogger
	mu            sync.RWMutex
	instrument    types.Instrument
	balance       decimal.Decimal
	commission    decimal.Decimal // Charged per lot on open
	contractSize  decimal.Decimal
	quote         types.Quote
	positions     []*types.VenuePosition
	orders        []types.OrderRequest
	modifications []Modification
	failures      map[string]int64
}

// PaperOption configures the paper venue
type PaperOption func(*PaperVenue)

// WithBalance sets the initial account balance
func WithBalance(amount decimal.Decimal) PaperOption {
	return func(p *PaperVenue) {
		p.balance = amount
	}
}

// WithInstrument sets the traded instrument constraints
func WithInstrument(inst types.Instrument) PaperOption {
	return func(p *PaperVenue) {
		p.instrument = inst
	}
}

// WithCommission sets the commission charged per lot when a position opens
func WithCommission(perLot decimal.Decimal) PaperOption {
	return func(p *PaperVenue) {
		p.commission = perLot
	}
}

// WithContractSize sets the profit per lot per unit of price movement
func WithContractSize(size decimal.Decimal) PaperOption {
	return func(p *PaperVenue) {
		p.contractSize = size
	}
}

// WithQuote sets the initial quote
func WithQuote(q types.Quote) PaperOption {
	return func(p *PaperVenue) {
		p.quote = q
	}
}

// WithPositions seeds the account with open positions
func WithPositions(positions ...types.VenuePosition) PaperOption {
	return func(p *PaperVenue) {
		for _, pos := range positions {
			pos := pos
			if pos.Handle == "" {
				pos.Handle = types.Handle("PAPER-" + uuid.NewString())
			}
			p.positions = append(p.positions, &pos)
		}
	}
}

// WithFailure makes every call of op fail with code
func WithFailure(op string, code int64) PaperOption {
	return func(p *PaperVenue) {
		p.failures[op] = code
	}
}

// NewPaperVenue creates a new paper venue
func NewPaperVenue(logger *zap.SugaredLogger, opts ...PaperOption) *PaperVenue {
	p := &PaperVenue{
		logger:       logger,
		balance:      decimal.NewFromInt(10000),
		contractSize: decimal.NewFromInt(1),
		failures:     make(map[string]int64),
		instrument: types.Instrument{
			Symbol:    "BTCUSDT",
			Point:     decimal.RequireFromString("0.01"),
			Digits:    2,
			StopLevel: 50,
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.quote.Symbol == "" {
		p.quote.Symbol = p.instrument.Symbol
	}

	return p
}

// failure returns the configured error for op, if any (caller must hold lock)
func (p *PaperVenue) failure(op string) error {
	code, ok := p.failures[op]
	if !ok {
		return nil
	}
	p.logger.Errorw("[PAPER] Call failed (configured)", "op", op, "code", code)
	return &types.VenueError{Op: op, Code: code, Err: errors.New("configured failure")}
}

// ListOpenPositions returns copies of all open positions
func (p *PaperVenue) ListOpenPositions(ctx context.Context) ([]types.VenuePosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.failure(types.OpListPositions); err != nil {
		return nil, err
	}

	positions := make([]types.VenuePosition, len(p.positions))
	for i, pos := range p.positions {
		positions[i] = *pos
	}
	return positions, nil
}

// SubmitOrder fills a market order at the current quote
func (p *PaperVenue) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failure(types.OpSubmitOrder); err != nil {
		return "", err
	}

	if !req.Lots.IsPositive() {
		return "", p.reject(types.OpSubmitOrder, CodeInvalidVolume, "lots must be positive")
	}
	if p.quote.Bid.IsZero() || p.quote.Ask.IsZero() {
		return "", p.reject(types.OpSubmitOrder, CodeOffQuotes, "no quote")
	}

	var fill decimal.Decimal
	switch req.Side {
	case types.SideLong:
		fill = p.quote.Ask
	case types.SideShort:
		fill = p.quote.Bid
	default:
		return "", p.reject(types.OpSubmitOrder, CodeInvalidVolume, "order side is none")
	}

	if !req.Price.IsZero() {
		allowed := p.instrument.Points(decimal.NewFromInt(req.Slippage))
		if fill.Sub(req.Price).Abs().GreaterThan(allowed) {
			return "", p.reject(types.OpSubmitOrder, CodeRequote,
				fmt.Sprintf("price moved from %s to %s", req.Price, fill))
		}
	}

	if !p.stopsValid(req.Side, req.StopLoss, req.TakeProfit) {
		return "", p.reject(types.OpSubmitOrder, CodeInvalidStops, "stops too close to market")
	}

	pos := &types.VenuePosition{
		Tag:        req.Tag,
		Symbol:     p.instrument.Symbol,
		Side:       req.Side,
		OpenPrice:  fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Lots:       req.Lots,
		Commission: p.commission.Mul(req.Lots).Neg(),
		Handle:     types.Handle("PAPER-" + uuid.NewString()),
		OpenedAt:   p.quote.Time,
	}
	p.positions = append(p.positions, pos)
	p.orders = append(p.orders, req)

	p.logger.Infow("[PAPER] Order filled",
		"handle", pos.Handle,
		"tag", req.Tag,
		"side", req.Side,
		"lots", req.Lots,
		"price", fill,
		"stop_loss", req.StopLoss,
		"take_profit", req.TakeProfit,
	)

	return pos.Handle, nil
}

// ModifyPosition replaces the stop-loss and take-profit of a position
func (p *PaperVenue) ModifyPosition(ctx context.Context, handle types.Handle, stopLoss, takeProfit decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failure(types.OpModify); err != nil {
		return err
	}

	pos := p.find(handle)
	if pos == nil {
		return p.reject(types.OpModify, CodeInvalidTicket, fmt.Sprintf("unknown handle %s", handle))
	}
	if !p.stopsValid(pos.Side, stopLoss, takeProfit) {
		return p.reject(types.OpModify, CodeInvalidStops, "stops too close to market")
	}

	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	p.modifications = append(p.modifications, Modification{
		Handle:     handle,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		At:         p.quote.Time,
	})

	p.logger.Infow("[PAPER] Position modified",
		"handle", handle,
		"stop_loss", stopLoss,
		"take_profit", takeProfit,
	)
	return nil
}

// AccountBalance returns the realized balance
func (p *PaperVenue) AccountBalance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.failure(types.OpBalance); err != nil {
		return decimal.Zero, err
	}
	return p.balance, nil
}

// Quote returns the last observed quote
func (p *PaperVenue) Quote(ctx context.Context) (types.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.failure(types.OpQuote); err != nil {
		return types.Quote{}, err
	}
	if p.quote.Bid.IsZero() || p.quote.Ask.IsZero() {
		return types.Quote{}, p.reject(types.OpQuote, CodeOffQuotes, "no quote")
	}
	return p.quote, nil
}

// Instrument returns the configured instrument
func (p *PaperVenue) Instrument(ctx context.Context) (types.Instrument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.failure(types.OpInstrument); err != nil {
		return types.Instrument{}, err
	}
	return p.instrument, nil
}

// Observe marks positions to market and closes those whose stop-loss or
// take-profit the quote has reached
func (p *PaperVenue) Observe(q types.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.quote = q

	open := p.positions[:0]
	for _, pos := range p.positions {
		pos.UnrealizedPnL = p.profit(pos)
		if reason := p.exitReason(pos); reason != "" {
			p.settle(pos, reason)
			continue
		}
		open = append(open, pos)
	}
	p.positions = open
}

// exitReason reports whether the current quote triggers a protective level
func (p *PaperVenue) exitReason(pos *types.VenuePosition) string {
	switch pos.Side {
	case types.SideLong:
		if !pos.StopLoss.IsZero() && p.quote.Bid.LessThanOrEqual(pos.StopLoss) {
			return "stop_loss"
		}
		if !pos.TakeProfit.IsZero() && p.quote.Bid.GreaterThanOrEqual(pos.TakeProfit) {
			return "take_profit"
		}
	case types.SideShort:
		if !pos.StopLoss.IsZero() && p.quote.Ask.GreaterThanOrEqual(pos.StopLoss) {
			return "stop_loss"
		}
		if !pos.TakeProfit.IsZero() && p.quote.Ask.LessThanOrEqual(pos.TakeProfit) {
			return "take_profit"
		}
	}
	return ""
}

// settle credits a closing position to the balance (caller must hold lock)
func (p *PaperVenue) settle(pos *types.VenuePosition, reason string) {
	realized := p.profit(pos).Add(pos.Commission).Add(pos.Swap)
	p.balance = p.balance.Add(realized)

	p.logger.Infow("[PAPER] Position closed",
		"handle", pos.Handle,
		"tag", pos.Tag,
		"reason", reason,
		"realized", realized,
		"balance", p.balance,
	)
}

// profit is the open profit of pos at the current quote
func (p *PaperVenue) profit(pos *types.VenuePosition) decimal.Decimal {
	var move decimal.Decimal
	switch pos.Side {
	case types.SideLong:
		move = p.quote.Bid.Sub(pos.OpenPrice)
	case types.SideShort:
		move = pos.OpenPrice.Sub(p.quote.Ask)
	}
	return move.Mul(pos.Lots).Mul(p.contractSize)
}

// stopsValid applies the stop level to non-zero protective levels
func (p *PaperVenue) stopsValid(side types.Side, stopLoss, takeProfit decimal.Decimal) bool {
	gap := p.instrument.MinStopDistance()
	switch side {
	case types.SideLong:
		if !stopLoss.IsZero() && stopLoss.GreaterThan(p.quote.Bid.Sub(gap)) {
			return false
		}
		if !takeProfit.IsZero() && takeProfit.LessThan(p.quote.Bid.Add(gap)) {
			return false
		}
	case types.SideShort:
		if !stopLoss.IsZero() && stopLoss.LessThan(p.quote.Ask.Add(gap)) {
			return false
		}
		if !takeProfit.IsZero() && takeProfit.GreaterThan(p.quote.Ask.Sub(gap)) {
			return false
		}
	}
	return true
}

func (p *PaperVenue) find(handle types.Handle) *types.VenuePosition {
	for _, pos := range p.positions {
		if pos.Handle == handle {
			return pos
		}
	}
	return nil
}

func (p *PaperVenue) reject(op string, code int64, msg string) error {
	p.logger.Warnw("[PAPER] Request rejected", "op", op, "code", code, "reason", msg)
	return &types.VenueError{Op: op, Code: code, Err: errors.New(msg)}
}

// Close is a no-op for the paper venue
func (p *PaperVenue) Close() error {
	p.logger.Info("[PAPER] Venue closed")
	return nil
}

// ClosePosition closes a position at the current quote (testing, manual close)
func (p *PaperVenue) ClosePosition(handle types.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pos := range p.positions {
		if pos.Handle == handle {
			p.settle(pos, "manual")
			p.positions = append(p.positions[:i], p.positions[i+1:]...)
			return nil
		}
	}
	return p.reject("close_position", CodeInvalidTicket, fmt.Sprintf("unknown handle %s", handle))
}

// AddForeignPosition inserts an open position directly, e.g. one owned by another tag
// or opened by hand
func (p *PaperVenue) AddForeignPosition(pos types.VenuePosition) types.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos.Handle == "" {
		pos.Handle = types.Handle("PAPER-" + uuid.NewString())
	}
	if pos.Symbol == "" {
		pos.Symbol = p.instrument.Symbol
	}
	p.positions = append(p.positions, &pos)
	return pos.Handle
}

// Orders returns all filled order requests (for testing)
func (p *PaperVenue) Orders() []types.OrderRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()

	orders := make([]types.OrderRequest, len(p.orders))
	copy(orders, p.orders)
	return orders
}

// Modifications returns all successful modifications (for testing)
func (p *PaperVenue) Modifications() []Modification {
	p.mu.RLock()
	defer p.mu.RUnlock()

	mods := make([]Modification, len(p.modifications))
	copy(mods, p.modifications)
	return mods
}

// SetBalance sets the account balance (for testing)
func (p *PaperVenue) SetBalance(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = amount
}

// SetFailure makes op fail with code until ClearFailure is called
func (p *PaperVenue) SetFailure(op string, code int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = code
}

// ClearFailure removes a configured failure
func (p *PaperVenue) ClearFailure(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, op)
}
