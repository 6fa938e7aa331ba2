package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tagtrader/internal/config"
	"tagtrader/internal/exchange"
	"tagtrader/internal/indicators"
	"tagtrader/internal/types"
)

// IndicatorSource returns oscillator readings by kind and bar shift (0 = current bar)
type IndicatorSource interface {
	Value(ctx context.Context, kind indicators.Kind, shift int) (float64, error)
}

// snapshotter is implemented by sources that can read every line in one pass
type snapshotter interface {
	Snapshot(ctx context.Context) (types.SignalSnapshot, error)
}

// Controller owns the single tagged position: it mirrors it from the venue,
// trails its stop, counts closed trades, and opens a new one when flat.
// It is not safe for concurrent use; one goroutine drives every tick.
type Controller struct {
	venue      exchange.Venue
	indicators IndicatorSource
	strategy   config.Strategy
	symbol     string
	timeframe  time.Duration
	logger     *zap.SugaredLogger
	observers  Observers
	now        func() time.Time

	position types.Position
	state    types.ControllerState
	lastOpen types.Position
	snapshot *types.SignalSnapshot
	line     string
	ticks    int64
	degraded bool
}

// ControllerOption configures the controller
type ControllerOption func(*Controller)

// WithObservers registers event observers
func WithObservers(observers ...Observer) ControllerOption {
	return func(c *Controller) {
		c.observers = append(c.observers, observers...)
	}
}

// WithControllerClock overrides the time source (tests)
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a controller for one tag on one symbol
func NewController(
	venue exchange.Venue,
	source IndicatorSource,
	strategy config.Strategy,
	symbol string,
	timeframe time.Duration,
	logger *zap.SugaredLogger,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		venue:      venue,
		indicators: source,
		strategy:   strategy,
		symbol:     symbol,
		timeframe:  timeframe,
		logger:     logger,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Reconcile rebuilds the position from the venue, trails its stop, and
// updates the closed-trade counters. It reports whether the venue listing
// succeeded; on false the position state is unknown for this tick.
func (c *Controller) Reconcile(ctx context.Context) bool {
	c.position = types.Position{}
	c.state.LastError = nil

	positions, err := c.venue.ListOpenPositions(ctx)
	if err != nil {
		c.fail(types.OpListPositions, err)
		c.emitStatus()
		return false
	}

	for _, vp := range positions {
		if vp.Tag != c.strategy.Tag {
			continue
		}
		c.position = types.Position{
			Tag:           vp.Tag,
			Side:          vp.Side,
			OpenPrice:     vp.OpenPrice,
			StopLoss:      vp.StopLoss,
			TakeProfit:    vp.TakeProfit,
			Lots:          vp.Lots,
			UnrealizedPnL: vp.UnrealizedPnL,
			Commission:    vp.Commission,
			Swap:          vp.Swap,
			Handle:        vp.Handle,
		}
		break
	}

	if c.position.IsOpen() {
		c.trail(ctx)
		c.lastOpen = c.position
	}

	c.countClose(ctx)
	c.emitStatus()
	return true
}

// trail moves the stop toward the market when the position has room
func (c *Controller) trail(ctx context.Context) {
	quote, err := c.venue.Quote(ctx)
	if err != nil {
		c.fail(types.OpQuote, err)
		return
	}
	inst, err := c.venue.Instrument(ctx)
	if err != nil {
		c.fail(types.OpInstrument, err)
		return
	}

	cand, ok := trailingCandidate(c.position, quote, inst)
	if !ok {
		return
	}

	if err := c.venue.ModifyPosition(ctx, c.position.Handle, cand, c.position.TakeProfit); err != nil {
		c.fail(types.OpModify, err)
		return
	}

	from := c.position.StopLoss
	c.position.StopLoss = cand

	c.logger.Infow("[ENGINE] Trailing stop moved",
		"tag", c.position.Tag,
		"side", c.position.Side,
		"from", from,
		"to", cand,
		"bid", quote.Bid,
		"ask", quote.Ask,
	)
	c.observers.StopMoved(c.position, from, cand)
}

// countClose detects a position that vanished since the previous tick.
// The prior flag and balance are read before they are overwritten.
func (c *Controller) countClose(ctx context.Context) {
	open := c.position.IsOpen()
	balance, err := c.venue.AccountBalance(ctx)
	balanceKnown := err == nil
	if err != nil {
		c.fail(types.OpBalance, err)
	}

	if !open && c.state.PreviouslyOpen {
		c.state.ClosedTradeCount++
		scored := balanceKnown && balance.GreaterThanOrEqual(c.state.PreviousEquity)
		if scored {
			c.state.ScorePoints++
		}

		trade := types.ClosedTrade{
			Tag:           c.strategy.Tag,
			Symbol:        c.symbol,
			Side:          c.lastOpen.Side,
			OpenPrice:     c.lastOpen.OpenPrice,
			Lots:          c.lastOpen.Lots,
			LastProfit:    c.lastOpen.UnrealizedPnL,
			BalanceBefore: c.state.PreviousEquity,
			BalanceAfter:  balance,
			Scored:        scored,
			ClosedAt:      c.now(),
		}

		c.logger.Infow("[ENGINE] Trade closed",
			"tag", trade.Tag,
			"side", trade.Side,
			"balance_before", trade.BalanceBefore,
			"balance_after", trade.BalanceAfter,
			"scored", scored,
			"trades", c.state.ClosedTradeCount,
			"score", c.state.ScorePoints,
		)
		c.observers.TradeClosed(trade)
		c.lastOpen = types.Position{}
	}

	c.state.PreviouslyOpen = open
	if balanceKnown {
		c.state.PreviousEquity = balance
	}
}

// EvaluateAndMaybeOpen reads the indicators and submits at most one order.
// It returns the new position's handle when an order was accepted.
func (c *Controller) EvaluateAndMaybeOpen(ctx context.Context, quote types.Quote) (types.Handle, bool) {
	if c.position.IsOpen() {
		return "", false
	}

	snap, err := c.ReadSnapshot(ctx)
	if err != nil {
		c.fail(types.OpIndicators, err)
		return "", false
	}
	c.snapshot = &snap

	inst, err := c.venue.Instrument(ctx)
	if err != nil {
		c.fail(types.OpInstrument, err)
		return "", false
	}

	if quote.Bid.IsZero() || quote.Ask.IsZero() {
		if quote, err = c.venue.Quote(ctx); err != nil {
			c.fail(types.OpQuote, err)
			return "", false
		}
	}

	req := EvaluateSignal(c.position, snap, quote, inst, c.strategy)
	if req == nil {
		return "", false
	}
	req.Symbol = c.symbol
	req.Comment = fmt.Sprintf("tagtrader %d", c.strategy.Tag)

	c.logger.Infow("[ENGINE] Entry signal",
		"tag", req.Tag,
		"side", req.Side,
		"stoch_main", snap.StochMain,
		"stoch_main_prev", snap.StochMainPrev,
		"stoch_signal", snap.StochSignal,
		"cci", snap.CCI,
		"mfi", snap.MFI,
	)

	handle, err := c.venue.SubmitOrder(ctx, *req)
	if err != nil {
		c.fail(types.OpSubmitOrder, err)
		return "", false
	}

	c.logger.Infow("[ENGINE] Order submitted",
		"handle", handle,
		"side", req.Side,
		"lots", req.Lots,
		"price", req.Price,
		"stop_loss", req.StopLoss,
		"take_profit", req.TakeProfit,
	)
	c.observers.OrderSubmitted(*req, handle)
	return handle, true
}

// indicatorRead is one line read by the per-value fallback path
type indicatorRead struct {
	kind  indicators.Kind
	shift int
	dst   *float64
}

// ReadSnapshot reads the current and previous bar oscillator values
func (c *Controller) ReadSnapshot(ctx context.Context) (types.SignalSnapshot, error) {
	if s, ok := c.indicators.(snapshotter); ok {
		return s.Snapshot(ctx)
	}

	var snap types.SignalSnapshot
	reads := []indicatorRead{
		{indicators.KindStochMain, 0, &snap.StochMain},
		{indicators.KindStochMain, 1, &snap.StochMainPrev},
		{indicators.KindStochSignal, 0, &snap.StochSignal},
		{indicators.KindStochSignal, 1, &snap.StochSignalPrev},
		{indicators.KindCCI, 0, &snap.CCI},
		{indicators.KindMFI, 0, &snap.MFI},
	}

	for _, r := range reads {
		v, err := c.indicators.Value(ctx, r.kind, r.shift)
		if err != nil {
			return types.SignalSnapshot{}, err
		}
		*r.dst = v
	}
	return snap, nil
}

// Tick runs one full controller cycle for a market update
func (c *Controller) Tick(ctx context.Context, quote types.Quote) types.Status {
	c.ticks++

	if c.Reconcile(ctx) && !c.position.IsOpen() {
		c.EvaluateAndMaybeOpen(ctx, quote)
	}

	if c.state.LastError == nil && c.degraded {
		c.degraded = false
		c.logger.Infow("[ENGINE] Venue recovered")
		c.observers.VenueRecovered()
	}

	return c.Status()
}

// fail records a venue failure as the last error
func (c *Controller) fail(op string, err error) {
	ve := types.NewVenueError(op, err)
	c.state.LastError = ve
	c.degraded = true

	c.logger.Errorw("[ENGINE] Venue call failed",
		"op", op,
		"code", ve.Code,
		"error", err,
	)
	c.observers.VenueFailed(ve)
}

// emitStatus formats and logs the status line
func (c *Controller) emitStatus() {
	inTrade := 0
	if c.position.IsOpen() {
		inTrade = 1
	}

	c.line = fmt.Sprintf("Profit: %s - Trades: %d - Score: %d - In Trade: %d - Time: %d",
		c.position.UnrealizedPnL.StringFixed(2),
		c.state.ClosedTradeCount,
		c.state.ScorePoints,
		inTrade,
		c.barElapsed(),
	)
	c.logger.Infow("[ENGINE] " + c.line)
}

// barElapsed returns whole seconds since the current bar opened
func (c *Controller) barElapsed() int64 {
	now := c.now()
	if c.timeframe <= 0 {
		return 0
	}
	return int64(now.Sub(now.Truncate(c.timeframe)) / time.Second)
}

// Position returns the mirrored position
func (c *Controller) Position() types.Position {
	return c.position
}

// State returns the controller bookkeeping
func (c *Controller) State() types.ControllerState {
	return c.state
}

// Status builds the published view of the controller
func (c *Controller) Status() types.Status {
	status := types.Status{
		Tag:              c.strategy.Tag,
		Symbol:           c.symbol,
		Position:         c.position,
		InTrade:          c.position.IsOpen(),
		ClosedTradeCount: c.state.ClosedTradeCount,
		ScorePoints:      c.state.ScorePoints,
		Balance:          c.state.PreviousEquity.StringFixed(2),
		Line:             c.line,
		Ticks:            c.ticks,
		UpdatedAt:        c.now(),
	}
	if c.state.LastError != nil {
		status.LastError = c.state.LastError.Error()
	}
	if c.snapshot != nil {
		snap := *c.snapshot
		status.Snapshot = &snap
	}
	return status
}
