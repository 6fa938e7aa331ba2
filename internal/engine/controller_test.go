package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tagtrader/internal/config"
	"tagtrader/internal/exchange"
	"tagtrader/internal/indicators"
	"tagtrader/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quote(bid, ask string) types.Quote {
	return types.Quote{Symbol: "BTCUSDT", Bid: d(bid), Ask: d(ask), Time: time.Unix(1_700_000_000, 0)}
}

func testStrategy() config.Strategy {
	return config.Strategy{
		Tag:            7,
		Lots:           d("1"),
		TakeProfitPips: 100,
		StopLossPips:   100,
		Slippage:       100,
		StochK:         5,
		StochD:         3,
		StochSlowing:   3,
		StochHigh:      80,
		StochLow:       20,
		CCIPeriod:      14,
		CCIHigh:        100,
		CCILow:         -100,
		MFIPeriod:      14,
		MFIHigh:        80,
		MFILow:         20,
	}
}

// fakeIndicators answers Value from a table of [shift0, shift1] readings
type fakeIndicators struct {
	values map[indicators.Kind][2]float64
	err    error
	calls  int
}

func neutralIndicators() *fakeIndicators {
	return &fakeIndicators{values: map[indicators.Kind][2]float64{
		indicators.KindStochMain:   {50, 50},
		indicators.KindStochSignal: {50, 50},
		indicators.KindCCI:         {0, 0},
		indicators.KindMFI:         {50, 50},
	}}
}

// bullishIndicators: main crosses 18 -> 22 over a flat signal of 20, all oversold
func bullishIndicators() *fakeIndicators {
	return &fakeIndicators{values: map[indicators.Kind][2]float64{
		indicators.KindStochMain:   {22, 18},
		indicators.KindStochSignal: {20, 20},
		indicators.KindCCI:         {-150, -140},
		indicators.KindMFI:         {10, 12},
	}}
}

func (f *fakeIndicators) Value(ctx context.Context, kind indicators.Kind, shift int) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.values[kind][shift], nil
}

// snapshotIndicators exposes the single-pass snapshot path
type snapshotIndicators struct {
	fakeIndicators
	snap types.SignalSnapshot
}

func (s *snapshotIndicators) Snapshot(ctx context.Context) (types.SignalSnapshot, error) {
	return s.snap, nil
}

type recorder struct {
	orders   []types.OrderRequest
	handles  []types.Handle
	moves    [][2]decimal.Decimal
	closed   []types.ClosedTrade
	failures  []*types.VenueError
	recovered int
}

func (r *recorder) OrderSubmitted(req types.OrderRequest, handle types.Handle) {
	r.orders = append(r.orders, req)
	r.handles = append(r.handles, handle)
}

func (r *recorder) StopMoved(pos types.Position, from, to decimal.Decimal) {
	r.moves = append(r.moves, [2]decimal.Decimal{from, to})
}

func (r *recorder) TradeClosed(trade types.ClosedTrade) {
	r.closed = append(r.closed, trade)
}

func (r *recorder) VenueFailed(err *types.VenueError) {
	r.failures = append(r.failures, err)
}

func (r *recorder) VenueRecovered() {
	r.recovered++
}

var fixedNow = time.Date(2024, 1, 1, 10, 7, 30, 0, time.UTC)

func newPaper() *exchange.PaperVenue {
	return exchange.NewPaperVenue(zap.NewNop().Sugar(), exchange.WithQuote(quote("100.00", "100.10")))
}

func newController(venue exchange.Venue, source IndicatorSource, s config.Strategy, opts ...ControllerOption) *Controller {
	opts = append([]ControllerOption{WithControllerClock(func() time.Time { return fixedNow })}, opts...)
	return NewController(venue, source, s, "BTCUSDT", 15*time.Minute, zap.NewNop().Sugar(), opts...)
}

func tagged(side types.Side, open, sl, tp string) types.VenuePosition {
	return types.VenuePosition{
		Tag:        7,
		Side:       side,
		OpenPrice:  d(open),
		StopLoss:   d(sl),
		TakeProfit: d(tp),
		Lots:       d("1"),
	}
}

func TestController_ReconcileMirrorsTaggedPosition(t *testing.T) {
	p := newPaper()
	foreign := tagged(types.SideShort, "100.00", "101.00", "99.00")
	foreign.Tag = 3
	p.AddForeignPosition(foreign)
	handle := p.AddForeignPosition(tagged(types.SideLong, "100.05", "99.00", "110.00"))

	c := newController(p, neutralIndicators(), testStrategy())
	require.True(t, c.Reconcile(context.Background()))

	pos := c.Position()
	assert.Equal(t, types.SideLong, pos.Side)
	assert.Equal(t, int64(7), pos.Tag)
	assert.Equal(t, handle, pos.Handle)
	assert.True(t, pos.OpenPrice.Equal(d("100.05")))
	assert.True(t, pos.StopLoss.Equal(d("99.00")))
	assert.True(t, c.State().PreviouslyOpen)
	assert.True(t, c.State().PreviousEquity.Equal(d("10000")))
}

func TestController_ReconcileNoMatchIsFlat(t *testing.T) {
	p := newPaper()
	foreign := tagged(types.SideLong, "100.00", "99.00", "110.00")
	foreign.Tag = 8
	p.AddForeignPosition(foreign)

	c := newController(p, neutralIndicators(), testStrategy())
	require.True(t, c.Reconcile(context.Background()))

	assert.Equal(t, types.SideNone, c.Position().Side)
	assert.Nil(t, c.State().LastError)
	assert.False(t, c.State().PreviouslyOpen)
}

func TestController_ReconcileIsIdempotent(t *testing.T) {
	p := newPaper()
	p.AddForeignPosition(tagged(types.SideLong, "100.00", "99.00", "110.00"))

	c := newController(p, neutralIndicators(), testStrategy())
	ctx := context.Background()

	require.True(t, c.Reconcile(ctx))
	first, firstState := c.Position(), c.State()

	require.True(t, c.Reconcile(ctx))
	assert.Equal(t, first, c.Position())
	assert.Equal(t, firstState, c.State())
	assert.Empty(t, p.Modifications())
}

func TestController_TrailingTrigger(t *testing.T) {
	tests := []struct {
		name    string
		bid     string
		ask     string
		wantMod bool
	}{
		{"Exactly open plus min stop", "100.50", "100.60", true},
		{"One point short", "100.49", "100.59", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPaper()
			p.AddForeignPosition(tagged(types.SideLong, "100.00", "99.00", "110.00"))
			p.Observe(quote(tt.bid, tt.ask))

			rec := &recorder{}
			c := newController(p, neutralIndicators(), testStrategy(), WithObservers(rec))
			require.True(t, c.Reconcile(context.Background()))

			if !tt.wantMod {
				assert.Empty(t, p.Modifications())
				assert.True(t, c.Position().StopLoss.Equal(d("99.00")))
				return
			}

			mods := p.Modifications()
			require.Len(t, mods, 1)
			assert.True(t, mods[0].StopLoss.Equal(d("100.00")))
			assert.True(t, mods[0].TakeProfit.Equal(d("110.00")), "take profit is kept")
			assert.True(t, c.Position().StopLoss.Equal(d("100.00")))
			require.Len(t, rec.moves, 1)
			assert.True(t, rec.moves[0][0].Equal(d("99.00")))
			assert.True(t, rec.moves[0][1].Equal(d("100.00")))
		})
	}
}

func TestController_TrailingLongIsMonotonic(t *testing.T) {
	p := newPaper()
	p.AddForeignPosition(tagged(types.SideLong, "100.00", "99.00", "110.00"))
	c := newController(p, neutralIndicators(), testStrategy())
	ctx := context.Background()

	steps := []struct{ bid, ask, wantSL string }{
		{"100.50", "100.60", "100.00"},
		{"100.20", "100.30", "100.00"},
		{"100.80", "100.90", "100.30"},
		{"100.70", "100.80", "100.30"},
		{"101.30", "101.40", "100.80"},
	}

	prev := d("99.00")
	for i, step := range steps {
		p.Observe(quote(step.bid, step.ask))
		require.True(t, c.Reconcile(ctx))

		sl := c.Position().StopLoss
		assert.True(t, sl.Equal(d(step.wantSL)), "step %d: stop %s", i, sl)
		assert.True(t, sl.GreaterThanOrEqual(prev), "step %d: stop moved down", i)
		prev = sl
	}
	assert.Len(t, p.Modifications(), 3)
}

func TestController_TrailingShortIsMonotonic(t *testing.T) {
	p := newPaper()
	p.AddForeignPosition(tagged(types.SideShort, "100.00", "101.00", "90.00"))
	c := newController(p, neutralIndicators(), testStrategy())
	ctx := context.Background()

	steps := []struct{ bid, ask, wantSL string }{
		{"99.40", "99.50", "100.00"},
		{"99.70", "99.80", "100.00"},
		{"99.10", "99.20", "99.70"},
		{"99.20", "99.30", "99.70"},
	}

	prev := d("101.00")
	for i, step := range steps {
		p.Observe(quote(step.bid, step.ask))
		require.True(t, c.Reconcile(ctx))

		sl := c.Position().StopLoss
		assert.True(t, sl.Equal(d(step.wantSL)), "step %d: stop %s", i, sl)
		assert.True(t, sl.LessThanOrEqual(prev), "step %d: stop moved up", i)
		prev = sl
	}
	assert.Len(t, p.Modifications(), 2)
}

func TestController_TrailingModifyFailure(t *testing.T) {
	p := newPaper()
	p.AddForeignPosition(tagged(types.SideLong, "100.00", "99.00", "110.00"))
	p.Observe(quote("100.50", "100.60"))
	p.SetFailure(types.OpModify, exchange.CodeInvalidStops)

	c := newController(p, neutralIndicators(), testStrategy())
	require.True(t, c.Reconcile(context.Background()))

	assert.True(t, c.Position().StopLoss.Equal(d("99.00")), "stop kept on failure")
	require.NotNil(t, c.State().LastError)
	assert.Equal(t, exchange.CodeInvalidStops, types.VenueCode(c.State().LastError))
}

func TestController_Scoring(t *testing.T) {
	tests := []struct {
		name       string
		closeBid   string
		wantScore  int
		wantBefore string
		wantAfter  string
	}{
		{"Profit", "100.50", 1, "10000", "10000.5"},
		{"Break even", "100.00", 1, "10000", "10000"},
		{"Loss", "99.60", 0, "10000", "9999.6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPaper()
			handle := p.AddForeignPosition(tagged(types.SideLong, "100.00", "98.00", "110.00"))

			rec := &recorder{}
			c := newController(p, neutralIndicators(), testStrategy(), WithObservers(rec))
			ctx := context.Background()
			require.True(t, c.Reconcile(ctx))

			bid := d(tt.closeBid)
			p.Observe(types.Quote{Symbol: "BTCUSDT", Bid: bid, Ask: bid.Add(d("0.10"))})
			require.NoError(t, p.ClosePosition(handle))

			require.True(t, c.Reconcile(ctx))
			state := c.State()
			assert.Equal(t, 1, state.ClosedTradeCount)
			assert.Equal(t, tt.wantScore, state.ScorePoints)
			assert.False(t, state.PreviouslyOpen)
			assert.True(t, state.PreviousEquity.Equal(d(tt.wantAfter)))

			require.Len(t, rec.closed, 1)
			trade := rec.closed[0]
			assert.Equal(t, types.SideLong, trade.Side)
			assert.Equal(t, tt.wantScore == 1, trade.Scored)
			assert.True(t, trade.BalanceBefore.Equal(d(tt.wantBefore)))
			assert.True(t, trade.BalanceAfter.Equal(d(tt.wantAfter)))

			require.True(t, c.Reconcile(ctx))
			assert.Equal(t, 1, c.State().ClosedTradeCount, "a close is counted once")
		})
	}
}

func TestController_BalanceFailureCountsWithoutScoring(t *testing.T) {
	p := newPaper()
	handle := p.AddForeignPosition(tagged(types.SideLong, "100.00", "98.00", "110.00"))

	c := newController(p, neutralIndicators(), testStrategy())
	ctx := context.Background()
	require.True(t, c.Reconcile(ctx))

	p.Observe(quote("100.50", "100.60"))
	require.NoError(t, p.ClosePosition(handle))
	p.SetFailure(types.OpBalance, 4)

	require.True(t, c.Reconcile(ctx))
	state := c.State()
	assert.Equal(t, 1, state.ClosedTradeCount)
	assert.Equal(t, 0, state.ScorePoints)
	assert.True(t, state.PreviousEquity.Equal(d("10000")), "previous equity kept")
	assert.Equal(t, types.OpBalance, state.LastError.(*types.VenueError).Op)

	p.ClearFailure(types.OpBalance)
	require.True(t, c.Reconcile(ctx))
	assert.Equal(t, 1, c.State().ClosedTradeCount)
	assert.Nil(t, c.State().LastError)
	assert.True(t, c.State().PreviousEquity.Equal(d("10000.5")))
}

func TestController_VenueRecoveredAfterCleanTick(t *testing.T) {
	p := newPaper()
	p.AddForeignPosition(tagged(types.SideLong, "100.00", "98.00", "110.00"))

	rec := &recorder{}
	c := newController(p, neutralIndicators(), testStrategy(), WithObservers(rec))
	ctx := context.Background()

	c.Tick(ctx, quote("100.00", "100.10"))
	assert.Zero(t, rec.recovered, "no failure yet")

	p.SetFailure(types.OpListPositions, 6)
	c.Tick(ctx, quote("100.00", "100.10"))
	c.Tick(ctx, quote("100.00", "100.10"))
	assert.Len(t, rec.failures, 2)
	assert.Zero(t, rec.recovered)

	p.ClearFailure(types.OpListPositions)
	c.Tick(ctx, quote("100.00", "100.10"))
	assert.Equal(t, 1, rec.recovered)

	c.Tick(ctx, quote("100.00", "100.10"))
	assert.Equal(t, 1, rec.recovered, "reported once per outage")

	p.SetFailure(types.OpListPositions, 6)
	c.Tick(ctx, quote("100.00", "100.10"))
	p.ClearFailure(types.OpListPositions)
	c.Tick(ctx, quote("100.00", "100.10"))
	assert.Equal(t, 2, rec.recovered)
}

func TestController_ListFailureLeavesStateUnknown(t *testing.T) {
	p := newPaper()
	p.AddForeignPosition(tagged(types.SideLong, "100.00", "98.00", "110.00"))

	c := newController(p, bullishIndicators(), testStrategy())
	ctx := context.Background()
	require.True(t, c.Reconcile(ctx))

	p.SetFailure(types.OpListPositions, 6)
	status := c.Tick(ctx, quote("100.00", "100.10"))

	assert.Equal(t, types.SideNone, c.Position().Side)
	assert.True(t, c.State().PreviouslyOpen, "close detection skipped")
	assert.Equal(t, 0, c.State().ClosedTradeCount)
	assert.Empty(t, p.Orders(), "no entry while the state is unknown")
	assert.Contains(t, status.LastError, types.OpListPositions)

	p.ClearFailure(types.OpListPositions)
	require.True(t, c.Reconcile(ctx))
	assert.Equal(t, types.SideLong, c.Position().Side)
	assert.Equal(t, 0, c.State().ClosedTradeCount)
}

func TestController_SignalOpensLong(t *testing.T) {
	p := newPaper()
	s := testStrategy()
	s.StochLow = 30

	rec := &recorder{}
	c := newController(p, bullishIndicators(), s, WithObservers(rec))
	ctx := context.Background()

	status := c.Tick(ctx, quote("100.00", "100.10"))
	assert.False(t, status.InTrade, "the new position is mirrored on the next tick")

	orders := p.Orders()
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, types.SideLong, o.Side)
	assert.True(t, o.Price.Equal(d("100.10")))
	assert.True(t, o.StopLoss.Equal(d("99.10")))
	assert.True(t, o.TakeProfit.Equal(d("101.10")))
	assert.True(t, o.Lots.Equal(d("1")))
	assert.Equal(t, int64(7), o.Tag)
	assert.Equal(t, int64(100), o.Slippage)
	assert.Equal(t, "BTCUSDT", o.Symbol)

	require.Len(t, rec.orders, 1)
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, 22.0, status.Snapshot.StochMain)

	status = c.Tick(ctx, quote("100.00", "100.10"))
	assert.True(t, status.InTrade)
	assert.Len(t, p.Orders(), 1, "no second entry while the position is open")

	positions, err := p.ListOpenPositions(ctx)
	require.NoError(t, err)
	owned := 0
	for _, pos := range positions {
		if pos.Tag == 7 {
			owned++
		}
	}
	assert.Equal(t, 1, owned)
}

func TestController_NoSignalEvaluationWhileOpen(t *testing.T) {
	p := newPaper()
	p.AddForeignPosition(tagged(types.SideLong, "100.00", "98.00", "110.00"))

	src := bullishIndicators()
	c := newController(p, src, testStrategy())
	c.Tick(context.Background(), quote("100.00", "100.10"))

	assert.Zero(t, src.calls)
	assert.Empty(t, p.Orders())
}

func TestController_SubmitFailureRecorded(t *testing.T) {
	p := newPaper()
	p.SetFailure(types.OpSubmitOrder, 134)
	s := testStrategy()
	s.StochLow = 30

	rec := &recorder{}
	c := newController(p, bullishIndicators(), s, WithObservers(rec))
	status := c.Tick(context.Background(), quote("100.00", "100.10"))

	assert.Empty(t, p.Orders())
	assert.Empty(t, rec.orders)
	require.Len(t, rec.failures, 1)
	assert.Equal(t, int64(134), rec.failures[0].Code)
	assert.Equal(t, int64(134), types.VenueCode(c.State().LastError))
	assert.Contains(t, status.LastError, "134")
}

func TestController_IndicatorFailureRecorded(t *testing.T) {
	p := newPaper()
	src := neutralIndicators()
	src.err = errors.New("klines unavailable")

	c := newController(p, src, testStrategy())
	c.Tick(context.Background(), quote("100.00", "100.10"))

	require.NotNil(t, c.State().LastError)
	assert.Equal(t, types.OpIndicators, c.State().LastError.(*types.VenueError).Op)
	assert.Empty(t, p.Orders())
}

func TestController_ZeroQuoteFallsBackToVenue(t *testing.T) {
	p := newPaper()
	s := testStrategy()
	s.StochLow = 30

	c := newController(p, bullishIndicators(), s)
	_, ok := c.EvaluateAndMaybeOpen(context.Background(), types.Quote{})
	require.True(t, ok)

	orders := p.Orders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Price.Equal(d("100.10")))
}

func TestController_ReadSnapshot(t *testing.T) {
	c := newController(newPaper(), bullishIndicators(), testStrategy())
	snap, err := c.ReadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SignalSnapshot{
		StochMain:       22,
		StochMainPrev:   18,
		StochSignal:     20,
		StochSignalPrev: 20,
		CCI:             -150,
		MFI:             10,
	}, snap)

	src := &snapshotIndicators{snap: types.SignalSnapshot{StochMain: 1, CCI: 2}}
	c = newController(newPaper(), src, testStrategy())
	snap, err = c.ReadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, src.snap, snap)
	assert.Zero(t, src.calls, "single-pass path used")
}

func TestController_StatusLine(t *testing.T) {
	p := newPaper()
	c := newController(p, neutralIndicators(), testStrategy())
	ctx := context.Background()

	status := c.Tick(ctx, quote("100.00", "100.10"))
	assert.Equal(t, "Profit: 0.00 - Trades: 0 - Score: 0 - In Trade: 0 - Time: 450", status.Line)
	assert.Equal(t, int64(1), status.Ticks)
	assert.Equal(t, "10000.00", status.Balance)

	p.AddForeignPosition(tagged(types.SideLong, "100.00", "98.00", "110.00"))
	p.Observe(quote("100.25", "100.35"))

	status = c.Tick(ctx, quote("100.25", "100.35"))
	assert.Equal(t, "Profit: 0.25 - Trades: 0 - Score: 0 - In Trade: 1 - Time: 450", status.Line)
	assert.True(t, status.InTrade)
	assert.Empty(t, status.LastError)
}
