package indicators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

type fakeKlines struct {
	klines []types.Kline
	err    error
	calls  int
	limit  int
}

func (f *fakeKlines) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]types.Kline, error) {
	f.calls++
	f.limit = limit
	return f.klines, f.err
}

func TestService_ValueByKind(t *testing.T) {
	src := &fakeKlines{klines: flatBars(1, 2, 3)}
	params := Params{StochK: 3, StochD: 1, StochSlowing: 1, CCIPeriod: 3, MFIPeriod: 2}
	svc := NewService(src, "BTCUSDT", "15m", params, zap.NewNop().Sugar())

	ctx := context.Background()

	cci, err := svc.Value(ctx, KindCCI, 0)
	require.NoError(t, err)
	assert.InDelta(t, 100, cci, 0.0001)

	mfi, err := svc.Value(ctx, KindMFI, 0)
	require.NoError(t, err)
	assert.InDelta(t, 100, mfi, 0.0001)

	main, err := svc.Value(ctx, KindStochMain, 0)
	require.NoError(t, err)
	assert.InDelta(t, 100, main, 0.0001)

	signal, err := svc.Value(ctx, KindStochSignal, 0)
	require.NoError(t, err)
	assert.InDelta(t, 100, signal, 0.0001)

	_, err = svc.Value(ctx, Kind(42), 0)
	assert.Error(t, err)

	assert.Equal(t, 1, src.calls, "klines should be fetched once within the cache ttl")
	assert.GreaterOrEqual(t, src.limit, 100)
}

func TestService_CacheExpires(t *testing.T) {
	src := &fakeKlines{klines: flatBars(1, 2, 3)}
	now := time.Unix(1_700_000_000, 0)
	svc := NewService(src, "BTCUSDT", "15m", Params{CCIPeriod: 3}, zap.NewNop().Sugar(),
		WithCacheTTL(time.Second),
		WithClock(func() time.Time { return now }),
	)

	ctx := context.Background()
	_, err := svc.Value(ctx, KindCCI, 0)
	require.NoError(t, err)

	now = now.Add(500 * time.Millisecond)
	_, err = svc.Value(ctx, KindCCI, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	now = now.Add(time.Second)
	_, err = svc.Value(ctx, KindCCI, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestService_FetchError(t *testing.T) {
	boom := errors.New("boom")
	src := &fakeKlines{err: boom}
	svc := NewService(src, "BTCUSDT", "15m", Params{CCIPeriod: 3}, zap.NewNop().Sugar())

	_, err := svc.Value(context.Background(), KindCCI, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestService_Snapshot(t *testing.T) {
	src := &fakeKlines{klines: []types.Kline{
		{High: 10, Low: 5, Close: 8, Volume: 10},
		{High: 12, Low: 6, Close: 11, Volume: 10},
		{High: 11, Low: 7, Close: 9, Volume: 10},
		{High: 13, Low: 9, Close: 12, Volume: 10},
	}}
	params := Params{StochK: 3, StochD: 1, StochSlowing: 1, CCIPeriod: 3, MFIPeriod: 2}
	svc := NewService(src, "BTCUSDT", "15m", params, zap.NewNop().Sugar())

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 85.714286, snap.StochMain, 0.0001)
	assert.InDelta(t, 57.142857, snap.StochMainPrev, 0.0001)
	assert.InDelta(t, 85.714286, snap.StochSignal, 0.0001)
	assert.InDelta(t, 57.142857, snap.StochSignalPrev, 0.0001)
	assert.Equal(t, 1, src.calls)

	src.err = errors.New("down")
	svc = NewService(src, "BTCUSDT", "15m", params, zap.NewNop().Sugar())
	_, err = svc.Snapshot(context.Background())
	assert.Error(t, err)
}
