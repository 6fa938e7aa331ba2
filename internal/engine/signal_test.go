package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagtrader/internal/types"
)

func testInstrument() types.Instrument {
	return types.Instrument{Symbol: "BTCUSDT", Point: d("0.01"), Digits: 2, StopLevel: 50}
}

func TestEvaluateSignal(t *testing.T) {
	s := testStrategy()
	s.StochLow = 30
	s.StochHigh = 70

	tests := []struct {
		name     string
		snap     types.SignalSnapshot
		wantSide types.Side
	}{
		{
			name:     "Bullish cross oversold",
			snap:     types.SignalSnapshot{StochMain: 22, StochMainPrev: 18, StochSignal: 20, CCI: -150, MFI: 10},
			wantSide: types.SideLong,
		},
		{
			name:     "Bearish cross overbought",
			snap:     types.SignalSnapshot{StochMain: 78, StochMainPrev: 82, StochSignal: 80, CCI: 150, MFI: 90},
			wantSide: types.SideShort,
		},
		{
			name:     "Bullish cross but CCI not oversold",
			snap:     types.SignalSnapshot{StochMain: 22, StochMainPrev: 18, StochSignal: 20, CCI: -50, MFI: 10},
			wantSide: types.SideNone,
		},
		{
			name:     "Bullish cross but MFI not oversold",
			snap:     types.SignalSnapshot{StochMain: 22, StochMainPrev: 18, StochSignal: 20, CCI: -150, MFI: 25},
			wantSide: types.SideNone,
		},
		{
			name:     "Bullish cross above stochastic low",
			snap:     types.SignalSnapshot{StochMain: 42, StochMainPrev: 38, StochSignal: 40, CCI: -150, MFI: 10},
			wantSide: types.SideNone,
		},
		{
			name:     "No cross, main already above signal",
			snap:     types.SignalSnapshot{StochMain: 22, StochMainPrev: 21, StochSignal: 20, CCI: -150, MFI: 10},
			wantSide: types.SideNone,
		},
		{
			name:     "Previous main equal to signal is not a cross",
			snap:     types.SignalSnapshot{StochMain: 22, StochMainPrev: 20, StochSignal: 20, CCI: -150, MFI: 10},
			wantSide: types.SideNone,
		},
		{
			name:     "Bearish cross but MFI not overbought",
			snap:     types.SignalSnapshot{StochMain: 78, StochMainPrev: 82, StochSignal: 80, CCI: 150, MFI: 60},
			wantSide: types.SideNone,
		},
		{
			name:     "Neutral readings",
			snap:     types.SignalSnapshot{StochMain: 50, StochMainPrev: 50, StochSignal: 50, StochSignalPrev: 50, MFI: 50},
			wantSide: types.SideNone,
		},
	}

	q := quote("100.00", "100.10")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := EvaluateSignal(types.Position{}, tt.snap, q, testInstrument(), s)
			if tt.wantSide == types.SideNone {
				assert.Nil(t, req)
				return
			}
			require.NotNil(t, req)
			assert.Equal(t, tt.wantSide, req.Side)
		})
	}
}

func TestEvaluateSignal_OrderLevels(t *testing.T) {
	s := testStrategy()
	s.StochLow = 30
	s.StochHigh = 70
	s.TakeProfitPips = 250
	s.StopLossPips = 120

	long := EvaluateSignal(types.Position{},
		types.SignalSnapshot{StochMain: 22, StochMainPrev: 18, StochSignal: 20, CCI: -150, MFI: 10},
		quote("100.00", "100.10"), testInstrument(), s)
	require.NotNil(t, long)
	assert.True(t, long.Price.Equal(d("100.10")))
	assert.True(t, long.StopLoss.Equal(d("98.90")))
	assert.True(t, long.TakeProfit.Equal(d("102.60")))
	assert.Equal(t, "BTCUSDT", long.Symbol)
	assert.Equal(t, s.Tag, long.Tag)
	assert.True(t, long.Lots.Equal(s.Lots))

	short := EvaluateSignal(types.Position{},
		types.SignalSnapshot{StochMain: 78, StochMainPrev: 82, StochSignal: 80, CCI: 150, MFI: 90},
		quote("100.00", "100.10"), testInstrument(), s)
	require.NotNil(t, short)
	assert.True(t, short.Price.Equal(d("100.00")))
	assert.True(t, short.StopLoss.Equal(d("101.20")))
	assert.True(t, short.TakeProfit.Equal(d("97.50")))
}

func TestEvaluateSignal_RoundsToDigits(t *testing.T) {
	s := testStrategy()
	s.StochLow = 30
	inst := types.Instrument{Symbol: "BTCUSDT", Point: d("0.1"), Digits: 1, StopLevel: 5}

	req := EvaluateSignal(types.Position{},
		types.SignalSnapshot{StochMain: 22, StochMainPrev: 18, StochSignal: 20, CCI: -150, MFI: 10},
		quote("50000.03", "50000.17"), inst, s)
	require.NotNil(t, req)
	assert.Equal(t, "50000.2", req.Price.String())
	assert.Equal(t, "49990.2", req.StopLoss.String())
	assert.Equal(t, "50010.2", req.TakeProfit.String())
}

func TestEvaluateSignal_OpenPositionBlocks(t *testing.T) {
	s := testStrategy()
	s.StochLow = 30

	req := EvaluateSignal(types.Position{Side: types.SideShort},
		types.SignalSnapshot{StochMain: 22, StochMainPrev: 18, StochSignal: 20, CCI: -150, MFI: 10},
		quote("100.00", "100.10"), testInstrument(), s)
	assert.Nil(t, req)
}
