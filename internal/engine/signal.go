package engine

import (
	"github.com/shopspring/decimal"

	"tagtrader/internal/config"
	"tagtrader/internal/types"
)

// EvaluateSignal applies the entry rules to a snapshot. It returns nil when a
// position is already open or neither rule fires.
//
// Both crossover rules compare the previous main line against the current
// signal line.
func EvaluateSignal(pos types.Position, snap types.SignalSnapshot, quote types.Quote, inst types.Instrument, s config.Strategy) *types.OrderRequest {
	if pos.IsOpen() {
		return nil
	}

	var side types.Side
	switch {
	case longFires(snap, s):
		side = types.SideLong
	case shortFires(snap, s):
		side = types.SideShort
	default:
		return nil
	}

	sl := inst.Points(decimal.NewFromInt(s.StopLossPips))
	tp := inst.Points(decimal.NewFromInt(s.TakeProfitPips))

	req := &types.OrderRequest{
		Symbol:   inst.Symbol,
		Side:     side,
		Lots:     s.Lots,
		Tag:      s.Tag,
		Slippage: s.Slippage,
	}

	if side == types.SideLong {
		req.Price = quote.Ask.Round(inst.Digits)
		req.StopLoss = quote.Ask.Sub(sl).Round(inst.Digits)
		req.TakeProfit = quote.Ask.Add(tp).Round(inst.Digits)
	} else {
		req.Price = quote.Bid.Round(inst.Digits)
		req.StopLoss = quote.Bid.Add(sl).Round(inst.Digits)
		req.TakeProfit = quote.Bid.Sub(tp).Round(inst.Digits)
	}

	return req
}

// longFires: bullish crossover with every oscillator oversold
func longFires(snap types.SignalSnapshot, s config.Strategy) bool {
	return snap.StochMain > snap.StochSignal &&
		snap.StochMainPrev < snap.StochSignal &&
		snap.StochMain < s.StochLow &&
		snap.CCI < s.CCILow &&
		snap.MFI < s.MFILow
}

// shortFires: bearish crossover with every oscillator overbought
func shortFires(snap types.SignalSnapshot, s config.Strategy) bool {
	return snap.StochMain < snap.StochSignal &&
		snap.StochMainPrev > snap.StochSignal &&
		snap.StochMain > s.StochHigh &&
		snap.CCI > s.CCIHigh &&
		snap.MFI > s.MFIHigh
}
