package indicators

import (
	"math"

	"tagtrader/internal/types"
)

// Neutral readings returned when there are not enough bars. None of them
// can satisfy an entry threshold.
const (
	NeutralStochastic = 50.0
	NeutralCCI        = 0.0
	NeutralMFI        = 50.0
)

// cciConstant is Lambert's scaling factor
const cciConstant = 0.015

// Bars are passed oldest first. shift counts back from the newest bar, so
// shift 0 is the current (still forming) bar and shift 1 the one before it.

// Stochastic calculates the slow stochastic oscillator on Low/High prices.
// Returns: main (%K smoothed by slowing), signal (SMA of main over d)
func Stochastic(klines []types.Kline, k, d, slowing, shift int) (float64, float64) {
	if k <= 0 || d <= 0 || slowing <= 0 || shift < 0 {
		return NeutralStochastic, NeutralStochastic
	}
	if len(klines) < shift+d+slowing+k-2 {
		return NeutralStochastic, NeutralStochastic
	}

	// Main line values oldest first, ending at shift
	mains := make([]float64, d)
	for i := range mains {
		mains[i] = stochasticMain(klines, k, slowing, shift+d-1-i)
	}

	return mains[d-1], SMA(mains, d)
}

func stochasticMain(klines []types.Kline, k, slowing, shift int) float64 {
	num, den := 0.0, 0.0
	for j := shift; j < shift+slowing; j++ {
		low := lowestLow(klines, j, k)
		num += bar(klines, j).Close - low
		den += highestHigh(klines, j, k) - low
	}
	if den == 0 {
		return 100
	}
	return 100 * num / den
}

// CCI calculates the Commodity Channel Index on typical price
func CCI(klines []types.Kline, period, shift int) float64 {
	if period <= 0 || shift < 0 || len(klines) < shift+period {
		return NeutralCCI
	}

	prices := make([]float64, period)
	for j := 0; j < period; j++ {
		prices[j] = typicalPrice(bar(klines, shift+j))
	}

	mean := average(prices)
	deviation := 0.0
	for _, p := range prices {
		deviation += math.Abs(p - mean)
	}
	deviation /= float64(period)

	if deviation == 0 {
		return NeutralCCI
	}
	return (prices[0] - mean) / (cciConstant * deviation)
}

// MFI calculates the Money Flow Index
func MFI(klines []types.Kline, period, shift int) float64 {
	if period <= 0 || shift < 0 || len(klines) < shift+period+1 {
		return NeutralMFI
	}

	positive, negative := 0.0, 0.0
	for j := shift; j < shift+period; j++ {
		cur := typicalPrice(bar(klines, j))
		prev := typicalPrice(bar(klines, j+1))
		flow := cur * bar(klines, j).Volume

		switch {
		case cur > prev:
			positive += flow
		case cur < prev:
			negative += flow
		}
	}

	if negative == 0 {
		return 100
	}
	return 100 - 100/(1+positive/negative)
}

// SMA calculates the Simple Moving Average of the last period values
func SMA(values []float64, period int) float64 {
	if len(values) < period {
		return average(values)
	}
	return average(values[len(values)-period:])
}

// Helper functions

func bar(klines []types.Kline, shift int) types.Kline {
	return klines[len(klines)-1-shift]
}

func typicalPrice(k types.Kline) float64 {
	return (k.High + k.Low + k.Close) / 3
}

func lowestLow(klines []types.Kline, shift, period int) float64 {
	low := math.Inf(1)
	for j := shift; j < shift+period; j++ {
		low = math.Min(low, bar(klines, j).Low)
	}
	return low
}

func highestHigh(klines []types.Kline, shift, period int) float64 {
	high := math.Inf(-1)
	for j := shift; j < shift+period; j++ {
		high = math.Max(high, bar(klines, j).High)
	}
	return high
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
