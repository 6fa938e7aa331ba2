package exchange

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

// maxHistory bounds the emitted mids kept per symbol for kline building
const maxHistory = 20000

type pricePoint struct {
	at  time.Time
	mid float64
}

// MockMarketStreamer implements MarketStreamer with a random-walk quote feed.
// Klines are built from the quotes it has emitted; bars before the first
// quote are synthesized around the first known price.
type MockMarketStreamer struct {
	logger      *zap.SugaredLogger
	mu          sync.RWMutex
	quoteChan   chan types.Quote
	symbols     map[string]bool
	stopChans   map[string]chan struct{}
	priceBase   map[string]float64
	volatility  float64
	spread      decimal.Decimal
	digits      int32
	tickerSpeed time.Duration
	now         func() time.Time
	history     map[string][]pricePoint
	closed      bool
}

// MockStreamerOption configures the mock streamer
type MockStreamerOption func(*MockMarketStreamer)

// WithTickerSpeed sets how often quotes are generated
func WithTickerSpeed(d time.Duration) MockStreamerOption {
	return func(m *MockMarketStreamer) {
		m.tickerSpeed = d
	}
}

// WithVolatility sets price movement volatility (fraction per step)
func WithVolatility(v float64) MockStreamerOption {
	return func(m *MockMarketStreamer) {
		m.volatility = v
	}
}

// WithBasePrice sets the starting mid price for a symbol
func WithBasePrice(symbol string, price float64) MockStreamerOption {
	return func(m *MockMarketStreamer) {
		m.priceBase[symbol] = price
	}
}

// WithSpread sets the ask-bid distance of generated quotes
func WithSpread(spread decimal.Decimal) MockStreamerOption {
	return func(m *MockMarketStreamer) {
		m.spread = spread
	}
}

// WithDigits sets the price precision of generated quotes
func WithDigits(digits int32) MockStreamerOption {
	return func(m *MockMarketStreamer) {
		m.digits = digits
	}
}

// WithStreamerClock sets the clock used to stamp quotes and place bars
func WithStreamerClock(now func() time.Time) MockStreamerOption {
	return func(m *MockMarketStreamer) {
		m.now = now
	}
}

// NewMockMarketStreamer creates a mock market data streamer
func NewMockMarketStreamer(logger *zap.SugaredLogger, opts ...MockStreamerOption) *MockMarketStreamer {
	m := &MockMarketStreamer{
		logger:      logger,
		quoteChan:   make(chan types.Quote, 1000),
		symbols:     make(map[string]bool),
		stopChans:   make(map[string]chan struct{}),
		priceBase:   make(map[string]float64),
		volatility:  0.0005,
		spread:      decimal.RequireFromString("0.10"),
		digits:      2,
		tickerSpeed: 250 * time.Millisecond,
		now:         time.Now,
		history:     make(map[string][]pricePoint),
	}

	for _, opt := range opts {
		opt(m)
	}

	if _, ok := m.priceBase["BTCUSDT"]; !ok {
		m.priceBase["BTCUSDT"] = 65000.0
	}

	return m
}

// Subscribe starts generating quotes for a symbol
func (m *MockMarketStreamer) Subscribe(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("streamer is closed")
	}

	if m.symbols[symbol] {
		return nil
	}

	m.symbols[symbol] = true
	stopChan := make(chan struct{})
	m.stopChans[symbol] = stopChan

	basePrice := m.priceBase[symbol]
	if basePrice == 0 {
		basePrice = 100.0
		m.priceBase[symbol] = basePrice
	}

	go m.generateQuotes(ctx, symbol, basePrice, stopChan)

	m.logger.Infow("[MOCK] Subscribed to symbol", "symbol", symbol)
	return nil
}

// generateQuotes walks the mid price with mean reversion around the base
func (m *MockMarketStreamer) generateQuotes(ctx context.Context, symbol string, basePrice float64, stopChan chan struct{}) {
	ticker := time.NewTicker(m.tickerSpeed)
	defer ticker.Stop()

	mid := basePrice
	direction := 1.0

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-ticker.C:
			mid += mid * m.volatility * direction * rand.Float64()

			if mid > basePrice*1.02 {
				direction = -1.0
			} else if mid < basePrice*0.98 {
				direction = 1.0
			} else if rand.Intn(3) == 0 {
				direction *= -1
			}

			m.emit(m.quoteAt(symbol, mid, m.now()))
		}
	}
}

func (m *MockMarketStreamer) quoteAt(symbol string, mid float64, at time.Time) types.Quote {
	bid := decimal.NewFromFloat(mid).Round(m.digits)
	return types.Quote{
		Symbol: symbol,
		Bid:    bid,
		Ask:    bid.Add(m.spread),
		Time:   at,
	}
}

func (m *MockMarketStreamer) emit(q types.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	at := q.Time
	if at.IsZero() {
		at = m.now()
	}
	points := append(m.history[q.Symbol], pricePoint{
		at:  at,
		mid: q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)).InexactFloat64(),
	})
	if len(points) > maxHistory {
		points = points[len(points)-maxHistory:]
	}
	m.history[q.Symbol] = points

	select {
	case m.quoteChan <- q:
	default:
		// Channel full, drop the quote
	}
}

// Unsubscribe stops generating quotes for a symbol
func (m *MockMarketStreamer) Unsubscribe(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.symbols[symbol] {
		return nil
	}

	if stopChan, ok := m.stopChans[symbol]; ok {
		close(stopChan)
		delete(m.stopChans, symbol)
	}
	delete(m.symbols, symbol)

	m.logger.Infow("[MOCK] Unsubscribed from symbol", "symbol", symbol)
	return nil
}

// Events returns the channel for receiving quotes
func (m *MockMarketStreamer) Events() <-chan types.Quote {
	return m.quoteChan
}

// GetKlines builds bars from the emitted quotes. A bar with quotes takes its
// OHLC from their mids and the quote count as volume; a bar without quotes
// after the first one repeats the last close. Older bars are synthetic.
func (m *MockMarketStreamer) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]types.Kline, error) {
	step, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	anchor := m.priceBase[symbol]
	points := append([]pricePoint(nil), m.history[symbol]...)
	m.mu.RUnlock()

	if len(points) > 0 {
		anchor = points[0].mid
	}
	if anchor == 0 {
		anchor = 100.0
	}

	first := m.now().Truncate(step).Add(-time.Duration(limit-1) * step)

	buckets := make([][]float64, limit)
	lastClose := 0.0
	for _, p := range points {
		if p.at.Before(first) {
			lastClose = p.mid
			continue
		}
		idx := int(p.at.Sub(first) / step)
		if idx >= limit {
			idx = limit - 1
		}
		buckets[idx] = append(buckets[idx], p.mid)
	}

	klines := make([]types.Kline, limit)
	for idx := range klines {
		openTime := first.Add(time.Duration(idx) * step)
		k := types.Kline{
			OpenTime:  openTime.UnixMilli(),
			CloseTime: openTime.Add(step).UnixMilli() - 1,
		}

		switch mids := buckets[idx]; {
		case len(mids) > 0:
			k.Open, k.High, k.Low, k.Close = mids[0], mids[0], mids[0], mids[len(mids)-1]
			for _, mid := range mids {
				k.High = math.Max(k.High, mid)
				k.Low = math.Min(k.Low, mid)
			}
			k.Volume = float64(len(mids))
			lastClose = k.Close
		case lastClose > 0:
			k.Open, k.High, k.Low, k.Close = lastClose, lastClose, lastClose, lastClose
		default:
			synthesizeBar(&k, anchor, limit-1-idx)
		}

		klines[idx] = k
	}

	return klines, nil
}

// synthesizeBar fills a deterministic bar around anchor; i counts back from the newest bar
func synthesizeBar(k *types.Kline, anchor float64, i int) {
	variation := anchor * 0.02 * float64((i*7)%100-50) / 50
	k.Open = anchor + variation
	k.High = k.Open * (1 + 0.005)
	k.Low = k.Open * (1 - 0.005)
	k.Close = k.Open * (1 + 0.002*float64((i*13)%100-50)/50)
	k.Volume = 1000.0 + float64((i*17)%500)
}

// Close stops all quote generators
func (m *MockMarketStreamer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	for symbol, stopChan := range m.stopChans {
		close(stopChan)
		delete(m.stopChans, symbol)
		delete(m.symbols, symbol)
	}

	close(m.quoteChan)
	m.logger.Info("[MOCK] Market streamer closed")
	return nil
}

// InjectQuote pushes a specific quote onto the feed (for testing)
func (m *MockMarketStreamer) InjectQuote(q types.Quote) {
	m.emit(q)
}

// IntervalDuration converts a kline interval such as "15m" to a duration
func IntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, errors.Errorf("unsupported interval %q", interval)
	}
}
