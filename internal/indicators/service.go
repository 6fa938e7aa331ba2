package indicators

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

// Kind selects one of the oscillator lines the service can read
type Kind int

const (
	KindStochMain Kind = iota
	KindStochSignal
	KindCCI
	KindMFI
)

func (k Kind) String() string {
	switch k {
	case KindStochMain:
		return "stoch_main"
	case KindStochSignal:
		return "stoch_signal"
	case KindCCI:
		return "cci"
	case KindMFI:
		return "mfi"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Params holds the period settings for every oscillator
type Params struct {
	StochK       int
	StochD       int
	StochSlowing int
	CCIPeriod    int
	MFIPeriod    int
}

// bars returns how many klines are needed to read every line at shift 1
func (p Params) bars() int {
	need := p.StochK + p.StochD + p.StochSlowing
	if n := p.CCIPeriod + 1; n > need {
		need = n
	}
	if n := p.MFIPeriod + 2; n > need {
		need = n
	}
	return need
}

// KlineSource provides historical bars for a symbol
type KlineSource interface {
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]types.Kline, error)
}

// Service computes oscillator values from klines fetched on demand.
// It is not safe for concurrent use; the engine reads it from the tick loop.
type Service struct {
	source   KlineSource
	symbol   string
	interval string
	params   Params
	limit    int
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.SugaredLogger

	klines    []types.Kline
	fetchedAt time.Time
}

// ServiceOption configures the indicator service
type ServiceOption func(*Service)

// WithCacheTTL sets how long fetched klines are reused
func WithCacheTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.ttl = d
	}
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithLimit sets the number of bars requested per fetch
func WithLimit(n int) ServiceOption {
	return func(s *Service) {
		s.limit = n
	}
}

// NewService creates a kline-backed indicator service
func NewService(source KlineSource, symbol, interval string, params Params, logger *zap.SugaredLogger, opts ...ServiceOption) *Service {
	s := &Service{
		source:   source,
		symbol:   symbol,
		interval: interval,
		params:   params,
		ttl:      time.Second,
		now:      time.Now,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	if need := params.bars() * 2; s.limit < need {
		s.limit = max(need, 100)
	}

	return s
}

// Value returns the reading of kind at bar shift
func (s *Service) Value(ctx context.Context, kind Kind, shift int) (float64, error) {
	klines, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	p := s.params
	switch kind {
	case KindStochMain:
		main, _ := Stochastic(klines, p.StochK, p.StochD, p.StochSlowing, shift)
		return main, nil
	case KindStochSignal:
		_, signal := Stochastic(klines, p.StochK, p.StochD, p.StochSlowing, shift)
		return signal, nil
	case KindCCI:
		return CCI(klines, p.CCIPeriod, shift), nil
	case KindMFI:
		return MFI(klines, p.MFIPeriod, shift), nil
	default:
		return 0, errors.Errorf("unknown indicator kind %s", kind)
	}
}

// load returns cached klines, refetching once the cache expires
func (s *Service) load(ctx context.Context) ([]types.Kline, error) {
	now := s.now()
	if s.klines != nil && now.Sub(s.fetchedAt) < s.ttl {
		return s.klines, nil
	}

	klines, err := s.source.GetKlines(ctx, s.symbol, s.interval, s.limit)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch klines for %s", s.symbol)
	}

	s.klines = klines
	s.fetchedAt = now

	s.logger.Debugw("[INDICATORS] Klines refreshed",
		"symbol", s.symbol,
		"interval", s.interval,
		"bars", len(klines),
	)
	return klines, nil
}

// Snapshot reads every line the entry rules need from a single kline load
func (s *Service) Snapshot(ctx context.Context) (types.SignalSnapshot, error) {
	klines, err := s.load(ctx)
	if err != nil {
		return types.SignalSnapshot{}, err
	}

	p := s.params
	main, signal := Stochastic(klines, p.StochK, p.StochD, p.StochSlowing, 0)
	mainPrev, signalPrev := Stochastic(klines, p.StochK, p.StochD, p.StochSlowing, 1)

	return types.SignalSnapshot{
		StochMain:       main,
		StochMainPrev:   mainPrev,
		StochSignal:     signal,
		StochSignalPrev: signalPrev,
		CCI:             CCI(klines, p.CCIPeriod, 0),
		MFI:             MFI(klines, p.MFIPeriod, 0),
	}, nil
}
