package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tagtrader/internal/exchange"
	"tagtrader/internal/types"
)

// StatusObserver receives every published status (metrics gauges)
type StatusObserver interface {
	ObserveStatus(status types.Status)
}

// Engine drives the controller from the market stream using the fan-in pattern.
// Exactly one goroutine runs ticks; readers see the last published Status.
type Engine struct {
	logger      *zap.SugaredLogger
	controller  *Controller
	venue       exchange.Venue
	streamer    exchange.MarketStreamer
	persistence *ReportPersistence
	symbol      string

	statusObservers []StatusObserver
	minInterval     time.Duration
	lastTick        time.Time
	now             func() time.Time

	inputChan chan types.Quote

	mu     sync.RWMutex
	status types.Status

	started     bool
	stopOnce    sync.Once
	stopChan    chan struct{}
	persistStop chan struct{}
	persistDone chan struct{}
	done        chan struct{}
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithMinTickInterval drops ticks that arrive sooner than d after the last one.
// Quotes are still forwarded to the venue observer.
func WithMinTickInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.minInterval = d
	}
}

// WithStatusObservers registers status observers
func WithStatusObservers(observers ...StatusObserver) EngineOption {
	return func(e *Engine) {
		e.statusObservers = append(e.statusObservers, observers...)
	}
}

// WithEngineClock overrides the time source (tests)
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine. persistence may be nil.
func NewEngine(
	controller *Controller,
	venue exchange.Venue,
	streamer exchange.MarketStreamer,
	persistence *ReportPersistence,
	symbol string,
	logger *zap.SugaredLogger,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		logger:      logger,
		controller:  controller,
		venue:       venue,
		streamer:    streamer,
		persistence: persistence,
		symbol:      symbol,
		now:         time.Now,
		inputChan:   make(chan types.Quote, 1000),
		stopChan:    make(chan struct{}),
		persistStop: make(chan struct{}),
		persistDone: make(chan struct{}),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Start runs the startup reconcile, subscribes to the symbol, and launches the loop
func (e *Engine) Start(ctx context.Context) error {
	e.controller.Reconcile(ctx)
	e.publish(e.controller.Status())

	if err := e.streamer.Subscribe(ctx, e.symbol); err != nil {
		return errors.Wrapf(err, "subscribe %s", e.symbol)
	}

	e.started = true
	go func() {
		defer close(e.persistDone)
		if e.persistence != nil {
			e.persistence.StartPeriodicSave(e.Status, e.persistStop)
		}
	}()

	go e.run(ctx)
	go e.forwardStreamerEvents(ctx)

	status := e.Status()
	e.logger.Infow("[ENGINE] Started",
		"symbol", e.symbol,
		"tag", status.Tag,
		"in_trade", status.InTrade,
	)
	return nil
}

// forwardStreamerEvents forwards quotes from the market streamer to the input channel
func (e *Engine) forwardStreamerEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case quote, ok := <-e.streamer.Events():
			if !ok {
				return
			}
			select {
			case e.inputChan <- quote:
			default:
				e.logger.Warnw("[ENGINE] Input channel full, dropping quote")
			}
		}
	}
}

// run is the tick loop
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	e.logger.Infow("[ENGINE] Event loop started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Infow("[ENGINE] Context cancelled, shutting down")
			return
		case <-e.stopChan:
			e.logger.Infow("[ENGINE] Stop signal received")
			return
		case quote := <-e.inputChan:
			e.handleQuote(ctx, quote)
		}
	}
}

// handleQuote processes a single market update
func (e *Engine) handleQuote(ctx context.Context, quote types.Quote) {
	if quote.Symbol != "" && quote.Symbol != e.symbol {
		return
	}

	if obs, ok := e.venue.(exchange.QuoteObserver); ok {
		obs.Observe(quote)
	}

	now := e.now()
	if e.minInterval > 0 && !e.lastTick.IsZero() && now.Sub(e.lastTick) < e.minInterval {
		return
	}
	e.lastTick = now

	e.publish(e.controller.Tick(ctx, quote))
}

// publish stores the status for readers and notifies status observers
func (e *Engine) publish(status types.Status) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()

	for _, obs := range e.statusObservers {
		obs.ObserveStatus(status)
	}

	if e.persistence != nil {
		e.persistence.MarkDirty()
	}
}

// Status returns the last published status
func (e *Engine) Status() types.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Stop halts the loop, waits for an in-flight tick, and writes the final report
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		if !e.started {
			return
		}
		<-e.done

		if err := e.streamer.Unsubscribe(e.symbol); err != nil {
			e.logger.Warnw("[ENGINE] Failed to unsubscribe",
				"symbol", e.symbol,
				"error", err,
			)
		}

		status := e.Status()
		e.logger.Infow("[ENGINE] Stopped",
			"trades", status.ClosedTradeCount,
			"score", status.ScorePoints,
		)

		close(e.persistStop)
		<-e.persistDone
	})
}
