package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tagtrader/internal/config"
	"tagtrader/internal/engine"
	"tagtrader/internal/exchange"
	"tagtrader/internal/indicators"
	"tagtrader/internal/metrics"
	"tagtrader/internal/notify"
	"tagtrader/internal/persistence"
	"tagtrader/internal/status"
	"tagtrader/internal/types"
)

// Live quotes arrive on every book change; the controller does not need more
// than one pass per second.
const liveTickInterval = time.Second

func main() {
	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			func(log *zap.Logger) *zap.SugaredLogger { return log.Sugar() },
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))}
		}),
		marketModule(),
		observerModule(),
		engineModule(),
		fx.Invoke(runServer),
	)
	app.Run()
}

// newLogger builds a production logger, or a development one at debug level
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	if level == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func marketModule() fx.Option {
	return fx.Module("market",
		fx.Provide(
			newVenue,
			newStreamer,
			func(cfg *config.Config, streamer exchange.MarketStreamer, logger *zap.SugaredLogger) *indicators.Service {
				return indicators.NewService(streamer, cfg.Symbol, cfg.Timeframe, cfg.Strategy.IndicatorParams(), logger)
			},
		),
	)
}

func newVenue(lc fx.Lifecycle, cfg *config.Config, logger *zap.SugaredLogger) exchange.Venue {
	var venue exchange.Venue
	if cfg.MockMode {
		logger.Infow("Running in MOCK MODE - no real trades will be executed")
		venue = exchange.NewPaperVenue(logger,
			exchange.WithBalance(cfg.Paper.Balance),
			exchange.WithCommission(cfg.Paper.Commission),
			exchange.WithInstrument(types.Instrument{
				Symbol:    cfg.Symbol,
				Point:     cfg.Paper.Point,
				Digits:    cfg.Paper.Digits,
				StopLevel: cfg.Paper.StopLevel,
			}),
		)
	} else {
		opts := []exchange.BinanceOption{exchange.WithStopLevel(cfg.Binance.StopLevel)}
		if cfg.Binance.BaseURL != "" {
			opts = append(opts, exchange.WithBaseURL(cfg.Binance.BaseURL))
		}
		venue = exchange.NewBinanceFutures(cfg.Binance.APIKey, cfg.Binance.SecretKey, cfg.Symbol, logger, opts...)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := venue.Close(); err != nil {
				logger.Errorw("Error closing venue", "error", err)
			}
			return nil
		},
	})
	return venue
}

func newStreamer(lc fx.Lifecycle, cfg *config.Config, logger *zap.SugaredLogger) exchange.MarketStreamer {
	var streamer exchange.MarketStreamer
	if cfg.MockMode {
		streamer = exchange.NewMockMarketStreamer(logger, exchange.WithDigits(cfg.Paper.Digits))
	} else {
		streamer = exchange.NewBinanceStreamer(logger)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := streamer.Close(); err != nil {
				logger.Errorw("Error closing streamer", "error", err)
			}
			return nil
		},
	})
	return streamer
}

func observerModule() fx.Option {
	return fx.Module("observers",
		fx.Provide(
			func(cfg *config.Config) *metrics.Metrics {
				return metrics.New(cfg.Strategy.Tag, cfg.Symbol)
			},
			newNotifier,
			newJournal,
			func(m *metrics.Metrics, tg *notify.Telegram, j *persistence.Journal) engine.Observers {
				observers := engine.Observers{m}
				if tg != nil {
					observers = append(observers, tg)
				}
				if j != nil {
					observers = append(observers, j)
				}
				return observers
			},
		),
	)
}

func newNotifier(lc fx.Lifecycle, cfg *config.Config, logger *zap.SugaredLogger) *notify.Telegram {
	tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Strategy.Tag, cfg.Symbol, logger)
	if err != nil {
		// Notifications are optional; keep trading without them
		logger.Warnw("[TELEGRAM] Notifier unavailable", "error", err)
		return nil
	}
	if tg == nil {
		return nil
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			tg.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			tg.Close()
			return nil
		},
	})
	return tg
}

func newJournal(lc fx.Lifecycle, cfg *config.Config, logger *zap.SugaredLogger) (*persistence.Journal, error) {
	if !cfg.JournalEnabled() {
		logger.Infow("[POSTGRES] Trade journal disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := persistence.Connect(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, err
	}

	journal := persistence.NewJournal(pool, cfg.Strategy.Tag, cfg.Symbol, logger)
	if err := journal.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			journal.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			journal.Close()
			return nil
		},
	})
	return journal, nil
}

func engineModule() fx.Option {
	return fx.Module("engine",
		fx.Provide(
			newController,
			func(cfg *config.Config, logger *zap.SugaredLogger) *engine.ReportPersistence {
				return engine.NewReportPersistence(cfg.ReportFile, cfg.SaveEvery, logger)
			},
			newEngine,
			func(cfg *config.Config, eng *engine.Engine, m *metrics.Metrics, logger *zap.SugaredLogger) *status.Server {
				return status.NewServer(fmt.Sprintf(":%d", cfg.Port), eng, m.Handler(), logger)
			},
		),
	)
}

func newController(
	cfg *config.Config,
	venue exchange.Venue,
	source *indicators.Service,
	observers engine.Observers,
	logger *zap.SugaredLogger,
) (*engine.Controller, error) {
	timeframe, err := exchange.IntervalDuration(cfg.Timeframe)
	if err != nil {
		return nil, errors.Wrapf(err, "timeframe %s", cfg.Timeframe)
	}

	return engine.NewController(venue, source, cfg.Strategy, cfg.Symbol, timeframe, logger,
		engine.WithObservers(observers...),
	), nil
}

func newEngine(
	cfg *config.Config,
	controller *engine.Controller,
	venue exchange.Venue,
	streamer exchange.MarketStreamer,
	report *engine.ReportPersistence,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *engine.Engine {
	previous, err := report.Previous(cfg.ResetReport)
	if err != nil {
		logger.Warnw("[ENGINE] Could not read previous report", "file", report.FilePath(), "error", err)
	} else if previous != nil {
		logger.Infow("[ENGINE] Previous run",
			"trades", previous.Status.ClosedTradeCount,
			"score", previous.Status.ScorePoints,
			"saved_at", previous.SavedAt,
		)
	}

	opts := []engine.EngineOption{engine.WithStatusObservers(m)}
	if !cfg.MockMode {
		opts = append(opts, engine.WithMinTickInterval(liveTickInterval))
	}

	return engine.NewEngine(controller, venue, streamer, report, cfg.Symbol, logger, opts...)
}

// runServer starts the engine and status server and stops them in reverse order.
// Components registered earlier (venue, streamer, journal, notifier) are closed
// by fx after these hooks.
func runServer(lc fx.Lifecycle, cfg *config.Config, eng *engine.Engine, srv *status.Server, logger *zap.SugaredLogger) {
	// Hook contexts expire with the start timeout, so the loop gets its own
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Infow("Starting tagtrader",
				"tag", cfg.Strategy.Tag,
				"symbol", cfg.Symbol,
				"timeframe", cfg.Timeframe,
				"mock_mode", cfg.MockMode,
				"port", cfg.Port,
			)

			if err := eng.Start(runCtx); err != nil {
				return errors.Wrap(err, "failed to start engine")
			}
			if err := srv.Start(runCtx); err != nil {
				eng.Stop()
				return err
			}

			logger.Infow("tagtrader is running", "http_endpoint", fmt.Sprintf("http://127.0.0.1:%d", cfg.Port))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				logger.Errorw("Error stopping status server", "error", err)
			}

			eng.Stop()
			cancel()

			final := eng.Status()
			logger.Infow("tagtrader stopped gracefully",
				"trades", final.ClosedTradeCount,
				"score", final.ScorePoints,
			)
			return nil
		},
	})
}
