package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

// Journal actions
const (
	ActionOrderSubmitted = "order_submitted"
	ActionStopMoved      = "stop_moved"
	ActionTradeClosed    = "trade_closed"
	ActionVenueError     = "venue_error"
	ActionVenueRecovered = "venue_recovered"
)

const schema = `
CREATE TABLE IF NOT EXISTS controller_trades (
	id             BIGSERIAL PRIMARY KEY,
	tag            BIGINT      NOT NULL,
	symbol         TEXT        NOT NULL,
	side           TEXT        NOT NULL,
	open_price     NUMERIC     NOT NULL,
	lots           NUMERIC     NOT NULL,
	last_profit    NUMERIC     NOT NULL,
	balance_before NUMERIC     NOT NULL,
	balance_after  NUMERIC     NOT NULL,
	scored         BOOLEAN     NOT NULL,
	closed_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS controller_actions (
	id         BIGSERIAL PRIMARY KEY,
	tag        BIGINT      NOT NULL,
	symbol     TEXT        NOT NULL,
	action     TEXT        NOT NULL,
	details    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

const insertTrade = `
	INSERT INTO controller_trades (
		tag, symbol, side, open_price, lots, last_profit,
		balance_before, balance_after, scored, closed_at
	) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10)
`

const insertAction = `
	INSERT INTO controller_actions (tag, symbol, action, details, created_at)
	VALUES ($1, $2, $3, $4, $5)
`

// DB is the part of *pgxpool.Pool the journal uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// entry is one queued write
type entry struct {
	trade   *types.ClosedTrade
	action  string
	details map[string]any
	at      time.Time
}

// Journal records controller events in PostgreSQL from its own goroutine.
// Observer calls only enqueue; a full queue drops the entry with a warning.
type Journal struct {
	db      DB
	logger  *zap.SugaredLogger
	tag     int64
	symbol  string
	timeout time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	closed    bool
	entries   chan entry
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewJournal creates a journal for one controller tag
func NewJournal(db DB, tag int64, symbol string, logger *zap.SugaredLogger) *Journal {
	return &Journal{
		db:      db,
		logger:  logger,
		tag:     tag,
		symbol:  symbol,
		timeout: 10 * time.Second,
		now:     time.Now,
		entries: make(chan entry, 256),
		done:    make(chan struct{}),
	}
}

// EnsureSchema creates the journal tables if they do not exist
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create journal tables")
	}
	return nil
}

// Start launches the writer
func (j *Journal) Start() {
	j.startOnce.Do(func() {
		go j.run()
	})
}

// Close drains queued entries, stops the writer, and closes the pool
func (j *Journal) Close() {
	j.closeOnce.Do(func() {
		j.Start()

		j.mu.Lock()
		j.closed = true
		close(j.entries)
		j.mu.Unlock()

		<-j.done
		j.db.Close()
		j.logger.Infow("[POSTGRES] Journal closed")
	})
}

func (j *Journal) run() {
	defer close(j.done)

	for e := range j.entries {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		var err error
		if e.trade != nil {
			err = j.recordTrade(ctx, e.trade)
		} else {
			err = j.logAction(ctx, e.action, e.details, e.at)
		}
		cancel()

		if err != nil {
			j.logger.Errorw("[POSTGRES] Journal write failed",
				"action", e.action,
				"error", err,
			)
		}
	}
}

func (j *Journal) enqueue(e entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return
	}

	select {
	case j.entries <- e:
	default:
		j.logger.Warnw("[POSTGRES] Journal queue full, dropping entry", "action", e.action)
	}
}

// recordTrade inserts a closed trade
func (j *Journal) recordTrade(ctx context.Context, t *types.ClosedTrade) error {
	_, err := j.db.Exec(ctx, insertTrade,
		t.Tag,
		t.Symbol,
		t.Side.String(),
		t.OpenPrice.String(),
		t.Lots.String(),
		t.LastProfit.String(),
		t.BalanceBefore.String(),
		t.BalanceAfter.String(),
		t.Scored,
		t.ClosedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record trade")
	}

	j.logger.Infow("[POSTGRES] Trade recorded",
		"tag", t.Tag,
		"side", t.Side,
		"scored", t.Scored,
	)
	return nil
}

// logAction inserts an action row with JSON details
func (j *Journal) logAction(ctx context.Context, action string, details map[string]any, at time.Time) error {
	detailsJSON, err := sonic.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "failed to marshal details")
	}

	if _, err := j.db.Exec(ctx, insertAction, j.tag, j.symbol, action, detailsJSON, at); err != nil {
		return errors.Wrapf(err, "failed to log %s", action)
	}
	return nil
}

func (j *Journal) OrderSubmitted(req types.OrderRequest, handle types.Handle) {
	j.enqueue(entry{
		action: ActionOrderSubmitted,
		details: map[string]any{
			"handle":      string(handle),
			"side":        req.Side.String(),
			"lots":        req.Lots.String(),
			"price":       req.Price.String(),
			"stop_loss":   req.StopLoss.String(),
			"take_profit": req.TakeProfit.String(),
			"slippage":    req.Slippage,
		},
		at: j.now(),
	})
}

func (j *Journal) StopMoved(pos types.Position, from, to decimal.Decimal) {
	j.enqueue(entry{
		action: ActionStopMoved,
		details: map[string]any{
			"handle": string(pos.Handle),
			"side":   pos.Side.String(),
			"from":   from.String(),
			"to":     to.String(),
		},
		at: j.now(),
	})
}

func (j *Journal) TradeClosed(trade types.ClosedTrade) {
	j.enqueue(entry{action: ActionTradeClosed, trade: &trade})
}

func (j *Journal) VenueFailed(err *types.VenueError) {
	j.enqueue(entry{
		action: ActionVenueError,
		details: map[string]any{
			"op":    err.Op,
			"code":  err.Code,
			"error": err.Error(),
		},
		at: j.now(),
	})
}

func (j *Journal) VenueRecovered() {
	j.enqueue(entry{
		action:  ActionVenueRecovered,
		details: map[string]any{},
		at:      j.now(),
	})
}
