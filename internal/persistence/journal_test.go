package persistence

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tagtrader/internal/config"
	"tagtrader/internal/types"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu     sync.Mutex
	calls  []execCall
	err    error
	closed bool
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newJournal(db DB) *Journal {
	j := NewJournal(db, 7, "BTCUSDT", zap.NewNop().Sugar())
	j.now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	return j
}

func TestJournal_RecordsTradeAndActions(t *testing.T) {
	db := &fakeDB{}
	j := newJournal(db)
	j.Start()

	closedAt := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	j.OrderSubmitted(types.OrderRequest{
		Side:       types.SideLong,
		Lots:       decimal.RequireFromString("0.01"),
		Price:      decimal.RequireFromString("100.10"),
		StopLoss:   decimal.RequireFromString("99.10"),
		TakeProfit: decimal.RequireFromString("101.10"),
		Tag:        7,
		Slippage:   100,
	}, "PAPER-1")
	j.StopMoved(types.Position{Side: types.SideLong, Handle: "PAPER-1"},
		decimal.RequireFromString("99.10"), decimal.RequireFromString("99.60"))
	j.TradeClosed(types.ClosedTrade{
		Tag:           7,
		Symbol:        "BTCUSDT",
		Side:          types.SideLong,
		OpenPrice:     decimal.RequireFromString("100.10"),
		Lots:          decimal.RequireFromString("0.01"),
		LastProfit:    decimal.RequireFromString("0.01"),
		BalanceBefore: decimal.RequireFromString("10000"),
		BalanceAfter:  decimal.RequireFromString("10000.01"),
		Scored:        true,
		ClosedAt:      closedAt,
	})
	j.VenueFailed(&types.VenueError{Op: types.OpModify, Code: 130, Err: errors.New("invalid stops")})
	j.VenueRecovered()
	j.Close()

	require.True(t, db.closed)
	require.Len(t, db.calls, 5)

	order := db.calls[0]
	assert.Contains(t, order.sql, "INSERT INTO controller_actions")
	assert.Equal(t, int64(7), order.args[0])
	assert.Equal(t, "BTCUSDT", order.args[1])
	assert.Equal(t, ActionOrderSubmitted, order.args[2])

	var details map[string]any
	require.NoError(t, sonic.Unmarshal(order.args[3].([]byte), &details))
	assert.Equal(t, "PAPER-1", details["handle"])
	assert.Equal(t, "long", details["side"])
	assert.Equal(t, "99.1", details["stop_loss"])

	assert.Equal(t, ActionStopMoved, db.calls[1].args[2])

	trade := db.calls[2]
	assert.Contains(t, trade.sql, "INSERT INTO controller_trades")
	assert.Equal(t, []any{
		int64(7), "BTCUSDT", "long", "100.1", "0.01", "0.01", "10000", "10000.01", true, closedAt,
	}, trade.args)

	failure := db.calls[3]
	assert.Equal(t, ActionVenueError, failure.args[2])
	require.NoError(t, sonic.Unmarshal(failure.args[3].([]byte), &details))
	assert.Equal(t, types.OpModify, details["op"])
	assert.EqualValues(t, 130, details["code"])

	assert.Equal(t, ActionVenueRecovered, db.calls[4].args[2])
}

func TestJournal_WriteErrorsDoNotStopTheWriter(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	j := newJournal(db)
	j.Start()

	j.StopMoved(types.Position{}, decimal.Zero, decimal.NewFromInt(1))
	j.StopMoved(types.Position{}, decimal.Zero, decimal.NewFromInt(2))
	j.Close()

	assert.Len(t, db.calls, 2)
}

func TestJournal_IgnoresEventsAfterClose(t *testing.T) {
	db := &fakeDB{}
	j := newJournal(db)
	j.Close()
	j.Close()

	assert.NotPanics(t, func() {
		j.StopMoved(types.Position{}, decimal.Zero, decimal.NewFromInt(1))
	})
	assert.Empty(t, db.calls)
}

func TestJournal_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, newJournal(db).EnsureSchema(context.Background()))
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "CREATE TABLE IF NOT EXISTS controller_trades")
	assert.Contains(t, db.calls[0].sql, "CREATE TABLE IF NOT EXISTS controller_actions")

	db.err = errors.New("permission denied")
	assert.Error(t, newJournal(db).EnsureSchema(context.Background()))
}

func TestBuildConnectionString(t *testing.T) {
	cfg := config.Postgres{
		Host:     "db",
		Port:     "5432",
		User:     "tagtrader",
		Password: "plain",
		Database: "tagtrader",
	}

	dsn := buildConnectionString(cfg)
	assert.Equal(t, "host=db port=5432 user=tagtrader password=plain dbname=tagtrader sslmode=disable", dsn)

	secret := filepath.Join(t.TempDir(), "postgres_password")
	require.NoError(t, os.WriteFile(secret, []byte("from-secret\n"), 0600))
	cfg.PasswordFile = secret
	cfg.SSLMode = "require"

	dsn = buildConnectionString(cfg)
	assert.True(t, strings.Contains(dsn, "password=from-secret "), dsn)
	assert.True(t, strings.HasSuffix(dsn, "sslmode=require"), dsn)

	cfg.PasswordFile = filepath.Join(t.TempDir(), "missing")
	assert.Contains(t, buildConnectionString(cfg), "password=plain ")
}
