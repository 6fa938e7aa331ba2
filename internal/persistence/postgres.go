package persistence

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tagtrader/internal/config"
)

// Connect opens a PostgreSQL pool for the trade journal
func Connect(ctx context.Context, cfg config.Postgres, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	connStr := buildConnectionString(cfg)
	logger.Infow("[POSTGRES] Connecting to database", "host", cfg.Host, "db", cfg.Database)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse connection string")
	}

	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	logger.Infow("[POSTGRES] Connected to database")
	return pool, nil
}

// buildConnectionString creates a keyword/value DSN. A readable password file
// (Docker secret) wins over the plain password.
func buildConnectionString(cfg config.Postgres) string {
	password := cfg.Password
	if cfg.PasswordFile != "" {
		if data, err := os.ReadFile(cfg.PasswordFile); err == nil {
			password = strings.TrimSpace(string(data))
		}
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, password, cfg.Database, sslMode,
	)
}
