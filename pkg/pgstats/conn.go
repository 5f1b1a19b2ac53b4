package pgstats

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// ConnConfig holds the settings for opening a PostgreSQL pool.
type ConnConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, cfg ConnConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, &ErrConnectionFailed{Reason: "no connection string provided"}
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, &ErrConnectionFailed{Reason: err.Error()}
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &ErrConnectionFailed{Reason: err.Error()}
	}
	return db, nil
}
