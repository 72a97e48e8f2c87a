package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements SessionStore for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds the connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
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

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS simulator_sessions (
    dev_eui        BYTEA PRIMARY KEY,
    name           TEXT NOT NULL DEFAULT '',
    mode           TEXT NOT NULL,
    state          TEXT NOT NULL,
    join_eui       BYTEA NOT NULL,
    dev_addr       BYTEA NOT NULL,
    nwk_s_key      BYTEA NOT NULL,
    app_s_key      BYTEA NOT NULL,
    f_cnt_up       BIGINT NOT NULL DEFAULT 0,
    f_cnt_down     BIGINT NOT NULL DEFAULT 0,
    down_seen      BOOLEAN NOT NULL DEFAULT false,
    dev_nonce      INTEGER NOT NULL DEFAULT 0,
    dr             SMALLINT NOT NULL DEFAULT 0,
    tx_power       SMALLINT NOT NULL DEFAULT 0,
    nb_trans       SMALLINT NOT NULL DEFAULT 1,
    rx1_delay      SMALLINT NOT NULL DEFAULT 1,
    rx1_dr_offset  SMALLINT NOT NULL DEFAULT 0,
    rx2_dr         SMALLINT NOT NULL DEFAULT 0,
    rx2_freq       BIGINT NOT NULL DEFAULT 0,
    battery        SMALLINT NOT NULL DEFAULT 255,
    last_snr       DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE simulator_sessions ADD COLUMN IF NOT EXISTS down_seen BOOLEAN NOT NULL DEFAULT false`

// EnsureSchema creates the sessions table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
