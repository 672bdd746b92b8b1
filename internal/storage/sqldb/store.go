// Package sqldb stores keys, trial state, credit balances and usage records
// in SQLite or PostgreSQL through sqlx.
package sqldb

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/credits"
	"github.com/tjfontaine/llm-meter-gateway/internal/storage/dialect"
	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite or pgx
	DSN    string
}

// Store is the SQL backend.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect

	keys   *KeyRepository
	trials *TrialRepository
	usage  *UsageRepository
	credit *CreditRepository
}

// Open connects, applies dialect pragmas and creates missing tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == "sqlite" {
		// One writer keeps SQLite from returning SQLITE_BUSY under load and
		// keeps in-memory databases on a single connection.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.keys = &KeyRepository{store: s}
	s.trials = &TrialRepository{store: s}
	s.usage = &UsageRepository{store: s}
	s.credit = &CreditRepository{store: s}
	return s, nil
}

// NewSQLite opens a SQLite database at path.
func NewSQLite(ctx context.Context, path string) (*Store, error) {
	return Open(ctx, Config{Driver: "sqlite", DSN: path})
}

func (s *Store) Keys() credential.Repository { return s.keys }
func (s *Store) Trials() trial.Repository    { return s.trials }
func (s *Store) Usage() usage.Repository     { return s.usage }
func (s *Store) Credits() credits.Repository { return s.credit }

// DB returns the underlying sqlx.DB.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used.
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	r := strings.NewReplacer(
		"{bool}", s.dialect.BooleanType(),
		"{ts}", s.dialect.TimestampType(),
		"{bigint}", s.dialect.BigIntType(),
		"{real}", s.dialect.RealType(),
	)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
id TEXT PRIMARY KEY,
owner_id TEXT NOT NULL,
name TEXT NOT NULL,
key_hash TEXT NOT NULL UNIQUE,
prefix TEXT NOT NULL,
environment TEXT NOT NULL,
active {bool} NOT NULL,
is_primary {bool} NOT NULL,
is_trial {bool} NOT NULL,
scopes TEXT,
ip_allowlist TEXT,
domains TEXT,
rate_limit TEXT,
requests_used {bigint} NOT NULL DEFAULT 0,
max_requests {bigint},
created_at {ts} NOT NULL,
updated_at {ts} NOT NULL,
expires_at {ts},
last_used_at {ts}
)`,
		`CREATE TABLE IF NOT EXISTS trial_states (
key_id TEXT PRIMARY KEY,
used_tokens {bigint} NOT NULL DEFAULT 0,
used_requests {bigint} NOT NULL DEFAULT 0,
used_credits {real} NOT NULL DEFAULT 0,
max_tokens {bigint} NOT NULL,
max_requests {bigint} NOT NULL,
max_credits {real} NOT NULL,
starts_at TEXT NOT NULL,
ends_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
id TEXT PRIMARY KEY,
request_id TEXT,
key_id TEXT NOT NULL,
owner_id TEXT NOT NULL,
provider TEXT NOT NULL,
model TEXT NOT NULL,
prompt_tokens {bigint} NOT NULL,
completion_tokens {bigint} NOT NULL,
credits {real} NOT NULL,
latency_ms {bigint} NOT NULL,
streamed {bool} NOT NULL,
estimated {bool} NOT NULL,
status {bigint} NOT NULL,
created_at {ts} NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS credit_accounts (
owner_id TEXT PRIMARY KEY,
balance {real} NOT NULL DEFAULT 0,
updated_at {ts} NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_key ON usage_records(key_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_owner ON usage_records(owner_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) rebind(q string) string {
	return s.dialect.Rebind(q)
}
