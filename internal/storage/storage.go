// Package storage selects the persistence backend for keys, trial state,
// credit balances and usage records.
package storage

import (
	"context"
	"fmt"

	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/credits"
	"github.com/tjfontaine/llm-meter-gateway/internal/storage/memory"
	"github.com/tjfontaine/llm-meter-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

// Backend is the gateway's persistent store.
type Backend interface {
	Keys() credential.Repository
	Trials() trial.Repository
	Usage() usage.Repository
	Credits() credits.Repository

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the backend for driver: "memory", "sqlite" or "pgx".
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "memory":
		return memory.New(), nil
	case "sqlite", "sqlite3", "pgx", "postgres":
		return sqldb.Open(ctx, sqldb.Config{Driver: driver, DSN: dsn})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*sqldb.Store)(nil)
)
