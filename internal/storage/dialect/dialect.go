// Package dialect hides the SQL differences between the supported databases.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// DriverName returns the database/sql driver name to open.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	BooleanType() string
	TimestampType() string
	BigIntType() string
	RealType() string

	// UpsertClause returns the ON CONFLICT clause that overwrites
	// updateColumns when conflictColumn already exists.
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements run once after the connection is opened.
	PragmaStatements() []string
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return &sqliteDialect{}, nil
	case Postgres:
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a configured storage driver.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "pgx":
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type sqliteDialect struct{}

func (d *sqliteDialect) Name() string           { return "sqlite" }
func (d *sqliteDialect) DriverName() string     { return "sqlite" }
func (d *sqliteDialect) Rebind(q string) string { return q }
func (d *sqliteDialect) BooleanType() string    { return "INTEGER" }
func (d *sqliteDialect) TimestampType() string  { return "TIMESTAMP" }
func (d *sqliteDialect) BigIntType() string     { return "INTEGER" }
func (d *sqliteDialect) RealType() string       { return "REAL" }

func (d *sqliteDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", conflictColumn)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s=excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictColumn, strings.Join(updates, ", "))
}

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
}

type postgresDialect struct{}

func (d *postgresDialect) Name() string          { return "postgres" }
func (d *postgresDialect) DriverName() string    { return "pgx" }
func (d *postgresDialect) BooleanType() string   { return "BOOLEAN" }
func (d *postgresDialect) TimestampType() string { return "TIMESTAMP WITH TIME ZONE" }
func (d *postgresDialect) BigIntType() string    { return "BIGINT" }
func (d *postgresDialect) RealType() string      { return "DOUBLE PRECISION" }

// Rebind converts ? placeholders to $1, $2, ... outside of quoted literals.
func (d *postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	idx := 1
	quoted := false
	for _, ch := range query {
		switch {
		case ch == '\'':
			quoted = !quoted
			b.WriteRune(ch)
		case ch == '?' && !quoted:
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(idx))
			idx++
		default:
			b.WriteRune(ch)
		}
	}
	return b.String()
}

func (d *postgresDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumn)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(updates, ", "))
}

func (d *postgresDialect) PragmaStatements() []string {
	return nil
}
