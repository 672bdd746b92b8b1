package dialect

import (
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		dialectType DialectType
		wantName    string
		wantErr     bool
	}{
		{"sqlite", SQLite, "sqlite", false},
		{"postgres", Postgres, "postgres", false},
		{"mysql", DialectType("mysql"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.dialectType)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantDriver string
		wantErr    bool
	}{
		{"sqlite", "sqlite", "sqlite", false},
		{"SQLite3", "sqlite", "sqlite", false},
		{"postgres", "postgres", "pgx", false},
		{"pgx", "postgres", "pgx", false},
		{"memory", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
			if d.DriverName() != tt.wantDriver {
				t.Errorf("DriverName() = %v, want %v", d.DriverName(), tt.wantDriver)
			}
		})
	}
}

func TestSQLiteDialect_Rebind(t *testing.T) {
	d := &sqliteDialect{}
	query := "SELECT * FROM api_keys WHERE id = ? AND owner_id = ?"
	if got := d.Rebind(query); got != query {
		t.Errorf("Rebind() = %v, want %v", got, query)
	}
}

func TestPostgresDialect_Rebind(t *testing.T) {
	d := &postgresDialect{}
	tests := []struct {
		query string
		want  string
	}{
		{"SELECT * FROM api_keys WHERE id = ?", "SELECT * FROM api_keys WHERE id = $1"},
		{"UPDATE t SET a = a + ?, b = ? WHERE id = ?", "UPDATE t SET a = a + $1, b = $2 WHERE id = $3"},
		{"SELECT '?' FROM t WHERE id = ?", "SELECT '?' FROM t WHERE id = $1"},
		{"SELECT * FROM api_keys", "SELECT * FROM api_keys"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := d.Rebind(tt.query); got != tt.want {
				t.Errorf("Rebind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpsertClause(t *testing.T) {
	tests := []struct {
		name string
		d    Dialect
		cols []string
		want string
	}{
		{"sqlite update", &sqliteDialect{}, []string{"a", "b"}, "ON CONFLICT(key_id) DO UPDATE SET a=excluded.a, b=excluded.b"},
		{"sqlite nothing", &sqliteDialect{}, nil, "ON CONFLICT(key_id) DO NOTHING"},
		{"postgres update", &postgresDialect{}, []string{"a"}, "ON CONFLICT (key_id) DO UPDATE SET a = EXCLUDED.a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.UpsertClause("key_id", tt.cols); got != tt.want {
				t.Errorf("UpsertClause() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestColumnTypes(t *testing.T) {
	pg := &postgresDialect{}
	if pg.BooleanType() != "BOOLEAN" || pg.BigIntType() != "BIGINT" || pg.RealType() != "DOUBLE PRECISION" {
		t.Errorf("postgres types = %s/%s/%s", pg.BooleanType(), pg.BigIntType(), pg.RealType())
	}
	lite := &sqliteDialect{}
	if lite.BooleanType() != "INTEGER" || len(lite.PragmaStatements()) == 0 {
		t.Errorf("sqlite BooleanType = %s, pragmas = %v", lite.BooleanType(), lite.PragmaStatements())
	}
}
