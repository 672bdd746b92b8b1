package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// KeyRepository implements credential.Repository.
type KeyRepository struct {
	store *Store
}

type keyRow struct {
	ID           string         `db:"id"`
	OwnerID      string         `db:"owner_id"`
	Name         string         `db:"name"`
	KeyHash      string         `db:"key_hash"`
	Prefix       string         `db:"prefix"`
	Environment  string         `db:"environment"`
	Active       bool           `db:"active"`
	IsPrimary    bool           `db:"is_primary"`
	IsTrial      bool           `db:"is_trial"`
	Scopes       sql.NullString `db:"scopes"`
	IPAllowlist  sql.NullString `db:"ip_allowlist"`
	Domains      sql.NullString `db:"domains"`
	RateLimit    sql.NullString `db:"rate_limit"`
	RequestsUsed int64          `db:"requests_used"`
	MaxRequests  sql.NullInt64  `db:"max_requests"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	ExpiresAt    sql.NullTime   `db:"expires_at"`
	LastUsedAt   sql.NullTime   `db:"last_used_at"`
}

const keyColumns = `id, owner_id, name, key_hash, prefix, environment, active, is_primary, is_trial,
scopes, ip_allowlist, domains, rate_limit, requests_used, max_requests,
created_at, updated_at, expires_at, last_used_at`

func toRow(k *credential.Key) (*keyRow, error) {
	row := &keyRow{
		ID:           k.ID,
		OwnerID:      k.OwnerID,
		Name:         k.Name,
		KeyHash:      k.Hash,
		Prefix:       k.Prefix,
		Environment:  string(k.Environment),
		Active:       k.Active,
		IsPrimary:    k.Primary,
		IsTrial:      k.Trial,
		RequestsUsed: k.RequestsUsed,
		CreatedAt:    k.CreatedAt.UTC(),
		UpdatedAt:    k.UpdatedAt.UTC(),
	}

	var err error
	if row.Scopes, err = jsonColumn(k.Scopes, k.Scopes == nil); err != nil {
		return nil, fmt.Errorf("failed to marshal scopes: %w", err)
	}
	if row.IPAllowlist, err = jsonColumn(k.IPAllowlist, len(k.IPAllowlist) == 0); err != nil {
		return nil, fmt.Errorf("failed to marshal ip allow-list: %w", err)
	}
	if row.Domains, err = jsonColumn(k.Domains, len(k.Domains) == 0); err != nil {
		return nil, fmt.Errorf("failed to marshal domains: %w", err)
	}
	if row.RateLimit, err = jsonColumn(k.RateLimit, k.RateLimit == nil); err != nil {
		return nil, fmt.Errorf("failed to marshal rate limit: %w", err)
	}
	if k.MaxRequests != nil {
		row.MaxRequests = sql.NullInt64{Int64: *k.MaxRequests, Valid: true}
	}
	if k.ExpiresAt != nil {
		row.ExpiresAt = sql.NullTime{Time: k.ExpiresAt.UTC(), Valid: true}
	}
	if k.LastUsedAt != nil {
		row.LastUsedAt = sql.NullTime{Time: k.LastUsedAt.UTC(), Valid: true}
	}
	return row, nil
}

func jsonColumn(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (row *keyRow) toKey() (*credential.Key, error) {
	k := &credential.Key{
		ID:           row.ID,
		OwnerID:      row.OwnerID,
		Name:         row.Name,
		Hash:         row.KeyHash,
		Prefix:       row.Prefix,
		Environment:  credential.Environment(row.Environment),
		Active:       row.Active,
		Primary:      row.IsPrimary,
		Trial:        row.IsTrial,
		RequestsUsed: row.RequestsUsed,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}

	if row.Scopes.Valid {
		if err := json.Unmarshal([]byte(row.Scopes.String), &k.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
		}
	}
	if row.IPAllowlist.Valid {
		if err := json.Unmarshal([]byte(row.IPAllowlist.String), &k.IPAllowlist); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ip allow-list: %w", err)
		}
	}
	if row.Domains.Valid {
		if err := json.Unmarshal([]byte(row.Domains.String), &k.Domains); err != nil {
			return nil, fmt.Errorf("failed to unmarshal domains: %w", err)
		}
	}
	if row.RateLimit.Valid {
		var rl domain.RateLimitConfig
		if err := json.Unmarshal([]byte(row.RateLimit.String), &rl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rate limit: %w", err)
		}
		k.RateLimit = &rl
	}
	if row.MaxRequests.Valid {
		m := row.MaxRequests.Int64
		k.MaxRequests = &m
	}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time.UTC()
		k.ExpiresAt = &t
	}
	if row.LastUsedAt.Valid {
		t := row.LastUsedAt.Time.UTC()
		k.LastUsedAt = &t
	}
	return k, nil
}

func (r *KeyRepository) getOne(ctx context.Context, where string, arg any) (*credential.Key, error) {
	query := r.store.rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE ` + where + ` = ?`)

	var row keyRow
	err := r.store.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return row.toKey()
}

func (r *KeyRepository) GetByHash(ctx context.Context, hash string) (*credential.Key, error) {
	return r.getOne(ctx, "key_hash", hash)
}

func (r *KeyRepository) Get(ctx context.Context, id string) (*credential.Key, error) {
	return r.getOne(ctx, "id", id)
}

func (r *KeyRepository) ListByOwner(ctx context.Context, ownerID string) ([]*credential.Key, error) {
	query := r.store.rebind(`SELECT ` + keyColumns + ` FROM api_keys
WHERE owner_id = ? ORDER BY created_at ASC, id ASC`)

	var rows []keyRow
	if err := r.store.db.SelectContext(ctx, &rows, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}

	out := make([]*credential.Key, 0, len(rows))
	for i := range rows {
		k, err := rows[i].toKey()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func (r *KeyRepository) Create(ctx context.Context, k *credential.Key) error {
	row, err := toRow(k)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, r.store.rebind(`SELECT COUNT(*) FROM api_keys WHERE key_hash = ?`), row.KeyHash); err != nil {
			return fmt.Errorf("failed to check key hash: %w", err)
		}
		if n > 0 {
			return credential.ErrDuplicateHash
		}
		if row.IsPrimary {
			if err := r.demote(ctx, tx, row.OwnerID, row.ID); err != nil {
				return err
			}
		}

		query, args, err := sqlx.Named(`INSERT INTO api_keys (`+keyColumns+`) VALUES (
:id, :owner_id, :name, :key_hash, :prefix, :environment, :active, :is_primary, :is_trial,
:scopes, :ip_allowlist, :domains, :rate_limit, :requests_used, :max_requests,
:created_at, :updated_at, :expires_at, :last_used_at)`, row)
		if err != nil {
			return fmt.Errorf("failed to bind api key: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.store.rebind(query), args...); err != nil {
			return fmt.Errorf("failed to create api key: %w", err)
		}
		return nil
	})
}

func (r *KeyRepository) Update(ctx context.Context, k *credential.Key) error {
	row, err := toRow(k)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if row.IsPrimary {
			if err := r.demote(ctx, tx, row.OwnerID, row.ID); err != nil {
				return err
			}
		}

		query, args, err := sqlx.Named(`UPDATE api_keys SET
name = :name, key_hash = :key_hash, prefix = :prefix, environment = :environment,
active = :active, is_primary = :is_primary, is_trial = :is_trial,
scopes = :scopes, ip_allowlist = :ip_allowlist, domains = :domains, rate_limit = :rate_limit,
requests_used = :requests_used, max_requests = :max_requests,
updated_at = :updated_at, expires_at = :expires_at, last_used_at = :last_used_at
WHERE id = :id`, row)
		if err != nil {
			return fmt.Errorf("failed to bind api key: %w", err)
		}
		res, err := tx.ExecContext(ctx, r.store.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("failed to update api key: %w", err)
		}
		return requireRow(res)
	})
}

func (r *KeyRepository) demote(ctx context.Context, tx *sqlx.Tx, ownerID, exceptID string) error {
	query := r.store.rebind(`UPDATE api_keys SET is_primary = ? WHERE owner_id = ? AND id <> ? AND is_primary = ?`)
	if _, err := tx.ExecContext(ctx, query, false, ownerID, exceptID, true); err != nil {
		return fmt.Errorf("failed to clear primary flag: %w", err)
	}
	return nil
}

func (r *KeyRepository) Delete(ctx context.Context, id string) error {
	res, err := r.store.db.ExecContext(ctx, r.store.rebind(`DELETE FROM api_keys WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return requireRow(res)
}

func (r *KeyRepository) NameExists(ctx context.Context, ownerID, name, excludeID string) (bool, error) {
	query := r.store.rebind(`SELECT COUNT(*) FROM api_keys WHERE owner_id = ? AND LOWER(name) = ? AND id <> ?`)

	var n int
	if err := r.store.db.GetContext(ctx, &n, query, ownerID, strings.ToLower(name), excludeID); err != nil {
		return false, fmt.Errorf("failed to check key name: %w", err)
	}
	return n > 0, nil
}

func (r *KeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	res, err := r.store.db.ExecContext(ctx,
		r.store.rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return requireRow(res)
}

func (r *KeyRepository) IncrementRequests(ctx context.Context, id string, n int64) error {
	res, err := r.store.db.ExecContext(ctx,
		r.store.rebind(`UPDATE api_keys SET requests_used = requests_used + ? WHERE id = ?`), n, id)
	if err != nil {
		return fmt.Errorf("failed to count api key request: %w", err)
	}
	return requireRow(res)
}

func (r *KeyRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return credential.ErrNotFound
	}
	return nil
}
