package sqldb

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

// UsageRepository implements usage.Repository over an append-only table.
type UsageRepository struct {
	store *Store
}

func (r *UsageRepository) WriteUsage(ctx context.Context, rec *usage.Record) error {
	stored := *rec
	stored.CreatedAt = rec.CreatedAt.UTC()

	_, err := r.store.db.NamedExecContext(ctx, `INSERT INTO usage_records (
id, request_id, key_id, owner_id, provider, model, prompt_tokens, completion_tokens,
credits, latency_ms, streamed, estimated, status, created_at
) VALUES (
:id, :request_id, :key_id, :owner_id, :provider, :model, :prompt_tokens, :completion_tokens,
:credits, :latency_ms, :streamed, :estimated, :status, :created_at)`, &stored)
	if err != nil {
		return fmt.Errorf("failed to write usage record: %w", err)
	}
	return nil
}

func (r *UsageRepository) ListUsage(ctx context.Context, f usage.Filter) ([]*usage.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.KeyID != "" {
		where = append(where, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}

	var b strings.Builder
	b.WriteString(`SELECT id, COALESCE(request_id, '') AS request_id, key_id, owner_id, provider, model,
prompt_tokens, completion_tokens, credits, latency_ms, streamed, estimated, status, created_at
FROM usage_records`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	var rows []*usage.Record
	if err := r.store.db.SelectContext(ctx, &rows, r.store.rebind(b.String()), args...); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	for _, rec := range rows {
		rec.CreatedAt = rec.CreatedAt.UTC()
	}
	return rows, nil
}
