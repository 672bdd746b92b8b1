package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
)

// TrialRepository implements trial.Repository. Start and end instants are
// stored as text so rows written by other tools in date-only or offset-less
// formats still parse.
type TrialRepository struct {
	store *Store
}

type trialRow struct {
	KeyID        string  `db:"key_id"`
	UsedTokens   int64   `db:"used_tokens"`
	UsedRequests int64   `db:"used_requests"`
	UsedCredits  float64 `db:"used_credits"`
	MaxTokens    int64   `db:"max_tokens"`
	MaxRequests  int64   `db:"max_requests"`
	MaxCredits   float64 `db:"max_credits"`
	StartsAt     string  `db:"starts_at"`
	EndsAt       string  `db:"ends_at"`
}

func (r *TrialRepository) Get(ctx context.Context, keyID string) (*trial.State, error) {
	query := r.store.rebind(`SELECT key_id, used_tokens, used_requests, used_credits,
max_tokens, max_requests, max_credits, starts_at, ends_at
FROM trial_states WHERE key_id = ?`)

	var row trialRow
	err := r.store.db.GetContext(ctx, &row, query, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trial.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trial state: %w", err)
	}

	st := &trial.State{
		KeyID:        row.KeyID,
		UsedTokens:   row.UsedTokens,
		UsedRequests: row.UsedRequests,
		UsedCredits:  row.UsedCredits,
		MaxTokens:    row.MaxTokens,
		MaxRequests:  row.MaxRequests,
		MaxCredits:   row.MaxCredits,
	}
	// An unparseable bound is left zero, which the ledger reads as open-ended.
	st.StartsAt, _ = trial.ParseEnd(row.StartsAt)
	st.EndsAt, _ = trial.ParseEnd(row.EndsAt)
	return st, nil
}

func (r *TrialRepository) Put(ctx context.Context, st *trial.State) error {
	cols := []string{"used_tokens", "used_requests", "used_credits",
		"max_tokens", "max_requests", "max_credits", "starts_at", "ends_at"}
	query := r.store.rebind(`INSERT INTO trial_states (key_id, used_tokens, used_requests, used_credits,
max_tokens, max_requests, max_credits, starts_at, ends_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ` + r.store.dialect.UpsertClause("key_id", cols))

	_, err := r.store.db.ExecContext(ctx, query,
		st.KeyID, st.UsedTokens, st.UsedRequests, st.UsedCredits,
		st.MaxTokens, st.MaxRequests, st.MaxCredits,
		formatInstant(st.StartsAt), formatInstant(st.EndsAt))
	if err != nil {
		return fmt.Errorf("failed to put trial state: %w", err)
	}
	return nil
}

// Add increments the used counters in a single statement so concurrent
// records never lose an update.
func (r *TrialRepository) Add(ctx context.Context, keyID string, tokens, requests int64, credits float64) error {
	query := r.store.rebind(`UPDATE trial_states SET
used_tokens = used_tokens + ?, used_requests = used_requests + ?, used_credits = used_credits + ?
WHERE key_id = ?`)

	res, err := r.store.db.ExecContext(ctx, query, tokens, requests, credits, keyID)
	if err != nil {
		return fmt.Errorf("failed to add trial usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return trial.ErrNotFound
	}
	return nil
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
