package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/credits"
)

// CreditRepository implements credits.Repository.
type CreditRepository struct {
	store *Store
}

func (r *CreditRepository) Get(ctx context.Context, ownerID string) (*credits.Account, error) {
	query := r.store.rebind(`SELECT owner_id, balance, updated_at FROM credit_accounts WHERE owner_id = ?`)

	var a credits.Account
	err := r.store.db.GetContext(ctx, &a, query, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (r *CreditRepository) Open(ctx context.Context, ownerID string, balance float64, at time.Time) error {
	query := r.store.rebind(`INSERT INTO credit_accounts (owner_id, balance, updated_at)
VALUES (?, ?, ?) ON CONFLICT (owner_id) DO NOTHING`)

	if _, err := r.store.db.ExecContext(ctx, query, ownerID, balance, at.UTC()); err != nil {
		return fmt.Errorf("failed to open credit account: %w", err)
	}
	return nil
}

// Adjust changes the balance in a single statement so concurrent deductions
// never lose an update.
func (r *CreditRepository) Adjust(ctx context.Context, ownerID string, delta float64, at time.Time) error {
	query := r.store.rebind(`UPDATE credit_accounts SET balance = balance + ?, updated_at = ? WHERE owner_id = ?`)

	res, err := r.store.db.ExecContext(ctx, query, delta, at.UTC(), ownerID)
	if err != nil {
		return fmt.Errorf("failed to adjust credit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return credits.ErrNotFound
	}
	return nil
}
