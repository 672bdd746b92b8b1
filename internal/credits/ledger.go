// Package credits keeps the prepaid credit balance of each owner. Calls made
// with non-trial keys are refused once the balance is used up and are charged
// their priced cost after they complete.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// DefaultInitialGrant is the balance opened for a new owner.
const DefaultInitialGrant = 10.0

// ErrNotFound is returned by a Repository for owners without an account.
var ErrNotFound = errors.New("credit account not found")

// Account is an owner's balance. The balance may go below zero when a call
// costs more than what was left; the next call is then refused.
type Account struct {
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	Balance   float64   `db:"balance" json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Repository persists accounts. Adjust must be additive and atomic so
// concurrent deductions never lose an update.
type Repository interface {
	Get(ctx context.Context, ownerID string) (*Account, error)
	// Open creates the account with balance unless one exists already.
	Open(ctx context.Context, ownerID string, balance float64, at time.Time) error
	Adjust(ctx context.Context, ownerID string, delta float64, at time.Time) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithFailureHook is called whenever a deduction fails to persist.
func WithFailureHook(fn func(ownerID string, err error)) Option {
	return func(l *Ledger) {
		l.onFailure = fn
	}
}

// Ledger checks and charges owner balances.
type Ledger struct {
	repo      Repository
	logger    *slog.Logger
	now       func() time.Time
	onFailure func(ownerID string, err error)
}

// NewLedger creates a Ledger over repo.
func NewLedger(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check refuses a call when the owner's balance is zero or negative. Owners
// without an account are not metered. Storage failures admit the call.
func (l *Ledger) Check(ctx context.Context, ownerID string) error {
	acct, err := l.repo.Get(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		l.logger.Error("credit balance lookup failed, admitting",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()))
		return nil
	}
	if acct.Balance <= 0 {
		return domain.ErrInsufficientCredits()
	}
	return nil
}

// Deduct charges amount for a completed call. It never fails the call:
// persistence errors are logged and passed to the failure hook.
func (l *Ledger) Deduct(ctx context.Context, ownerID string, amount float64) {
	if amount <= 0 {
		return
	}
	err := l.repo.Adjust(ctx, ownerID, -amount, l.now().UTC())
	if err == nil || errors.Is(err, ErrNotFound) {
		return
	}
	l.logger.Error("failed to deduct credits",
		slog.String("owner_id", ownerID),
		slog.Float64("amount", amount),
		slog.String("error", err.Error()))
	if l.onFailure != nil {
		l.onFailure(ownerID, err)
	}
}

// Open starts metering ownerID with an initial balance. An existing account
// is left untouched.
func (l *Ledger) Open(ctx context.Context, ownerID string, balance float64) error {
	if err := l.repo.Open(ctx, ownerID, balance, l.now().UTC()); err != nil {
		return fmt.Errorf("open credit account for %s: %w", ownerID, err)
	}
	return nil
}

// TopUp adds amount to the owner's balance, opening the account if needed.
func (l *Ledger) TopUp(ctx context.Context, ownerID string, amount float64) (*Account, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidRequest("amount must be positive").WithParam("amount")
	}
	now := l.now().UTC()
	if err := l.repo.Open(ctx, ownerID, 0, now); err != nil {
		return nil, fmt.Errorf("open credit account for %s: %w", ownerID, err)
	}
	if err := l.repo.Adjust(ctx, ownerID, amount, now); err != nil {
		return nil, fmt.Errorf("top up %s: %w", ownerID, err)
	}
	return l.repo.Get(ctx, ownerID)
}

// Balance returns the owner's account.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (*Account, error) {
	return l.repo.Get(ctx, ownerID)
}
