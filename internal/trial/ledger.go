// Package trial tracks cumulative usage of trial keys against their token,
// request, credit and time allotment.
package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// DefaultCreditRate is the credit cost of one token ($20 per million).
const DefaultCreditRate = 0.00002

// ErrNotFound is returned by a Repository for keys without trial state.
var ErrNotFound = errors.New("trial state not found")

// Dimension names the allotment a trial ran out of.
type Dimension string

const (
	DimensionTokens   Dimension = "tokens"
	DimensionRequests Dimension = "requests"
	DimensionCredits  Dimension = "credits"
	DimensionTime     Dimension = "time"
)

// State is a key's trial allotment and what it has consumed so far.
// Used counters only grow.
type State struct {
	KeyID        string    `db:"key_id" json:"key_id"`
	UsedTokens   int64     `db:"used_tokens" json:"used_tokens"`
	UsedRequests int64     `db:"used_requests" json:"used_requests"`
	UsedCredits  float64   `db:"used_credits" json:"used_credits"`
	MaxTokens    int64     `db:"max_tokens" json:"max_tokens"`
	MaxRequests  int64     `db:"max_requests" json:"max_requests"`
	MaxCredits   float64   `db:"max_credits" json:"max_credits"`
	StartsAt     time.Time `db:"starts_at" json:"starts_at"`
	EndsAt       time.Time `db:"ends_at" json:"ends_at"`
}

// Status is the result of Validate.
type Status struct {
	Valid             bool      `json:"valid"`
	Trial             bool      `json:"trial"`
	RemainingTokens   int64     `json:"remaining_tokens"`
	RemainingRequests int64     `json:"remaining_requests"`
	RemainingCredits  float64   `json:"remaining_credits"`
	Expired           bool      `json:"expired"`
	Dimension         Dimension `json:"dimension,omitempty"`
	EndsAt            time.Time `json:"ends_at,omitzero"`
}

// Err returns the caller-facing error for an invalid status.
func (s Status) Err() error {
	if s.Valid {
		return nil
	}
	return domain.ErrTrialExhausted(string(s.Dimension))
}

// Repository persists trial state. Add must be additive and atomic so
// concurrent records never lose an increment.
type Repository interface {
	Get(ctx context.Context, keyID string) (*State, error)
	Put(ctx context.Context, s *State) error
	Add(ctx context.Context, keyID string, tokens, requests int64, credits float64) error
}

// Allotment is what a new trial is granted.
type Allotment struct {
	Duration    time.Duration `koanf:"duration" validate:"gt=0"`
	MaxTokens   int64         `koanf:"max_tokens" validate:"min=0"`
	MaxRequests int64         `koanf:"max_requests" validate:"min=0"`
	MaxCredits  float64       `koanf:"max_credits" validate:"min=0"`
}

// DefaultAllotment is granted to the primary key of a trial owner.
func DefaultAllotment() Allotment {
	return Allotment{
		Duration:    72 * time.Hour,
		MaxTokens:   100000,
		MaxRequests: 1000,
		MaxCredits:  10.0,
	}
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

// WithCreditRate sets the credits charged per token.
func WithCreditRate(rate float64) Option {
	return func(l *Ledger) {
		l.rate = rate
	}
}

// WithFailureHook is called whenever recording usage fails, so operators
// can alert on lost increments.
func WithFailureHook(fn func(keyID string, err error)) Option {
	return func(l *Ledger) {
		l.onFailure = fn
	}
}

// Ledger is the TrialLedger.
type Ledger struct {
	repo      Repository
	logger    *slog.Logger
	now       func() time.Time
	rate      float64
	onFailure func(keyID string, err error)
}

// NewLedger creates a Ledger over repo.
func NewLedger(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		logger: slog.Default(),
		now:    time.Now,
		rate:   DefaultCreditRate,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Validate reports whether a key may make another call. Non-trial keys are
// always valid. For trial keys the first violated condition is reported in
// the order tokens, requests, credits, time. Storage failures admit the call.
func (l *Ledger) Validate(ctx context.Context, keyID string, isTrial bool) Status {
	if !isTrial {
		return Status{Valid: true}
	}

	st, err := l.repo.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.logger.Warn("trial key has no trial state, admitting", slog.String("key_id", keyID))
		} else {
			l.logger.Error("trial state lookup failed, admitting",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()))
		}
		return Status{Valid: true, Trial: true}
	}

	return evaluate(st, l.now())
}

func evaluate(st *State, now time.Time) Status {
	s := Status{
		Valid:             true,
		Trial:             true,
		RemainingTokens:   max(st.MaxTokens-st.UsedTokens, 0),
		RemainingRequests: max(st.MaxRequests-st.UsedRequests, 0),
		RemainingCredits:  max(st.MaxCredits-st.UsedCredits, 0),
		EndsAt:            st.EndsAt,
	}
	s.Expired = !st.EndsAt.IsZero() && !now.Before(st.EndsAt)

	switch {
	case s.RemainingTokens == 0:
		s.Dimension = DimensionTokens
	case s.RemainingRequests == 0:
		s.Dimension = DimensionRequests
	case s.RemainingCredits <= 0:
		s.Dimension = DimensionCredits
	case s.Expired:
		s.Dimension = DimensionTime
	}
	s.Valid = s.Dimension == ""
	return s
}

// Credits returns the credit cost of tokens.
func (l *Ledger) Credits(tokens int64) float64 {
	return float64(tokens) * l.rate
}

// Record adds one call's usage. It never fails the call: persistence errors
// are logged and passed to the failure hook.
func (l *Ledger) Record(ctx context.Context, keyID string, tokens, requests int64) {
	if err := l.repo.Add(ctx, keyID, tokens, requests, l.Credits(tokens)); err != nil {
		l.logger.Error("failed to record trial usage",
			slog.String("key_id", keyID),
			slog.Int64("tokens", tokens),
			slog.Int64("requests", requests),
			slog.String("error", err.Error()))
		if l.onFailure != nil {
			l.onFailure(keyID, err)
		}
	}
}

// Issue starts a trial for keyID.
func (l *Ledger) Issue(ctx context.Context, keyID string, a Allotment) (*State, error) {
	now := l.now().UTC()
	st := &State{
		KeyID:       keyID,
		MaxTokens:   a.MaxTokens,
		MaxRequests: a.MaxRequests,
		MaxCredits:  a.MaxCredits,
		StartsAt:    now,
		EndsAt:      now.Add(a.Duration),
	}
	if err := l.repo.Put(ctx, st); err != nil {
		return nil, fmt.Errorf("issue trial for %s: %w", keyID, err)
	}
	return st, nil
}

// Status returns the full state alongside its evaluation.
func (l *Ledger) Status(ctx context.Context, keyID string) (*State, Status, error) {
	st, err := l.repo.Get(ctx, keyID)
	if err != nil {
		return nil, Status{}, err
	}
	return st, evaluate(st, l.now()), nil
}

var endLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseEnd parses a stored trial end. A date without a time means the last
// second of that day in UTC; a timestamp without an offset is UTC.
func ParseEnd(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if !strings.ContainsAny(s, "T ") {
		d, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse trial end %q: %w", s, err)
		}
		return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC), nil
	}
	for _, layout := range endLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse trial end %q: unrecognized format", s)
}
