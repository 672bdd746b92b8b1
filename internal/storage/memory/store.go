// Package memory is an in-process storage backend for tests and for
// single-instance deployments that do not need durability.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/credits"
	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

// Store bundles the in-memory repositories.
type Store struct {
	keys   *KeyRepository
	trials *TrialRepository
	usage  *UsageRepository
	credit *CreditRepository
}

// New creates an empty store.
func New() *Store {
	return &Store{
		keys:   NewKeyRepository(),
		trials: NewTrialRepository(),
		usage:  NewUsageRepository(),
		credit: NewCreditRepository(),
	}
}

func (s *Store) Keys() credential.Repository { return s.keys }
func (s *Store) Trials() trial.Repository    { return s.trials }
func (s *Store) Usage() usage.Repository     { return s.usage }
func (s *Store) Credits() credits.Repository { return s.credit }

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// KeyRepository keeps API keys in maps guarded by one lock, so the
// single-primary invariant holds across concurrent writers.
type KeyRepository struct {
	mu     sync.RWMutex
	byID   map[string]*credential.Key
	byHash map[string]string
}

// NewKeyRepository creates an empty key repository.
func NewKeyRepository() *KeyRepository {
	return &KeyRepository{
		byID:   make(map[string]*credential.Key),
		byHash: make(map[string]string),
	}
}

func (r *KeyRepository) GetByHash(_ context.Context, hash string) (*credential.Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHash[hash]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *KeyRepository) Get(_ context.Context, id string) (*credential.Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.byID[id]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return k.Clone(), nil
}

// ListByOwner returns the owner's keys oldest first.
func (r *KeyRepository) ListByOwner(_ context.Context, ownerID string) ([]*credential.Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*credential.Key
	for _, k := range r.byID {
		if k.OwnerID == ownerID {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *KeyRepository) Create(_ context.Context, k *credential.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHash[k.Hash]; exists {
		return credential.ErrDuplicateHash
	}
	if k.Primary {
		r.demote(k.OwnerID, k.ID)
	}
	r.byID[k.ID] = k.Clone()
	r.byHash[k.Hash] = k.ID
	return nil
}

func (r *KeyRepository) Update(_ context.Context, k *credential.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[k.ID]
	if !ok {
		return credential.ErrNotFound
	}
	if k.Primary {
		r.demote(k.OwnerID, k.ID)
	}
	delete(r.byHash, old.Hash)
	r.byID[k.ID] = k.Clone()
	r.byHash[k.Hash] = k.ID
	return nil
}

func (r *KeyRepository) demote(ownerID, exceptID string) {
	for id, other := range r.byID {
		if id != exceptID && other.OwnerID == ownerID && other.Primary {
			other.Primary = false
		}
	}
}

func (r *KeyRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.byID[id]
	if !ok {
		return credential.ErrNotFound
	}
	delete(r.byHash, k.Hash)
	delete(r.byID, id)
	return nil
}

func (r *KeyRepository) NameExists(_ context.Context, ownerID, name, excludeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, k := range r.byID {
		if id != excludeID && k.OwnerID == ownerID && strings.EqualFold(k.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (r *KeyRepository) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.byID[id]
	if !ok {
		return credential.ErrNotFound
	}
	t := at.UTC()
	k.LastUsedAt = &t
	return nil
}

func (r *KeyRepository) IncrementRequests(_ context.Context, id string, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.byID[id]
	if !ok {
		return credential.ErrNotFound
	}
	k.RequestsUsed += n
	return nil
}

// TrialRepository keeps trial state by key id.
type TrialRepository struct {
	mu     sync.Mutex
	states map[string]trial.State
}

// NewTrialRepository creates an empty trial repository.
func NewTrialRepository() *TrialRepository {
	return &TrialRepository{states: make(map[string]trial.State)}
}

func (r *TrialRepository) Get(_ context.Context, keyID string) (*trial.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[keyID]
	if !ok {
		return nil, trial.ErrNotFound
	}
	return &st, nil
}

func (r *TrialRepository) Put(_ context.Context, st *trial.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[st.KeyID] = *st
	return nil
}

func (r *TrialRepository) Add(_ context.Context, keyID string, tokens, requests int64, credits float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[keyID]
	if !ok {
		return trial.ErrNotFound
	}
	st.UsedTokens += tokens
	st.UsedRequests += requests
	st.UsedCredits += credits
	r.states[keyID] = st
	return nil
}

// CreditRepository keeps owner balances.
type CreditRepository struct {
	mu       sync.Mutex
	accounts map[string]credits.Account
}

// NewCreditRepository creates an empty credit repository.
func NewCreditRepository() *CreditRepository {
	return &CreditRepository{accounts: make(map[string]credits.Account)}
}

func (r *CreditRepository) Get(_ context.Context, ownerID string) (*credits.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[ownerID]
	if !ok {
		return nil, credits.ErrNotFound
	}
	return &a, nil
}

func (r *CreditRepository) Open(_ context.Context, ownerID string, balance float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[ownerID]; !ok {
		r.accounts[ownerID] = credits.Account{OwnerID: ownerID, Balance: balance, UpdatedAt: at}
	}
	return nil
}

func (r *CreditRepository) Adjust(_ context.Context, ownerID string, delta float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[ownerID]
	if !ok {
		return credits.ErrNotFound
	}
	a.Balance += delta
	a.UpdatedAt = at
	r.accounts[ownerID] = a
	return nil
}

// UsageRepository is an append-only slice of usage records.
type UsageRepository struct {
	mu      sync.RWMutex
	records []usage.Record
}

// NewUsageRepository creates an empty usage repository.
func NewUsageRepository() *UsageRepository {
	return &UsageRepository{}
}

func (r *UsageRepository) WriteUsage(_ context.Context, rec *usage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, *rec)
	return nil
}

// ListUsage returns matching records newest first.
func (r *UsageRepository) ListUsage(_ context.Context, f usage.Filter) ([]*usage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*usage.Record
	for i := range r.records {
		rec := r.records[i]
		if f.KeyID != "" && rec.KeyID != f.KeyID {
			continue
		}
		if f.OwnerID != "" && rec.OwnerID != f.OwnerID {
			continue
		}
		if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, &rec)
	}
	slices.Reverse(out)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len returns the number of stored usage records.
func (r *UsageRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
