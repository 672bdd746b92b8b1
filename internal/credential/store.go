package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// Sentinel causes attached to the APIErrors returned by Validate.
var (
	ErrInactive     = errors.New("api key is inactive")
	ErrExpired      = errors.New("api key has expired")
	ErrRequestCap   = errors.New("api key request limit reached")
	ErrIPDenied     = errors.New("client ip not in allow-list")
	ErrDomainDenied = errors.New("referer not in allow-list")
	ErrNameTaken    = errors.New("key name already in use")
	ErrLastPrimary  = errors.New("owner has no other active key to promote")
)

// Origin describes where a request came from, for allow-list checks.
type Origin struct {
	ClientIP string
	Referer  string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithTouchTimeout bounds the background last-used update.
func WithTouchTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.touchTimeout = d
	}
}

// Store is the CredentialStore. It is the only writer of key records.
type Store struct {
	repo         Repository
	hasher       *Hasher
	logger       *slog.Logger
	now          func() time.Time
	touchTimeout time.Duration

	lookups singleflight.Group
	touches sync.WaitGroup
}

// NewStore creates a Store backed by repo. salt must be at least
// MinSaltLength characters.
func NewStore(repo Repository, salt string, opts ...Option) (*Store, error) {
	hasher, err := NewHasher(salt)
	if err != nil {
		return nil, err
	}

	s := &Store{
		repo:         repo,
		hasher:       hasher,
		logger:       slog.Default(),
		now:          time.Now,
		touchTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Hasher exposes the store's hasher.
func (s *Store) Hasher() *Hasher {
	return s.hasher
}

// Validate authenticates a secret and returns its context. Checks run in a
// fixed order: lookup, active, expiry, request cap, IP, domain. A successful
// validation schedules a last-used update that never affects the caller.
func (s *Store) Validate(ctx context.Context, secret string, origin Origin) (*KeyContext, error) {
	if secret == "" {
		return nil, domain.ErrAuthentication("missing API key")
	}

	hash := s.hasher.Hash(secret)
	v, err, _ := s.lookups.Do(hash, func() (any, error) {
		return s.repo.GetByHash(context.WithoutCancel(ctx), hash)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, domain.ErrAuthentication("invalid API key").WithCause(ErrNotFound)
		}
		return nil, domain.ErrInternal(fmt.Errorf("lookup api key: %w", err)).
			WithStatusCode(http.StatusServiceUnavailable)
	}
	k := v.(*Key).Clone()

	now := s.now()
	switch {
	case !k.Active:
		return nil, domain.ErrAuthentication("API key is inactive").
			WithCode(domain.ErrorCodeKeyInactive).
			WithCause(ErrInactive)
	case k.Expired(now):
		return nil, domain.ErrAuthentication("API key has expired").
			WithCode(domain.ErrorCodeKeyExpired).
			WithCause(ErrExpired)
	case k.MaxRequests != nil && k.RequestsUsed >= *k.MaxRequests:
		return nil, domain.ErrAuthorization(domain.ErrorCodeRequestCapReached, "API key request limit reached").
			WithCause(ErrRequestCap)
	case !ipAllowed(origin.ClientIP, k.IPAllowlist):
		return nil, domain.ErrAuthorization(domain.ErrorCodeIPDenied, "client IP is not allowed for this key").
			WithCause(ErrIPDenied)
	case !domainAllowed(origin.Referer, k.Domains):
		return nil, domain.ErrAuthorization(domain.ErrorCodeDomainDenied, "referer domain is not allowed for this key").
			WithCause(ErrDomainDenied)
	}

	s.touch(k.ID, now)
	return newKeyContext(k), nil
}

func (s *Store) touch(id string, at time.Time) {
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.touchTimeout)
		defer cancel()
		if err := s.repo.TouchLastUsed(ctx, id, at); err != nil {
			s.logger.Warn("failed to update key last-used timestamp",
				slog.String("key_id", id),
				slog.String("error", err.Error()))
		}
	}()
}

// CreateParams describes a new key.
type CreateParams struct {
	OwnerID     string
	Name        string
	Environment Environment
	// Scopes nil means DefaultScopes.
	Scopes      Scopes
	RateLimit   *domain.RateLimitConfig
	IPAllowlist []string
	Domains     []string
	MaxRequests *int64
	// ExpiresIn zero means the key never expires.
	ExpiresIn time.Duration
	Primary   bool
	Trial     bool
}

// Create issues a new key and returns its secret. The secret is not
// recoverable afterwards. An owner's first key is always primary.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, *KeyContext, error) {
	name := strings.TrimSpace(p.Name)
	if p.OwnerID == "" {
		return "", nil, domain.ErrInvalidRequest("owner_id is required").WithParam("owner_id")
	}
	if name == "" {
		return "", nil, domain.ErrInvalidRequest("name is required").WithParam("name")
	}
	env, err := ParseEnvironment(string(p.Environment))
	if err != nil {
		return "", nil, domain.ErrInvalidRequest(err.Error()).WithParam("environment")
	}
	if err := s.validateShape(p.Scopes, p.IPAllowlist); err != nil {
		return "", nil, err
	}
	if err := s.checkName(ctx, p.OwnerID, name, ""); err != nil {
		return "", nil, err
	}

	existing, err := s.repo.ListByOwner(ctx, p.OwnerID)
	if err != nil {
		return "", nil, domain.ErrInternal(fmt.Errorf("list owner keys: %w", err))
	}
	primary := p.Primary || !hasActivePrimary(existing)

	scopes := p.Scopes
	if scopes == nil || primary {
		scopes = DefaultScopes()
	}

	secret, err := GenerateSecret(env)
	if err != nil {
		return "", nil, domain.ErrInternal(err)
	}

	now := s.now().UTC()
	k := &Key{
		ID:          uuid.NewString(),
		OwnerID:     p.OwnerID,
		Name:        name,
		Hash:        s.hasher.Hash(secret),
		Prefix:      DisplayPrefix(secret),
		Environment: env,
		Active:      true,
		Primary:     primary,
		Trial:       p.Trial && primary,
		Scopes:      scopes,
		IPAllowlist: p.IPAllowlist,
		Domains:     p.Domains,
		RateLimit:   p.RateLimit,
		MaxRequests: p.MaxRequests,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ExpiresIn > 0 {
		exp := now.Add(p.ExpiresIn)
		k.ExpiresAt = &exp
	}

	if err := s.repo.Create(ctx, k); err != nil {
		return "", nil, domain.ErrInternal(fmt.Errorf("create api key: %w", err))
	}

	s.logger.Info("api key created",
		slog.String("key_id", k.ID),
		slog.String("owner_id", k.OwnerID),
		slog.String("prefix", k.Prefix),
		slog.Bool("primary", k.Primary))

	return secret, newKeyContext(k), nil
}

// Patch lists the mutable fields of a key. Nil fields are left unchanged.
type Patch struct {
	Name        *string
	Scopes      *Scopes
	RateLimit   *domain.RateLimitConfig
	IPAllowlist *[]string
	Domains     *[]string
	// MaxRequests below zero removes the cap.
	MaxRequests *int64
	// ExpiresIn at or below zero removes the expiry.
	ExpiresIn *time.Duration
	Active    *bool
	// Primary true promotes the key; false is ignored.
	Primary *bool
}

// Update applies a patch. A rename to the key's current name is always
// allowed. The patch is validated in full before anything is written.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*KeyContext, error) {
	k, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	active := k.Active
	if p.Active != nil {
		active = *p.Active
	}
	deactivate := k.Active && !active
	promote := p.Primary != nil && *p.Primary
	if promote && !active {
		return nil, domain.ErrInvalidRequest("an inactive key cannot be primary").WithParam("primary")
	}

	var name string
	if p.Name != nil {
		name = strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, domain.ErrInvalidRequest("name must not be empty").WithParam("name")
		}
		if err := s.checkName(ctx, k.OwnerID, name, k.ID); err != nil {
			return nil, err
		}
	}

	var scopes Scopes
	if p.Scopes != nil {
		scopes = *p.Scopes
	}
	var allow []string
	if p.IPAllowlist != nil {
		allow = *p.IPAllowlist
	}
	if err := s.validateShape(scopes, allow); err != nil {
		return nil, err
	}

	if deactivate {
		if err := s.Deactivate(ctx, id); err != nil {
			return nil, err
		}
		if k, err = s.get(ctx, id); err != nil {
			return nil, err
		}
	}
	if p.Name != nil {
		k.Name = name
	}

	if p.Scopes != nil && !k.Primary {
		k.Scopes = *p.Scopes
	}
	if p.IPAllowlist != nil {
		k.IPAllowlist = *p.IPAllowlist
	}
	if p.Domains != nil {
		k.Domains = *p.Domains
	}
	if p.RateLimit != nil {
		rl := *p.RateLimit
		k.RateLimit = &rl
	}
	if p.MaxRequests != nil {
		if *p.MaxRequests < 0 {
			k.MaxRequests = nil
		} else {
			m := *p.MaxRequests
			k.MaxRequests = &m
		}
	}
	now := s.now().UTC()
	if p.ExpiresIn != nil {
		if *p.ExpiresIn <= 0 {
			k.ExpiresAt = nil
		} else {
			exp := now.Add(*p.ExpiresIn)
			k.ExpiresAt = &exp
		}
	}
	if p.Active != nil && *p.Active {
		k.Active = true
	}
	if promote {
		k.Primary = true
		k.Scopes = DefaultScopes()
	}
	k.UpdatedAt = now

	if err := s.repo.Update(ctx, k); err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("update api key: %w", err))
	}
	return newKeyContext(k), nil
}

// Rotate replaces the key's secret and returns the new one.
func (s *Store) Rotate(ctx context.Context, id string) (string, *KeyContext, error) {
	k, err := s.get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !k.Active {
		return "", nil, domain.ErrInvalidRequest("an inactive key cannot be rotated")
	}

	secret, err := GenerateSecret(k.Environment)
	if err != nil {
		return "", nil, domain.ErrInternal(err)
	}
	k.Hash = s.hasher.Hash(secret)
	k.Prefix = DisplayPrefix(secret)
	k.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, k); err != nil {
		return "", nil, domain.ErrInternal(fmt.Errorf("rotate api key: %w", err))
	}

	s.logger.Info("api key rotated", slog.String("key_id", k.ID), slog.String("prefix", k.Prefix))
	return secret, newKeyContext(k), nil
}

// Deactivate soft-deletes a key. Deactivating the primary key promotes the
// owner's oldest other active key; it is refused when there is none.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	k, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !k.Active {
		return nil
	}

	if k.Primary {
		if err := s.promoteSuccessor(ctx, k); err != nil {
			return err
		}
	}

	k.Active = false
	k.Primary = false
	k.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, k); err != nil {
		return domain.ErrInternal(fmt.Errorf("deactivate api key: %w", err))
	}

	s.logger.Info("api key deactivated", slog.String("key_id", k.ID))
	return nil
}

// Delete hard-deletes a key. Deleting the primary key promotes a successor
// when one exists.
func (s *Store) Delete(ctx context.Context, id string) error {
	k, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if k.Primary && k.Active {
		if err := s.promoteSuccessor(ctx, k); err != nil && !errors.Is(err, ErrLastPrimary) {
			return err
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return keyNotFound(id)
		}
		return domain.ErrInternal(fmt.Errorf("delete api key: %w", err))
	}

	s.logger.Info("api key deleted", slog.String("key_id", id))
	return nil
}

// RecordRequest bumps the key's request counter after a completed call.
func (s *Store) RecordRequest(ctx context.Context, id string) error {
	return s.repo.IncrementRequests(ctx, id, 1)
}

// Get returns the context of a key by id.
func (s *Store) Get(ctx context.Context, id string) (*KeyContext, error) {
	k, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return newKeyContext(k), nil
}

// List returns the contexts of an owner's keys.
func (s *Store) List(ctx context.Context, ownerID string) ([]*KeyContext, error) {
	keys, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("list api keys: %w", err))
	}
	out := make([]*KeyContext, 0, len(keys))
	for _, k := range keys {
		out = append(out, newKeyContext(k))
	}
	return out, nil
}

// Close waits for pending last-used updates.
func (s *Store) Close() {
	s.touches.Wait()
}

func (s *Store) get(ctx context.Context, id string) (*Key, error) {
	k, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, keyNotFound(id)
		}
		return nil, domain.ErrInternal(fmt.Errorf("get api key: %w", err))
	}
	return k.Clone(), nil
}

func (s *Store) promoteSuccessor(ctx context.Context, k *Key) error {
	keys, err := s.repo.ListByOwner(ctx, k.OwnerID)
	if err != nil {
		return domain.ErrInternal(fmt.Errorf("list owner keys: %w", err))
	}

	var next *Key
	for _, other := range keys {
		if other.ID == k.ID || !other.Active || other.Expired(s.now()) {
			continue
		}
		if next == nil || other.CreatedAt.Before(next.CreatedAt) {
			next = other
		}
	}
	if next == nil {
		return domain.ErrInvalidRequest("cannot remove the only active primary key").
			WithStatusCode(http.StatusConflict).
			WithCause(ErrLastPrimary)
	}

	next = next.Clone()
	next.Primary = true
	next.Scopes = DefaultScopes()
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, next); err != nil {
		return domain.ErrInternal(fmt.Errorf("promote api key: %w", err))
	}
	k.Primary = false
	return nil
}

func (s *Store) checkName(ctx context.Context, ownerID, name, excludeID string) error {
	taken, err := s.repo.NameExists(ctx, ownerID, name, excludeID)
	if err != nil {
		return domain.ErrInternal(fmt.Errorf("check key name: %w", err))
	}
	if taken {
		return domain.ErrInvalidRequest(fmt.Sprintf("key name %q already exists for this owner", name)).
			WithParam("name").
			WithStatusCode(http.StatusConflict).
			WithCause(ErrNameTaken)
	}
	return nil
}

func (s *Store) validateShape(scopes Scopes, allow []string) error {
	if err := scopes.Validate(); err != nil {
		return domain.ErrInvalidRequest(err.Error()).WithParam("scopes")
	}
	if err := validateAllowlist(allow); err != nil {
		return domain.ErrInvalidRequest(fmt.Sprintf("invalid ip allow-list entry: %v", err)).WithParam("ip_allowlist")
	}
	return nil
}

func hasActivePrimary(keys []*Key) bool {
	for _, k := range keys {
		if k.Primary && k.Active {
			return true
		}
	}
	return false
}

func keyNotFound(id string) *domain.APIError {
	return domain.ErrInvalidRequest(fmt.Sprintf("api key %s not found", id)).
		WithStatusCode(http.StatusNotFound).
		WithCause(ErrNotFound)
}
