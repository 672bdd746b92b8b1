package credential

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Repository when no record matches.
	ErrNotFound = errors.New("api key not found")
	// ErrDuplicateHash is returned by Create when the key hash is taken.
	ErrDuplicateHash = errors.New("api key hash already exists")
)

// Repository persists Key records. Implementations must keep at most one
// active primary key per owner: Create and Update of a key with Primary set
// clear the flag on the owner's other keys in the same transaction.
type Repository interface {
	GetByHash(ctx context.Context, hash string) (*Key, error)
	Get(ctx context.Context, id string) (*Key, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Key, error)
	Create(ctx context.Context, k *Key) error
	Update(ctx context.Context, k *Key) error
	Delete(ctx context.Context, id string) error

	// NameExists reports whether ownerID has a key named name other than
	// excludeID.
	NameExists(ctx context.Context, ownerID, name, excludeID string) (bool, error)

	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	IncrementRequests(ctx context.Context, id string, n int64) error
}
