// Package usage defines the append-only per-request usage record and the
// asynchronous sink that persists it.
package usage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is written once per completed request, streamed or not.
type Record struct {
	ID               string    `db:"id" json:"id"`
	RequestID        string    `db:"request_id" json:"request_id,omitempty"`
	KeyID            string    `db:"key_id" json:"key_id"`
	OwnerID          string    `db:"owner_id" json:"owner_id"`
	Provider         string    `db:"provider" json:"provider"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	Credits          float64   `db:"credits" json:"credits"`
	LatencyMS        int64     `db:"latency_ms" json:"latency_ms"`
	Streamed         bool      `db:"streamed" json:"streamed"`
	Estimated        bool      `db:"estimated" json:"estimated"`
	Status           int       `db:"status" json:"status"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// TotalTokens returns prompt plus completion tokens.
func (r *Record) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// NewID returns a fresh usage record id.
func NewID() string {
	return "usage_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Writer persists usage records.
type Writer interface {
	WriteUsage(ctx context.Context, r *Record) error
}

// Filter narrows a usage listing.
type Filter struct {
	KeyID   string
	OwnerID string
	Since   time.Time
	Limit   int
}

// Reader lists usage records, newest first.
type Reader interface {
	ListUsage(ctx context.Context, f Filter) ([]*Record, error)
}

// Repository is a usage store that can both append and list.
type Repository interface {
	Writer
	Reader
}
