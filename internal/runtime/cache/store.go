package cache

import (
	"context"
	"time"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// Entry is a completed response held by a Store.
type Entry struct {
	Fingerprint pipeline.Fingerprint `json:"fingerprint"`
	Content     string               `json:"content"`
	ProviderID  string               `json:"providerId"`
	TokensUsed  int                  `json:"tokensUsed"`
	Confidence  float64              `json:"confidence"`
	CreatedAt   time.Time            `json:"createdAt"`
	ExpiresAt   time.Time            `json:"expiresAt"`
}

// Live reports whether the entry may still be served at now.
func (e Entry) Live(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.Before(e.ExpiresAt)
}

// Store persists entries keyed by fingerprint. Implementations never return an
// entry past its ExpiresAt.
type Store interface {
	Lookup(ctx context.Context, fp pipeline.Fingerprint) (Entry, bool, error)
	Store(ctx context.Context, entry Entry) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
