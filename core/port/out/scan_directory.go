package out

import (
	"context"

	"scan_server/core/domain"
)

// MerchantDirectory is the read-only merchant knowledge base plus
// per-user overrides.
type MerchantDirectory interface {
	Entries(ctx context.Context) ([]*domain.DirectoryEntry, error)
	Overrides(ctx context.Context, userID string) ([]*domain.UserOverride, error)
	UpsertOverride(ctx context.Context, override *domain.UserOverride) error
}

// ChunkQueue enqueues scan chunk jobs. Job ids derive from
// (sessionID, phase, cursor) so redeliveries dedupe downstream.
type ChunkQueue interface {
	EnqueueChunk(ctx context.Context, sessionID, userID string, cursor *string) error
}
