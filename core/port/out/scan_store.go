package out

import (
	"context"
	"time"

	"scan_server/core/domain"
)

// SessionStore persists scan sessions. Mutations other than
// CancelSession are reserved for the current lease holder.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// CancelSession flips queued/running sessions to canceled; terminal
	// sessions are left untouched.
	CancelSession(ctx context.Context, sessionID string) error
	// AcquireLease claims the session for workerID until expiresAt.
	// Returns false when another worker holds an unexpired lease or the
	// session is terminal.
	AcquireLease(ctx context.Context, sessionID, workerID string, expiresAt time.Time) (bool, error)
	RenewLease(ctx context.Context, sessionID, workerID string, expiresAt time.Time) error
	ReleaseLease(ctx context.Context, sessionID, workerID string) error
	MarkRunning(ctx context.Context, sessionID string) error
	// UpdateProgress bumps pages by one, adds the deltas, and replaces
	// cursor and lastStats.
	UpdateProgress(ctx context.Context, sessionID string, scannedDelta, foundDelta int, cursor *string, stats *domain.ChunkStats) error
	MarkDone(ctx context.Context, sessionID string) error
	MarkError(ctx context.Context, sessionID, code, message string) error
}

// CandidateStore persists deduped candidates.
type CandidateStore interface {
	// UpsertCandidates inserts on (sessionID, fingerprint), silently
	// dropping duplicates. Returns the number of new rows.
	UpsertCandidates(ctx context.Context, sessionID string, candidates []*domain.Candidate) (int, error)
	ListCandidates(ctx context.Context, sessionID string) ([]*domain.Candidate, error)
}

// EventLog is the append-only per-session event log behind SSE.
type EventLog interface {
	// AppendEvent writes one event. When dedupeKey is non-empty,
	// concurrent writes with the same (sessionID, dedupeKey) collapse
	// to a single row.
	AppendEvent(ctx context.Context, sessionID, userID string, eventType domain.EventType, payload map[string]any, dedupeKey string) error
	// PollEventsAfter returns up to limit events with id > afterID in
	// id order.
	PollEventsAfter(ctx context.Context, sessionID string, afterID int64, limit int) ([]*domain.Event, error)
}
