package out

import (
	"context"

	"scan_server/core/domain"
)

// ListPage is one page of message ids plus the continuation token.
// NextCursor is nil when the mailbox is exhausted.
type ListPage struct {
	IDs        []string
	NextCursor *string
}

// MailboxDriver lists and fetches messages from one mailbox. Drivers
// own their retry and timeout discipline; every call also respects the
// deadline carried by ctx.
type MailboxDriver interface {
	ListPage(ctx context.Context, cursor *string) (*ListPage, error)
	FetchMetadata(ctx context.Context, id string) (*domain.EmailMeta, error)
	FetchFull(ctx context.Context, id string) (*domain.EmailBody, error)
}

// TokenProvider resolves a usable access token for a session, running
// the refresh flow when the stored access token is stale.
type TokenProvider interface {
	// AccessToken returns a fresh bearer token for the session, or an
	// empty string when no token material is usable.
	AccessToken(ctx context.Context, sessionID string) (string, error)
	// StoreTokens saves token material (encrypted at rest) for later
	// chunks of the session.
	StoreTokens(ctx context.Context, sessionID, accessToken, refreshToken string, expiresAtMs int64) error
}
