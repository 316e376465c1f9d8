package domain

import (
	"time"
)

// Provider identifies the mailbox backend a session scans.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// SessionStatus is the lifecycle state of a scan session.
type SessionStatus string

const (
	SessionQueued   SessionStatus = "queued"
	SessionRunning  SessionStatus = "running"
	SessionDone     SessionStatus = "done"
	SessionCanceled SessionStatus = "canceled"
	SessionError    SessionStatus = "error"
)

// IsTerminal reports whether the status is sticky.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionDone || s == SessionCanceled || s == SessionError
}

// Scan error codes (closed set).
const (
	ErrCodeMissingToken         = "MISSING_TOKEN"
	ErrCodeTokenBootstrapFailed = "TOKEN_BOOTSTRAP_FAILED"
	ErrCodeSessionCreateFailed  = "SESSION_CREATE_FAILED"
	ErrCodeQueueEnqueueFailed   = "QUEUE_ENQUEUE_FAILED"
	ErrCodeUnsupportedProvider  = "UNSUPPORTED_PROVIDER"
	ErrCodeChunkError           = "CHUNK_ERROR"
	ErrCodeDeadline             = "DEADLINE"
	ErrCodeGmailListFailed      = "GMAIL_LIST_FAILED"
	ErrCodeAuthFailed           = "AUTH_FAILED"
	ErrCodeNeedsAppPassword     = "NEEDS_APP_PASSWORD"
	ErrCodeNetworkError         = "NETWORK_ERROR"
	ErrCodeUnknown              = "UNKNOWN"
)

// Session is one scanning job bound to (user, provider).
//
// pages, scannedTotal and foundTotal only ever grow; cursor is mutated
// only by the holder of an unexpired lease.
type Session struct {
	ID             string        `json:"sessionId"`
	UserID         string        `json:"userId"`
	Provider       Provider      `json:"provider"`
	Status         SessionStatus `json:"status"`
	Cursor         *string       `json:"cursor"`
	Options        ScanOptions   `json:"options"`
	Pages          int           `json:"pages"`
	ScannedTotal   int           `json:"scannedTotal"`
	FoundTotal     int           `json:"foundTotal"`
	LastStats      *ChunkStats   `json:"lastStats,omitempty"`
	ErrorCode      string        `json:"errorCode,omitempty"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	LeasedBy       string        `json:"leasedBy,omitempty"`
	LeaseExpiresAt *time.Time    `json:"leaseExpiresAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// LeaseExpired reports whether the session's lease (if any) has lapsed.
func (s *Session) LeaseExpired(now time.Time) bool {
	return s.LeaseExpiresAt == nil || now.After(*s.LeaseExpiresAt)
}

// ScanMode selects which SLO budget applies to a session.
type ScanMode string

const (
	ModeQuick ScanMode = "quick"
	ModeDeep  ScanMode = "deep"
)

// QueryMode selects the mailbox listing query shape.
type QueryMode string

const (
	QueryTransactions QueryMode = "transactions"
	QueryBroad        QueryMode = "broad"
)

// ScanOptions is the budget configuration of a session. Fields are
// clamped by the SLO policy before every chunk; zero values mean
// "use the mode default".
type ScanOptions struct {
	Mode              ScanMode  `json:"mode,omitempty"`
	DaysBack          int       `json:"daysBack,omitempty"`
	PageSize          int       `json:"pageSize,omitempty"`
	ChunkMs           int       `json:"chunkMs,omitempty"`
	FullFetchCap      int       `json:"fullFetchCap,omitempty"`
	Concurrency       int       `json:"concurrency,omitempty"`
	MaxPages          int       `json:"maxPages,omitempty"`
	MaxCandidates     int       `json:"maxCandidates,omitempty"`
	MaxListIds        int       `json:"maxListIds,omitempty"`
	ClusterCap        int       `json:"clusterCap,omitempty"`
	QueryMode         QueryMode `json:"queryMode,omitempty"`
	IncludePromotions bool      `json:"includePromotions,omitempty"`
	Cursor            *string   `json:"cursor,omitempty"`

	// Per-operation timeouts in milliseconds.
	ListMs   int `json:"listMs,omitempty"`
	MetaMs   int `json:"metaMs,omitempty"`
	FullMs   int `json:"fullMs,omitempty"`
	AttachMs int `json:"attachMs,omitempty"`
}

// ChunkStats describes one ChunkEngine invocation.
type ChunkStats struct {
	EngineVersion string         `json:"engineVersion"`
	Listed        int            `json:"listed"`
	Scanned       int            `json:"scanned"`
	ScreenedIn    int            `json:"screenedIn"`
	FullFetched   int            `json:"fullFetched"`
	RawMatched    int            `json:"rawMatched"`
	Matched       int            `json:"matched"`
	DeadlineMs    int            `json:"deadlineMs"`
	TookMs        int64          `json:"tookMs"`
	Query         string         `json:"query,omitempty"`
	NullReasons   map[string]int `json:"nullReasons,omitempty"`
}
