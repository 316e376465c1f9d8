package persistence

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"scan_server/core/domain"
	"scan_server/pkg/apperr"
)

// =============================================================================
// SessionAdapter - scan session persistence
// =============================================================================

type SessionAdapter struct {
	db *sqlx.DB
}

func NewSessionAdapter(db *sqlx.DB) *SessionAdapter {
	return &SessionAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type sessionEntity struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	Provider       string         `db:"provider"`
	Status         string         `db:"status"`
	Cursor         sql.NullString `db:"cursor"`
	Options        []byte         `db:"options"`
	Pages          int            `db:"pages"`
	ScannedTotal   int            `db:"scanned_total"`
	FoundTotal     int            `db:"found_total"`
	LastStats      []byte         `db:"last_stats"`
	ErrorCode      sql.NullString `db:"error_code"`
	ErrorMessage   sql.NullString `db:"error_message"`
	LeasedBy       sql.NullString `db:"leased_by"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (e *sessionEntity) toDomain() (*domain.Session, error) {
	session := &domain.Session{
		ID:           e.ID,
		UserID:       e.UserID,
		Provider:     domain.Provider(e.Provider),
		Status:       domain.SessionStatus(e.Status),
		Pages:        e.Pages,
		ScannedTotal: e.ScannedTotal,
		FoundTotal:   e.FoundTotal,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}

	if len(e.Options) > 0 {
		if err := json.Unmarshal(e.Options, &session.Options); err != nil {
			return nil, err
		}
	}
	if len(e.LastStats) > 0 {
		var stats domain.ChunkStats
		if err := json.Unmarshal(e.LastStats, &stats); err != nil {
			return nil, err
		}
		session.LastStats = &stats
	}

	// Nullable fields
	if e.Cursor.Valid {
		cursor := e.Cursor.String
		session.Cursor = &cursor
	}
	if e.ErrorCode.Valid {
		session.ErrorCode = e.ErrorCode.String
	}
	if e.ErrorMessage.Valid {
		session.ErrorMessage = e.ErrorMessage.String
	}
	if e.LeasedBy.Valid {
		session.LeasedBy = e.LeasedBy.String
	}
	if e.LeaseExpiresAt.Valid {
		expires := e.LeaseExpiresAt.Time
		session.LeaseExpiresAt = &expires
	}

	return session, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (a *SessionAdapter) CreateSession(ctx context.Context, session *domain.Session) error {
	options, err := json.Marshal(session.Options)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO scan_sessions (id, user_id, provider, status, cursor, options)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = a.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		string(session.Provider),
		string(session.Status),
		toNullableStringPtr(session.Cursor),
		options,
	)
	return err
}

func (a *SessionAdapter) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var entity sessionEntity
	query := `SELECT * FROM scan_sessions WHERE id = $1`
	if err := a.db.GetContext(ctx, &entity, query, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("session")
		}
		return nil, err
	}
	return entity.toDomain()
}

func (a *SessionAdapter) CancelSession(ctx context.Context, sessionID string) error {
	query := `
		UPDATE scan_sessions SET
			status = 'canceled',
			updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	_, err := a.db.ExecContext(ctx, query, sessionID)
	return err
}

func (a *SessionAdapter) MarkRunning(ctx context.Context, sessionID string) error {
	query := `
		UPDATE scan_sessions SET
			status = 'running',
			updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`
	_, err := a.db.ExecContext(ctx, query, sessionID)
	return err
}

func (a *SessionAdapter) MarkDone(ctx context.Context, sessionID string) error {
	query := `
		UPDATE scan_sessions SET
			status = 'done',
			updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	_, err := a.db.ExecContext(ctx, query, sessionID)
	return err
}

func (a *SessionAdapter) MarkError(ctx context.Context, sessionID, code, message string) error {
	query := `
		UPDATE scan_sessions SET
			status = 'error',
			error_code = $2,
			error_message = $3,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	_, err := a.db.ExecContext(ctx, query, sessionID, code, message)
	return err
}

// =============================================================================
// Lease management
// =============================================================================

func (a *SessionAdapter) AcquireLease(ctx context.Context, sessionID, workerID string, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE scan_sessions SET
			leased_by = $2,
			lease_expires_at = $3,
			updated_at = NOW()
		WHERE id = $1
		  AND status IN ('queued', 'running')
		  AND (leased_by IS NULL OR leased_by = $2 OR lease_expires_at < NOW())
	`
	res, err := a.db.ExecContext(ctx, query, sessionID, workerID, expiresAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (a *SessionAdapter) RenewLease(ctx context.Context, sessionID, workerID string, expiresAt time.Time) error {
	query := `
		UPDATE scan_sessions SET
			lease_expires_at = $3,
			updated_at = NOW()
		WHERE id = $1 AND leased_by = $2
	`
	_, err := a.db.ExecContext(ctx, query, sessionID, workerID, expiresAt)
	return err
}

func (a *SessionAdapter) ReleaseLease(ctx context.Context, sessionID, workerID string) error {
	query := `
		UPDATE scan_sessions SET
			leased_by = NULL,
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND leased_by = $2
	`
	_, err := a.db.ExecContext(ctx, query, sessionID, workerID)
	return err
}

// =============================================================================
// Progress
// =============================================================================

func (a *SessionAdapter) UpdateProgress(ctx context.Context, sessionID string, scannedDelta, foundDelta int, cursor *string, stats *domain.ChunkStats) error {
	var lastStats []byte
	if stats != nil {
		var err error
		lastStats, err = json.Marshal(stats)
		if err != nil {
			return err
		}
	}
	query := `
		UPDATE scan_sessions SET
			pages = pages + 1,
			scanned_total = scanned_total + $2,
			found_total = found_total + $3,
			cursor = $4,
			last_stats = $5,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := a.db.ExecContext(ctx, query,
		sessionID,
		scannedDelta,
		foundDelta,
		toNullableStringPtr(cursor),
		lastStats,
	)
	return err
}
