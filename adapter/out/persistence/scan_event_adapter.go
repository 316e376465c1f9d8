package persistence

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"scan_server/core/domain"
)

// =============================================================================
// EventAdapter - append-only per-session event log
// =============================================================================

type EventAdapter struct {
	db *sqlx.DB
}

func NewEventAdapter(db *sqlx.DB) *EventAdapter {
	return &EventAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type eventEntity struct {
	ID        int64          `db:"id"`
	SessionID string         `db:"session_id"`
	UserID    string         `db:"user_id"`
	Type      string         `db:"type"`
	Payload   []byte         `db:"payload"`
	DedupeKey sql.NullString `db:"dedupe_key"`
	CreatedAt time.Time      `db:"created_at"`
}

func (e *eventEntity) toDomain() (*domain.Event, error) {
	event := &domain.Event{
		ID:        e.ID,
		SessionID: e.SessionID,
		UserID:    e.UserID,
		Type:      domain.EventType(e.Type),
		CreatedAt: e.CreatedAt,
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &event.Payload); err != nil {
			return nil, err
		}
	}
	if e.DedupeKey.Valid {
		event.DedupeKey = e.DedupeKey.String
	}
	return event, nil
}

// =============================================================================
// Writes
// =============================================================================

// AppendEvent writes one event row. With a dedupe key, concurrent
// retries collapse onto the first insert via the partial unique index
// on (session_id, dedupe_key).
func (a *EventAdapter) AppendEvent(ctx context.Context, sessionID, userID string, eventType domain.EventType, payload map[string]any, dedupeKey string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO scan_events (session_id, user_id, type, payload, dedupe_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`
	_, err = a.db.ExecContext(ctx, query,
		sessionID,
		userID,
		string(eventType),
		raw,
		toNullableString(dedupeKey),
	)
	return err
}

// =============================================================================
// Reads
// =============================================================================

func (a *EventAdapter) PollEventsAfter(ctx context.Context, sessionID string, afterID int64, limit int) ([]*domain.Event, error) {
	var entities []eventEntity
	query := `
		SELECT * FROM scan_events
		WHERE session_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`
	if err := a.db.SelectContext(ctx, &entities, query, sessionID, afterID, limit); err != nil {
		return nil, err
	}

	events := make([]*domain.Event, 0, len(entities))
	for _, e := range entities {
		event, err := e.toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
