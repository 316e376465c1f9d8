package persistence

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"scan_server/core/domain"
)

// =============================================================================
// CandidateAdapter - deduped candidate persistence
// =============================================================================

type CandidateAdapter struct {
	db *sqlx.DB
}

func NewCandidateAdapter(db *sqlx.DB) *CandidateAdapter {
	return &CandidateAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type candidateEntity struct {
	SessionID   string `db:"session_id"`
	Fingerprint string `db:"fingerprint"`
	Merchant    string `db:"merchant"`
	Confidence  int    `db:"confidence"`
	EventType   string `db:"event_type"`
	Payload     []byte `db:"payload"`
}

func (e *candidateEntity) toDomain() (*domain.Candidate, error) {
	var candidate domain.Candidate
	if err := json.Unmarshal(e.Payload, &candidate); err != nil {
		return nil, err
	}
	return &candidate, nil
}

// =============================================================================
// Writes
// =============================================================================

// UpsertCandidates inserts on (session_id, fingerprint). A fingerprint
// already stored for the session wins; later chunks never overwrite.
// Returns the number of newly inserted rows.
func (a *CandidateAdapter) UpsertCandidates(ctx context.Context, sessionID string, candidates []*domain.Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO scan_candidates (session_id, fingerprint, merchant, confidence, event_type, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, fingerprint) DO NOTHING
	`

	inserted := 0
	for _, c := range candidates {
		payload, err := json.Marshal(c)
		if err != nil {
			return inserted, err
		}
		res, err := a.db.ExecContext(ctx, query,
			sessionID,
			c.Fingerprint,
			c.Merchant,
			c.Confidence,
			string(c.EventType),
			payload,
		)
		if err != nil {
			return inserted, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(affected)
	}
	return inserted, nil
}

// =============================================================================
// Reads
// =============================================================================

func (a *CandidateAdapter) ListCandidates(ctx context.Context, sessionID string) ([]*domain.Candidate, error) {
	var entities []candidateEntity
	query := `
		SELECT * FROM scan_candidates
		WHERE session_id = $1
		ORDER BY confidence DESC, merchant ASC
	`
	if err := a.db.SelectContext(ctx, &entities, query, sessionID); err != nil {
		return nil, err
	}

	candidates := make([]*domain.Candidate, 0, len(entities))
	for _, e := range entities {
		c, err := e.toDomain()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}
