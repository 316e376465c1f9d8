package persistence

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"scan_server/core/domain"
)

// =============================================================================
// MerchantAdapter - merchant directory and per-user overrides
// =============================================================================

type MerchantAdapter struct {
	db *sqlx.DB
}

func NewMerchantAdapter(db *sqlx.DB) *MerchantAdapter {
	return &MerchantAdapter{db: db}
}

// =============================================================================
// Entities
// =============================================================================

type directoryEntity struct {
	CanonicalName string `db:"canonical_name"`
	SenderEmails  []byte `db:"sender_emails"`
	SenderDomains []byte `db:"sender_domains"`
	Keywords      []byte `db:"keywords"`
}

func (e *directoryEntity) toDomain() (*domain.DirectoryEntry, error) {
	entry := &domain.DirectoryEntry{CanonicalName: e.CanonicalName}
	for _, col := range []struct {
		raw []byte
		dst *[]string
	}{
		{e.SenderEmails, &entry.SenderEmails},
		{e.SenderDomains, &entry.SenderDomains},
		{e.Keywords, &entry.Keywords},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

type overrideEntity struct {
	UserID        string `db:"user_id"`
	SenderEmail   string `db:"sender_email"`
	SenderDomain  string `db:"sender_domain"`
	CanonicalName string `db:"canonical_name"`
}

func (e *overrideEntity) toDomain() *domain.UserOverride {
	return &domain.UserOverride{
		UserID:        e.UserID,
		SenderEmail:   e.SenderEmail,
		SenderDomain:  e.SenderDomain,
		CanonicalName: e.CanonicalName,
	}
}

// =============================================================================
// Directory
// =============================================================================

func (a *MerchantAdapter) Entries(ctx context.Context) ([]*domain.DirectoryEntry, error) {
	var entities []directoryEntity
	query := `
		SELECT canonical_name, sender_emails, sender_domains, keywords
		FROM merchant_directory
		ORDER BY canonical_name ASC
	`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}

	entries := make([]*domain.DirectoryEntry, 0, len(entities))
	for _, e := range entities {
		entry, err := e.toDomain()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// =============================================================================
// Overrides
// =============================================================================

func (a *MerchantAdapter) Overrides(ctx context.Context, userID string) ([]*domain.UserOverride, error) {
	var entities []overrideEntity
	query := `
		SELECT user_id, sender_email, sender_domain, canonical_name
		FROM merchant_overrides
		WHERE user_id = $1
	`
	if err := a.db.SelectContext(ctx, &entities, query, userID); err != nil {
		return nil, err
	}

	overrides := make([]*domain.UserOverride, 0, len(entities))
	for _, e := range entities {
		overrides = append(overrides, e.toDomain())
	}
	return overrides, nil
}

// UpsertOverride saves a user correction. Overrides are unique per
// axis: confirming a sender email updates the email row regardless of
// what domain string came along, and vice versa.
func (a *MerchantAdapter) UpsertOverride(ctx context.Context, override *domain.UserOverride) error {
	email := strings.ToLower(strings.TrimSpace(override.SenderEmail))
	senderDomain := strings.ToLower(strings.TrimSpace(override.SenderDomain))

	if email != "" {
		query := `
			INSERT INTO merchant_overrides (user_id, sender_email, sender_domain, canonical_name)
			VALUES ($1, $2, '', $3)
			ON CONFLICT (user_id, sender_email) WHERE sender_email <> ''
			DO UPDATE SET canonical_name = EXCLUDED.canonical_name, updated_at = NOW()
		`
		if _, err := a.db.ExecContext(ctx, query, override.UserID, email, override.CanonicalName); err != nil {
			return err
		}
	}
	if senderDomain != "" {
		query := `
			INSERT INTO merchant_overrides (user_id, sender_email, sender_domain, canonical_name)
			VALUES ($1, '', $2, $3)
			ON CONFLICT (user_id, sender_domain) WHERE sender_domain <> ''
			DO UPDATE SET canonical_name = EXCLUDED.canonical_name, updated_at = NOW()
		`
		if _, err := a.db.ExecContext(ctx, query, override.UserID, senderDomain, override.CanonicalName); err != nil {
			return err
		}
	}
	return nil
}
