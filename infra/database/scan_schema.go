package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on every boot. Statements are idempotent, so a
// fleet of workers can race through it safely.
//
// Columns track the persistence entities exactly: the adapters select
// with *, so a stray column breaks scanning.
const schema = `
	CREATE TABLE IF NOT EXISTS scan_sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		provider VARCHAR(10) NOT NULL,
		status VARCHAR(10) NOT NULL DEFAULT 'queued',
		cursor TEXT,
		options JSONB,
		pages INT NOT NULL DEFAULT 0,
		scanned_total INT NOT NULL DEFAULT 0,
		found_total INT NOT NULL DEFAULT 0,
		last_stats JSONB,
		error_code VARCHAR(40),
		error_message TEXT,
		leased_by VARCHAR(128),
		lease_expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_scan_sessions_user
		ON scan_sessions(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS scan_events (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID NOT NULL,
		user_id UUID NOT NULL,
		type VARCHAR(20) NOT NULL,
		payload JSONB,
		dedupe_key VARCHAR(120),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Backs the idempotent append: ON CONFLICT (session_id, dedupe_key)
	-- WHERE dedupe_key IS NOT NULL.
	CREATE UNIQUE INDEX IF NOT EXISTS uq_scan_events_dedupe
		ON scan_events(session_id, dedupe_key) WHERE dedupe_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_scan_events_session
		ON scan_events(session_id, id);

	CREATE TABLE IF NOT EXISTS scan_candidates (
		session_id UUID NOT NULL,
		fingerprint VARCHAR(64) NOT NULL,
		merchant TEXT NOT NULL,
		confidence INT NOT NULL,
		event_type VARCHAR(30) NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (session_id, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS merchant_directory (
		canonical_name TEXT PRIMARY KEY,
		sender_emails JSONB,
		sender_domains JSONB,
		keywords JSONB
	);

	CREATE TABLE IF NOT EXISTS merchant_overrides (
		user_id UUID NOT NULL,
		sender_email TEXT NOT NULL DEFAULT '',
		sender_domain TEXT NOT NULL DEFAULT '',
		canonical_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Overrides are unique per axis: one row per (user, sender email)
	-- and one per (user, sender domain).
	CREATE UNIQUE INDEX IF NOT EXISTS uq_merchant_overrides_email
		ON merchant_overrides(user_id, sender_email) WHERE sender_email <> '';

	CREATE UNIQUE INDEX IF NOT EXISTS uq_merchant_overrides_domain
		ON merchant_overrides(user_id, sender_domain) WHERE sender_domain <> '';
`

// Migrate applies the scan schema. The pool runs in simple protocol
// mode, which permits the multi-statement batch.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
