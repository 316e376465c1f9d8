package persistence

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"scan_server/core/domain"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestUpsertOverridePerAxis(t *testing.T) {
	db, mock := newMockDB(t)
	adapter := NewMerchantAdapter(db)

	mock.ExpectExec(`ON CONFLICT \(user_id, sender_email\) WHERE sender_email <> ''`).
		WithArgs("u1", "billing@netflix.com", "Netflix").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`ON CONFLICT \(user_id, sender_domain\) WHERE sender_domain <> ''`).
		WithArgs("u1", "netflix.com", "Netflix").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := adapter.UpsertOverride(context.Background(), &domain.UserOverride{
		UserID:        "u1",
		SenderEmail:   "  Billing@Netflix.COM ",
		SenderDomain:  "NETFLIX.com",
		CanonicalName: "Netflix",
	})
	if err != nil {
		t.Fatalf("UpsertOverride: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertOverrideDomainOnly(t *testing.T) {
	db, mock := newMockDB(t)
	adapter := NewMerchantAdapter(db)

	// Domain-only confirmations must not touch the email axis.
	mock.ExpectExec(`ON CONFLICT \(user_id, sender_domain\) WHERE sender_domain <> ''`).
		WithArgs("u2", "spotify.com", "Spotify").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := adapter.UpsertOverride(context.Background(), &domain.UserOverride{
		UserID:        "u2",
		SenderDomain:  "spotify.com",
		CanonicalName: "Spotify",
	})
	if err != nil {
		t.Fatalf("UpsertOverride: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
