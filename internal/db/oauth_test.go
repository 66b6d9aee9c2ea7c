package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/screenlink/screenlink/broker/internal/models"
)

func testToken() *models.OAuthAccessToken {
	now := time.Now()
	refreshHash := "refresh-hash"
	refreshExpires := now.Add(30 * 24 * time.Hour)
	return &models.OAuthAccessToken{
		ID:               "tok-1",
		AccessTokenHash:  "access-hash",
		UserID:           "user-1",
		ConnectionID:     "conn-1",
		ClientID:         "client-1",
		Scope:            models.StringSlice{"mcp:tools"},
		Audience:         "https://host/mcp/abc",
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshTokenHash: &refreshHash,
		RefreshExpiresAt: &refreshExpires,
		CreatedAt:        now,
	}
}

func TestConsumeCodeAndIssueTokenCommitsTogether(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer mockDB.Close()
	odb := NewOAuthDB(mockDB)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE oauth_authorization_codes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO oauth_access_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := odb.ConsumeCodeAndIssueToken(context.Background(), "code-hash", testToken()); err != nil {
		t.Fatalf("ConsumeCodeAndIssueToken failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestConsumeCodeReplayRollsBack(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer mockDB.Close()
	odb := NewOAuthDB(mockDB)

	// Zero rows updated: the code was already consumed. No token insert,
	// no commit.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE oauth_authorization_codes").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := odb.ConsumeCodeAndIssueToken(context.Background(), "code-hash", testToken()); err == nil {
		t.Error("Expected replay to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestRevokeByHashIdempotent(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer mockDB.Close()
	odb := NewOAuthDB(mockDB)

	// First revocation touches one row.
	mock.ExpectExec("UPDATE oauth_access_tokens SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	revoked, err := odb.RevokeByHash(context.Background(), "some-hash")
	if err != nil {
		t.Fatalf("RevokeByHash failed: %v", err)
	}
	if !revoked {
		t.Error("Expected a live token to be revoked")
	}

	// Second revocation matches no live rows: revoked_at is never rewritten.
	mock.ExpectExec("UPDATE oauth_access_tokens SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 0))
	revoked, err = odb.RevokeByHash(context.Background(), "some-hash")
	if err != nil {
		t.Fatalf("Second RevokeByHash failed: %v", err)
	}
	if revoked {
		t.Error("Expected second revocation to be a no-op")
	}
}

func TestRotateRefreshToken(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer mockDB.Close()
	odb := NewOAuthDB(mockDB)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE oauth_access_tokens SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO oauth_access_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := odb.RotateRefreshToken(context.Background(), "old-id", testToken()); err != nil {
		t.Fatalf("RotateRefreshToken failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
