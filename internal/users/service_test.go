package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/auth"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestResolveVoterIDStripsProviderPrefix(t *testing.T) {
	service, db := mustService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example Resident",
	}
	voterID, err := service.ResolveVoterID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if voterID != ledger.VoterID("12345") {
		t.Fatalf("expected voter id without provider prefix, got %q", voterID)
	}

	voterID, err = service.ResolveVoterID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if voterID != ledger.VoterID("12345") {
		t.Fatalf("expected voter id to remain stable, got %q", voterID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one identity row, got %d", count)
	}
}

func TestResolveVoterIDFallsBackToSubjectAndEmail(t *testing.T) {
	service, _ := mustService(t)

	fromSubject, err := service.ResolveVoterID(context.Background(), auth.SessionClaims{UserID: "plain-user"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if fromSubject != ledger.VoterID("plain-user") {
		t.Fatalf("unexpected voter id %q", fromSubject)
	}

	fromEmail, err := service.ResolveVoterID(context.Background(), auth.SessionClaims{UserEmail: "resident@example.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if fromEmail != ledger.VoterID("resident@example.com") {
		t.Fatalf("unexpected voter id %q", fromEmail)
	}

	if _, err := service.ResolveVoterID(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func mustService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}
