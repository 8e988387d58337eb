package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolvePrincipalStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		OrganizationID:  "org-1",
	}
	principal, err := service.ResolvePrincipal(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principal.UserID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", principal.UserID)
	}
	if principal.OrganizationID != "org-1" {
		t.Fatalf("unexpected organization %q", principal.OrganizationID)
	}

	// second call should hit cache and not create a duplicate record.
	principal, err = service.ResolvePrincipal(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if principal.UserID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", principal.UserID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count identities: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one identity, got %d", count)
	}
}

func TestResolvePrincipalTracksOrganizationChanges(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-1", OrganizationID: "org-1"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	principal, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-1", OrganizationID: "org-2"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principal.OrganizationID != "org-2" {
		t.Fatalf("expected organization from latest claims, got %q", principal.OrganizationID)
	}

	var identity Identity
	if err := db.Where("provider = ? AND subject = ?", "default", "user-1").Take(&identity).Error; err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if identity.OrganizationID != "org-2" {
		t.Fatalf("expected stored organization to follow claims, got %q", identity.OrganizationID)
	}
}

func TestResolvePrincipalRejectsIncompleteClaims(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-1"}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity without organization, got %v", err)
	}
	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{OrganizationID: "org-1"}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity without subject, got %v", err)
	}
}
