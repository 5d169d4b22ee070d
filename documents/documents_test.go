package documents

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"knowledgebase/metadata"
	"knowledgebase/permission"
)

func openTestStore(t *testing.T) *metadata.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	store, err := metadata.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store
}

func TestRecordForVersionCarriesVisibilityAndSharing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "manual.pdf")

	version, err := store.CreateVersion(ctx, metadata.CreateVersionParams{
		GroupID: group.ID, VersionNumber: 1, Checksum: "c", FileType: "pdf",
		StorageKey: "k", UploadedBy: 7, Visibility: metadata.VisibilityOrganization,
		SharedWithUsers: []uint64{9}, SharedWithRoles: []string{"editor"},
		OriginalFilename: "manual.pdf",
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	record := recordForVersion(version)
	if record.OwnerID != 7 {
		t.Fatalf("expected owner 7, got %d", record.OwnerID)
	}
	if record.Visibility != permission.VisibilityOrganization {
		t.Fatalf("expected organization visibility, got %s", record.Visibility)
	}
	if len(record.SharedWithUsers) != 1 || record.SharedWithUsers[0] != 9 {
		t.Fatalf("expected shared user 9, got %v", record.SharedWithUsers)
	}
	if len(record.SharedWithRoles) != 1 || record.SharedWithRoles[0] != "editor" {
		t.Fatalf("expected shared role editor, got %v", record.SharedWithRoles)
	}
}

func TestPermissionAllowsFiltersOwnerOnlyDocuments(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "private.pdf")

	version, err := store.CreateVersion(ctx, metadata.CreateVersionParams{
		GroupID: group.ID, VersionNumber: 1, Checksum: "c", FileType: "pdf",
		StorageKey: "k", UploadedBy: 7, Visibility: metadata.VisibilityPrivate,
		OriginalFilename: "private.pdf",
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	record := recordForVersion(version)

	if permission.Allows(permission.Actor{ID: 99}, record) {
		t.Fatalf("expected a non-owner to be denied")
	}
	if !permission.Allows(permission.Actor{ID: 7}, record) {
		t.Fatalf("expected the owner to be allowed")
	}
	if !permission.Allows(permission.Actor{ID: 99, IsSuperuser: true}, record) {
		t.Fatalf("expected a superuser to be allowed")
	}
}
