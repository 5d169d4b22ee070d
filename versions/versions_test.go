package versions

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

func createVersion(t *testing.T, store *metadata.Store, groupID uint64, number int) *metadata.DocumentVersion {
	t.Helper()
	version, err := store.CreateVersion(context.Background(), metadata.CreateVersionParams{
		GroupID: groupID, VersionNumber: number, Checksum: "checksum", FileType: "pdf",
		StorageKey: "k", UploadedBy: 1, Visibility: metadata.VisibilityPrivate,
		OriginalFilename: "manual.pdf",
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	return version
}

func TestRestoreMarksOlderVersionLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "manual.pdf")

	v1 := createVersion(t, store, group.ID, 1)
	_ = createVersion(t, store, group.ID, 2)

	manager := &Manager{Store: store}
	restored, err := manager.Restore(ctx, permission.Actor{ID: 1}, v1.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.IsLatest {
		t.Fatalf("expected restored version to be latest")
	}

	latest, err := store.LatestVersion(ctx, group.ID)
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if latest.ID != v1.ID {
		t.Fatalf("expected v1 to be latest, got version %d", latest.VersionNumber)
	}
}

func TestRestoreForbidsNonOwner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "manual.pdf")
	v1 := createVersion(t, store, group.ID, 1)

	manager := &Manager{Store: store}
	_, err := manager.Restore(ctx, permission.Actor{ID: 99}, v1.ID)
	if err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSoftDeleteMarksSuperseded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "manual.pdf")
	v1 := createVersion(t, store, group.ID, 1)

	manager := &Manager{Store: store}
	if err := manager.Delete(ctx, permission.Actor{ID: 1}, v1.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	reloaded, err := store.GetVersion(ctx, v1.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if reloaded.Status != metadata.VersionSuperseded {
		t.Fatalf("expected superseded status, got %s", reloaded.Status)
	}
}

func TestHardDeletePromotesNextLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "manual.pdf")
	_ = createVersion(t, store, group.ID, 1)
	v2 := createVersion(t, store, group.ID, 2)

	manager := &Manager{Store: store}
	if err := manager.Delete(ctx, permission.Actor{ID: 1}, v2.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}

	latest, err := store.LatestVersion(ctx, group.ID)
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if latest.VersionNumber != 1 {
		t.Fatalf("expected version 1 promoted to latest, got %d", latest.VersionNumber)
	}
}
