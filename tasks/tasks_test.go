package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"knowledgebase/metadata"
)

func openTestManager(t *testing.T) (*Manager, *metadata.Store) {
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
	cfg := DefaultConfig()
	return NewManager(store, nil, cfg), store
}

func TestAdmitSemaphoreNoRedisIsNoOp(t *testing.T) {
	sem := NewAdmitSemaphore(nil, "tasks:admit", 1)
	ctx := context.Background()
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("expected no-op acquire to succeed, got %v", err)
	}
	sem.Release(ctx)
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	manager, store := openTestManager(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "doc.pdf")
	version, _ := store.CreateVersion(ctx, metadata.CreateVersionParams{
		GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf",
		StorageKey: "k", UploadedBy: 1, Visibility: metadata.VisibilityPrivate,
		OriginalFilename: "doc.pdf",
	})
	task, err := store.CreateTask(ctx, metadata.TaskIngestDocument, version.ID, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := manager.Pause(ctx, task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	reloaded, _ := store.GetTask(ctx, task.ID)
	if !reloaded.PauseRequested {
		t.Fatalf("expected pause_requested to be set")
	}

	if err := manager.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	reloaded, _ = store.GetTask(ctx, task.ID)
	if reloaded.PauseRequested {
		t.Fatalf("expected pause_requested to be cleared")
	}
	if reloaded.State != metadata.TaskQueued {
		t.Fatalf("expected resumed task to be queued, got %s", reloaded.State)
	}
}

func TestCancelFailsOnFinishedTask(t *testing.T) {
	manager, store := openTestManager(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "doc2.pdf")
	version, _ := store.CreateVersion(ctx, metadata.CreateVersionParams{
		GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf",
		StorageKey: "k", UploadedBy: 1, Visibility: metadata.VisibilityPrivate,
		OriginalFilename: "doc2.pdf",
	})
	task, _ := store.CreateTask(ctx, metadata.TaskIngestDocument, version.ID, nil)
	if err := store.CompleteTask(ctx, task.ID); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	if err := manager.Cancel(ctx, task.ID); err != ErrTaskNotActive {
		t.Fatalf("expected ErrTaskNotActive, got %v", err)
	}
}

func TestHandleCheckpointPersists(t *testing.T) {
	_, store := openTestManager(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "doc3.pdf")
	version, _ := store.CreateVersion(ctx, metadata.CreateVersionParams{
		GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf",
		StorageKey: "k", UploadedBy: 1, Visibility: metadata.VisibilityPrivate,
		OriginalFilename: "doc3.pdf",
	})
	task, _ := store.CreateTask(ctx, metadata.TaskIngestDocument, version.ID, nil)
	leased, err := store.LeaseNextTask(ctx, []metadata.TaskKind{metadata.TaskIngestDocument}, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased.ID != task.ID {
		t.Fatalf("expected to lease task %d, got %d", task.ID, leased.ID)
	}

	handle := &Handle{task: leased, store: store, admitGate: NewAdmitSemaphore(nil, "x", 1)}
	if err := handle.Checkpoint(ctx, "chunk", 5); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	reloaded, _ := store.GetTask(ctx, task.ID)
	if reloaded.StageCursor != "chunk" || reloaded.SubIndex != 5 {
		t.Fatalf("expected checkpoint persisted, got stage=%q subIndex=%d", reloaded.StageCursor, reloaded.SubIndex)
	}
}
