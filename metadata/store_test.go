package metadata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store
}

func TestCreateVersionFlipsIsLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	group, err := store.FindOrCreateGroup(ctx, 1, nil, "drawing.pdf")
	if err != nil {
		t.Fatalf("find or create group: %v", err)
	}

	first, err := store.CreateVersion(ctx, CreateVersionParams{
		GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf",
		StorageKey: "docs/a/raw", UploadedBy: 1, Visibility: VisibilityPrivate,
		OriginalFilename: "drawing.pdf",
	})
	if err != nil {
		t.Fatalf("create first version: %v", err)
	}
	if !first.IsLatest {
		t.Fatalf("expected first version to be latest")
	}

	second, err := store.CreateVersion(ctx, CreateVersionParams{
		GroupID: group.ID, VersionNumber: 2, Checksum: "b", FileType: "pdf",
		StorageKey: "docs/b/raw", UploadedBy: 1, Visibility: VisibilityPrivate,
		OriginalFilename: "drawing.pdf",
	})
	if err != nil {
		t.Fatalf("create second version: %v", err)
	}
	if !second.IsLatest {
		t.Fatalf("expected second version to be latest")
	}

	reloadedFirst, err := store.GetVersion(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first version: %v", err)
	}
	if reloadedFirst.IsLatest {
		t.Fatalf("expected first version to no longer be latest")
	}
}

func TestDeleteVersionPromotesNextLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "manual.pdf")
	v1, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf", StorageKey: "k1", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "manual.pdf"})
	v2, err := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 2, Checksum: "b", FileType: "pdf", StorageKey: "k2", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "manual.pdf"})
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}

	if err := store.DeleteVersion(ctx, v2.ID); err != nil {
		t.Fatalf("delete v2: %v", err)
	}

	latest, err := store.LatestVersion(ctx, group.ID)
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if latest.ID != v1.ID {
		t.Fatalf("expected version %d to be promoted to latest, got %d", v1.ID, latest.ID)
	}
}

func TestCopyChunksPreservesEmbeddingsAndDerivesFreshKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "source.pdf")
	source, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf", StorageKey: "k1", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "source.pdf"})
	target, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 2, Checksum: "b", FileType: "pdf", StorageKey: "k2", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "source.pdf"})

	if err := store.ReplaceChunks(ctx, source.ID, []Chunk{
		{ChunkKey: "v1-p1-c0", DocumentVersionID: source.ID, PageNumber: 1, LocalIndex: 0, Text: "first", Embedding: encodeVector([]float32{0.1, 0.2})},
		{ChunkKey: "v1-p1-c1", DocumentVersionID: source.ID, PageNumber: 1, LocalIndex: 1, Text: "second", Embedding: encodeVector([]float32{0.3, 0.4})},
	}); err != nil {
		t.Fatalf("seed source chunks: %v", err)
	}

	if err := store.CopyChunks(ctx, source.ID, target.ID); err != nil {
		t.Fatalf("copy chunks: %v", err)
	}

	copied, err := store.ListChunksForVersion(ctx, target.ID)
	if err != nil {
		t.Fatalf("list copied chunks: %v", err)
	}
	if len(copied) != 2 {
		t.Fatalf("expected 2 copied chunks, got %d", len(copied))
	}
	for _, c := range copied {
		if c.ChunkKey == "v1-p1-c0" || c.ChunkKey == "v1-p1-c1" {
			t.Fatalf("expected a chunk key derived from the target version, got source key %q", c.ChunkKey)
		}
		if c.Vector() == nil {
			t.Fatalf("expected copied chunk %q to carry its source embedding", c.ChunkKey)
		}
	}
}

func TestChildProgressAveragesAndDetectsFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "bundle.zip")
	parentVersion, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 1, Checksum: "p", FileType: "archive", StorageKey: "kp", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "bundle.zip"})
	parent, err := store.CreateTask(ctx, TaskIngestDocument, parentVersion.ID, nil)
	if err != nil {
		t.Fatalf("create parent task: %v", err)
	}

	childGroup, _ := store.FindOrCreateGroup(ctx, 1, nil, "a.pdf")
	childVersion, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: childGroup.ID, VersionNumber: 1, Checksum: "c", FileType: "pdf", StorageKey: "kc", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "a.pdf"})
	child, err := store.CreateTask(ctx, TaskIngestDocument, childVersion.ID, &parent.ID)
	if err != nil {
		t.Fatalf("create child task: %v", err)
	}

	allDone, failed, avgPercent, err := store.ChildProgress(ctx, parent.ID)
	if err != nil {
		t.Fatalf("child progress: %v", err)
	}
	if allDone {
		t.Fatalf("expected allDone=false while child is still queued")
	}
	if failed != 0 {
		t.Fatalf("expected no failures yet, got %d", failed)
	}
	if avgPercent != 0 {
		t.Fatalf("expected 0%% average for an unstarted child, got %d", avgPercent)
	}

	if err := store.FailTask(ctx, child.ID, ErrNotFound); err != nil {
		t.Fatalf("fail child task: %v", err)
	}

	allDone, failed, avgPercent, err = store.ChildProgress(ctx, parent.ID)
	if err != nil {
		t.Fatalf("child progress after failure: %v", err)
	}
	if !allDone {
		t.Fatalf("expected allDone=true once the only child reached a terminal state")
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed child, got %d", failed)
	}
	if avgPercent != 0 {
		t.Fatalf("expected 0%% average for a failed child, got %d", avgPercent)
	}
}

func TestCancelChildTasksOnlyTouchesNonTerminalChildren(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "bundle2.zip")
	parentVersion, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 1, Checksum: "p2", FileType: "archive", StorageKey: "kp2", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "bundle2.zip"})
	parent, _ := store.CreateTask(ctx, TaskIngestDocument, parentVersion.ID, nil)

	runningGroup, _ := store.FindOrCreateGroup(ctx, 1, nil, "b.pdf")
	runningVersion, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: runningGroup.ID, VersionNumber: 1, Checksum: "r", FileType: "pdf", StorageKey: "kr", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "b.pdf"})
	running, _ := store.CreateTask(ctx, TaskIngestDocument, runningVersion.ID, &parent.ID)

	doneGroup, _ := store.FindOrCreateGroup(ctx, 1, nil, "c.pdf")
	doneVersion, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: doneGroup.ID, VersionNumber: 1, Checksum: "d", FileType: "pdf", StorageKey: "kd", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "c.pdf"})
	done, _ := store.CreateTask(ctx, TaskIngestDocument, doneVersion.ID, &parent.ID)
	if err := store.CompleteTask(ctx, done.ID); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	if err := store.CancelChildTasks(ctx, parent.ID); err != nil {
		t.Fatalf("cancel child tasks: %v", err)
	}

	reloadedRunning, _ := store.GetTask(ctx, running.ID)
	if !reloadedRunning.CancelRequested {
		t.Fatalf("expected the queued child to have cancel_requested set")
	}
	reloadedDone, _ := store.GetTask(ctx, done.ID)
	if reloadedDone.CancelRequested {
		t.Fatalf("expected the already-completed child to be left alone")
	}
}

func TestMarkTaskCancelledIsTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "cancel.pdf")
	version, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf", StorageKey: "k", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "cancel.pdf"})
	task, _ := store.CreateTask(ctx, TaskIngestDocument, version.ID, nil)

	if err := store.MarkTaskCancelled(ctx, task.ID); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	reloaded, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.State != TaskCancelled {
		t.Fatalf("expected state cancelled, got %s", reloaded.State)
	}
}

func TestLeaseNextTaskClaimsOldestQueued(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "spec.pdf")
	version, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf", StorageKey: "k1", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "spec.pdf"})

	task, err := store.CreateTask(ctx, TaskIngestDocument, version.ID, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	leased, err := store.LeaseNextTask(ctx, []TaskKind{TaskIngestDocument}, time.Minute)
	if err != nil {
		t.Fatalf("lease next task: %v", err)
	}
	if leased.ID != task.ID {
		t.Fatalf("expected to lease task %d, got %d", task.ID, leased.ID)
	}
	if leased.State != TaskRunning {
		t.Fatalf("expected leased task to be running, got %s", leased.State)
	}

	if _, err := store.LeaseNextTask(ctx, []TaskKind{TaskIngestDocument}, time.Minute); err != ErrNotFound {
		t.Fatalf("expected no further task to lease, got %v", err)
	}
}

func TestSweepExpiredLeasesRequeues(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	group, _ := store.FindOrCreateGroup(ctx, 1, nil, "sweep.pdf")
	version, _ := store.CreateVersion(ctx, CreateVersionParams{GroupID: group.ID, VersionNumber: 1, Checksum: "a", FileType: "pdf", StorageKey: "k1", UploadedBy: 1, Visibility: VisibilityPrivate, OriginalFilename: "sweep.pdf"})
	task, _ := store.CreateTask(ctx, TaskIngestDocument, version.ID, nil)

	if _, err := store.LeaseNextTask(ctx, []TaskKind{TaskIngestDocument}, -time.Minute); err != nil {
		t.Fatalf("lease next task: %v", err)
	}

	affected, err := store.SweepExpiredLeases(ctx, []TaskKind{TaskIngestDocument})
	if err != nil {
		t.Fatalf("sweep expired leases: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 task requeued, got %d", affected)
	}

	reloaded, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.State != TaskQueued {
		t.Fatalf("expected task requeued, got %s", reloaded.State)
	}
}
