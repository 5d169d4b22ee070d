package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"knowledgebase/blobstore"
	"knowledgebase/chunker"
	"knowledgebase/metadata"
	"knowledgebase/modelgateway"
	"knowledgebase/render"
	"knowledgebase/tasks"
)

type fakeEmbedder struct {
	calls [][]string
}

func (f *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.calls = append(f.calls, inputs)
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = []float32{0.5, 0.5}
	}
	return vectors, nil
}

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

func newTestHandle(t *testing.T, store *metadata.Store, versionID uint64) *tasks.Handle {
	t.Helper()
	task, err := store.CreateTask(context.Background(), metadata.TaskIngestDocument, versionID, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tasks.NewHandle(task, store, nil)
}

var seedVersionCounter int64

func seedVersion(t *testing.T, store *metadata.Store) *metadata.DocumentVersion {
	t.Helper()
	ctx := context.Background()
	filename := fmt.Sprintf("manual-%d.pdf", atomic.AddInt64(&seedVersionCounter, 1))
	group, err := store.FindOrCreateGroup(ctx, 1, nil, filename)
	if err != nil {
		t.Fatalf("find or create group: %v", err)
	}
	version, err := store.CreateVersion(ctx, metadata.CreateVersionParams{
		GroupID:          group.ID,
		VersionNumber:    1,
		Checksum:         "c",
		FileType:         "pdf",
		StorageKey:       "k",
		UploadedBy:       1,
		Visibility:       metadata.VisibilityPrivate,
		OriginalFilename: filename,
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	return version
}

func TestChunkSplitsEachPageIntoOrderedChunks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	version := seedVersion(t, store)

	longText := ""
	for i := 0; i < 200; i++ {
		longText += "word "
	}
	pages := []metadata.Page{
		{DocumentVersionID: version.ID, PageNumber: 1, Text: longText},
		{DocumentVersionID: version.ID, PageNumber: 2, Text: ""},
		{DocumentVersionID: version.ID, PageNumber: 3, Text: "a short page of text"},
	}
	for i := range pages {
		if err := store.UpsertPage(ctx, &pages[i]); err != nil {
			t.Fatalf("upsert page: %v", err)
		}
	}

	deps := &Deps{Store: store, Splitter: chunker.NewSplitter(500, 50, 2000)}
	handle := newTestHandle(t, store, version.ID)

	if err := deps.chunk(ctx, handle); err != nil {
		t.Fatalf("chunk: %v", err)
	}

	chunks, err := store.ListChunksForVersion(ctx, version.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}

	// page 2 is empty and must be skipped entirely.
	for _, c := range chunks {
		if c.PageNumber == 2 {
			t.Fatalf("expected no chunks for the empty page, got one")
		}
	}

	// LocalIndex must be a contiguous, strictly increasing sequence
	// across the whole version, not just within a page.
	for i, c := range chunks {
		if c.LocalIndex != i {
			t.Fatalf("expected local index %d, got %d", i, c.LocalIndex)
		}
	}

	last := chunks[len(chunks)-1]
	if last.PageNumber != 3 || last.Text != "a short page of text" {
		t.Fatalf("expected the final chunk to carry page 3's short text, got page %d text %q", last.PageNumber, last.Text)
	}
}

func TestChunkIsIdempotentAcrossReruns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	version := seedVersion(t, store)

	if err := store.UpsertPage(ctx, &metadata.Page{DocumentVersionID: version.ID, PageNumber: 1, Text: "some page text"}); err != nil {
		t.Fatalf("upsert page: %v", err)
	}

	deps := &Deps{Store: store, Splitter: chunker.NewSplitter(500, 50, 2000)}
	handle := newTestHandle(t, store, version.ID)

	if err := deps.chunk(ctx, handle); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	first, err := store.ListChunksForVersion(ctx, version.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}

	if err := deps.chunk(ctx, handle); err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	second, err := store.ListChunksForVersion(ctx, version.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("expected a re-run to leave the chunk set unchanged rather than append, got %d then %d chunks", len(first), len(second))
	}
}

func TestIndexOfStageResolvesCursor(t *testing.T) {
	cases := []struct {
		cursor string
		want   int
	}{
		{"", 0},
		{StageAdmit, 0},
		{StageOCR, 2},
		{StageFinalize, len(stageOrder) - 1},
		{"not-a-real-stage", 0},
	}
	for _, tc := range cases {
		if got := indexOfStage(tc.cursor); got != tc.want {
			t.Errorf("indexOfStage(%q) = %d, want %d", tc.cursor, got, tc.want)
		}
	}
}

func TestNextStageAdvancesThroughTheWholeOrder(t *testing.T) {
	for i, stage := range stageOrder[:len(stageOrder)-1] {
		want := stageOrder[i+1]
		if got := nextStage(stage); got != want {
			t.Errorf("nextStage(%q) = %q, want %q", stage, got, want)
		}
	}
	if got := nextStage(StageFinalize); got != StageFinalize {
		t.Errorf("nextStage(finalize) = %q, want it to stay at finalize", got)
	}
	if got := nextStage("bogus"); got != "bogus" {
		t.Errorf("nextStage(bogus) = %q, want the input unchanged", got)
	}
}

func TestPercentForIsMonotonicWithinAStageAndLowerBoundOnEmptyTotal(t *testing.T) {
	if got := percentFor(StageOCR, 0, 0); got != 20 {
		t.Errorf("percentFor with zero total = %d, want the stage's lower bound 20", got)
	}
	half := percentFor(StageOCR, 5, 10)
	full := percentFor(StageOCR, 10, 10)
	if !(20 <= half && half <= full && full <= 60) {
		t.Errorf("percentFor(OCR, 5, 10)=%d, percentFor(OCR, 10, 10)=%d; expected 20 <= half <= full <= 60", half, full)
	}
	if got := percentFor(StageFinalize, 1, 1); got != 100 {
		t.Errorf("percentFor(finalize, 1, 1) = %d, want 100", got)
	}
}

func TestJoinRegionTextSkipsBlankRegions(t *testing.T) {
	regions := []modelgateway.OCRRegion{
		{Text: "first line"},
		{Text: ""},
		{Text: "second line"},
	}
	got := joinRegionText(regions)
	want := "first line\nsecond line"
	if got != want {
		t.Fatalf("joinRegionText() = %q, want %q", got, want)
	}
	if joinRegionText(nil) != "" {
		t.Fatalf("expected empty string for no regions")
	}
}

func TestToBBoxesCarriesTextConfidenceAndBox(t *testing.T) {
	regions := []modelgateway.OCRRegion{
		{Text: "hello", Confidence: 0.9, Box: [4]float64{1, 2, 3, 4}},
	}
	boxes := toBBoxes(regions)
	if len(boxes) != 1 {
		t.Fatalf("expected 1 box, got %d", len(boxes))
	}
	if boxes[0].Text != "hello" || boxes[0].Confidence != 0.9 || boxes[0].Box != [4]float64{1, 2, 3, 4} {
		t.Fatalf("unexpected box %+v", boxes[0])
	}
	if toBBoxes(nil) != nil {
		t.Fatalf("expected nil boxes for no regions")
	}
}

func TestEmbedSkipsChunksThatAlreadyHaveVectors(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	version := seedVersion(t, store)

	already := metadata.Chunk{ChunkKey: "v1-p1-c0", DocumentVersionID: version.ID, PageNumber: 1, LocalIndex: 0, Text: "copied from a prior ingest"}
	pending := metadata.Chunk{ChunkKey: "v1-p1-c1", DocumentVersionID: version.ID, PageNumber: 1, LocalIndex: 1, Text: "needs embedding"}

	if err := store.ReplaceChunks(ctx, version.ID, []metadata.Chunk{already, pending}); err != nil {
		t.Fatalf("seed chunks: %v", err)
	}
	if err := store.SetChunkEmbeddings(ctx, map[string][]float32{"v1-p1-c0": {0.1, 0.2}}); err != nil {
		t.Fatalf("seed embedding for already-embedded chunk: %v", err)
	}

	embedder := &fakeEmbedder{}
	deps := &Deps{Store: store, Embedder: embedder}
	handle := newTestHandle(t, store, version.ID)

	if err := deps.embed(ctx, handle); err != nil {
		t.Fatalf("embed: %v", err)
	}

	if len(embedder.calls) != 1 || len(embedder.calls[0]) != 1 || embedder.calls[0][0] != "needs embedding" {
		t.Fatalf("expected the embedder to be called with only the pending chunk's text, got %v", embedder.calls)
	}

	chunks, err := store.ListChunksForVersion(ctx, version.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	for _, c := range chunks {
		if c.Vector() == nil {
			t.Fatalf("expected every chunk to carry a vector after embed, got none for %q", c.ChunkKey)
		}
	}
}

func TestFinalizeDefersWhileChildTasksAreOutstanding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parentVersion := seedVersion(t, store)
	deps := &Deps{Store: store}
	parentHandle := newTestHandle(t, store, parentVersion.ID)

	parentTaskID := parentHandle.TaskID()
	childVersion := seedVersion(t, store)
	if _, err := store.CreateTask(ctx, metadata.TaskIngestDocument, childVersion.ID, &parentTaskID); err != nil {
		t.Fatalf("create child task: %v", err)
	}

	if err := deps.finalize(ctx, parentHandle); !errors.Is(err, tasks.ErrAwaitingChildren) {
		t.Fatalf("expected finalize to defer on an outstanding child, got %v", err)
	}

	reloaded, err := store.GetVersion(ctx, parentVersion.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if reloaded.Status == metadata.VersionCompleted {
		t.Fatalf("expected the parent version to stay incomplete while a child is outstanding")
	}
}

func TestFinalizeFailsWhenAChildFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parentVersion := seedVersion(t, store)
	deps := &Deps{Store: store}
	parentHandle := newTestHandle(t, store, parentVersion.ID)

	parentTaskID := parentHandle.TaskID()
	childVersion := seedVersion(t, store)
	child, err := store.CreateTask(ctx, metadata.TaskIngestDocument, childVersion.ID, &parentTaskID)
	if err != nil {
		t.Fatalf("create child task: %v", err)
	}
	if err := store.FailTask(ctx, child.ID, errors.New("boom")); err != nil {
		t.Fatalf("fail child task: %v", err)
	}

	err = deps.finalize(ctx, parentHandle)
	var permErr *PermanentInputError
	if !errors.As(err, &permErr) {
		t.Fatalf("expected a PermanentInputError once the child fails, got %v", err)
	}

	reloaded, err := store.GetVersion(ctx, parentVersion.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if reloaded.Status != metadata.VersionFailed {
		t.Fatalf("expected the parent version to be marked failed, got %s", reloaded.Status)
	}
}

func TestAdmitChildIngestSurfacesAnUnconfiguredBlobStore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	parentVersion := seedVersion(t, store)

	deps := &Deps{Store: store, Blobs: &blobstore.Store{}}

	entry := render.ArchiveEntry{Name: "sheet.pdf", Data: []byte("%PDF-1.4 fake")}
	err := deps.admitChildIngest(ctx, parentVersion, entry, 99)
	var transientErr *TransientError
	if !errors.As(err, &transientErr) {
		t.Fatalf("expected a TransientError from the unconfigured blob store, got %v", err)
	}
}
