// Package pipeline implements the seven-stage ingest DAG: admit,
// render, per-page OCR, chunk, embed, index, finalize. Every stage
// checkpoints its cursor through the tasks package's Handle so a
// crashed worker resumes exactly where it left off rather than
// re-running completed work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"knowledgebase/blobstore"
	"knowledgebase/chunker"
	"knowledgebase/metadata"
	"knowledgebase/modelgateway"
	"knowledgebase/render"
	"knowledgebase/searchindex"
	"knowledgebase/tasks"
)

const (
	StageAdmit    = "admit"
	StageRender   = "render"
	StageOCR      = "ocr"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageIndex    = "index"
	StageFinalize = "finalize"
)

var stageOrder = []string{StageAdmit, StageRender, StageOCR, StageChunk, StageEmbed, StageIndex, StageFinalize}

// lowConfidenceThreshold is the average-confidence cutoff below which
// native text (if present) wins over the OCR result for a page.
const lowConfidenceThreshold = 0.3

// reOCRConfidenceThreshold is the per-page OCR confidence below which a
// VLM correction pass runs even in fast mode; deep mode always runs it.
const reOCRConfidenceThreshold = 0.5

const (
	processingModeFast = "fast"
	processingModeDeep = "deep"
)

// presignedURLExpiry bounds how long an indexed document's original-file
// and page-image URLs stay valid before a caller has to re-search to get
// a fresh link.
const presignedURLExpiry = 24 * time.Hour

// Deps wires the pipeline's stages to their backing collaborators.
type Deps struct {
	Store       *metadata.Store
	Blobs       *blobstore.Store
	Index       *searchindex.Client
	Embedder    modelgateway.Embedder
	VLM         *modelgateway.VLMClient
	OCR         modelgateway.OCRClient
	DocRenderer render.ExternalRenderer
	Splitter    *chunker.Splitter
}

// Ingest runs every stage of the DAG starting from handle's persisted
// stage cursor, in order, checkpointing between each.
func (d *Deps) Ingest(ctx context.Context, handle *tasks.Handle) error {
	start := indexOfStage(handle.StageCursor())
	for i := start; i < len(stageOrder); i++ {
		if err := handle.CheckControl(ctx); err != nil {
			return err
		}
		stage := stageOrder[i]
		if err := d.runStage(ctx, handle, stage); err != nil {
			return err
		}
		if err := handle.Checkpoint(ctx, nextStage(stage), 0); err != nil {
			return &TransientError{Stage: stage, Err: err}
		}
	}
	return nil
}

func (d *Deps) runStage(ctx context.Context, handle *tasks.Handle, stage string) error {
	switch stage {
	case StageAdmit:
		return d.admit(ctx, handle)
	case StageRender:
		return d.render(ctx, handle)
	case StageOCR:
		return d.ocr(ctx, handle)
	case StageChunk:
		return d.chunk(ctx, handle)
	case StageEmbed:
		return d.embed(ctx, handle)
	case StageIndex:
		return d.index(ctx, handle)
	case StageFinalize:
		return d.finalize(ctx, handle)
	default:
		return &InvariantError{Message: fmt.Sprintf("unknown stage %q", stage)}
	}
}

func indexOfStage(cursor string) int {
	if cursor == "" {
		return 0
	}
	for i, s := range stageOrder {
		if s == cursor {
			return i
		}
	}
	return 0
}

func nextStage(stage string) string {
	for i, s := range stageOrder {
		if s == stage && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return stage
}

func (d *Deps) admit(ctx context.Context, handle *tasks.Handle) error {
	if err := handle.AcquireAdmit(ctx); err != nil {
		return &TransientError{Stage: StageAdmit, Err: err}
	}
	defer handle.ReleaseAdmit(ctx)

	version, err := d.Store.GetVersion(ctx, handle.TargetVersionID())
	if err != nil {
		return &TransientError{Stage: StageAdmit, Err: err}
	}

	data, err := d.Blobs.Get(ctx, version.StorageKey)
	if err != nil {
		return &TransientError{Stage: StageAdmit, Err: err}
	}
	if blobstore.Checksum(data) != version.Checksum {
		return &PermanentInputError{Stage: StageAdmit, Message: "uploaded bytes do not match recorded checksum"}
	}

	existing, err := d.Store.FindCompletedVersionByChecksum(ctx, version.Checksum, version.UploadedBy, version.ID)
	if err == nil {
		// An identical upload already ran the full pipeline. Copy its pages
		// (OCR output, bboxes included) and chunks (embeddings included) onto
		// this version so render/ocr/chunk/embed all find their output
		// already present and skip straight through without calling the VLM
		// or the embedder again.
		if copyErr := d.Store.CopyPages(ctx, existing.ID, version.ID); copyErr != nil {
			return &TransientError{Stage: StageAdmit, Err: copyErr}
		}
		if setErr := d.Store.SetTotalPages(ctx, version.ID, existing.TotalPages); setErr != nil {
			return &TransientError{Stage: StageAdmit, Err: setErr}
		}
		if copyErr := d.Store.CopyChunks(ctx, existing.ID, version.ID); copyErr != nil {
			return &TransientError{Stage: StageAdmit, Err: copyErr}
		}
		return nil
	}
	if err != metadata.ErrNotFound {
		return &TransientError{Stage: StageAdmit, Err: err}
	}

	return d.Store.SetVersionStatus(ctx, version.ID, metadata.VersionProcessing, nil)
}

func (d *Deps) render(ctx context.Context, handle *tasks.Handle) error {
	version, err := d.Store.GetVersion(ctx, handle.TargetVersionID())
	if err != nil {
		return &TransientError{Stage: StageRender, Err: err}
	}

	// Copy-on-link admit already populated pages for this short circuit.
	if existing, err := d.Store.ListPagesForVersion(ctx, version.ID); err == nil && len(existing) > 0 {
		return nil
	}
	// A previous attempt already fanned this archive out into child
	// ingests; don't create them twice.
	if existing, err := d.Store.ListChildTasks(ctx, handle.TaskID()); err == nil && len(existing) > 0 {
		return nil
	}

	data, err := d.Blobs.Get(ctx, version.StorageKey)
	if err != nil {
		return &TransientError{Stage: StageRender, Err: err}
	}

	fileType := render.DetectFileType(version.OriginalFilename, data)

	if fileType == "archive" {
		expanded, err := d.expandArchive(ctx, handle, version, data)
		if err != nil {
			return err
		}
		if expanded {
			return nil
		}
	}

	pages, err := d.renderPages(ctx, fileType, data, version.OriginalFilename)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return &PermanentInputError{Stage: StageRender, Message: "document produced no pages"}
	}

	for _, page := range pages {
		var imageKey string
		if len(page.ImagePNG) > 0 {
			imageKey = blobstore.PageImageKey(version.ID, page.Number)
			if err := d.Blobs.Put(ctx, imageKey, page.ImagePNG, "image/png"); err != nil {
				return &TransientError{Stage: StageRender, Err: err}
			}
		}
		if err := d.Store.UpsertPage(ctx, &metadata.Page{
			DocumentVersionID: version.ID,
			PageNumber:        page.Number,
			ImageKey:          imageKey,
			Text:              page.PlainText,
		}); err != nil {
			return &TransientError{Stage: StageRender, Err: err}
		}
	}

	return d.Store.SetTotalPages(ctx, version.ID, len(pages))
}

// renderPages dispatches to the native in-process renderers for text,
// image, and page-image archives, and to the external conversion
// capability for pdf/word/presentation/spreadsheet, which this package
// has no safe native decoder for.
func (d *Deps) renderPages(ctx context.Context, fileType string, data []byte, originalFilename string) ([]render.Page, error) {
	switch fileType {
	case "pdf", "word", "presentation", "spreadsheet":
		if d.DocRenderer == nil {
			return nil, &PermanentInputError{Stage: StageRender, Message: (&render.UnsupportedFormatError{FileType: fileType}).Error()}
		}
		pages, err := d.DocRenderer.RenderPages(ctx, data, originalFilename, fileType)
		if err != nil {
			return nil, &TransientError{Stage: StageRender, Err: err}
		}
		return pages, nil
	default:
		renderer, err := render.ForFileType(fileType)
		if err != nil {
			return nil, &PermanentInputError{Stage: StageRender, Message: err.Error()}
		}
		pages, err := renderer.RenderPages(data, originalFilename)
		if err != nil {
			return nil, &PermanentInputError{Stage: StageRender, Message: err.Error()}
		}
		return pages, nil
	}
}

// expandArchive detects whether an uploaded archive bundles separate
// document files rather than page images of one document and, if so,
// fans it out into one child ingest task per entry with this task as
// their parent, reporting expanded=true so the render stage does not
// also try to rasterize the archive itself. A page-image archive
// (expanded=false) falls through to the existing archiveRenderer path.
func (d *Deps) expandArchive(ctx context.Context, handle *tasks.Handle, version *metadata.DocumentVersion, data []byte) (bool, error) {
	entries, err := render.ExtractArchiveEntries(data, version.OriginalFilename)
	if err != nil {
		return false, &PermanentInputError{Stage: StageRender, Message: err.Error()}
	}
	if !render.IsDocumentBundle(entries) {
		return false, nil
	}

	for _, entry := range entries {
		if err := handle.CheckControl(ctx); err != nil {
			return true, err
		}
		if err := d.admitChildIngest(ctx, version, entry, handle.TaskID()); err != nil {
			return true, err
		}
	}
	return true, nil
}

// admitChildIngest creates a new document group, version, and ingest
// task for one file extracted from a document-bundle archive, linking
// the task to parentTaskID so the parent's finalize stage waits for it.
func (d *Deps) admitChildIngest(ctx context.Context, parent *metadata.DocumentVersion, entry render.ArchiveEntry, parentTaskID uint64) error {
	checksum := blobstore.Checksum(entry.Data)
	storageKey := blobstore.RawDocumentKey(checksum)
	if exists, err := d.Blobs.Exists(ctx, storageKey); err != nil {
		return &TransientError{Stage: StageRender, Err: err}
	} else if !exists {
		if err := d.Blobs.Put(ctx, storageKey, entry.Data, "application/octet-stream"); err != nil {
			return &TransientError{Stage: StageRender, Err: err}
		}
	}

	group, err := d.Store.FindOrCreateGroup(ctx, parent.UploadedBy, parent.OrgID, entry.Name)
	if err != nil {
		return &TransientError{Stage: StageRender, Err: err}
	}
	versionNumber, err := d.Store.NextVersionNumber(ctx, group.ID)
	if err != nil {
		return &TransientError{Stage: StageRender, Err: err}
	}

	childVersion, err := d.Store.CreateVersion(ctx, metadata.CreateVersionParams{
		GroupID:          group.ID,
		VersionNumber:    versionNumber,
		Checksum:         checksum,
		FileType:         render.DetectFileType(entry.Name, entry.Data),
		FileSize:         int64(len(entry.Data)),
		StorageKey:       storageKey,
		UploadedBy:       parent.UploadedBy,
		OrgID:            parent.OrgID,
		Visibility:       parent.Visibility,
		SharedWithUsers:  parent.SharedUserIDs(),
		SharedWithRoles:  parent.SharedRoleCodes(),
		ProcessingMode:   parent.ProcessingMode,
		OCREngine:        parent.OCREngine,
		Category:         parent.Category,
		Tags:             parent.TagList(),
		Author:           parent.Author,
		Description:      parent.Description,
		OriginalFilename: entry.Name,
	})
	if err != nil {
		return &TransientError{Stage: StageRender, Err: err}
	}

	if _, err := d.Store.CreateTask(ctx, metadata.TaskIngestDocument, childVersion.ID, &parentTaskID); err != nil {
		return &TransientError{Stage: StageRender, Err: err}
	}
	return nil
}

func (d *Deps) ocr(ctx context.Context, handle *tasks.Handle) error {
	version, err := d.Store.GetVersion(ctx, handle.TargetVersionID())
	if err != nil {
		return &TransientError{Stage: StageOCR, Err: err}
	}
	pages, err := d.Store.ListPagesForVersion(ctx, version.ID)
	if err != nil {
		return &TransientError{Stage: StageOCR, Err: err}
	}

	startAt := handle.SubIndex()
	for _, page := range pages {
		if page.PageNumber <= startAt {
			continue
		}
		if err := handle.CheckControl(ctx); err != nil {
			return err
		}
		if err := d.ocrPage(ctx, version, &page); err != nil {
			return err
		}
		if err := handle.Checkpoint(ctx, StageOCR, page.PageNumber); err != nil {
			return &TransientError{Stage: StageOCR, Err: err}
		}
		if err := d.Store.UpdateVersionProgress(ctx, version.ID, percentFor(StageOCR, page.PageNumber, len(pages)), fmt.Sprintf("ocr page %d/%d", page.PageNumber, len(pages)), page.PageNumber); err != nil {
			return &TransientError{Stage: StageOCR, Err: err}
		}
	}
	return nil
}

// ocrPage detects text regions on a page's rendered image, persists them
// as bounding boxes with a real average confidence, and optionally runs
// them through the VLM correction pass — always in deep mode, or when
// region detection is unavailable or came back under
// reOCRConfidenceThreshold in fast mode.
func (d *Deps) ocrPage(ctx context.Context, version *metadata.DocumentVersion, page *metadata.Page) error {
	if page.ImageKey == "" {
		// Text-native pages have no image to OCR; native text already won.
		return nil
	}
	if len(page.Bboxes) > 0 {
		// Copy-on-link admit already populated this page's OCR output.
		return nil
	}
	if d.OCR == nil && d.VLM == nil {
		return nil
	}

	imageURL, err := d.Blobs.PresignedURL(ctx, page.ImageKey, 10*time.Minute)
	if err != nil {
		return &TransientError{Stage: StageOCR, Err: err}
	}

	var regions []modelgateway.OCRRegion
	if d.OCR != nil {
		detected, err := d.OCR.DetectRegions(ctx, imageURL, version.OCREngine)
		if err != nil {
			var modelErr *modelgateway.ModelError
			if !errors.As(err, &modelErr) || modelErr.Retryable() {
				return &TransientError{Stage: StageOCR, Err: err}
			}
			// Permanent OCR failure: fall through to the VLM-only path below.
		} else {
			regions = detected
		}
	}

	confidence := modelgateway.AverageConfidence(regions)
	text := joinRegionText(regions)
	vlmFailed := false

	needsCorrection := d.VLM != nil &&
		(len(regions) == 0 || version.ProcessingMode == processingModeDeep || confidence < reOCRConfidenceThreshold)
	if needsCorrection {
		corrected, err := d.VLM.DescribePage(ctx, imageURL, "")
		if err != nil {
			vlmFailed = true
			if text == "" {
				text = page.Text
			}
		} else {
			text = corrected
			if len(regions) == 0 {
				confidence = 1.0
			}
		}
	}

	if confidence < lowConfidenceThreshold && page.Text != "" {
		text = page.Text
	}

	page.Text = text
	page.AvgConfidence = confidence
	page.VLMFailed = vlmFailed
	page.Bboxes = metadata.EncodeBBoxes(toBBoxes(regions))
	return d.Store.UpsertPage(ctx, page)
}

func joinRegionText(regions []modelgateway.OCRRegion) string {
	if len(regions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(regions))
	for _, r := range regions {
		if r.Text != "" {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toBBoxes(regions []modelgateway.OCRRegion) []metadata.BBox {
	if len(regions) == 0 {
		return nil
	}
	boxes := make([]metadata.BBox, 0, len(regions))
	for _, r := range regions {
		boxes = append(boxes, metadata.BBox{Text: r.Text, Confidence: r.Confidence, Box: r.Box})
	}
	return boxes
}

func (d *Deps) chunk(ctx context.Context, handle *tasks.Handle) error {
	version, err := d.Store.GetVersion(ctx, handle.TargetVersionID())
	if err != nil {
		return &TransientError{Stage: StageChunk, Err: err}
	}

	// Copy-on-link admit already populated chunks (with embeddings) for
	// this short circuit; recomputing them here would also wipe the
	// copied embeddings via ReplaceChunks.
	if existing, err := d.Store.ListChunksForVersion(ctx, version.ID); err == nil && len(existing) > 0 {
		return nil
	}

	pages, err := d.Store.ListPagesForVersion(ctx, version.ID)
	if err != nil {
		return &TransientError{Stage: StageChunk, Err: err}
	}

	var chunks []metadata.Chunk
	localIndex := 0
	for _, page := range pages {
		if page.Text == "" {
			continue
		}
		for _, piece := range d.Splitter.Split(page.Text) {
			chunks = append(chunks, metadata.Chunk{
				ChunkKey:          fmt.Sprintf("v%d-p%d-c%d", version.ID, page.PageNumber, piece.Seq),
				DocumentVersionID: version.ID,
				PageNumber:        page.PageNumber,
				LocalIndex:        localIndex,
				Text:              piece.Text,
				TokenCount:        piece.TokenCount,
			})
			localIndex++
		}
	}

	return d.Store.ReplaceChunks(ctx, version.ID, chunks)
}

// embedBatchSize bounds how many chunks are embedded per Embedder.Embed
// call and per checkpoint, so a crash mid-stage loses at most one batch of work.
const embedBatchSize = 32

func (d *Deps) embed(ctx context.Context, handle *tasks.Handle) error {
	version, err := d.Store.GetVersion(ctx, handle.TargetVersionID())
	if err != nil {
		return &TransientError{Stage: StageEmbed, Err: err}
	}
	chunks, err := d.Store.ListChunksForVersion(ctx, version.ID)
	if err != nil {
		return &TransientError{Stage: StageEmbed, Err: err}
	}

	// Chunks copied onto this version by the admit stage's copy-on-link
	// path already carry their source embeddings; only embed what is
	// still unwritten, so a duplicate-checksum re-upload never re-calls
	// the embedder for work it already paid for.
	pending := chunks[:0]
	for _, c := range chunks {
		if c.Vector() == nil {
			pending = append(pending, c)
		}
	}

	for batchStart := 0; batchStart < len(pending); batchStart += embedBatchSize {
		if err := handle.CheckControl(ctx); err != nil {
			return err
		}

		batchEnd := batchStart + embedBatchSize
		if batchEnd > len(pending) {
			batchEnd = len(pending)
		}
		batch := pending[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := d.Embedder.Embed(ctx, texts)
		if err != nil {
			return &TransientError{Stage: StageEmbed, Err: err}
		}

		byKey := make(map[string][]float32, len(batch))
		for i, c := range batch {
			if i < len(vectors) {
				byKey[c.ChunkKey] = vectors[i]
			}
		}
		if err := d.Store.SetChunkEmbeddings(ctx, byKey); err != nil {
			return &TransientError{Stage: StageEmbed, Err: err}
		}
		if err := handle.Checkpoint(ctx, StageEmbed, batchEnd); err != nil {
			return &TransientError{Stage: StageEmbed, Err: err}
		}
	}
	return nil
}

func (d *Deps) index(ctx context.Context, handle *tasks.Handle) error {
	if err := d.ReindexVersion(ctx, handle.TargetVersionID()); err != nil {
		return err
	}
	return nil
}

// ReindexVersion rebuilds every chunk document for versionID from the
// relational store and bulk-writes it to the search index, including
// the permission snapshot carried on the version row. It is the index
// stage's own implementation, exposed so a version's chunks can be
// re-synced to the index — after a visibility/sharing change, for
// instance — without replaying the whole ingest pipeline.
func (d *Deps) ReindexVersion(ctx context.Context, versionID uint64) error {
	version, err := d.Store.GetVersion(ctx, versionID)
	if err != nil {
		return &TransientError{Stage: StageIndex, Err: err}
	}
	chunks, err := d.Store.ListChunksForVersion(ctx, version.ID)
	if err != nil {
		return &TransientError{Stage: StageIndex, Err: err}
	}
	if len(chunks) == 0 {
		return nil
	}

	pages, err := d.Store.ListPagesForVersion(ctx, version.ID)
	if err != nil {
		return &TransientError{Stage: StageIndex, Err: err}
	}
	imageKeyByPage := make(map[int]string, len(pages))
	for _, p := range pages {
		imageKeyByPage[p.PageNumber] = p.ImageKey
	}

	var category, description string
	if version.Category != nil {
		category = *version.Category
	}
	if version.Description != nil {
		description = *version.Description
	}

	originalFileURL, err := d.Blobs.PresignedURL(ctx, version.StorageKey, presignedURLExpiry)
	if err != nil {
		return &TransientError{Stage: StageIndex, Err: err}
	}

	docs := make([]searchindex.ChunkDocument, 0, len(chunks))
	keys := make([]string, 0, len(chunks))
	for _, c := range chunks {
		vector := c.Vector()

		var pageImageURL string
		if imageKey := imageKeyByPage[c.PageNumber]; imageKey != "" {
			if url, err := d.Blobs.PresignedURL(ctx, imageKey, presignedURLExpiry); err == nil {
				pageImageURL = url
			}
		}

		docs = append(docs, searchindex.ChunkDocument{
			ChunkKey:         c.ChunkKey,
			Text:             c.Text,
			ContentVector:    vector,
			DocumentID:       version.GroupID,
			VersionID:        version.ID,
			PageNumber:       c.PageNumber,
			LocalIndex:       c.LocalIndex,
			DocumentName:     version.OriginalFilename,
			ProjectName:      category,
			EquipmentTags:    version.TagList(),
			ComponentDetails: description,
			UpdatedAt:        version.UpdatedAt.Unix(),
			Metadata: searchindex.ChunkMetadata{
				Filename:        version.OriginalFilename,
				Filepath:        version.StorageKey,
				FileType:        version.FileType,
				Description:     description,
				PageNumber:      c.PageNumber,
				DocumentID:      version.GroupID,
				OwnerID:         version.UploadedBy,
				OrgID:           version.OrgID,
				Visibility:      string(version.Visibility),
				SharedWithUsers: version.SharedUserIDs(),
				SharedWithRoles: version.SharedRoleCodes(),
				Checksum:        version.Checksum,
				OriginalFileURL: originalFileURL,
				PageImageURL:    pageImageURL,
			},
		})
		keys = append(keys, c.ChunkKey)
	}

	if err := d.Index.BulkIndex(ctx, docs); err != nil {
		return &TransientError{Stage: StageIndex, Err: err}
	}
	return d.Store.MarkChunksIndexed(ctx, keys)
}

func (d *Deps) finalize(ctx context.Context, handle *tasks.Handle) error {
	version, err := d.Store.GetVersion(ctx, handle.TargetVersionID())
	if err != nil {
		return &TransientError{Stage: StageFinalize, Err: err}
	}

	// An archive that was expanded into child ingests finalizes only once
	// every child has reached a terminal state; until then this task's
	// own progress tracks the average of its children's.
	children, err := d.Store.ListChildTasks(ctx, handle.TaskID())
	if err != nil {
		return &TransientError{Stage: StageFinalize, Err: err}
	}
	if len(children) > 0 {
		allDone, failed, avgPercent, err := d.Store.ChildProgress(ctx, handle.TaskID())
		if err != nil {
			return &TransientError{Stage: StageFinalize, Err: err}
		}
		if !allDone {
			if err := d.Store.UpdateVersionProgress(ctx, version.ID, avgPercent, fmt.Sprintf("awaiting %d child document(s)", len(children)), 0); err != nil {
				return &TransientError{Stage: StageFinalize, Err: err}
			}
			return tasks.ErrAwaitingChildren
		}
		if failed > 0 {
			errMsg := fmt.Sprintf("%d of %d child document(s) failed", failed, len(children))
			if err := d.Store.SetVersionStatus(ctx, version.ID, metadata.VersionFailed, &errMsg); err != nil {
				return &TransientError{Stage: StageFinalize, Err: err}
			}
			return &PermanentInputError{Stage: StageFinalize, Message: errMsg}
		}
	}

	if err := d.Store.SetVersionStatus(ctx, version.ID, metadata.VersionCompleted, nil); err != nil {
		return &TransientError{Stage: StageFinalize, Err: err}
	}
	return d.Store.SetLatest(ctx, version.GroupID, version.ID)
}

func percentFor(stage string, done, total int) int {
	stageWeights := map[string][2]int{
		StageAdmit:    {0, 5},
		StageRender:   {5, 20},
		StageOCR:      {20, 60},
		StageChunk:    {60, 70},
		StageEmbed:    {70, 90},
		StageIndex:    {90, 98},
		StageFinalize: {98, 100},
	}
	bounds := stageWeights[stage]
	if total <= 0 {
		return bounds[0]
	}
	span := bounds[1] - bounds[0]
	return bounds[0] + (span*done)/total
}
