package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by lookup methods when the row does not exist
// or is outside the caller's already-applied scope.
var ErrNotFound = errors.New("metadata: record not found")

// Store is the transactional gateway onto the relational tables this
// package owns.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a database handle. db must already be open.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("metadata: database connection is required")
	}
	return &Store{db: db}, nil
}

// DB returns the underlying handle, for packages that need to compose
// their own queries against these tables (documents).
func (s *Store) DB() *gorm.DB { return s.db }

// AutoMigrate creates or updates the tables this package owns.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// FindOrCreateGroup looks up a DocumentGroup by owner and canonical
// filename, creating one if none exists yet — the identity a re-upload
// of the same filename attaches its new version to.
func (s *Store) FindOrCreateGroup(ctx context.Context, ownerID uint64, orgID *uint64, filename string) (*DocumentGroup, error) {
	var group DocumentGroup
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND canonical_filename = ?", ownerID, filename).
		Take(&group).Error
	if err == nil {
		return &group, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	group = DocumentGroup{OwnerID: ownerID, OrgID: orgID, CanonicalFilename: filename}
	if err := s.db.WithContext(ctx).Create(&group).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

// NextVersionNumber returns the version number the next ingest into
// group should use.
func (s *Store) NextVersionNumber(ctx context.Context, groupID uint64) (int, error) {
	var max int
	err := s.db.WithContext(ctx).
		Model(&DocumentVersion{}).
		Where("group_id = ?", groupID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// CreateVersionParams is the input to CreateVersion.
type CreateVersionParams struct {
	GroupID          uint64
	VersionNumber    int
	Checksum         string
	FileType         string
	FileSize         int64
	StorageKey       string
	UploadedBy       uint64
	OrgID            *uint64
	Visibility       Visibility
	SharedWithUsers  []uint64
	SharedWithRoles  []string
	ProcessingMode   string
	OCREngine        string
	Category         *string
	Tags             []string
	Author           *string
	Description      *string
	OriginalFilename string
}

// CreateVersion inserts a new queued DocumentVersion and flips is_latest
// atomically within a transaction, so readers never observe two latest
// versions for the same group.
func (s *Store) CreateVersion(ctx context.Context, params CreateVersionParams) (*DocumentVersion, error) {
	version := &DocumentVersion{
		GroupID:          params.GroupID,
		VersionNumber:    params.VersionNumber,
		IsLatest:         true,
		Checksum:         params.Checksum,
		FileType:         params.FileType,
		FileSize:         params.FileSize,
		StorageKey:       params.StorageKey,
		Status:           VersionQueued,
		UploadedBy:       params.UploadedBy,
		OrgID:            params.OrgID,
		Visibility:       params.Visibility,
		SharedWithUsers:  encodeUint64Slice(params.SharedWithUsers),
		SharedWithRoles:  encodeStringSlice(params.SharedWithRoles),
		ProcessingMode:   params.ProcessingMode,
		OCREngine:        params.OCREngine,
		Category:         params.Category,
		Tags:             encodeStringSlice(params.Tags),
		Author:           params.Author,
		Description:      params.Description,
		OriginalFilename: params.OriginalFilename,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DocumentVersion{}).
			Where("group_id = ? AND is_latest = ?", params.GroupID, true).
			Update("is_latest", false).Error; err != nil {
			return err
		}
		return tx.Create(version).Error
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// GetVersion loads a version by ID.
func (s *Store) GetVersion(ctx context.Context, id uint64) (*DocumentVersion, error) {
	var version DocumentVersion
	if err := s.db.WithContext(ctx).Take(&version, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &version, nil
}

// ListVersionsByGroup returns every version of a group, newest first.
func (s *Store) ListVersionsByGroup(ctx context.Context, groupID uint64) ([]DocumentVersion, error) {
	var versions []DocumentVersion
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("version_number DESC").
		Find(&versions).Error
	return versions, err
}

// GetVersionByNumber loads one version of a group by its version
// number, used by the restore endpoint which addresses versions by
// (group_id, version_number) rather than by row ID.
func (s *Store) GetVersionByNumber(ctx context.Context, groupID uint64, number int) (*DocumentVersion, error) {
	var version DocumentVersion
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND version_number = ?", groupID, number).
		Take(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &version, nil
}

// LatestVersion returns the version currently flagged is_latest for a
// group.
func (s *Store) LatestVersion(ctx context.Context, groupID uint64) (*DocumentVersion, error) {
	var version DocumentVersion
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND is_latest = ?", groupID, true).
		Take(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &version, nil
}

// UpdateVersionProgress advances the percent-complete/message fields
// the status endpoint reports mid-ingest.
func (s *Store) UpdateVersionProgress(ctx context.Context, versionID uint64, percent int, message string, processedPages int) error {
	return s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Updates(map[string]interface{}{
			"progress_percent": percent,
			"progress_message": message,
			"processed_pages":  processedPages,
		}).Error
}

// SetVersionStatus transitions a version's status, optionally recording
// an error message (for Failed), and sets progress to 100 on Completed.
func (s *Store) SetVersionStatus(ctx context.Context, versionID uint64, status VersionStatus, errMsg *string) error {
	updates := map[string]interface{}{"status": status}
	if errMsg != nil {
		updates["error_message"] = *errMsg
	}
	if status == VersionCompleted {
		updates["progress_percent"] = 100
	}
	return s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Updates(updates).Error
}

// FindCompletedVersionByChecksum returns a completed version with the
// same checksum and owner, excluding excludeVersionID, used by the
// admit stage's upload-idempotence short-circuit.
func (s *Store) FindCompletedVersionByChecksum(ctx context.Context, checksum string, ownerID uint64, excludeVersionID uint64) (*DocumentVersion, error) {
	var version DocumentVersion
	err := s.db.WithContext(ctx).
		Where("checksum = ? AND uploaded_by = ? AND status = ? AND id != ?", checksum, ownerID, VersionCompleted, excludeVersionID).
		Order("created_at DESC").
		Take(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &version, nil
}

// CopyPages duplicates every page row of sourceVersionID onto
// targetVersionID, used by the admit stage's copy-on-link path when an
// identical upload already has a fully processed version.
func (s *Store) CopyPages(ctx context.Context, sourceVersionID, targetVersionID uint64) error {
	pages, err := s.ListPagesForVersion(ctx, sourceVersionID)
	if err != nil {
		return err
	}
	copies := make([]Page, 0, len(pages))
	for _, p := range pages {
		copies = append(copies, Page{
			DocumentVersionID: targetVersionID,
			PageNumber:        p.PageNumber,
			ImageKey:          p.ImageKey,
			OCRJSONKey:        p.OCRJSONKey,
			Text:              p.Text,
			AvgConfidence:     p.AvgConfidence,
			Bboxes:            p.Bboxes,
			VLMFailed:         p.VLMFailed,
		})
	}
	if len(copies) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(copies, 100).Error
}

// CopyChunks duplicates every chunk row of sourceVersionID onto
// targetVersionID, embeddings included, so a duplicate-checksum upload's
// copy-on-link path skips re-chunking and re-embedding along with
// skipping render and OCR. Chunk keys are derived from the target
// version so the unique index on chunk_key does not collide with the
// source's rows.
func (s *Store) CopyChunks(ctx context.Context, sourceVersionID, targetVersionID uint64) error {
	chunks, err := s.ListChunksForVersion(ctx, sourceVersionID)
	if err != nil {
		return err
	}
	copies := make([]Chunk, 0, len(chunks))
	seqByPage := make(map[int]int)
	for _, c := range chunks {
		seq := seqByPage[c.PageNumber]
		seqByPage[c.PageNumber] = seq + 1
		copies = append(copies, Chunk{
			ChunkKey:          fmt.Sprintf("v%d-p%d-c%d", targetVersionID, c.PageNumber, seq),
			DocumentVersionID: targetVersionID,
			PageNumber:        c.PageNumber,
			LocalIndex:        c.LocalIndex,
			Text:              c.Text,
			TokenCount:        c.TokenCount,
			Embedding:         c.Embedding,
			Indexed:           false,
		})
	}
	if len(copies) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(copies, 100).Error
}

// SetTotalPages records the page count discovered during the render
// stage.
func (s *Store) SetTotalPages(ctx context.Context, versionID uint64, total int) error {
	return s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Update("total_pages", total).Error
}

// UpsertPage writes or overwrites a page's OCR output and bbox set; the
// unique index on (document_version_id, page_number) makes this an
// idempotent re-run target for a retried OCR stage.
func (s *Store) UpsertPage(ctx context.Context, page *Page) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_version_id"}, {Name: "page_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"image_key", "ocr_json_key", "text", "avg_confidence", "bboxes", "vlm_failed", "updated_at"}),
	}).Create(page).Error
}

// ListPagesForVersion returns every page of a version, in page order.
func (s *Store) ListPagesForVersion(ctx context.Context, versionID uint64) ([]Page, error) {
	var pages []Page
	err := s.db.WithContext(ctx).
		Where("document_version_id = ?", versionID).
		Order("page_number ASC").
		Find(&pages).Error
	return pages, err
}

// GetPage loads a single page by version and page number.
func (s *Store) GetPage(ctx context.Context, versionID uint64, pageNumber int) (*Page, error) {
	var page Page
	err := s.db.WithContext(ctx).
		Where("document_version_id = ? AND page_number = ?", versionID, pageNumber).
		Take(&page).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &page, nil
}

// ReplaceChunks deletes any existing chunks for a version and inserts a
// fresh set, within a transaction — the chunk stage's redo path after a
// crash must never leave duplicates.
func (s *Store) ReplaceChunks(ctx context.Context, versionID uint64, chunks []Chunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_version_id = ?", versionID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 100).Error
	})
}

// ListChunksForVersion returns every chunk of a version, in document
// order.
func (s *Store) ListChunksForVersion(ctx context.Context, versionID uint64) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.WithContext(ctx).
		Where("document_version_id = ?", versionID).
		Order("local_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// SetChunkEmbeddings persists the embedding vector computed for each
// chunk key, batch by batch, so a crash between the embed and index
// stages resumes without re-calling the embedder.
func (s *Store) SetChunkEmbeddings(ctx context.Context, vectors map[string][]float32) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, vector := range vectors {
			if err := tx.Model(&Chunk{}).
				Where("chunk_key = ?", key).
				Update("embedding", encodeVector(vector)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkChunksIndexed flips the indexed flag once the index stage commits
// the batch to the search index.
func (s *Store) MarkChunksIndexed(ctx context.Context, chunkKeys []string) error {
	if len(chunkKeys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Chunk{}).
		Where("chunk_key IN ?", chunkKeys).
		Update("indexed", true).Error
}

// SetLatest flips is_latest atomically from the currently-latest version
// of a group onto target, used by versions.Restore.
func (s *Store) SetLatest(ctx context.Context, groupID uint64, targetVersionID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DocumentVersion{}).
			Where("group_id = ? AND is_latest = ?", groupID, true).
			Update("is_latest", false).Error; err != nil {
			return err
		}
		return tx.Model(&DocumentVersion{}).
			Where("id = ? AND group_id = ?", targetVersionID, groupID).
			Update("is_latest", true).Error
	})
}

// UpdateVisibility overwrites a version's visibility and sharing sets.
// Callers are responsible for validating the transition before calling
// this — the store applies whatever it is given.
func (s *Store) UpdateVisibility(ctx context.Context, versionID uint64, visibility Visibility, sharedUsers []uint64, sharedRoles []string) error {
	return s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Updates(map[string]interface{}{
			"visibility":        visibility,
			"shared_with_users": encodeUint64Slice(sharedUsers),
			"shared_with_roles": encodeStringSlice(sharedRoles),
		}).Error
}

// SupersedeVersion marks a version superseded in place, leaving its
// rows intact — the soft-delete path that keeps chunks retrievable by
// explicit filter even though the version no longer serves as latest.
func (s *Store) SupersedeVersion(ctx context.Context, versionID uint64) error {
	return s.SetVersionStatus(ctx, versionID, VersionSuperseded, nil)
}

// DeleteVersion removes a version and its pages/chunks, and if it was
// the latest, promotes the next-highest remaining version number to
// latest. Callers are responsible for removing the corresponding search
// index entries and blob keys before or after this call.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var version DocumentVersion
		if err := tx.Take(&version, versionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if err := tx.Where("document_version_id = ?", versionID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_version_id = ?", versionID).Delete(&Page{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&DocumentVersion{}, versionID).Error; err != nil {
			return err
		}

		if !version.IsLatest {
			return nil
		}

		var next DocumentVersion
		err := tx.Where("group_id = ?", version.GroupID).
			Order("version_number DESC").
			Take(&next).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Model(&DocumentVersion{}).
			Where("id = ?", next.ID).
			Update("is_latest", true).Error
	})
}

// RequestCancel marks a version cancelled; the running pipeline stage
// observes this on its next checkpoint.
func (s *Store) RequestCancel(ctx context.Context, versionID uint64) error {
	return s.SetVersionStatus(ctx, versionID, VersionCancelled, nil)
}

// CreateTask inserts a new queued Task for a target version.
func (s *Store) CreateTask(ctx context.Context, kind TaskKind, targetVersionID uint64, parentID *uint64) (*Task, error) {
	task := &Task{
		Kind:            kind,
		TargetVersionID: targetVersionID,
		ParentTaskID:    parentID,
		State:           TaskQueued,
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask loads a task by ID.
func (s *Store) GetTask(ctx context.Context, id uint64) (*Task, error) {
	var task Task
	if err := s.db.WithContext(ctx).Take(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// FindActiveTaskForVersion returns the queued/running/paused task
// targeting a version, if one exists.
func (s *Store) FindActiveTaskForVersion(ctx context.Context, versionID uint64) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).
		Where("target_version_id = ? AND state IN ?", versionID, []TaskState{TaskQueued, TaskRunning, TaskPaused}).
		Order("created_at DESC").
		Take(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// LeaseNextTask atomically claims the oldest queued task (or a task
// whose lease has expired) for the given kinds, setting it to Running
// with a fresh lease — the core of crash-recoverable scheduling: a
// worker that dies mid-task leaves its lease to expire, and any other
// worker picks the task back up from its StageCursor.
func (s *Store) LeaseNextTask(ctx context.Context, kinds []TaskKind, leaseFor time.Duration) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		query := tx.Model(&Task{}).
			Where("kind IN ?", kinds).
			Where("cancel_requested = ? AND pause_requested = ?", false, false).
			Where("(state = ? ) OR (state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)",
				TaskQueued, TaskRunning, now).
			Order("created_at ASC").
			Limit(1)

		if err := query.Take(&task).Error; err != nil {
			return err
		}

		lease := now.Add(leaseFor)
		return tx.Model(&Task{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"state":            TaskRunning,
				"lease_expires_at": &lease,
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	task.State = TaskRunning
	return &task, nil
}

// Heartbeat extends a running task's lease; called periodically by the
// worker holding it so a live task is never mistaken for abandoned.
func (s *Store) Heartbeat(ctx context.Context, taskID uint64, leaseFor time.Duration) error {
	lease := time.Now().UTC().Add(leaseFor)
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND state = ?", taskID, TaskRunning).
		Update("lease_expires_at", &lease).Error
}

// AdvanceStage persists a task's stage cursor and sub-index so a crash
// mid-stage resumes from the last checkpoint rather than restarting the
// whole pipeline.
func (s *Store) AdvanceStage(ctx context.Context, taskID uint64, stage string, subIndex int) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"stage_cursor": stage,
			"sub_index":    subIndex,
		}).Error
}

// CompleteTask marks a task finished successfully.
func (s *Store) CompleteTask(ctx context.Context, taskID uint64) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Update("state", TaskCompleted).Error
}

// FailTask marks a task failed, recording the error and bumping the
// attempt count so the retry policy can cap it.
func (s *Store) FailTask(ctx context.Context, taskID uint64, cause error) error {
	msg := cause.Error()
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"state":         TaskFailed,
			"last_error":    &msg,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

// RequeueTask resets a failed/running task back to queued for a retry
// attempt, clearing its lease.
func (s *Store) RequeueTask(ctx context.Context, taskID uint64) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"state":            TaskQueued,
			"lease_expires_at": nil,
			"attempt_count":    gorm.Expr("attempt_count + 1"),
		}).Error
}

// RequestPause/RequestResume/RequestCancelTask flip the cooperative
// control flags a running worker checks between pipeline stages.
func (s *Store) RequestPause(ctx context.Context, taskID uint64) error {
	return s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Update("pause_requested", true).Error
}

func (s *Store) RequestResume(ctx context.Context, taskID uint64) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{"pause_requested": false, "state": TaskQueued}).Error
}

func (s *Store) RequestCancelTask(ctx context.Context, taskID uint64) error {
	return s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Update("cancel_requested", true).Error
}

// MarkTaskCancelled transitions a task straight to Cancelled, bypassing
// the failed/requeue path — the terminal state a cancel-requested task
// reaches once the worker observes the request at its next checkpoint.
func (s *Store) MarkTaskCancelled(ctx context.Context, taskID uint64) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{"state": TaskCancelled, "lease_expires_at": nil}).Error
}

// ListChildTasks returns every task whose parent_task_id is parentID,
// used by an archive ingest's finalize stage to find the child ingests
// it fanned out and by the cascade-cancel path.
func (s *Store) ListChildTasks(ctx context.Context, parentID uint64) ([]Task, error) {
	var tasks []Task
	err := s.db.WithContext(ctx).
		Where("parent_task_id = ?", parentID).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// ChildProgress reports whether every child of parentID has reached a
// terminal state, how many failed, and the average progress_percent of
// their target versions — the figures a parent archive-ingest task's
// finalize stage uses to decide whether to keep waiting, fail, or
// complete, and what percentage to report in the meantime.
func (s *Store) ChildProgress(ctx context.Context, parentID uint64) (allDone bool, failed int, avgPercent int, err error) {
	children, err := s.ListChildTasks(ctx, parentID)
	if err != nil {
		return false, 0, 0, err
	}
	if len(children) == 0 {
		return true, 0, 100, nil
	}

	done := 0
	percentSum := 0
	for _, child := range children {
		switch child.State {
		case TaskCompleted:
			done++
			percentSum += 100
		case TaskFailed, TaskCancelled:
			done++
			failed++
		default:
			var version DocumentVersion
			if verr := s.db.WithContext(ctx).Select("progress_percent").Take(&version, child.TargetVersionID).Error; verr == nil {
				percentSum += version.ProgressPercent
			}
		}
	}
	avgPercent = percentSum / len(children)
	allDone = done == len(children)
	return allDone, failed, avgPercent, nil
}

// CancelChildTasks requests cancellation of every non-terminal child of
// parentID, the cascade a parent archive-ingest's cancel triggers so a
// user cancelling the whole upload doesn't leave orphaned children
// running.
func (s *Store) CancelChildTasks(ctx context.Context, parentID uint64) error {
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("parent_task_id = ? AND state IN ?", parentID, []TaskState{TaskQueued, TaskRunning, TaskPaused}).
		Update("cancel_requested", true).Error
}

// DeferTask pushes a running task's lease forward without touching its
// attempt count or stage cursor, used by a parent archive-ingest task
// that is only waiting on its children: it lets LeaseNextTask's expiry
// check re-surface the task for another look once the lease lapses,
// instead of spending one of its limited retry attempts on every poll.
func (s *Store) DeferTask(ctx context.Context, taskID uint64, leaseFor time.Duration) error {
	lease := time.Now().UTC().Add(leaseFor)
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Update("lease_expires_at", &lease).Error
}

// SweepExpiredLeases requeues every running task whose lease has
// lapsed, used by the periodic sweeper goroutine to recover work
// orphaned by a worker crash.
func (s *Store) SweepExpiredLeases(ctx context.Context, kinds []TaskKind) (int64, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Task{}).
		Where("kind IN ? AND state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", kinds, TaskRunning, now).
		Updates(map[string]interface{}{"state": TaskQueued, "lease_expires_at": nil})
	return result.RowsAffected, result.Error
}

// OrphanChunkVersionIDs returns the distinct document_version_id values
// referenced by chunks whose owning version row no longer exists, used
// by the orphan cleanup tool to find rows left behind by a version
// delete that didn't cascade (or a crash mid-delete).
func (s *Store) OrphanChunkVersionIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&Chunk{}).
		Distinct("document_version_id").
		Where("document_version_id NOT IN (?)", s.db.Model(&DocumentVersion{}).Select("id")).
		Pluck("document_version_id", &ids).Error
	return ids, err
}

// AllStorageKeys returns every blob storage key any live version or
// page row still references, used to tell a referenced blob apart from
// an orphaned one during cleanup.
func (s *Store) AllStorageKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&DocumentVersion{}).Pluck("storage_key", &keys).Error; err != nil {
		return nil, err
	}
	var imageKeys []string
	if err := s.db.WithContext(ctx).Model(&Page{}).Where("image_key <> ''").Pluck("image_key", &imageKeys).Error; err != nil {
		return nil, err
	}
	var ocrKeys []string
	if err := s.db.WithContext(ctx).Model(&Page{}).Where("ocr_json_key <> ''").Pluck("ocr_json_key", &ocrKeys).Error; err != nil {
		return nil, err
	}
	return append(append(keys, imageKeys...), ocrKeys...), nil
}

