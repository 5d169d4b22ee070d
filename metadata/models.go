// Package metadata is the transactional relational store for documents,
// versions, pages, chunks, and tasks — the system's single source of
// truth. Organization/User/Role/ToolToken live in package authorization,
// which owns the identity/credential tables; metadata owns everything
// downstream of an upload.
package metadata

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// VersionStatus is the closed set of states a DocumentVersion moves
// through.
type VersionStatus string

const (
	VersionQueued     VersionStatus = "queued"
	VersionProcessing VersionStatus = "processing"
	VersionCompleted  VersionStatus = "completed"
	VersionFailed     VersionStatus = "failed"
	VersionCancelled  VersionStatus = "cancelled"
	VersionSuperseded VersionStatus = "superseded"
)

// Visibility mirrors permission.Visibility; kept as a distinct type here
// so this package has no import-time dependency on permission, keeping
// model packages free of business-logic imports.
type Visibility string

const (
	VisibilityPrivate      Visibility = "private"
	VisibilityOrganization Visibility = "organization"
	VisibilityPublic       Visibility = "public"
)

// DocumentGroup is the logical identity shared across versions of the
// same document; the stable handle a user holds onto across re-ingests.
type DocumentGroup struct {
	ID                uint64    `gorm:"primaryKey" json:"id"`
	CanonicalFilename string    `gorm:"size:255;not null" json:"canonical_filename"`
	OwnerID           uint64    `gorm:"not null;index" json:"owner_id"`
	OrgID             *uint64   `gorm:"index" json:"org_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (DocumentGroup) TableName() string { return "document_groups" }

// DocumentVersion is one ingested revision of a DocumentGroup.
type DocumentVersion struct {
	ID                uint64         `gorm:"primaryKey" json:"id"`
	GroupID           uint64         `gorm:"not null;uniqueIndex:idx_group_version" json:"group_id"`
	VersionNumber     int            `gorm:"not null;uniqueIndex:idx_group_version" json:"version_number"`
	IsLatest          bool           `gorm:"not null;default:false;index" json:"is_latest"`
	Checksum          string         `gorm:"size:64;not null;index:idx_checksum_owner" json:"checksum"`
	FileType          string         `gorm:"size:32;not null" json:"file_type"`
	FileSize          int64          `gorm:"not null" json:"file_size"`
	StorageKey        string         `gorm:"size:512;not null" json:"storage_key"`
	Status            VersionStatus  `gorm:"size:16;not null;default:'queued';index:idx_status_updated" json:"status"`
	TotalPages        int            `gorm:"not null;default:0" json:"total_pages"`
	ProcessedPages    int            `gorm:"not null;default:0" json:"processed_pages"`
	ProgressPercent   int            `gorm:"not null;default:0" json:"progress_percent"`
	ProgressMessage   string         `gorm:"size:500" json:"progress_message"`
	ErrorMessage      *string        `gorm:"type:text" json:"error_message,omitempty"`
	UploadedBy        uint64         `gorm:"not null;index:idx_checksum_owner" json:"uploaded_by"`
	Visibility        Visibility     `gorm:"size:16;not null;default:'private'" json:"visibility"`
	SharedWithUsers   datatypes.JSON `gorm:"type:json" json:"shared_with_users,omitempty"`
	SharedWithRoles   datatypes.JSON `gorm:"type:json" json:"shared_with_roles,omitempty"`
	OrgID             *uint64        `gorm:"index" json:"org_id,omitempty"`
	ProcessingMode    string         `gorm:"size:16;not null;default:'fast'" json:"processing_mode"`
	OCREngine         string         `gorm:"size:32" json:"ocr_engine"`
	Category          *string        `gorm:"size:128" json:"category,omitempty"`
	Tags              datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	Author            *string        `gorm:"size:255" json:"author,omitempty"`
	Description       *string        `gorm:"type:text" json:"description,omitempty"`
	OriginalFilename  string         `gorm:"size:255;not null" json:"original_filename"`
	CreatedAt         time.Time      `json:"created_at;index:idx_status_updated"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (DocumentVersion) TableName() string { return "document_versions" }

// SharedUserIDs decodes the JSON-encoded shared_with_users column.
func (v *DocumentVersion) SharedUserIDs() []uint64 {
	return decodeUint64Slice(v.SharedWithUsers)
}

// SharedRoleCodes decodes the JSON-encoded shared_with_roles column.
func (v *DocumentVersion) SharedRoleCodes() []string {
	return decodeStringSlice(v.SharedWithRoles)
}

// TagList decodes the JSON-encoded tags column.
func (v *DocumentVersion) TagList() []string {
	return decodeStringSlice(v.Tags)
}

// Page is the per-page artifact carrying OCR output, an image blob
// reference, and bounding boxes.
type Page struct {
	ID               uint64         `gorm:"primaryKey" json:"id"`
	DocumentVersionID uint64        `gorm:"not null;uniqueIndex:idx_version_page" json:"document_version_id"`
	PageNumber       int            `gorm:"not null;uniqueIndex:idx_version_page" json:"page_number"`
	ImageKey         string         `gorm:"size:512" json:"image_key"`
	OCRJSONKey       string         `gorm:"size:512" json:"ocr_json_key"`
	Text             string         `gorm:"type:mediumtext" json:"text"`
	AvgConfidence    float64        `gorm:"not null;default:0" json:"avg_confidence"`
	Bboxes           datatypes.JSON `gorm:"type:json" json:"bboxes,omitempty"`
	VLMFailed        bool           `gorm:"not null;default:false" json:"vlm_failed"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Page) TableName() string { return "pages" }

// BBox is one OCR-detected text region on a page.
type BBox struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"bbox"`
}

// BBoxes decodes the JSON-encoded bboxes column.
func (p *Page) BBoxes() []BBox {
	if len(p.Bboxes) == 0 {
		return nil
	}
	var boxes []BBox
	if err := json.Unmarshal(p.Bboxes, &boxes); err != nil {
		return nil
	}
	return boxes
}

// EncodeBBoxes serializes OCR-detected regions for storage in a Page's
// bboxes column.
func EncodeBBoxes(boxes []BBox) datatypes.JSON {
	if len(boxes) == 0 {
		return nil
	}
	data, err := json.Marshal(boxes)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

// Chunk is the atomic unit of retrieval: a contiguous text fragment
// produced by package chunker. Chunks are immutable once written.
type Chunk struct {
	ID                uint64    `gorm:"primaryKey" json:"id"`
	ChunkKey          string    `gorm:"size:128;not null;uniqueIndex" json:"chunk_key"`
	DocumentVersionID uint64    `gorm:"not null;index:idx_version_seq" json:"document_version_id"`
	PageNumber        int       `gorm:"not null" json:"page_number"`
	LocalIndex        int       `gorm:"not null;index:idx_version_seq" json:"local_index"`
	Text              string         `gorm:"type:text;not null" json:"text"`
	TokenCount        int            `gorm:"not null;default:0" json:"token_count"`
	Embedding         datatypes.JSON `gorm:"type:json" json:"embedding,omitempty"`
	Indexed           bool           `gorm:"not null;default:false" json:"indexed"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (Chunk) TableName() string { return "chunks" }

// Vector decodes the JSON-encoded embedding column.
func (c *Chunk) Vector() []float32 {
	if len(c.Embedding) == 0 {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal(c.Embedding, &vector); err != nil {
		return nil
	}
	return vector
}

func encodeVector(v []float32) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

// TaskKind is the closed set of task kinds the Task Manager schedules.
type TaskKind string

const (
	TaskIngestDocument TaskKind = "ingest_document"
	TaskReembed        TaskKind = "re_embed"
	TaskCleanup        TaskKind = "cleanup"
)

// TaskState is the closed set of states a Task moves through.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskPaused    TaskState = "paused"
	TaskCancelled TaskState = "cancelled"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Task is one unit of schedulable pipeline work, durable across
// restarts via the lease/heartbeat fields.
type Task struct {
	ID              uint64     `gorm:"primaryKey" json:"id"`
	Kind            TaskKind   `gorm:"size:32;not null" json:"kind"`
	TargetVersionID uint64     `gorm:"not null;index" json:"target_version_id"`
	ParentTaskID    *uint64    `gorm:"index" json:"parent_task_id,omitempty"`
	State           TaskState  `gorm:"size:16;not null;default:'queued';index:idx_task_status_updated" json:"state"`
	StageCursor     string     `gorm:"size:64;not null;default:''" json:"stage_cursor"`
	SubIndex        int        `gorm:"not null;default:0" json:"sub_index"`
	AttemptCount    int        `gorm:"not null;default:0" json:"attempt_count"`
	LastError       *string    `gorm:"type:text" json:"last_error,omitempty"`
	CancelRequested bool       `gorm:"not null;default:false" json:"cancel_requested"`
	PauseRequested  bool       `gorm:"not null;default:false" json:"pause_requested"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at;index:idx_task_status_updated"`
}

func (Task) TableName() string { return "tasks" }

// AllModels is the full set of GORM models this package owns, used by
// AutoMigrate and by test setup.
func AllModels() []interface{} {
	return []interface{}{
		&DocumentGroup{}, &DocumentVersion{}, &Page{}, &Chunk{}, &Task{},
	}
}
