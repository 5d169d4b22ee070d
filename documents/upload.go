package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"knowledgebase/apierror"
	"knowledgebase/blobstore"
	"knowledgebase/metadata"
	"knowledgebase/permission"
	"knowledgebase/render"
)

var errFileTooLarge = errors.New("documents: uploaded file exceeds the size limit")

// uploadResult is the per-file response shape for both /upload and
// /upload_batch.
type uploadResult struct {
	Filename  string `json:"filename,omitempty"`
	VersionID uint64 `json:"version_id,omitempty"`
	TaskID    uint64 `json:"task_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (m *Module) handleUpload(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "file is required")
		return
	}

	result, err := m.ingestUpload(c.Request.Context(), actor, fileHeader, c.Request)
	if err != nil {
		apierror.Status(c, statusForUploadError(err), err.Error())
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (m *Module) handleUploadBatch(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "multipart form required")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		apierror.Status(c, http.StatusBadRequest, "files[] is required")
		return
	}

	results := make([]uploadResult, 0, len(files))
	for _, fh := range files {
		result, err := m.ingestUpload(c.Request.Context(), actor, fh, c.Request)
		if err != nil {
			results = append(results, uploadResult{Filename: fh.Filename, Error: err.Error()})
			continue
		}
		result.Filename = fh.Filename
		results = append(results, *result)
	}
	c.JSON(http.StatusAccepted, gin.H{"results": results})
}

func (m *Module) ingestUpload(ctx context.Context, actor permission.Actor, fh *multipart.FileHeader, req *http.Request) (*uploadResult, error) {
	if fh.Size > maxUploadSize {
		return nil, errFileTooLarge
	}

	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) > maxUploadSize {
		return nil, errFileTooLarge
	}

	visibility := metadata.Visibility(firstNonEmpty(req.FormValue("visibility"), string(metadata.VisibilityPrivate)))
	switch visibility {
	case metadata.VisibilityPrivate, metadata.VisibilityOrganization, metadata.VisibilityPublic:
	default:
		return nil, fmt.Errorf("invalid visibility %q", visibility)
	}

	processingMode := firstNonEmpty(req.FormValue("processing_mode"), "fast")
	if processingMode != "fast" && processingMode != "deep" {
		return nil, fmt.Errorf("invalid processing_mode %q", processingMode)
	}

	orgID := actor.OrgID
	if raw := req.FormValue("organization_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid organization_id %q", raw)
		}
		orgID = &parsed
	}

	var category, author, description *string
	if v := strings.TrimSpace(req.FormValue("category")); v != "" {
		category = &v
	}
	if v := strings.TrimSpace(req.FormValue("author")); v != "" {
		author = &v
	}
	if v := strings.TrimSpace(req.FormValue("description")); v != "" {
		description = &v
	}

	var tags []string
	if raw := req.FormValue("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				tags = append(tags, trimmed)
			}
		}
	}

	checksum := blobstore.Checksum(data)
	fileType := render.DetectFileType(fh.Filename, data)
	storageKey := blobstore.RawDocumentKey(checksum)

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if exists, err := m.blobs.Exists(ctx, storageKey); err != nil {
		return nil, fmt.Errorf("check existing blob: %w", err)
	} else if !exists {
		if err := m.blobs.Put(ctx, storageKey, data, contentType); err != nil {
			return nil, fmt.Errorf("store upload: %w", err)
		}
	}

	group, err := m.store.FindOrCreateGroup(ctx, actor.ID, orgID, fh.Filename)
	if err != nil {
		return nil, fmt.Errorf("find or create group: %w", err)
	}

	versionNumber, err := m.store.NextVersionNumber(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("next version number: %w", err)
	}

	version, err := m.store.CreateVersion(ctx, metadata.CreateVersionParams{
		GroupID:          group.ID,
		VersionNumber:    versionNumber,
		Checksum:         checksum,
		FileType:         fileType,
		FileSize:         int64(len(data)),
		StorageKey:       storageKey,
		UploadedBy:       actor.ID,
		OrgID:            orgID,
		Visibility:       visibility,
		ProcessingMode:   processingMode,
		OCREngine:        req.FormValue("ocr_engine"),
		Category:         category,
		Tags:             tags,
		Author:           author,
		Description:      description,
		OriginalFilename: fh.Filename,
	})
	if err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	task, err := m.store.CreateTask(ctx, metadata.TaskIngestDocument, version.ID, nil)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	return &uploadResult{VersionID: version.ID, TaskID: task.ID}, nil
}

func statusForUploadError(err error) int {
	if errors.Is(err, errFileTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
