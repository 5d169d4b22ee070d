package documents

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"knowledgebase/apierror"
	"knowledgebase/metadata"
	"knowledgebase/permission"
	"knowledgebase/versions"
)

// recordForVersion projects a DocumentVersion onto the minimal shape
// permission.Allows evaluates against.
func recordForVersion(v *metadata.DocumentVersion) permission.Record {
	return permission.Record{
		OwnerID:         v.UploadedBy,
		OrgID:           v.OrgID,
		Visibility:      permission.Visibility(v.Visibility),
		SharedWithUsers: v.SharedUserIDs(),
		SharedWithRoles: v.SharedRoleCodes(),
	}
}

func paginationParams(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20
	if raw := c.Query("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if raw := c.Query("page_size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			pageSize = parsed
		}
	}
	return page, pageSize
}

func parseIDParam(c *gin.Context, name string) (uint64, error) {
	return strconv.ParseUint(c.Param(name), 10, 64)
}

// handleListDocuments lists the latest version of every document group
// the actor may read, filtered by organization_id/status and permission
// identically to write-time enforcement. The permission check runs
// client-side over an org/status-narrowed candidate set rather than as
// a SQL fragment, mirroring the filter-only degenerate mode the hybrid
// search endpoint uses when it has nothing to score against.
func (m *Module) handleListDocuments(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}

	query := m.store.DB().WithContext(c.Request.Context()).
		Model(&metadata.DocumentVersion{}).
		Where("is_latest = ?", true)

	if raw := c.Query("organization_id"); raw != "" {
		orgID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			apierror.Status(c, http.StatusBadRequest, "invalid organization_id")
			return
		}
		query = query.Where("org_id = ?", orgID)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var candidates []metadata.DocumentVersion
	if err := query.Order("updated_at DESC").Find(&candidates).Error; err != nil {
		apierror.Status(c, http.StatusInternalServerError, "list documents failed")
		return
	}

	visible := make([]metadata.DocumentVersion, 0, len(candidates))
	for _, v := range candidates {
		if permission.Allows(actor, recordForVersion(&v)) {
			visible = append(visible, v)
		}
	}

	page, pageSize := paginationParams(c)
	total := len(visible)
	start := min(total, (page-1)*pageSize)
	end := min(total, start+pageSize)

	c.JSON(http.StatusOK, gin.H{"documents": visible[start:end], "total": total})
}

func (m *Module) handleProgress(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	versionID, err := parseIDParam(c, "id")
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "invalid document id")
		return
	}

	version, err := m.store.GetVersion(c.Request.Context(), versionID)
	if err != nil {
		apierror.Status(c, http.StatusNotFound, "document not found")
		return
	}
	if !permission.Allows(actor, recordForVersion(version)) {
		apierror.Status(c, http.StatusNotFound, "document not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":              version.Status,
		"progress_percentage": version.ProgressPercent,
		"processed_pages":     version.ProcessedPages,
		"total_pages":         version.TotalPages,
		"message":             version.ProgressMessage,
		"error":               version.ErrorMessage,
	})
}

func (m *Module) handleDeleteVersion(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	versionID, err := parseIDParam(c, "id")
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "invalid document id")
		return
	}

	hard := actor.IsSuperuser && c.Query("hard") == "true"
	err = m.versions.Delete(c.Request.Context(), actor, versionID, hard)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, versions.ErrForbidden):
		apierror.Status(c, http.StatusForbidden, err.Error())
	case errors.Is(err, metadata.ErrNotFound):
		apierror.Status(c, http.StatusNotFound, "document not found")
	default:
		apierror.Status(c, http.StatusInternalServerError, "delete failed")
	}
}

func (m *Module) handleListVersions(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	groupID, err := parseIDParam(c, "group_id")
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "invalid group id")
		return
	}

	versionsInGroup, err := m.store.ListVersionsByGroup(c.Request.Context(), groupID)
	if err != nil {
		apierror.Status(c, http.StatusInternalServerError, "list versions failed")
		return
	}

	visible := make([]metadata.DocumentVersion, 0, len(versionsInGroup))
	for _, v := range versionsInGroup {
		if permission.Allows(actor, recordForVersion(&v)) {
			visible = append(visible, v)
		}
	}
	if len(visible) == 0 {
		apierror.Status(c, http.StatusNotFound, "document not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"versions": visible})
}

func (m *Module) handleRestore(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	groupID, err := parseIDParam(c, "group_id")
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "invalid group id")
		return
	}
	number, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "invalid version number")
		return
	}

	target, err := m.store.GetVersionByNumber(c.Request.Context(), groupID, number)
	if err != nil {
		apierror.Status(c, http.StatusNotFound, "version not found")
		return
	}

	restored, err := m.versions.Restore(c.Request.Context(), actor, target.ID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, restored)
	case errors.Is(err, versions.ErrForbidden):
		apierror.Status(c, http.StatusForbidden, err.Error())
	case errors.Is(err, metadata.ErrNotFound):
		apierror.Status(c, http.StatusNotFound, "version not found")
	default:
		apierror.Status(c, http.StatusInternalServerError, "restore failed")
	}
}

// updatePermissionsRequest is the body of PUT /documents/{id}/permissions.
type updatePermissionsRequest struct {
	Visibility      string   `json:"visibility" binding:"required"`
	SharedWithUsers []uint64 `json:"shared_with_users"`
	SharedWithRoles []string `json:"shared_with_roles"`
}

func (m *Module) handleUpdatePermissions(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	versionID, err := parseIDParam(c, "id")
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "invalid document id")
		return
	}

	var req updatePermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Status(c, http.StatusBadRequest, err.Error())
		return
	}
	to := permission.Visibility(req.Visibility)

	ctx := c.Request.Context()
	version, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		apierror.Status(c, http.StatusNotFound, "document not found")
		return
	}
	record := recordForVersion(version)

	if !permission.CanTransitionVisibility(actor, record, to) {
		apierror.Status(c, http.StatusForbidden, "not permitted to change this document's visibility")
		return
	}

	if m.auth != nil {
		users := m.auth.Users()
		for _, targetID := range req.SharedWithUsers {
			target, err := users.FindByID(ctx, targetID)
			if err != nil {
				apierror.Status(c, http.StatusBadRequest, "shared_with_users contains an unknown user id")
				return
			}
			if !permission.CanShareWithUser(actor, record, target.OrgID) {
				apierror.Status(c, http.StatusForbidden, "cannot share outside your organization")
				return
			}
		}
	}

	if err := m.store.UpdateVisibility(ctx, versionID, metadata.Visibility(to), req.SharedWithUsers, req.SharedWithRoles); err != nil {
		apierror.Status(c, http.StatusInternalServerError, "update permissions failed")
		return
	}

	if m.pipeline != nil {
		if err := m.pipeline.ReindexVersion(ctx, versionID); err != nil {
			apierror.Status(c, http.StatusInternalServerError, "permissions saved but reindex failed")
			return
		}
	}

	updated, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		apierror.Status(c, http.StatusInternalServerError, "reload failed")
		return
	}
	c.JSON(http.StatusOK, updated)
}
