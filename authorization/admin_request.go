package authorization

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"knowledgebase/apierror"
)

// adminRequestPayload is the body submitted when a user asks for the
// admin role to be granted to their account.
type adminRequestPayload struct {
	Message string `json:"message"`
}

// handleAdminRequest files a pending AdminRequest for userID. It never
// grants the role itself; an existing admin must approve it through
// handleApproveAdminRequest. Filing is logged rather than emailed to an
// operator, since no mail dependency is available here.
func handleAdminRequest(c *gin.Context, users *UserStore, userID uint64) {
	var payload adminRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil && c.Request.ContentLength != 0 {
		apierror.Status(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	user, err := users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			apierror.Status(c, http.StatusNotFound, "user not found")
		} else {
			apierror.Status(c, http.StatusInternalServerError, "failed to load user")
		}
		return
	}

	request := &AdminRequest{
		UserID:  userID,
		Message: strings.TrimSpace(payload.Message),
		Status:  AdminRequestPending,
	}
	if err := users.db.WithContext(ctx).Create(request).Error; err != nil {
		apierror.Status(c, http.StatusInternalServerError, "failed to file admin request")
		return
	}

	log.Printf("authorization: admin role requested by user_id=%d username=%q request_id=%d", user.ID, user.Username, request.ID)

	c.JSON(http.StatusCreated, gin.H{
		"id":      request.ID,
		"status":  request.Status,
		"message": "admin request filed, awaiting approval",
	})
}

// handleApproveAdminRequest is mounted behind RequireRole(RoleAdmin). It
// grants the admin role to the requesting user and marks the request
// approved.
func handleApproveAdminRequest(c *gin.Context, users *UserStore) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		apierror.Status(c, http.StatusBadRequest, "invalid request id")
		return
	}

	ctx := c.Request.Context()
	var request AdminRequest
	if err := users.db.WithContext(ctx).First(&request, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			apierror.Status(c, http.StatusNotFound, "admin request not found")
		} else {
			apierror.Status(c, http.StatusInternalServerError, "failed to load admin request")
		}
		return
	}
	if request.Status != AdminRequestPending {
		apierror.Status(c, http.StatusConflict, fmt.Sprintf("admin request already %s", request.Status))
		return
	}

	approverClaims := extractUserID(jwt.ExtractClaims(c))

	if err := users.GrantRole(ctx, request.UserID, RoleAdmin); err != nil {
		apierror.Status(c, http.StatusInternalServerError, "failed to grant admin role")
		return
	}

	now := time.Now().UTC()
	request.Status = AdminRequestApproved
	request.DecidedAt = &now
	if approverClaims != 0 {
		request.DecidedBy = &approverClaims
	}
	if err := users.db.WithContext(ctx).Save(&request).Error; err != nil {
		apierror.Status(c, http.StatusInternalServerError, "failed to record decision")
		return
	}

	log.Printf("authorization: admin request id=%d approved for user_id=%d by user_id=%d", request.ID, request.UserID, approverClaims)

	c.JSON(http.StatusOK, gin.H{"id": request.ID, "status": request.Status})
}
