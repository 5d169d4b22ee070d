package authorization

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"knowledgebase/apierror"
)

// ErrToolTokenInvalid is returned when a bearer secret does not match an
// active, unexpired ToolToken.
var ErrToolTokenInvalid = errors.New("authorization: tool token invalid or expired")

const toolTokenSecretBytes = 32

// issueToolTokenRequest is the payload accepted by POST /auth/tokens.
type issueToolTokenRequest struct {
	Name      string     `json:"name" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// registerTokenRoutes wires the tool-token issuance/list/revoke surface
// that external AI assistants use to authenticate against the
// tool-protocol endpoint.
func registerTokenRoutes(secured *gin.RouterGroup, users *UserStore) {
	secured.POST("/tokens", func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		userID := extractUserID(claims)
		if userID == 0 {
			apierror.Status(c, http.StatusUnauthorized, "invalid token")
			return
		}

		var req issueToolTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierror.Status(c, http.StatusBadRequest, "invalid request payload")
			return
		}

		secret, token, err := issueToolToken(users.db.WithContext(c.Request.Context()), userID, strings.TrimSpace(req.Name), req.ExpiresAt)
		if err != nil {
			apierror.Status(c, http.StatusInternalServerError, "failed to issue tool token")
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":         token.ID,
			"name":       token.Name,
			"secret":     secret,
			"expires_at": token.ExpiresAt,
			"created_at": token.CreatedAt,
		})
	})

	secured.GET("/tokens", func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		userID := extractUserID(claims)
		if userID == 0 {
			apierror.Status(c, http.StatusUnauthorized, "invalid token")
			return
		}

		var tokens []ToolToken
		if err := users.db.WithContext(c.Request.Context()).Where("owner_id = ?", userID).Order("created_at desc").Find(&tokens).Error; err != nil {
			apierror.Status(c, http.StatusInternalServerError, "failed to list tool tokens")
			return
		}

		c.JSON(http.StatusOK, gin.H{"tokens": tokens})
	})

	secured.DELETE("/tokens/:id", func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		userID := extractUserID(claims)
		if userID == 0 {
			apierror.Status(c, http.StatusUnauthorized, "invalid token")
			return
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			apierror.Status(c, http.StatusBadRequest, "invalid token id")
			return
		}

		result := users.db.WithContext(c.Request.Context()).
			Model(&ToolToken{}).
			Where("id = ? AND owner_id = ?", id, userID).
			Update("active", false)
		if result.Error != nil {
			apierror.Status(c, http.StatusInternalServerError, "failed to revoke tool token")
			return
		}
		if result.RowsAffected == 0 {
			apierror.Status(c, http.StatusNotFound, "tool token not found")
			return
		}

		c.JSON(http.StatusOK, gin.H{"id": id, "active": false})
	})
}

// issueToolToken creates a new ToolToken row for ownerID and returns the
// plaintext secret exactly once; only its SHA-256 hash is persisted.
func issueToolToken(db *gorm.DB, ownerID uint64, name string, expiresAt *time.Time) (string, *ToolToken, error) {
	if name == "" {
		name = "tool-token-" + uuid.NewString()[:8]
	}

	raw := make([]byte, toolTokenSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("authorization: generate tool token secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	token := &ToolToken{
		OwnerID:    ownerID,
		Name:       name,
		SecretHash: hashToolTokenSecret(secret),
		Active:     true,
		ExpiresAt:  expiresAt,
	}
	if err := db.Create(token).Error; err != nil {
		return "", nil, err
	}

	return secret, token, nil
}

func hashToolTokenSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyToolToken resolves a bearer secret to its owning user id. Used by
// the tool-protocol endpoint, which authenticates via a long-lived
// ToolToken rather than a short-lived session JWT.
func VerifyToolToken(db *gorm.DB, secret string) (uint64, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return 0, ErrToolTokenInvalid
	}

	var token ToolToken
	err := db.Where("secret_hash = ? AND active = ?", hashToolTokenSecret(secret), true).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrToolTokenInvalid
		}
		return 0, err
	}
	if token.ExpiresAt != nil && token.ExpiresAt.Before(time.Now().UTC()) {
		return 0, ErrToolTokenInvalid
	}

	now := time.Now().UTC()
	_ = db.Model(&ToolToken{}).Where("id = ?", token.ID).Update("last_used_at", now).Error

	return token.OwnerID, nil
}

// DeactivateExpiredTokens flips active to false on every ToolToken whose
// expires_at has passed, used by the maintenance CLI's token-rotation
// sweep so a stale secret stops authenticating even if its owner never
// revokes it themselves.
func DeactivateExpiredTokens(db *gorm.DB) (int64, error) {
	result := db.Model(&ToolToken{}).
		Where("active = ? AND expires_at IS NOT NULL AND expires_at < ?", true, time.Now().UTC()).
		Update("active", false)
	return result.RowsAffected, result.Error
}
