// Package apierror is the single place every HTTP handler goes through
// to report a failure, so every surface answers with the same
// {error: {code, message}} shape instead of each package inventing its
// own.
package apierror

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
	CodeUnavailable    = "unavailable"
)

type body struct {
	Error detail `json:"error"`
}

type detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes the envelope with an explicit code, for handlers that
// need a code other than the one CodeForStatus would infer.
func JSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, body{Error: detail{Code: code, Message: message}})
}

// Status writes the envelope using the code CodeForStatus derives from
// status, the common case for handlers that only have an HTTP status
// and a message to report.
func Status(c *gin.Context, status int, message string) {
	JSON(c, status, CodeForStatus(status), message)
}

// Abort writes the envelope and stops the middleware chain, for guards
// that reject a request before any handler runs.
func Abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, body{Error: detail{Code: CodeForStatus(status), Message: message}})
}

// CodeForStatus maps an HTTP status to one of the stable error codes
// user-visible surfaces are documented to return. Statuses outside the
// documented set fall back to internal, since they indicate a surface
// using a code this package doesn't yet know about rather than a
// client mistake.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return CodeInvalidRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
