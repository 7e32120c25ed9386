package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lectern-ai/lectern/pkg/domain"
)

// ErrorEnvelope is the uniform error body for every endpoint.
type ErrorEnvelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Details    string `json:"details,omitempty"`
}

var kindStatus = map[string]int{
	"validation":       http.StatusUnprocessableEntity,
	"file-validation":  http.StatusUnprocessableEntity,
	"authentication":   http.StatusUnauthorized,
	"invalid-token":    http.StatusUnauthorized,
	"authorization":    http.StatusForbidden,
	"not-found":        http.StatusNotFound,
	"rate-limit":       http.StatusTooManyRequests,
	"prompt-injection": http.StatusBadRequest,
	"external-service": http.StatusServiceUnavailable,
	"queue":            http.StatusInternalServerError,
	"parsing":          http.StatusInternalServerError,
	"chunking":         http.StatusInternalServerError,
	"internal":         http.StatusInternalServerError,
}

// StatusForError maps a taxonomy kind to its HTTP status.
func StatusForError(err error) (kind string, status int) {
	kind = domain.Kind(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return kind, status
}

// RespondError writes the error envelope and aborts the request.
func RespondError(c *gin.Context, err error) {
	kind, status := StatusForError(err)

	message := err.Error()
	// Unwrapped sentinel text alone reads poorly; prefer the full chain.
	var details string
	if inner := errors.Unwrap(err); inner != nil {
		details = inner.Error()
	}

	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error:      kind,
		Message:    message,
		StatusCode: status,
		Details:    details,
	})
}

// RespondValidation is the shortcut for request binding failures.
func RespondValidation(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, ErrorEnvelope{
		Error:      "validation",
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	})
}
