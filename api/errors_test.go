package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectern-ai/lectern/pkg/domain"
)

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err    error
		kind   string
		status int
	}{
		{domain.ErrValidation, "validation", http.StatusUnprocessableEntity},
		{domain.ErrFileValidation, "file-validation", http.StatusUnprocessableEntity},
		{domain.ErrAuthentication, "authentication", http.StatusUnauthorized},
		{domain.ErrInvalidToken, "invalid-token", http.StatusUnauthorized},
		{domain.ErrAuthorization, "authorization", http.StatusForbidden},
		{domain.ErrNotFound, "not-found", http.StatusNotFound},
		{domain.ErrRateLimited, "rate-limit", http.StatusTooManyRequests},
		{domain.ErrPromptInjection, "prompt-injection", http.StatusBadRequest},
		{domain.ErrExternalService, "external-service", http.StatusServiceUnavailable},
		{domain.ErrQueue, "queue", http.StatusInternalServerError},
		{domain.ErrParsing, "parsing", http.StatusInternalServerError},
		{domain.ErrChunking, "chunking", http.StatusInternalServerError},
		{fmt.Errorf("some surprise"), "internal", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		kind, status := StatusForError(tc.err)
		assert.Equal(t, tc.kind, kind, tc.err)
		assert.Equal(t, tc.status, status, tc.err)
	}
}

func TestStatusForWrappedError(t *testing.T) {
	err := fmt.Errorf("%w: question is empty", domain.ErrValidation)
	kind, status := StatusForError(err)
	assert.Equal(t, "validation", kind)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestRespondErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/boom", func(c *gin.Context) {
		RespondError(c, fmt.Errorf("%w: document", domain.ErrNotFound))
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "not-found", env.Error)
	assert.Equal(t, http.StatusNotFound, env.StatusCode)
	assert.Contains(t, env.Message, "document")
}
