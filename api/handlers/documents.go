package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/lectern-ai/lectern/api"
	"github.com/lectern-ai/lectern/api/middleware"
	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/ingest"
	"github.com/lectern-ai/lectern/pkg/store"
)

// Uploader is the ingestion surface the document handler drives.
type Uploader interface {
	Upload(ctx context.Context, in ingest.UploadInput) (*ingest.UploadResult, error)
	Delete(ctx context.Context, documentID, userID string, role domain.Role) (*ingest.DeleteStats, error)
}

// DocumentReader is the read slice of the metadata store used here.
type DocumentReader interface {
	DocumentByID(ctx context.Context, id string) (*domain.Document, error)
	ListUserDocuments(ctx context.Context, opts store.ListOptions) ([]domain.Document, int64, error)
	SuggestedQuestionsForDocument(ctx context.Context, documentID string) (*domain.SuggestedQuestions, error)
}

type DocumentsHandler struct {
	ingestor    Uploader
	store       DocumentReader
	maxFileSize int64
	logger      zerolog.Logger
}

func NewDocumentsHandler(ingestor Uploader, reader DocumentReader, maxFileSize int64, logger zerolog.Logger) *DocumentsHandler {
	return &DocumentsHandler{
		ingestor:    ingestor,
		store:       reader,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

// Upload ingests one multipart document. Re-uploads of identical content
// link the uploader to the existing document instead of reprocessing.
func (h *DocumentsHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		api.RespondError(c, fmt.Errorf("%w: missing file field", domain.ErrFileValidation))
		return
	}
	if h.maxFileSize > 0 && fileHeader.Size > h.maxFileSize {
		api.RespondError(c, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrFileValidation, h.maxFileSize))
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		api.RespondError(c, fmt.Errorf("%w: open upload: %v", domain.ErrFileValidation, err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		api.RespondError(c, fmt.Errorf("%w: read upload: %v", domain.ErrFileValidation, err))
		return
	}

	userID := c.PostForm("user_id")
	if userID == "" {
		userID = middleware.UserID(c)
	}

	result, err := h.ingestor.Upload(c.Request.Context(), ingest.UploadInput{
		Filename:   fileHeader.Filename,
		Data:       data,
		UserID:     userID,
		Title:      c.PostForm("title"),
		Subject:    c.PostForm("subject"),
		GradeLevel: c.PostForm("grade_level"),
		Tags:       c.PostForm("tags"),
	})
	if err != nil {
		api.RespondError(c, err)
		return
	}

	resp := gin.H{
		"document_id":  result.Document.ID,
		"status":       result.Document.Status,
		"total_chunks": result.Document.TotalChunks,
		"is_duplicate": result.IsDuplicate,
		"message":      result.Message,
	}
	if result.IsDuplicate {
		resp["duplicate_of"] = result.Document.ID
	}
	c.JSON(http.StatusOK, resp)
}

// Delete removes a document and its derived state.
func (h *DocumentsHandler) Delete(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = middleware.UserID(c)
	}

	stats, err := h.ingestor.Delete(c.Request.Context(), c.Param("id"), userID, middleware.UserRole(c))
	if err != nil {
		api.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": c.Param("id"),
		"stats":       stats,
	})
}

// listedDocument is one library entry with its access annotation.
type listedDocument struct {
	domain.Document
	AccessType string `json:"access_type"`
}

// List returns the user's library view with filtering and pagination.
func (h *DocumentsHandler) List(c *gin.Context) {
	userID := c.Param("id")

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	filter := store.ListFilter(c.DefaultQuery("filter", "all"))
	switch filter {
	case store.FilterAll, store.FilterOwned, store.FilterShared:
	default:
		api.RespondError(c, fmt.Errorf("%w: filter must be all, owned, or shared", domain.ErrValidation))
		return
	}

	docs, total, err := h.store.ListUserDocuments(c.Request.Context(), store.ListOptions{
		UserID:   userID,
		Role:     middleware.UserRole(c),
		Filter:   filter,
		Search:   c.Query("search"),
		Subjects: splitCSV(c.Query("subjects")),
		Tags:     splitCSV(c.Query("tags")),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		api.RespondError(c, err)
		return
	}

	listed := make([]listedDocument, 0, len(docs))
	for _, d := range docs {
		listed = append(listed, listedDocument{
			Document:   d,
			AccessType: accessType(&d, userID),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"documents": listed,
		"total":     total,
		"page":      page,
		"limit":     limit,
	})
}

// SuggestedQuestions returns the post-upload study questions for a document.
func (h *DocumentsHandler) SuggestedQuestions(c *gin.Context) {
	sq, err := h.store.SuggestedQuestionsForDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sq)
}

func accessType(doc *domain.Document, userID string) string {
	if doc.UserID == userID {
		return "owned"
	}
	for _, rec := range doc.UploadHistory {
		if rec.UserID == userID {
			return "owned"
		}
	}
	return "shared"
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
