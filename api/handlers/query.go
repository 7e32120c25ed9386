package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/lectern-ai/lectern/api"
	"github.com/lectern-ai/lectern/api/middleware"
	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/query"
)

// SessionHeader carries an optional client session id attached to question
// logs.
const SessionHeader = "X-Session-ID"

// Answerer is the question-answering surface the query handler drives.
type Answerer interface {
	Ask(ctx context.Context, req query.Request, onToken func(string)) (*domain.QueryResult, error)
	AskComplete(ctx context.Context, req query.Request) (*domain.QueryResult, error)
	AskGlobal(ctx context.Context, req query.GlobalRequest) (*domain.QueryResult, error)
	PopularQuestions(ctx context.Context, documentID string, limit, offset int64) ([]domain.PopularQuestion, error)
}

type QueryHandler struct {
	pipeline Answerer
	logger   zerolog.Logger
}

func NewQueryHandler(pipeline Answerer, logger zerolog.Logger) *QueryHandler {
	return &QueryHandler{pipeline: pipeline, logger: logger}
}

type askRequest struct {
	Question string `json:"question"`
	UserID   string `json:"user_id"`
}

func (h *QueryHandler) request(c *gin.Context) (query.Request, bool) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondValidation(c, "invalid request body")
		return query.Request{}, false
	}
	userID := req.UserID
	if userID == "" {
		userID = middleware.UserID(c)
	}
	return query.Request{
		DocumentID: c.Param("doc_id"),
		Question:   req.Question,
		UserID:     userID,
		Role:       middleware.UserRole(c),
		SessionID:  c.GetHeader(SessionHeader),
	}, true
}

// Ask streams the answer as plain text. Errors before the first token get
// the JSON envelope; once streaming starts the body is already committed.
func (h *QueryHandler) Ask(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}

	streaming := false
	onToken := func(token string) {
		if !streaming {
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.Header("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			streaming = true
		}
		if _, err := c.Writer.WriteString(token); err != nil {
			return
		}
		c.Writer.Flush()
	}

	if _, err := h.pipeline.Ask(c.Request.Context(), req, onToken); err != nil {
		if streaming {
			h.logger.Error().Err(err).
				Str("document_id", req.DocumentID).
				Msg("stream failed mid-answer")
			return
		}
		api.RespondError(c, err)
	}
}

// AskComplete returns the full answer with sources in one response.
func (h *QueryHandler) AskComplete(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	result, err := h.pipeline.AskComplete(c.Request.Context(), req)
	if err != nil {
		api.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type globalAskRequest struct {
	Question       string   `json:"question"`
	UserID         string   `json:"user_id"`
	SelectedDocIDs []string `json:"selected_doc_ids"`
}

// AskGlobal answers across every document the user can read.
func (h *QueryHandler) AskGlobal(c *gin.Context) {
	var req globalAskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondValidation(c, "invalid request body")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = middleware.UserID(c)
	}

	result, err := h.pipeline.AskGlobal(c.Request.Context(), query.GlobalRequest{
		Question:            req.Question,
		UserID:              userID,
		Role:                middleware.UserRole(c),
		SessionID:           c.GetHeader(SessionHeader),
		SelectedDocumentIDs: req.SelectedDocIDs,
	})
	if err != nil {
		api.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Popular lists the frequency-ranked questions for a document.
func (h *QueryHandler) Popular(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "10"), 10, 64)
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)

	questions, err := h.pipeline.PopularQuestions(c.Request.Context(), c.Param("doc_id"), limit, offset)
	if err != nil {
		api.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": c.Param("doc_id"),
		"questions":   questions,
	})
}
