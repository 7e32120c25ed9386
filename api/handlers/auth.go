// Package handlers contains the gin endpoint handlers. Each handler takes
// its dependencies as narrow interfaces so tests can drive it with in-memory
// stubs.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lectern-ai/lectern/api"
	"github.com/lectern-ai/lectern/api/middleware"
	"github.com/lectern-ai/lectern/pkg/auth"
	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/security"
)

// UserStore is the account slice of the metadata store.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	UserByEmail(ctx context.Context, email string) (*domain.User, error)
	UserByID(ctx context.Context, id string) (*domain.User, error)
	TouchLastLogin(ctx context.Context, userID string) error
}

type AuthHandler struct {
	store   UserStore
	manager *auth.Manager
	logger  zerolog.Logger
}

func NewAuthHandler(store UserStore, manager *auth.Manager, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{store: store, manager: manager, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

// Register creates an account. Email must be unique; the password is stored
// as an argon2id hash only.
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondValidation(c, "invalid request body")
		return
	}
	if !security.ValidEmail(req.Email) {
		api.RespondError(c, fmt.Errorf("%w: invalid email address", domain.ErrValidation))
		return
	}
	if req.FullName == "" {
		api.RespondError(c, fmt.Errorf("%w: full_name is required", domain.ErrValidation))
		return
	}
	role := domain.Role(req.Role)
	if role != domain.RoleStudent && role != domain.RoleTeacher {
		api.RespondError(c, fmt.Errorf("%w: role must be student or teacher", domain.ErrValidation))
		return
	}
	if err := security.ValidatePasswordStrength(req.Password); err != nil {
		api.RespondError(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		api.RespondError(c, err)
		return
	}
	now := time.Now().UTC()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		FullName:     req.FullName,
		Role:         role,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateUser(c.Request.Context(), user); err != nil {
		api.RespondError(c, err)
		return
	}

	h.logger.Info().Str("user_id", user.ID).Str("role", string(role)).Msg("user registered")
	c.JSON(http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials and issues a token pair. Unknown email and
// wrong password produce the same response.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondValidation(c, "invalid request body")
		return
	}

	user, err := h.store.UserByEmail(c.Request.Context(), req.Email)
	if err != nil || !auth.VerifyPassword(req.Password, user.PasswordHash) {
		api.RespondError(c, fmt.Errorf("%w: invalid email or password", domain.ErrAuthentication))
		return
	}
	if !user.IsActive {
		api.RespondError(c, fmt.Errorf("%w: account is deactivated", domain.ErrAuthentication))
		return
	}

	pair, err := h.manager.IssuePair(user.ID, user.Email, user.Role)
	if err != nil {
		api.RespondError(c, err)
		return
	}
	if err := h.store.TouchLastLogin(c.Request.Context(), user.ID); err != nil {
		h.logger.Warn().Err(err).Str("user_id", user.ID).Msg("last-login update failed")
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"user":          user,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a fresh pair. The account must still
// exist and be active.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		api.RespondValidation(c, "refresh_token is required")
		return
	}

	claims, err := h.manager.VerifyRefresh(req.RefreshToken)
	if err != nil {
		api.RespondError(c, err)
		return
	}
	user, err := h.store.UserByID(c.Request.Context(), claims.Subject)
	if err != nil {
		api.RespondError(c, fmt.Errorf("%w: account no longer exists", domain.ErrInvalidToken))
		return
	}
	if !user.IsActive {
		api.RespondError(c, fmt.Errorf("%w: account is deactivated", domain.ErrAuthentication))
		return
	}

	pair, err := h.manager.IssuePair(user.ID, user.Email, user.Role)
	if err != nil {
		api.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Me returns the authenticated account.
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.store.UserByID(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		api.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
