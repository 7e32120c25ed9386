package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lectern-ai/lectern/pkg/auth"
	"github.com/lectern-ai/lectern/pkg/domain"
)

const (
	ctxUserID = "user_id"
	ctxEmail  = "email"
	ctxRole   = "role"
	ctxClaims = "claims"
)

// RequireAuth verifies the bearer access token and stores the identity in
// the request context. Requests without a valid token never reach the
// handler.
func RequireAuth(manager *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}
		claims, err := manager.VerifyAccess(token)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}
		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxEmail, claims.Email)
		c.Set(ctxRole, string(claims.Role))
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", domain.ErrAuthentication)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("%w: malformed authorization header", domain.ErrAuthentication)
	}
	return parts[1], nil
}

func abortUnauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":       domain.Kind(err),
		"message":     err.Error(),
		"status_code": http.StatusUnauthorized,
	})
}

// UserID returns the authenticated user id set by RequireAuth.
func UserID(c *gin.Context) string { return c.GetString(ctxUserID) }

// Email returns the authenticated user's email.
func Email(c *gin.Context) string { return c.GetString(ctxEmail) }

// UserRole returns the authenticated user's role.
func UserRole(c *gin.Context) domain.Role {
	return domain.Role(c.GetString(ctxRole))
}

// ClaimsFrom returns the full token claims, if present.
func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
