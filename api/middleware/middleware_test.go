package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectern-ai/lectern/pkg/auth"
	"github.com/lectern-ai/lectern/pkg/domain"
)

func init() { gin.SetMode(gin.TestMode) }

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_id": UserID(c), "role": UserRole(c)})
}

func TestCorrelationIDEchoed(t *testing.T) {
	engine := gin.New()
	engine.Use(CorrelationID())
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "corr-123")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, "corr-123", rec.Header().Get(CorrelationHeader))
}

func TestCorrelationIDGenerated(t *testing.T) {
	engine := gin.New()
	engine.Use(CorrelationID())
	engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, rec.Header().Get(CorrelationHeader))
}

func newAuthEngine(manager *auth.Manager) *gin.Engine {
	engine := gin.New()
	engine.GET("/protected", RequireAuth(manager), okHandler)
	return engine
}

func TestRequireAuthAcceptsAccessToken(t *testing.T) {
	manager := auth.NewManager("0123456789abcdef0123456789abcdef", time.Minute, time.Hour)
	pair, err := manager.IssuePair("user-1", "a@b.edu", domain.RoleTeacher)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	newAuthEngine(manager).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user-1")
	assert.Contains(t, rec.Body.String(), "teacher")
}

func TestRequireAuthRejectsRefreshToken(t *testing.T) {
	manager := auth.NewManager("0123456789abcdef0123456789abcdef", time.Minute, time.Hour)
	pair, err := manager.IssuePair("user-1", "a@b.edu", domain.RoleStudent)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	rec := httptest.NewRecorder()
	newAuthEngine(manager).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid-token")
}

func TestRequireAuthRejectsMissingAndMalformedHeaders(t *testing.T) {
	manager := auth.NewManager("0123456789abcdef0123456789abcdef", time.Minute, time.Hour)
	engine := newAuthEngine(manager)

	for _, header := range []string{"", "Bearer", "Basic dXNlcg==", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func newLimitedEngine(t *testing.T, perUser, global int, window time.Duration) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rl := NewRateLimiter(rdb, perUser, global, window, zerolog.Nop())
	engine := gin.New()
	engine.GET("/q", func(c *gin.Context) {
		c.Set("user_id", "student-1")
		c.Next()
	}, rl.Limit(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return engine, mr
}

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	engine, _ := newLimitedEngine(t, 3, 100, time.Minute)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/q", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
}

func TestRateLimiterRejectsBeyondWindow(t *testing.T) {
	engine, _ := newLimitedEngine(t, 2, 100, time.Minute)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/q", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/q", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimiterGlobalCapApplies(t *testing.T) {
	engine, _ := newLimitedEngine(t, 100, 1, time.Minute)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/q", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/q", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "capacity")
}

func TestRateLimiterFailsClosedWhenRedisDown(t *testing.T) {
	engine, mr := newLimitedEngine(t, 10, 100, time.Minute)
	mr.Close()

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/q", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "denied")
}

func TestIPBurstGuard(t *testing.T) {
	guard := NewIPBurstGuard(1, 2)

	assert.True(t, guard.allow("10.0.0.1"))
	assert.True(t, guard.allow("10.0.0.1"))
	assert.False(t, guard.allow("10.0.0.1"), "burst exhausted")
	assert.True(t, guard.allow("10.0.0.2"), "other clients keep their own bucket")
}
