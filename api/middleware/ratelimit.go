package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lectern-ai/lectern/pkg/domain"
)

const (
	rateUserPrefix = "rag:rl:user:"
	rateGlobalKey  = "rag:rl:global"
)

// RateLimiter enforces a Redis sliding window per user plus a shared global
// window. Redis failures deny the request: the limiter fails closed so an
// outage cannot become an unmetered free-for-all.
type RateLimiter struct {
	rdb     *redis.Client
	perUser int
	global  int
	window  time.Duration
	logger  zerolog.Logger
}

func NewRateLimiter(rdb *redis.Client, perUser, global int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimiter{
		rdb:     rdb,
		perUser: perUser,
		global:  global,
		window:  window,
		logger:  logger,
	}
}

// Limit is the per-request middleware. It must run after RequireAuth so the
// user id is available.
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if userID == "" {
			userID = c.ClientIP()
		}

		allowed, retryAfter, err := rl.allow(c, rateUserPrefix+userID, rl.perUser)
		if err != nil {
			rl.deny(c, err)
			return
		}
		if !allowed {
			rl.reject(c, retryAfter, "user rate limit exceeded")
			return
		}

		allowed, retryAfter, err = rl.allow(c, rateGlobalKey, rl.global)
		if err != nil {
			rl.deny(c, err)
			return
		}
		if !allowed {
			rl.reject(c, retryAfter, "service is at capacity, try again shortly")
			return
		}
		c.Next()
	}
}

// allow runs the sliding window against one key: drop expired members,
// count, and admit by inserting a unique member.
func (rl *RateLimiter) allow(c *gin.Context, key string, max int) (bool, time.Duration, error) {
	if max <= 0 {
		return true, 0, nil
	}
	ctx := c.Request.Context()
	now := time.Now()
	windowStart := now.Add(-rl.window)

	pipe := rl.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("%w: rate limit check: %v", domain.ErrExternalService, err)
	}

	if count.Val() >= int64(max) {
		oldest, err := rl.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
		retry := rl.window
		if err == nil && len(oldest) == 1 {
			expiresAt := time.Unix(0, int64(oldest[0].Score)).Add(rl.window)
			if until := time.Until(expiresAt); until > 0 {
				retry = until
			}
		}
		return false, retry, nil
	}

	pipe = rl.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("%w: rate limit record: %v", domain.ErrExternalService, err)
	}
	return true, 0, nil
}

// deny is the fail-closed path for limiter backend errors.
func (rl *RateLimiter) deny(c *gin.Context, err error) {
	rl.logger.Error().Err(err).Msg("rate limiter backend unavailable, denying request")
	c.Header("Retry-After", "30")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate-limit",
		"message":     "rate limiting unavailable, request denied",
		"status_code": http.StatusTooManyRequests,
	})
}

func (rl *RateLimiter) reject(c *gin.Context, retryAfter time.Duration, message string) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate-limit",
		"message":     message,
		"status_code": http.StatusTooManyRequests,
	})
}

// IPBurstGuard keeps a token bucket per client IP in front of the Redis
// window, shedding connection floods before they reach the backend. Buckets
// idle past the stale cutoff are evicted on the next sweep.
type IPBurstGuard struct {
	mu        sync.Mutex
	buckets   map[string]*ipBucket
	perSec    rate.Limit
	burst     int
	lastSweep time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const ipBucketStale = 10 * time.Minute

func NewIPBurstGuard(perSecond float64, burst int) *IPBurstGuard {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &IPBurstGuard{
		buckets:   make(map[string]*ipBucket),
		perSec:    rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (g *IPBurstGuard) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate-limit",
				"message":     "too many requests",
				"status_code": http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}
}

func (g *IPBurstGuard) allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Sub(g.lastSweep) > ipBucketStale {
		for k, b := range g.buckets {
			if now.Sub(b.lastSeen) > ipBucketStale {
				delete(g.buckets, k)
			}
		}
		g.lastSweep = now
	}

	b, ok := g.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(g.perSec, g.burst)}
		g.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
