// Package cache wraps Redis for the transient keyspaces: frequency-gated
// answer caching, popular-question ranking, and per-document progress
// pub/sub.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/log"
)

const (
	answerPrefix   = "rag:cache:"
	freqPrefix     = "rag:freq:"
	popularPrefix  = "rag:popular:"
	questionPrefix = "rag:questions:"
	statusPrefix   = "document:status:"

	// StatusPattern matches every document status channel.
	StatusPattern = statusPrefix + "*"
)

// CachedAnswer is the stored value for one admitted (document, question)
// pair.
type CachedAnswer struct {
	Answer       string              `json:"answer"`
	Sources      []domain.Source     `json:"sources"`
	QuestionType domain.QuestionType `json:"question_type"`
	TokensUsed   int                 `json:"tokens_used"`
}

type Cache struct {
	rdb       *redis.Client
	answerTTL time.Duration
	freqTTL   time.Duration
	logger    *slog.Logger
}

// New parses a redis URL and verifies connectivity.
func New(ctx context.Context, url string, answerTTL, freqTTL time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", domain.ErrExternalService, err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", domain.ErrExternalService, err)
	}
	return &Cache{
		rdb:       rdb,
		answerTTL: answerTTL,
		freqTTL:   freqTTL,
		logger:    log.WithComponent("cache"),
	}, nil
}

// FromClient wraps an existing client. Used by tests running against
// miniredis.
func FromClient(rdb *redis.Client, answerTTL, freqTTL time.Duration) *Cache {
	return &Cache{
		rdb:       rdb,
		answerTTL: answerTTL,
		freqTTL:   freqTTL,
		logger:    log.WithComponent("cache"),
	}
}

func (c *Cache) Close() error { return c.rdb.Close() }

// Client exposes the underlying connection for sibling Redis concerns
// (the sliding-window rate limiter).
func (c *Cache) Client() *redis.Client { return c.rdb }

func (c *Cache) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", domain.ErrExternalService, err)
	}
	return nil
}

// QuestionKey hashes the lowercased question so equivalent phrasings by
// case share one counter and cache slot.
func QuestionKey(question string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(question)))
	return hex.EncodeToString(sum[:])
}

func answerKey(documentID, qkey string) string { return answerPrefix + documentID + ":" + qkey }
func freqKey(documentID, qkey string) string   { return freqPrefix + documentID + ":" + qkey }
func popularKey(documentID string) string      { return popularPrefix + documentID }
func questionKey(documentID string) string     { return questionPrefix + documentID }
func statusChannel(documentID string) string   { return statusPrefix + documentID }

// BumpFrequency increments the question counter, attaching the TTL on the
// first increment, and records the question for the popular listing.
// Returns the post-increment count.
func (c *Cache) BumpFrequency(ctx context.Context, documentID, question string) (int64, error) {
	qkey := QuestionKey(question)
	n, err := c.rdb.Incr(ctx, freqKey(documentID, qkey)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: increment frequency: %v", domain.ErrExternalService, err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, freqKey(documentID, qkey), c.freqTTL).Err(); err != nil {
			return n, fmt.Errorf("%w: expire frequency: %v", domain.ErrExternalService, err)
		}
	}

	// Popular ranking is best-effort bookkeeping next to the counter.
	pipe := c.rdb.Pipeline()
	pipe.ZIncrBy(ctx, popularKey(documentID), 1, qkey)
	pipe.HSet(ctx, questionKey(documentID), qkey, question)
	pipe.Expire(ctx, popularKey(documentID), c.freqTTL)
	pipe.Expire(ctx, questionKey(documentID), c.freqTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("popular ranking update failed", "error", err)
	}
	return n, nil
}

// Frequency reads the current counter without incrementing. Missing keys
// read as zero.
func (c *Cache) Frequency(ctx context.Context, documentID, question string) (int64, error) {
	n, err := c.rdb.Get(ctx, freqKey(documentID, QuestionKey(question))).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read frequency: %v", domain.ErrExternalService, err)
	}
	return n, nil
}

// GetAnswer returns the cached answer for the question, if admitted.
func (c *Cache) GetAnswer(ctx context.Context, documentID, question string) (*CachedAnswer, bool, error) {
	raw, err := c.rdb.Get(ctx, answerKey(documentID, QuestionKey(question))).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read cache: %v", domain.ErrExternalService, err)
	}
	var ans CachedAnswer
	if err := json.Unmarshal(raw, &ans); err != nil {
		return nil, false, fmt.Errorf("%w: decode cached answer: %v", domain.ErrInternal, err)
	}
	return &ans, true, nil
}

// SetAnswer stores an answer with the configured TTL. Admission policy
// (frequency threshold, leak screening) is the caller's responsibility.
func (c *Cache) SetAnswer(ctx context.Context, documentID, question string, ans CachedAnswer) error {
	raw, err := json.Marshal(ans)
	if err != nil {
		return fmt.Errorf("%w: encode cached answer: %v", domain.ErrInternal, err)
	}
	if err := c.rdb.Set(ctx, answerKey(documentID, QuestionKey(question)), raw, c.answerTTL).Err(); err != nil {
		return fmt.Errorf("%w: write cache: %v", domain.ErrExternalService, err)
	}
	return nil
}

// Popular returns the frequency-ranked questions for a document.
func (c *Cache) Popular(ctx context.Context, documentID string, limit, offset int64) ([]domain.PopularQuestion, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := c.rdb.ZRevRangeWithScores(ctx, popularKey(documentID), offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read popular questions: %v", domain.ErrExternalService, err)
	}
	out := make([]domain.PopularQuestion, 0, len(entries))
	for _, e := range entries {
		qkey, _ := e.Member.(string)
		question, err := c.rdb.HGet(ctx, questionKey(documentID), qkey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read question text: %v", domain.ErrExternalService, err)
		}
		cached, err := c.rdb.Exists(ctx, answerKey(documentID, qkey)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: check cache existence: %v", domain.ErrExternalService, err)
		}
		out = append(out, domain.PopularQuestion{
			Question:  question,
			Frequency: int64(e.Score),
			IsCached:  cached > 0,
		})
	}
	return out, nil
}

// DeleteDocument clears every transient key for the document and returns
// how many keys were removed.
func (c *Cache) DeleteDocument(ctx context.Context, documentID string) (int64, error) {
	var deleted int64
	for _, pattern := range []string{
		answerPrefix + documentID + ":*",
		freqPrefix + documentID + ":*",
	} {
		iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			n, err := c.rdb.Del(ctx, iter.Val()).Result()
			if err != nil {
				return deleted, fmt.Errorf("%w: delete cache key: %v", domain.ErrExternalService, err)
			}
			deleted += n
		}
		if err := iter.Err(); err != nil {
			return deleted, fmt.Errorf("%w: scan cache keys: %v", domain.ErrExternalService, err)
		}
	}
	n, err := c.rdb.Del(ctx, popularKey(documentID), questionKey(documentID)).Result()
	if err != nil {
		return deleted, fmt.Errorf("%w: delete ranking keys: %v", domain.ErrExternalService, err)
	}
	return deleted + n, nil
}

// PublishProgress fans a progress event out on the document's channel.
func (c *Cache) PublishProgress(ctx context.Context, documentID string, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: encode progress event: %v", domain.ErrInternal, err)
	}
	if err := c.rdb.Publish(ctx, statusChannel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish progress: %v", domain.ErrExternalService, err)
	}
	return nil
}

// SubscribeProgress pattern-subscribes to every document status channel.
// The caller owns the returned subscription.
func (c *Cache) SubscribeProgress(ctx context.Context) *redis.PubSub {
	return c.rdb.PSubscribe(ctx, StatusPattern)
}

// DocumentIDFromChannel extracts the document id from a status channel name.
func DocumentIDFromChannel(channel string) string {
	return strings.TrimPrefix(channel, statusPrefix)
}
