package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ruralhub/rural-match/internal/ai"
	"github.com/ruralhub/rural-match/internal/metrics"
)

const keyPrefix = "relevance:"

const defaultTTL = 6 * time.Hour

// ScoreCache is a read-through Redis cache in front of a relevance oracle.
// A batch is served from cache only when every candidate in it is cached;
// otherwise the whole batch goes to the inner oracle so it still costs one
// call, never several. Cache failures are logged and ignored: losing the
// cache must never degrade a match request.
type ScoreCache struct {
	inner  ai.RelevanceOracle
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New wraps an oracle with a Redis-backed score cache. A non-positive ttl
// falls back to the default (6h).
func New(inner ai.RelevanceOracle, client *redis.Client, ttl time.Duration, log *zap.Logger) *ScoreCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ScoreCache{inner: inner, client: client, ttl: ttl, logger: log}
}

// ScoreRelevance implements ai.RelevanceOracle.
func (c *ScoreCache) ScoreRelevance(ctx context.Context, intent string, batch []ai.Candidate) (map[string]float64, error) {
	if intent == "" || len(batch) == 0 {
		return c.inner.ScoreRelevance(ctx, intent, batch)
	}

	keys := make([]string, len(batch))
	for i, cand := range batch {
		keys[i] = cacheKey(intent, cand)
	}

	if cached, ok := c.lookup(ctx, keys, batch); ok {
		metrics.RelevanceCacheHits.Inc()
		c.logger.Debug("relevance batch served from cache", zap.Int("batch_size", len(batch)))
		return cached, nil
	}
	metrics.RelevanceCacheMisses.Inc()

	scores, err := c.inner.ScoreRelevance(ctx, intent, batch)
	if err != nil {
		return nil, err
	}

	c.store(ctx, keys, batch, scores)
	return scores, nil
}

// lookup returns the cached scores only when the whole batch hits.
func (c *ScoreCache) lookup(ctx context.Context, keys []string, batch []ai.Candidate) (map[string]float64, bool) {
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("relevance cache lookup failed", zap.Error(err))
		return nil, false
	}

	scores := make(map[string]float64, len(batch))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			return nil, false
		}
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false
		}
		scores[batch[i].ID] = score
	}
	return scores, true
}

func (c *ScoreCache) store(ctx context.Context, keys []string, batch []ai.Candidate, scores map[string]float64) {
	pipe := c.client.Pipeline()
	for i, cand := range batch {
		score, ok := scores[cand.ID]
		if !ok {
			continue
		}
		pipe.Set(ctx, keys[i], strconv.FormatFloat(score, 'f', -1, 64), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("relevance cache store failed", zap.Error(err))
	}
}

// cacheKey hashes intent together with the candidate identity and summary so
// a changed description or intent never serves a stale score.
func cacheKey(intent string, cand ai.Candidate) string {
	sum := sha256.Sum256([]byte(intent + "\x00" + cand.ID + "\x00" + cand.Summary))
	return keyPrefix + fmt.Sprintf("%x", sum[:16])
}
