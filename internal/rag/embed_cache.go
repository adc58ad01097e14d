package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/thingenious/eva-backend/internal/platform/logger"
)

const embedCacheTTL = 7 * 24 * time.Hour

// EmbedCache memoises embedding vectors in Redis, keyed by model and
// text content. Misses and Redis failures both fall through to the
// embedder, so the cache is purely an accelerator.
type EmbedCache struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewEmbedCache(redisURL string, log *logger.Logger) (*EmbedCache, error) {
	if log == nil {
		return nil, fmt.Errorf("embed cache: logger required")
	}
	opts, err := goredis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("embed cache: parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("embed cache: redis ping: %w", err)
	}
	return &EmbedCache{log: log.With("service", "EmbedCache"), rdb: rdb}, nil
}

func embedCacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

func (c *EmbedCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, embedCacheKey(model, text)).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (c *EmbedCache) Put(ctx context.Context, model, text string, vec []float32) {
	if c == nil || c.rdb == nil || len(vec) == 0 {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, embedCacheKey(model, text), raw, embedCacheTTL).Err(); err != nil {
		c.log.Warn("embed cache write failed", "error", err.Error())
	}
}

func (c *EmbedCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
