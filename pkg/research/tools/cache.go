package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mikeboe/pharma-research/pkg/cache"
	"github.com/mikeboe/pharma-research/pkg/research"
)

// JSONCache is the subset of cache.RedisCache the searcher needs.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachedSearcher memoizes search results. Cache failures are logged and the
// underlying searcher is used; a search error is never cached.
type CachedSearcher struct {
	Next   Backend
	Cache  JSONCache
	TTL    time.Duration
	Logger *slog.Logger
}

func (c *CachedSearcher) Name() string { return c.Next.Name() }

func (c *CachedSearcher) Search(ctx context.Context, query string, limit int) ([]research.Paper, error) {
	key := searchKey(c.Next.Name(), query, limit)

	var papers []research.Paper
	err := c.Cache.GetJSON(ctx, key, &papers)
	if err == nil {
		c.logger(ctx).Debug("Search cache hit", "backend", c.Next.Name(), "query", query)
		return papers, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger(ctx).Warn("Search cache read failed", "error", err)
	}

	papers, err = c.Next.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if papers == nil {
		papers = []research.Paper{}
	}

	if err := c.Cache.SetJSON(ctx, key, papers, c.TTL); err != nil {
		c.logger(ctx).Warn("Search cache write failed", "error", err)
	}
	return papers, nil
}

func searchKey(backend, query string, limit int) string {
	norm := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", backend, norm, limit)))
	return "search:" + backend + ":" + hex.EncodeToString(sum[:12])
}

// logger prefers the run logger carried by ctx.
func (c *CachedSearcher) logger(ctx context.Context) *slog.Logger {
	return research.LoggerFrom(ctx, c.Logger)
}
