package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/internal/cache"
)

// CachedLibrary 用 Redis 缓存查询结果的装饰器。
// 只缓存成功结果；ErrInsufficient 不写入缓存，下次查询重新访问底层库
type CachedLibrary struct {
	inner  Library
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

var _ Library = (*CachedLibrary)(nil)

// NewCachedLibrary 包装底层库
func NewCachedLibrary(inner Library, manager *cache.Manager, ttl time.Duration, logger *zap.Logger) *CachedLibrary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedLibrary{
		inner:  inner,
		cache:  manager,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "knowledge_cache"), zap.String("library", inner.Name())),
	}
}

// Name 与底层库同名
func (c *CachedLibrary) Name() string { return c.inner.Name() }

// Lookup 先查缓存，未命中时查询底层库并写回
func (c *CachedLibrary) Lookup(ctx context.Context, query string) ([]Entry, error) {
	var entries []Entry
	err := c.cache.LoadJSON(ctx, c.key(query), c.ttl, &entries, func(ctx context.Context) (any, error) {
		return c.inner.Lookup(ctx, query)
	})
	switch {
	case err == nil:
		if len(entries) == 0 {
			return nil, Insufficient(c.Name(), query, nil)
		}
		return entries, nil
	case errors.Is(err, ErrInsufficient):
		return nil, err
	default:
		// 缓存不可用时直接查询底层库
		c.logger.Warn("knowledge cache unavailable, querying library directly", zap.Error(err))
		return c.inner.Lookup(ctx, query)
	}
}

// Invalidate 清除该库的全部缓存结果，目录重新加载后调用
func (c *CachedLibrary) Invalidate(ctx context.Context) (int, error) {
	return c.cache.DeletePrefix(ctx, "knowledge:"+c.Name()+":")
}

func (c *CachedLibrary) key(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "knowledge:" + c.Name() + ":" + hex.EncodeToString(sum[:])
}
