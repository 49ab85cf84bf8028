package cache

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrCacheFull is returned by Set when MaxSize is reached and nothing has expired
var ErrCacheFull = errors.New("cache is full")

// LocalConfig 本地缓存配置
type LocalConfig struct {
	MaxSize           int
	DefaultExpiration time.Duration
	CleanupInterval   time.Duration
}

// LocalCache 基于 go-cache 的进程内缓存
type LocalCache struct {
	cache   *gocache.Cache
	maxSize int
}

// NewLocalCache 创建本地缓存
func NewLocalCache(cfg LocalConfig) *LocalCache {
	if cfg.DefaultExpiration <= 0 {
		cfg.DefaultExpiration = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	return &LocalCache{
		cache:   gocache.New(cfg.DefaultExpiration, cfg.CleanupInterval),
		maxSize: cfg.MaxSize,
	}
}

func (c *LocalCache) Get(_ context.Context, key string) (interface{}, bool) {
	return c.cache.Get(key)
}

// Set stores value; a zero expiration uses the default
func (c *LocalCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	if expiration == 0 {
		expiration = gocache.DefaultExpiration
	}
	if c.maxSize > 0 && c.cache.ItemCount() >= c.maxSize {
		if _, exists := c.cache.Get(key); !exists {
			c.cache.DeleteExpired()
			if c.cache.ItemCount() >= c.maxSize {
				return ErrCacheFull
			}
		}
	}
	c.cache.Set(key, value, expiration)
	return nil
}

func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}

func (c *LocalCache) Exists(_ context.Context, key string) bool {
	_, ok := c.cache.Get(key)
	return ok
}

func (c *LocalCache) Clear(_ context.Context) error {
	c.cache.Flush()
	return nil
}

// Close is a no-op; go-cache's janitor stops when the cache is collected
func (c *LocalCache) Close() error {
	return nil
}

// Len 当前条目数（包括尚未清理的过期条目）
func (c *LocalCache) Len() int {
	return c.cache.ItemCount()
}
