// Copyright 2024-2026 Aiku AI

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// expiryMargin is how long before its expiry a cached URL stops being handed out.
const expiryMargin = 10 * time.Second

// ErrNoUploader is returned by GetURL when no uploader is configured.
var ErrNoUploader = errors.New("no uploader configured")

// Uploader publishes a staged file and returns a URL that stays valid for
// at least the configured TTL.
type Uploader interface {
	UploadPublic(ctx context.Context, f *File) (string, error)
}

// URLCache stores published URLs keyed by content hash.
type URLCache interface {
	Get(ctx context.Context, key string) (url string, expiry time.Time, ok bool, err error)
	Set(ctx context.Context, key, url string, expiry time.Time) error
}

// URLProvider returns public URLs for staged files, uploading each distinct
// content at most once per TTL.
type URLProvider struct {
	cache    URLCache
	uploader Uploader
	ttl      time.Duration
	log      zerolog.Logger
	now      func() time.Time
	group    singleflight.Group
}

// NewURLProvider creates a provider. uploader may be nil, in which case
// GetURL only serves cached URLs.
func NewURLProvider(cache URLCache, uploader Uploader, ttl time.Duration, log zerolog.Logger) *URLProvider {
	return &URLProvider{
		cache:    cache,
		uploader: uploader,
		ttl:      ttl,
		log:      log.With().Str("component", "url_provider").Logger(),
		now:      time.Now,
	}
}

// SetUploader sets the uploader. It must be called before the first GetURL.
func (p *URLProvider) SetUploader(u Uploader) {
	p.uploader = u
}

// GetURL returns a public URL for f.
func (p *URLProvider) GetURL(ctx context.Context, f *File) (string, error) {
	if f == nil {
		return "", errors.New("no file to publish")
	}
	key := f.SHA256
	url, expiry, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("Failed to read URL cache")
	} else if ok && expiry.Add(-expiryMargin).After(p.now()) {
		return url, nil
	}
	if p.uploader == nil {
		return "", ErrNoUploader
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		url, err := p.uploader.UploadPublic(ctx, f)
		if err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", f.Name, err)
		}
		if err := p.cache.Set(ctx, key, url, p.now().Add(p.ttl)); err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("Failed to write URL cache")
		}
		p.log.Debug().Str("key", key).Str("url", url).Msg("Published file")
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type memoryEntry struct {
	url    string
	expiry time.Time
}

// MemoryURLCache is a process-local URLCache.
type MemoryURLCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryURLCache creates an empty in-memory cache.
func NewMemoryURLCache() *MemoryURLCache {
	return &MemoryURLCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryURLCache) Get(_ context.Context, key string) (string, time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.url, e.expiry, ok, nil
}

func (c *MemoryURLCache) Set(_ context.Context, key, url string, expiry time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{url: url, expiry: expiry}
	return nil
}

const redisKeyPrefix = "relaybridge:url:"

// RedisURLCache stores URLs in Redis so several bridge processes can share
// uploads. Keys expire on their own at the URL's expiry.
type RedisURLCache struct {
	cli *redis.Client
}

// ConnectRedis parses a redis:// URL, connects and pings the server.
func ConnectRedis(ctx context.Context, rawURL string) (*RedisURLCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisURLCache{cli: cli}, nil
}

// NewRedisURLCache wraps an existing client.
func NewRedisURLCache(cli *redis.Client) *RedisURLCache {
	return &RedisURLCache{cli: cli}
}

func (c *RedisURLCache) Get(ctx context.Context, key string) (string, time.Time, bool, error) {
	vals, err := c.cli.HGetAll(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("hgetall: %w", err)
	}
	url, ok := vals["url"]
	if !ok {
		return "", time.Time{}, false, nil
	}
	unix, err := strconv.ParseInt(vals["expiry"], 10, 64)
	if err != nil {
		return "", time.Time{}, false, nil
	}
	return url, time.Unix(unix, 0), true, nil
}

func (c *RedisURLCache) Set(ctx context.Context, key, url string, expiry time.Time) error {
	k := redisKeyPrefix + key
	_, err := c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "url", url, "expiry", strconv.FormatInt(expiry.Unix(), 10))
		pipe.ExpireAt(ctx, k, expiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set url: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (c *RedisURLCache) Close() error {
	return c.cli.Close()
}
