package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	versionKeyPrefix = "perm:version:"

	// DefaultCacheTTL bounds how long a cached decision may live regardless of versioning.
	DefaultCacheTTL = 30 * time.Second
	// DefaultVersionFallbackTTL is used when the store refuses to keep a counter forever.
	DefaultVersionFallbackTTL = 30 * 24 * time.Hour
)

// CacheStore is the key/value primitive the permission cache is built on.
type CacheStore interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value; a ttl <= 0 keeps it until evicted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
}

// CacheOptions tunes Cache behaviour.
type CacheOptions struct {
	TTL         time.Duration
	FallbackTTL time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Cache keys permission results by a per-user version so that a single
// increment makes every earlier entry for that user unreachable.
type Cache struct {
	store       CacheStore
	ttl         time.Duration
	fallbackTTL time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

// NewCache instantiates the cache helper.
func NewCache(store CacheStore, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = DefaultVersionFallbackTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:       store,
		ttl:         opts.TTL,
		fallbackTTL: opts.FallbackTTL,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Version returns the current version for the user; a missing counter is 0.
func (c *Cache) Version(ctx context.Context, userID int64) (int64, error) {
	if c == nil || c.store == nil {
		return 0, nil
	}
	raw, ok, err := c.store.Get(ctx, versionKey(userID))
	if err != nil {
		return 0, err
	}
	if !ok || raw == "" {
		return 0, nil
	}
	ver, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rbac: parse cache version %q: %w", raw, err)
	}
	return ver, nil
}

// Bump increments the user's version. When the atomic increment is refused it
// rewrites the counter with a bounded TTL instead of failing.
func (c *Cache) Bump(ctx context.Context, userID int64) (int64, error) {
	if c == nil || c.store == nil {
		return 0, nil
	}
	key := versionKey(userID)
	ver, err := c.store.Incr(ctx, key)
	if err == nil {
		c.metrics.invalidated("incr")
		return ver, nil
	}
	c.logger.Warn("permission cache version increment failed, using bounded ttl",
		slog.Int64("user_id", userID), slog.Any("error", err))
	current, verErr := c.Version(ctx, userID)
	if verErr != nil {
		c.metrics.invalidated("failed")
		return 0, errors.Join(err, verErr)
	}
	next := current + 1
	if setErr := c.store.Set(ctx, key, strconv.FormatInt(next, 10), c.fallbackTTL); setErr != nil {
		c.metrics.invalidated("failed")
		return 0, errors.Join(err, setErr)
	}
	c.metrics.invalidated("fallback")
	return next, nil
}

// GetBool reads a cached decision; kind labels the lookup metric.
func (c *Cache) GetBool(ctx context.Context, kind, key string) (value, ok bool, err error) {
	if c == nil || c.store == nil {
		return false, false, nil
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		c.metrics.lookup(kind, false)
		return false, false, err
	}
	c.metrics.lookup(kind, true)
	return raw == "1", true, nil
}

// PutBool stores a decision under key.
func (c *Cache) PutBool(ctx context.Context, key string, value bool) error {
	if c == nil || c.store == nil {
		return nil
	}
	raw := "0"
	if value {
		raw = "1"
	}
	return c.store.Set(ctx, key, raw, c.ttl)
}

// GetNames reads a cached permission name list.
func (c *Cache) GetNames(ctx context.Context, key string) ([]string, bool, error) {
	if c == nil || c.store == nil {
		return nil, false, nil
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		c.metrics.lookup("set", false)
		return nil, false, err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		c.metrics.lookup("set", false)
		return nil, false, err
	}
	c.metrics.lookup("set", true)
	return names, true, nil
}

// PutNames stores a permission name list under key.
func (c *Cache) PutNames(ctx context.Context, key string, names []string) error {
	if c == nil || c.store == nil {
		return nil
	}
	if names == nil {
		names = []string{}
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, string(raw), c.ttl)
}

func versionKey(userID int64) string {
	return versionKeyPrefix + strconv.FormatInt(userID, 10)
}

func keyCan(version, userID int64, teamID *int64, permission string) string {
	return strings.Join([]string{"perm", "v" + strconv.FormatInt(version, 10), strconv.FormatInt(userID, 10), teamToken(teamID), "can", permission}, ":")
}

func keySuper(version, userID int64) string {
	return strings.Join([]string{"perm", "v" + strconv.FormatInt(version, 10), strconv.FormatInt(userID, 10), "super"}, ":")
}

func keySet(version, userID int64, teamID *int64) string {
	return strings.Join([]string{"perm", "v" + strconv.FormatInt(version, 10), strconv.FormatInt(userID, 10), teamToken(teamID), "set"}, ":")
}
