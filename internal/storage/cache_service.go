package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/redis/go-redis/v9"
)

// CacheService provides the wallet read-path cache
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyAllowances is for a wallet's current allowance list
	CacheKeyAllowances CacheKeyType = "allowances"
	// CacheKeyJobs is for a wallet's recent job history
	CacheKeyJobs CacheKeyType = "jobs"
	// CacheKeyRisk is for a wallet's risk summary
	CacheKeyRisk CacheKeyType = "risk"
)

// walletKeyTypes lists every key family that is scoped to a wallet
var walletKeyTypes = []CacheKeyType{CacheKeyAllowances, CacheKeyJobs, CacheKeyRisk}

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, param := range params {
		parts = append(parts, strings.ToLower(param))
	}
	return strings.Join(parts, ":")
}

// GenerateAllowancesKey generates the key for a wallet's allowances
// Format: allowances:<wallet>
func (c *CacheService) GenerateAllowancesKey(wallet string) string {
	return c.GenerateCacheKey(CacheKeyAllowances, wallet)
}

// GenerateJobsKey generates the key for a wallet's job list
// Format: jobs:<wallet>:<limit>
func (c *CacheService) GenerateJobsKey(wallet string, limit int) string {
	return c.GenerateCacheKey(CacheKeyJobs, wallet, fmt.Sprintf("%d", limit))
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it.
// A missing key is a miss, not an error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// InvalidatePattern removes all keys matching a pattern
// Pattern examples: "allowances:0x123*", "jobs:*"
func (c *CacheService) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := c.redis.ScanKeys(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to find keys matching pattern: %w", err)
	}

	if len(keys) == 0 {
		return 0, nil
	}

	if err := c.redis.Del(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// InvalidateWallet evicts every cached read path keyed by the wallet and
// returns the number of keys removed
func (c *CacheService) InvalidateWallet(ctx context.Context, wallet string) (int, error) {
	wallet = types.NormalizeAddress(wallet)

	total := 0
	for _, keyType := range walletKeyTypes {
		pattern := fmt.Sprintf("%s:%s*", keyType, wallet)
		n, err := c.InvalidatePattern(ctx, pattern)
		if err != nil {
			return total, fmt.Errorf("failed to invalidate %s cache: %w", keyType, err)
		}
		total += n
	}
	return total, nil
}

// GetTTL returns the configured TTL for this cache service
func (c *CacheService) GetTTL() time.Duration {
	return c.ttl
}

// CachedAllowances represents a cached allowance list
type CachedAllowances struct {
	Wallet     string              `json:"wallet"`
	Allowances []*models.Allowance `json:"allowances"`
	CachedAt   time.Time           `json:"cachedAt"`
}
