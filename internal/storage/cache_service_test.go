package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/allowance-scanner/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCache(t *testing.T) (*CacheService, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewCacheService(NewRedisCacheFromClient(client), time.Minute), mr
}

func TestCacheService_KeyGeneration(t *testing.T) {
	cache, _ := setupTestCache(t)

	assert.Equal(t, "allowances:0xabc", cache.GenerateAllowancesKey("0xABC"))
	assert.Equal(t, "jobs:0xabc:20", cache.GenerateJobsKey("0xAbC", 20))
}

func TestCacheService_SetGet(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := testContext(t)

	key := cache.GenerateAllowancesKey(testWallet)
	var got CachedAllowances
	found, err := cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found, "missing key is a miss")

	want := CachedAllowances{
		Wallet:     testWallet,
		Allowances: []*models.Allowance{{WalletAddress: testWallet, Amount: "42"}},
		CachedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, cache.Set(ctx, key, want))

	found, err = cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "42", got.Allowances[0].Amount)

	mr.FastForward(2 * time.Minute)
	found, err = cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found, "entry expires after the TTL")
}

func TestCacheService_InvalidateWallet(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := testContext(t)

	other := walletN(9)
	for _, key := range []string{
		cache.GenerateAllowancesKey(testWallet),
		cache.GenerateJobsKey(testWallet, 20),
		cache.GenerateJobsKey(testWallet, 50),
		cache.GenerateCacheKey(CacheKeyRisk, testWallet),
		cache.GenerateAllowancesKey(other),
	} {
		require.NoError(t, cache.Set(ctx, key, "x"))
	}

	n, err := cache.InvalidateWallet(ctx, "0x"+"1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.False(t, mr.Exists(cache.GenerateAllowancesKey(testWallet)))
	assert.False(t, mr.Exists(cache.GenerateJobsKey(testWallet, 50)))
	assert.True(t, mr.Exists(cache.GenerateAllowancesKey(other)), "other wallets are untouched")

	n, err = cache.InvalidateWallet(ctx, testWallet)
	require.NoError(t, err)
	assert.Zero(t, n)
}
