package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/allowance-scanner/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRPCBudget_RequiresTracker(t *testing.T) {
	_, err := NewRPCBudget(nil, nil, 0)
	assert.Error(t, err)
}

func TestRPCBudget_WaitsForNextWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tracker, err := NewBudgetTracker(&BudgetTrackerConfig{
		Redis:           client,
		BudgetPerWindow: CostEthGetLogs,
		WindowSize:      50 * time.Millisecond,
		KeyTTL:          time.Second,
	})
	require.NoError(t, err)
	budget, err := NewRPCBudget(tracker, nil, time.Second)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, budget.Wait(ctx, types.ChainEthereum, MethodEthGetLogs))

	start := time.Now()
	require.NoError(t, budget.Wait(ctx, types.ChainEthereum, MethodEthGetLogs))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRPCBudget_MaxWaitExceeded(t *testing.T) {
	tracker, _, _ := newTestTracker(t, BudgetTrackerConfig{
		BudgetPerWindow: CostEthCall,
		WindowSize:      time.Hour,
		KeyTTL:          2 * time.Hour,
	})
	budget, err := NewRPCBudget(tracker, nil, 10*time.Millisecond)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, budget.Wait(ctx, types.ChainEthereum, MethodEthCall))
	assert.ErrorIs(t, budget.Wait(ctx, types.ChainEthereum, MethodEthCall), ErrMaxWaitExceeded)

	// other chains are unaffected
	assert.NoError(t, budget.Wait(ctx, types.ChainPolygon, MethodEthCall))
}

func TestRPCBudget_ContextCancelled(t *testing.T) {
	tracker, _, _ := newTestTracker(t, BudgetTrackerConfig{})
	budget, err := NewRPCBudget(tracker, nil, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, budget.Wait(ctx, types.ChainEthereum, MethodEthCall), context.Canceled)
}

func TestRPCBudget_RedisDownLetsCallsThrough(t *testing.T) {
	tracker, mr, _ := newTestTracker(t, BudgetTrackerConfig{})
	mr.Close()
	budget, err := NewRPCBudget(tracker, nil, 0)
	require.NoError(t, err)

	assert.NoError(t, budget.Wait(context.Background(), types.ChainEthereum, MethodEthCall))
}
