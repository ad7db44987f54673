// Package ratelimit meters RPC compute units per chain across every worker
// process. Provider quotas are per API key, so a per-process limiter alone
// cannot keep a fleet of workers under them; the shared count lives in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/allowance-scanner/internal/types"
	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultBudgetPerWindow = 500             // CU per chain per window
	DefaultWindowSize      = time.Second     // fixed window
	DefaultKeyTTL          = 2 * time.Second // window + buffer
)

// KeyPrefix namespaces the per-window counters: cu:<chain>:<window start ms>
const KeyPrefix = "cu:"

// consumeScript atomically checks the window counter and adds cu when the
// budget allows it. Returns {allowed, used}.
var consumeScript = redis.NewScript(`
	local used = tonumber(redis.call('GET', KEYS[1]) or '0')
	local cu = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	if used + cu > budget then
		return {0, used}
	end
	redis.call('INCRBY', KEYS[1], cu)
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return {1, used + cu}
`)

// BudgetTracker coordinates CU consumption across processes using Redis.
type BudgetTracker struct {
	redis      redis.Cmdable
	budgets    map[types.ChainID]int
	defBudget  int
	windowSize time.Duration
	keyTTL     time.Duration
	now        func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is the shared counter store. Required.
	Redis redis.Cmdable

	// BudgetPerWindow is the CU budget per chain per window. Default: 500.
	BudgetPerWindow int

	// ChainBudgets overrides BudgetPerWindow for individual chains.
	ChainBudgets map[types.ChainID]int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL must be at least WindowSize. Default: 2s.
	KeyTTL time.Duration
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.BudgetPerWindow < 0 {
		return errors.New("budget cannot be negative")
	}
	for chain, b := range c.ChainBudgets {
		if b <= 0 {
			return fmt.Errorf("budget for chain %s must be positive", chain)
		}
	}
	if c.WindowSize < 0 || c.KeyTTL < 0 {
		return errors.New("durations cannot be negative")
	}
	if c.KeyTTL > 0 && c.WindowSize > 0 && c.KeyTTL < c.WindowSize {
		return fmt.Errorf("key TTL (%v) must cover the window (%v)", c.KeyTTL, c.WindowSize)
	}
	return nil
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	t := &BudgetTracker{
		redis:      cfg.Redis,
		budgets:    make(map[types.ChainID]int, len(cfg.ChainBudgets)),
		defBudget:  cfg.BudgetPerWindow,
		windowSize: cfg.WindowSize,
		keyTTL:     cfg.KeyTTL,
		now:        time.Now,
	}
	for chain, b := range cfg.ChainBudgets {
		t.budgets[chain] = b
	}
	if t.defBudget == 0 {
		t.defBudget = DefaultBudgetPerWindow
	}
	if t.windowSize == 0 {
		t.windowSize = DefaultWindowSize
	}
	if t.keyTTL == 0 {
		t.keyTTL = DefaultKeyTTL
		if t.keyTTL < t.windowSize {
			t.keyTTL = 2 * t.windowSize
		}
	}
	return t, nil
}

// Budget returns the per-window budget of a chain
func (t *BudgetTracker) Budget(chain types.ChainID) int {
	if b, ok := t.budgets[chain]; ok {
		return b
	}
	return t.defBudget
}

// WindowSize returns the configured window size.
func (t *BudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}

// windowStart returns the start of the window containing now
func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *BudgetTracker) key(chain types.ChainID, window time.Time) string {
	return KeyPrefix + strconv.FormatInt(int64(chain), 10) + ":" + strconv.FormatInt(window.UnixMilli(), 10)
}

// TryConsume attempts to take cu from the chain's budget for the current
// window. When denied it suggests how long to wait for the next window. A
// request larger than the whole budget is allowed into an empty window so it
// cannot starve.
func (t *BudgetTracker) TryConsume(ctx context.Context, chain types.ChainID, cu int) (bool, time.Duration, error) {
	if cu <= 0 {
		return true, 0, nil
	}

	window := t.windowStart()
	budget := t.Budget(chain)
	if cu > budget {
		budget = cu
	}

	res, err := consumeScript.Run(ctx, t.redis, []string{t.key(chain, window)},
		cu, budget, t.keyTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to consume rpc budget: %w", err)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, t.untilNextWindow(window), nil
}

// untilNextWindow returns the time until the window after the given one
func (t *BudgetTracker) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	// Small buffer so the retry lands in the new window
	return wait + time.Millisecond
}

// Usage returns the CU consumed on a chain in the current window.
func (t *BudgetTracker) Usage(ctx context.Context, chain types.ChainID) (int, error) {
	n, err := t.redis.Get(ctx, t.key(chain, t.windowStart())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rpc budget usage: %w", err)
	}
	return n, nil
}

// Utilization returns the chain's current usage as a percentage of its budget.
func (t *BudgetTracker) Utilization(ctx context.Context, chain types.ChainID) (float64, error) {
	used, err := t.Usage(ctx, chain)
	if err != nil {
		return 0, err
	}
	return float64(used) * 100 / float64(t.Budget(chain)), nil
}
