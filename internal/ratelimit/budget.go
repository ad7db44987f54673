package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/types"
)

// DefaultMaxWait is the longest a call waits for budget
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when the maximum wait time for budget is exceeded.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rpc budget")

// RPCBudget blocks RPC calls until the chain's shared budget admits them
type RPCBudget struct {
	tracker *BudgetTracker
	costs   *CostRegistry
	maxWait time.Duration
}

// NewRPCBudget creates a budget gate. costs may be nil for the defaults;
// maxWait <= 0 means DefaultMaxWait.
func NewRPCBudget(tracker *BudgetTracker, costs *CostRegistry, maxWait time.Duration) (*RPCBudget, error) {
	if tracker == nil {
		return nil, errors.New("budget tracker is required")
	}
	if costs == nil {
		costs = NewCostRegistry(0, nil)
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &RPCBudget{tracker: tracker, costs: costs, maxWait: maxWait}, nil
}

// Wait blocks until method's cost fits the chain's budget, ctx ends or the
// max wait would be exceeded. When Redis is unreachable the call is let
// through; the per-process limiter still applies.
func (b *RPCBudget) Wait(ctx context.Context, chain types.ChainID, method string) error {
	cu := b.costs.GetCost(method)
	deadline := time.Now().Add(b.maxWait)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"chain":  chain.String(),
		"method": method,
		"cu":     cu,
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait, err := b.tracker.TryConsume(ctx, chain, cu)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Warn("RPC budget unavailable, proceeding without it")
			return nil
		}
		if allowed {
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			logger.Warn("RPC budget wait exceeded")
			return ErrMaxWaitExceeded
		}
		logger.WithField("wait", wait.String()).Debug("Waiting for RPC budget")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
