package adapter

import (
	"context"
	"fmt"
	"math"

	"github.com/allowance-scanner/internal/config"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// DialedChains holds one ethclient per reachable chain
type DialedChains struct {
	Endpoints map[types.ChainID]ChainEndpoint
	clients   []*ethclient.Client
}

// Close closes every dialed client
func (d *DialedChains) Close() {
	for _, c := range d.clients {
		c.Close()
	}
}

// DialChains connects to every enabled chain that has an RPC URL. Chains
// without one are skipped with a warning; jobs naming them fail on that chain.
func DialChains(ctx context.Context, cfg config.ChainsConfig) (*DialedChains, error) {
	dialed := &DialedChains{Endpoints: make(map[types.ChainID]ChainEndpoint)}

	for _, id := range cfg.Enabled {
		chainCfg := cfg.Chains[id]
		if chainCfg.RPCURL == "" {
			logging.WithField("chain", id.String()).Warn("No RPC URL configured, chain disabled")
			continue
		}

		client, err := ethclient.DialContext(ctx, chainCfg.RPCURL)
		if err != nil {
			dialed.Close()
			return nil, NewAdapterError(id, "Dial", err, nil)
		}
		dialed.clients = append(dialed.clients, client)

		dialed.Endpoints[id] = ChainEndpoint{
			Client:         client,
			Limiter:        newLimiter(chainCfg.RequestsPerSecond),
			LookbackBlocks: chainCfg.LookbackBlocks,
			LogRangeBlocks: chainCfg.LogRangeBlocks,
		}
	}

	if len(dialed.Endpoints) == 0 {
		return nil, fmt.Errorf("no enabled chain has an RPC URL")
	}
	return dialed, nil
}

// newLimiter allows rps requests per second with a burst of one second's worth
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(math.Ceil(rps))
	return rate.NewLimiter(rate.Limit(rps), burst)
}
