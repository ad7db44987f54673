package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/allowance-scanner/internal/circuitbreaker"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/retry"
	"github.com/allowance-scanner/internal/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// DefaultLogRangeBlocks is the eth_getLogs span used when a chain sets none
const DefaultLogRangeBlocks = 50_000

// AllowanceStore persists the result of one chain scan
type AllowanceStore interface {
	ReplaceForChain(ctx context.Context, wallet string, chain types.ChainID, rows []*models.Allowance) error
}

// ChainEndpoint is an RPC client plus the limits that apply to it
type ChainEndpoint struct {
	Client         ChainClient
	Limiter        *rate.Limiter // nil means unlimited
	LookbackBlocks uint64        // 0 scans from genesis
	LogRangeBlocks uint64
}

// RPCBudget meters RPC cost across every worker process
type RPCBudget interface {
	Wait(ctx context.Context, chain types.ChainID, method string) error
}

// rpcMethods maps scanner operations to the JSON-RPC method they issue
var rpcMethods = map[string]string{
	"BlockNumber":    "eth_blockNumber",
	"FilterLogs":     "eth_getLogs",
	"HeaderByNumber": "eth_getBlockByNumber",
	"allowance":      "eth_call",
	"symbol":         "eth_call",
}

// ScannerConfig configures an EVMAllowanceScanner
type ScannerConfig struct {
	Chains  map[types.ChainID]ChainEndpoint
	Store   AllowanceStore
	Retry   retry.Config
	Breaker circuitbreaker.Config
	Budget  RPCBudget // optional
}

// EVMAllowanceScanner discovers a wallet's ERC-20 approvals from Approval
// logs and reads the live allowance of every (token, spender) pair found.
type EVMAllowanceScanner struct {
	chains   map[types.ChainID]ChainEndpoint
	store    AllowanceStore
	retry    retry.Config
	breakers *circuitbreaker.Set
	budget   RPCBudget
}

// NewEVMAllowanceScanner creates a scanner over the configured chains
func NewEVMAllowanceScanner(cfg ScannerConfig) (*EVMAllowanceScanner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("allowance store is required")
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("at least one chain endpoint is required")
	}

	chains := make(map[types.ChainID]ChainEndpoint, len(cfg.Chains))
	for id, ep := range cfg.Chains {
		if ep.Client == nil {
			return nil, fmt.Errorf("chain %s has no client", id)
		}
		if ep.LogRangeBlocks == 0 {
			ep.LogRangeBlocks = DefaultLogRangeBlocks
		}
		chains[id] = ep
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig("")
	}

	return &EVMAllowanceScanner{
		chains:   chains,
		store:    cfg.Store,
		retry:    cfg.Retry,
		breakers: circuitbreaker.NewSet(cfg.Breaker),
		budget:   cfg.Budget,
	}, nil
}

// Chains returns the chains this scanner can reach, sorted by id
func (s *EVMAllowanceScanner) Chains() []types.ChainID {
	out := make([]types.ChainID, 0, len(s.chains))
	for id := range s.chains {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BreakerStates reports per-chain circuit state
func (s *EVMAllowanceScanner) BreakerStates() map[types.ChainID]circuitbreaker.State {
	return s.breakers.States()
}

// ScanChain replaces the wallet's stored allowances on chain with what the
// chain reports now. Pairs whose allowance is zero are dropped, which removes
// revoked approvals from the store.
func (s *EVMAllowanceScanner) ScanChain(ctx context.Context, wallet string, chain types.ChainID) error {
	ep, ok := s.chains[chain]
	if !ok {
		return NewAdapterError(chain, "ScanChain", ErrChainNotConfigured, nil)
	}
	if !types.IsValidAddress(wallet) {
		return NewAdapterError(chain, "ScanChain", ErrInvalidAddress, map[string]interface{}{"wallet": wallet})
	}

	wallet = types.NormalizeAddress(wallet)
	owner := common.HexToAddress(wallet)
	logger := logging.FromContext(ctx).WithWallet(wallet).WithField("chain", chain.String())
	started := time.Now()

	head, err := s.blockNumber(ctx, chain, ep)
	if err != nil {
		return err
	}

	approvals, err := s.discoverApprovals(ctx, chain, ep, owner, head)
	if err != nil {
		return err
	}

	atBlock := new(big.Int).SetUint64(head)
	blockTimes := make(map[uint64]*time.Time)
	rows := make([]*models.Allowance, 0, len(approvals))
	skipped := 0

	for _, ap := range approvals {
		amount, err := s.readAllowance(ctx, chain, ep, owner, ap, atBlock)
		if errors.Is(err, ErrNotERC20) {
			skipped++
			logger.WithFields(map[string]interface{}{
				"token": ap.Token.Hex(),
				"error": err.Error(),
			}).Debug("Skipping approval from non ERC-20 contract")
			continue
		}
		if err != nil {
			return err
		}
		if amount.Sign() == 0 {
			continue
		}

		if _, seen := blockTimes[ap.Block]; !seen {
			blockTimes[ap.Block] = s.blockTime(ctx, chain, ep, ap.Block)
		}

		rows = append(rows, &models.Allowance{
			WalletAddress:  wallet,
			ChainID:        chain,
			TokenAddress:   types.NormalizeAddress(ap.Token.Hex()),
			SpenderAddress: types.NormalizeAddress(ap.Spender.Hex()),
			Amount:         amount.String(),
			IsUnlimited:    IsUnlimited(amount),
			ApprovedBlock:  ap.Block,
			ApprovedAt:     blockTimes[ap.Block],
		})
	}

	if err := s.store.ReplaceForChain(ctx, wallet, chain, rows); err != nil {
		return fmt.Errorf("failed to store allowances: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"headBlock":  head,
		"approvals":  len(approvals),
		"allowances": len(rows),
		"skipped":    skipped,
		"duration":   time.Since(started).String(),
	}).Info("Chain scan complete")
	return nil
}

// TokenSymbol reads ERC-20 symbol() for token on chain
func (s *EVMAllowanceScanner) TokenSymbol(ctx context.Context, chain types.ChainID, token string) (string, error) {
	ep, ok := s.chains[chain]
	if !ok {
		return "", NewAdapterError(chain, "symbol", ErrChainNotConfigured, nil)
	}
	if !types.IsValidAddress(token) {
		return "", NewAdapterError(chain, "symbol", ErrInvalidAddress, map[string]interface{}{"token": token})
	}

	data, err := packSymbol()
	if err != nil {
		return "", err
	}
	to := common.HexToAddress(token)

	var out []byte
	err = s.call(ctx, chain, ep, "symbol", func(ctx context.Context) error {
		var callErr error
		out, callErr = ep.Client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return classifyCallError(callErr)
	})
	if err != nil {
		return "", err
	}
	return unpackSymbol(out)
}

func (s *EVMAllowanceScanner) blockNumber(ctx context.Context, chain types.ChainID, ep ChainEndpoint) (uint64, error) {
	var head uint64
	err := s.call(ctx, chain, ep, "BlockNumber", func(ctx context.Context) error {
		var err error
		head, err = ep.Client.BlockNumber(ctx)
		return err
	})
	return head, err
}

// discoverApprovals walks [from, head] in LogRangeBlocks windows and keeps
// the latest Approval per (token, spender). A window the provider rejects as
// too large is split in half and retried.
func (s *EVMAllowanceScanner) discoverApprovals(ctx context.Context, chain types.ChainID, ep ChainEndpoint, owner common.Address, head uint64) ([]approvalLog, error) {
	var from uint64
	if ep.LookbackBlocks > 0 && head > ep.LookbackBlocks {
		from = head - ep.LookbackBlocks
	}

	topics := [][]common.Hash{{approvalTopic}, {ownerTopic(owner)}}
	latest := make(map[[2]common.Address]approvalLog)
	span := ep.LogRangeBlocks

	for start := from; start <= head; {
		end := start + span - 1
		if end > head || end < start {
			end = head
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Topics:    topics,
		}
		var logs []ethtypes.Log
		err := s.call(ctx, chain, ep, "FilterLogs", func(ctx context.Context) error {
			var err error
			logs, err = ep.Client.FilterLogs(ctx, query)
			if isRangeTooLarge(err) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			if isRangeTooLarge(err) && end > start {
				span = (end - start + 1) / 2
				continue
			}
			return nil, err
		}

		for _, l := range logs {
			ap, ok := decodeApproval(l)
			if !ok {
				continue
			}
			key := [2]common.Address{ap.Token, ap.Spender}
			if prev, seen := latest[key]; !seen || ap.Block > prev.Block || (ap.Block == prev.Block && ap.Index > prev.Index) {
				latest[key] = ap
			}
		}

		if end == head {
			break
		}
		start = end + 1
	}

	out := make([]approvalLog, 0, len(latest))
	for _, ap := range latest {
		out = append(out, ap)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token.Bytes(), out[j].Token.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Spender.Bytes(), out[j].Spender.Bytes()) < 0
	})
	return out, nil
}

func (s *EVMAllowanceScanner) readAllowance(ctx context.Context, chain types.ChainID, ep ChainEndpoint, owner common.Address, ap approvalLog, atBlock *big.Int) (*big.Int, error) {
	data, err := packAllowance(owner, ap.Spender)
	if err != nil {
		return nil, err
	}

	var out []byte
	err = s.call(ctx, chain, ep, "allowance", func(ctx context.Context) error {
		var callErr error
		out, callErr = ep.Client.CallContract(ctx, ethereum.CallMsg{To: &ap.Token, Data: data}, atBlock)
		return classifyCallError(callErr)
	})
	if err != nil {
		return nil, err
	}
	return unpackAllowance(out)
}

// blockTime returns the block's timestamp, or nil when the header cannot be read
func (s *EVMAllowanceScanner) blockTime(ctx context.Context, chain types.ChainID, ep ChainEndpoint, block uint64) *time.Time {
	var ts time.Time
	err := s.call(ctx, chain, ep, "HeaderByNumber", func(ctx context.Context) error {
		header, err := ep.Client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		if err != nil {
			return err
		}
		ts = time.Unix(int64(header.Time), 0).UTC()
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("block", block).Debug("Failed to read approval block time")
		return nil
	}
	return &ts
}

// call runs one RPC through the shared budget, the chain's rate limiter,
// circuit breaker and retry policy
func (s *EVMAllowanceScanner) call(ctx context.Context, chain types.ChainID, ep ChainEndpoint, op string, fn func(ctx context.Context) error) error {
	breaker := s.breakers.For(chain)
	_, err := retry.Do(ctx, s.retry, func(ctx context.Context, attempt int) error {
		if s.budget != nil {
			if err := s.budget.Wait(ctx, chain, rpcMethods[op]); err != nil {
				return retry.Permanent(err)
			}
		}
		if ep.Limiter != nil {
			if err := ep.Limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
		}
		// Reverts and oversized log ranges are answers, not endpoint failures
		var rejected error
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			err := fn(ctx)
			if errors.Is(err, ErrNotERC20) || isRangeTooLarge(err) {
				rejected = err
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
		return rejected
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotERC20) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewAdapterError(chain, op, err, nil)
}

// classifyCallError turns reverts into ErrNotERC20 so the caller can skip the
// contract instead of failing the chain
func classifyCallError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "revert") || strings.Contains(msg, "invalid opcode") {
		return retry.Permanent(fmt.Errorf("%w: %v", ErrNotERC20, err))
	}
	return err
}

// isRangeTooLarge matches the ways providers reject an eth_getLogs span
func isRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"block range", "range too large", "more than 10000", "query returned more than", "exceed maximum block range", "log response size exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
