package service

import (
	"context"
	"fmt"

	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
)

// MetadataRepository is the allowance storage the metadata service needs
type MetadataRepository interface {
	AllowanceReader
	SpenderLabeler
	TokenSymbols(ctx context.Context, chain types.ChainID, tokens []string) (map[string]string, error)
	SaveTokenSymbol(ctx context.Context, chain types.ChainID, token, symbol string) error
	UpdateMetadata(ctx context.Context, rows []*models.Allowance) error
}

// SymbolReader reads a token's symbol from chain
type SymbolReader interface {
	TokenSymbol(ctx context.Context, chain types.ChainID, token string) (string, error)
}

// MetadataService fills token symbols and spender labels on allowance rows
type MetadataService struct {
	repo    MetadataRepository
	symbols SymbolReader
}

// NewMetadataService creates a new metadata service. symbols may be nil, in
// which case only cached symbols are used.
func NewMetadataService(repo MetadataRepository, symbols SymbolReader) *MetadataService {
	return &MetadataService{repo: repo, symbols: symbols}
}

// EnrichMetadata fills token_symbol and spender_label for the wallet's rows.
// Symbols missing from the cache are read from chain; a token that cannot
// answer symbol() is left without one.
func (s *MetadataService) EnrichMetadata(ctx context.Context, wallet string) error {
	rows, err := s.repo.ListByWallet(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to list allowances: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	labels, err := labelsByChain(ctx, s.repo, rows)
	if err != nil {
		return err
	}
	symbols, err := s.symbolsByChain(ctx, rows)
	if err != nil {
		return err
	}

	changed := make([]*models.Allowance, 0, len(rows))
	for _, row := range rows {
		symbol := optional(symbols[row.ChainID][types.NormalizeAddress(row.TokenAddress)])
		label := optional(labels[row.ChainID][types.NormalizeAddress(row.SpenderAddress)])
		if equalOptional(row.TokenSymbol, symbol) && equalOptional(row.SpenderLabel, label) {
			continue
		}
		row.TokenSymbol = symbol
		row.SpenderLabel = label
		changed = append(changed, row)
	}

	if err := s.repo.UpdateMetadata(ctx, changed); err != nil {
		return fmt.Errorf("failed to store metadata: %w", err)
	}
	return nil
}

func (s *MetadataService) symbolsByChain(ctx context.Context, rows []*models.Allowance) (map[types.ChainID]map[string]string, error) {
	tokens := make(map[types.ChainID][]string)
	seen := make(map[types.ChainID]map[string]bool)
	for _, row := range rows {
		token := types.NormalizeAddress(row.TokenAddress)
		if seen[row.ChainID] == nil {
			seen[row.ChainID] = make(map[string]bool)
		}
		if seen[row.ChainID][token] {
			continue
		}
		seen[row.ChainID][token] = true
		tokens[row.ChainID] = append(tokens[row.ChainID], token)
	}

	logger := logging.FromContext(ctx)
	out := make(map[types.ChainID]map[string]string, len(tokens))
	for chain, addrs := range tokens {
		cached, err := s.repo.TokenSymbols(ctx, chain, addrs)
		if err != nil {
			return nil, fmt.Errorf("failed to load token symbols for %s: %w", chain, err)
		}
		if cached == nil {
			cached = make(map[string]string)
		}

		if s.symbols != nil {
			for _, token := range addrs {
				if _, ok := cached[token]; ok {
					continue
				}
				symbol, err := s.symbols.TokenSymbol(ctx, chain, token)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					logger.WithError(err).WithFields(map[string]interface{}{
						"chain": chain.String(),
						"token": token,
					}).Debug("Token symbol unavailable")
					continue
				}
				if err := s.repo.SaveTokenSymbol(ctx, chain, token, symbol); err != nil {
					return nil, err
				}
				cached[token] = symbol
			}
		}
		out[chain] = cached
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
