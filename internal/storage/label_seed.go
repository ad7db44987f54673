package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/allowance-scanner/internal/types"
	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"
)

// SpenderLabel names a well-known spender contract on a chain
type SpenderLabel struct {
	ChainID types.ChainID `yaml:"chain"`
	Address string        `yaml:"address"`
	Label   string        `yaml:"label"`
}

// labelFile is the on-disk layout:
//
//	labels:
//	  - chain: 1
//	    address: "0x..."
//	    label: "Uniswap: Universal Router"
type labelFile struct {
	Labels []SpenderLabel `yaml:"labels"`
}

// ParseSpenderLabels decodes and validates a label seed document
func ParseSpenderLabels(data []byte) ([]SpenderLabel, error) {
	var f labelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse label file: %w", err)
	}

	for i, l := range f.Labels {
		if !l.ChainID.IsKnown() {
			return nil, fmt.Errorf("label %d: unknown chain %d", i, l.ChainID)
		}
		if !types.IsValidAddress(l.Address) {
			return nil, fmt.Errorf("label %d: invalid address %q", i, l.Address)
		}
		if l.Label == "" {
			return nil, fmt.Errorf("label %d: empty label", i)
		}
		f.Labels[i].Address = types.NormalizeAddress(l.Address)
	}
	return f.Labels, nil
}

// LoadSpenderLabels reads a label seed file
func LoadSpenderLabels(path string) ([]SpenderLabel, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read label file: %w", err)
	}
	return ParseSpenderLabels(data)
}

// UpsertSpenderLabels writes labels, replacing existing text for the same spender
func (r *AllowanceRepository) UpsertSpenderLabels(ctx context.Context, labels []SpenderLabel) error {
	if len(labels) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range labels {
		batch.Queue(`
			INSERT INTO spender_labels (chain_id, spender_address, label)
			VALUES ($1, $2, $3)
			ON CONFLICT (chain_id, spender_address) DO UPDATE SET label = EXCLUDED.label
		`, int64(l.ChainID), types.NormalizeAddress(l.Address), l.Label)
	}
	return r.sendBatch(ctx, "upsert spender labels", batch)
}
