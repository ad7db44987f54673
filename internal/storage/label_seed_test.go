package storage

import (
	"testing"

	"github.com/allowance-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpenderLabels(t *testing.T) {
	doc := []byte(`
labels:
  - chain: 1
    address: "0x3FC91A3AFD70395CD496C647D5A6CC9D4B2B7FAD"
    label: "Uniswap: Universal Router"
  - chain: 8453
    address: "0x000000000022d473030f116ddee9f6b43ac78ba3"
    label: "Permit2"
`)

	labels, err := ParseSpenderLabels(doc)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, types.ChainEthereum, labels[0].ChainID)
	assert.Equal(t, "0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad", labels[0].Address)
	assert.Equal(t, types.ChainBase, labels[1].ChainID)
}

func TestParseSpenderLabels_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown chain", "labels:\n  - chain: 999\n    address: \"0x000000000022d473030f116ddee9f6b43ac78ba3\"\n    label: x\n"},
		{"bad address", "labels:\n  - chain: 1\n    address: \"0x123\"\n    label: x\n"},
		{"empty label", "labels:\n  - chain: 1\n    address: \"0x000000000022d473030f116ddee9f6b43ac78ba3\"\n    label: \"\"\n"},
		{"not yaml", "labels: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpenderLabels([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestSplitSQLStatements(t *testing.T) {
	content := `-- header comment
CREATE TABLE a (
    x UInt8
) ENGINE = MergeTree() ORDER BY x;

-- second
CREATE TABLE b (y String) ENGINE = Log;
SELECT 1`

	stmts := splitSQLStatements(content)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.NotContains(t, stmts[0], ";")
	assert.Equal(t, "CREATE TABLE b (y String) ENGINE = Log", stmts[1])
	assert.Equal(t, "SELECT 1", stmts[2])
}
