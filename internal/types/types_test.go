package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChainID(t *testing.T) {
	tests := []struct {
		in      string
		want    ChainID
		wantErr bool
	}{
		{in: "1", want: ChainEthereum},
		{in: "42161", want: ChainArbitrum},
		{in: "base", want: ChainBase},
		{in: " Polygon ", want: ChainPolygon},
		{in: "324", want: ChainID(324)},
		{in: "", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "solana", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChainID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChainID_String(t *testing.T) {
	assert.Equal(t, "arbitrum", ChainArbitrum.String())
	assert.Equal(t, "324", ChainID(324).String())
	assert.True(t, ChainBase.IsKnown())
	assert.False(t, ChainID(324).IsKnown())
}

func TestKnownChains_Sorted(t *testing.T) {
	chains := KnownChains()
	require.NotEmpty(t, chains)
	for i := 1; i < len(chains); i++ {
		assert.Less(t, chains[i-1], chains[i])
	}
}

func TestJobStatus(t *testing.T) {
	assert.True(t, JobStatusPending.IsActive())
	assert.True(t, JobStatusRunning.IsActive())
	assert.False(t, JobStatusSucceeded.IsActive())

	assert.True(t, JobStatusSucceeded.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusPending.IsTerminal())
}

func TestAddressHelpers(t *testing.T) {
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", NormalizeAddress(" 0xABCDEF0000000000000000000000000000000001 "))
	assert.True(t, IsValidAddress("0xAbCdEf0000000000000000000000000000000001"))
	assert.False(t, IsValidAddress("abcdef0000000000000000000000000000000001"))
	assert.False(t, IsValidAddress("0x1234"))
}
