package storage

import (
	"testing"

	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowanceRepository_ReplaceForChain(t *testing.T) {
	db := newTestPostgres(t)
	ctx := testContext(t)
	repo := NewAllowanceRepository(db)

	tokenA, tokenB := walletN(101), walletN(102)
	spender := walletN(201)

	err := repo.ReplaceForChain(ctx, testWallet, types.ChainEthereum, []*models.Allowance{
		{WalletAddress: testWallet, ChainID: types.ChainEthereum, TokenAddress: tokenA, SpenderAddress: spender, Amount: "1000"},
		{WalletAddress: testWallet, ChainID: types.ChainEthereum, TokenAddress: tokenB, SpenderAddress: spender, Amount: "5", IsUnlimited: false},
	})
	require.NoError(t, err)
	err = repo.ReplaceForChain(ctx, testWallet, types.ChainBase, []*models.Allowance{
		{WalletAddress: testWallet, ChainID: types.ChainBase, TokenAddress: tokenA, SpenderAddress: spender, Amount: "7"},
	})
	require.NoError(t, err)

	rows, err := repo.ListByWallet(ctx, testWallet)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	rows[0].RiskScore = 8
	require.NoError(t, repo.UpdateRiskScores(ctx, rows[:1]))

	// tokenB was revoked on Ethereum; Base is untouched.
	err = repo.ReplaceForChain(ctx, testWallet, types.ChainEthereum, []*models.Allowance{
		{WalletAddress: testWallet, ChainID: types.ChainEthereum, TokenAddress: tokenA, SpenderAddress: spender, Amount: "2000"},
	})
	require.NoError(t, err)

	rows, err = repo.ListByWallet(ctx, testWallet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, types.ChainEthereum, rows[0].ChainID)
	assert.Equal(t, "2000", rows[0].Amount)
	assert.Equal(t, 8.0, rows[0].RiskScore, "risk score survives a rescan")
	assert.Equal(t, types.ChainBase, rows[1].ChainID)
}

func TestAllowanceRepository_LabelsAndSymbols(t *testing.T) {
	db := newTestPostgres(t)
	ctx := testContext(t)
	repo := NewAllowanceRepository(db)

	router := walletN(301)
	require.NoError(t, repo.UpsertSpenderLabels(ctx, []SpenderLabel{
		{ChainID: types.ChainEthereum, Address: router, Label: "Example Router"},
	}))

	labels, err := repo.SpenderLabels(ctx, types.ChainEthereum, []string{router, walletN(302)})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{router: "Example Router"}, labels)

	require.NoError(t, repo.SaveTokenSymbol(ctx, types.ChainEthereum, walletN(101), "USDC"))
	symbols, err := repo.TokenSymbols(ctx, types.ChainEthereum, []string{walletN(101)})
	require.NoError(t, err)
	assert.Equal(t, "USDC", symbols[walletN(101)])
}
