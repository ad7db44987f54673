package policy

import (
	"testing"

	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/stretchr/testify/assert"
)

const (
	spenderA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	spenderB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	tokenX   = "0x1111111111111111111111111111111111111111"
	tokenY   = "0x2222222222222222222222222222222222222222"
)

func row(chain types.ChainID, token, spender string, risk float64, unlimited bool) *models.Allowance {
	return &models.Allowance{
		ChainID:        chain,
		TokenAddress:   token,
		SpenderAddress: spender,
		RiskScore:      risk,
		IsUnlimited:    unlimited,
	}
}

func TestApplyPolicy(t *testing.T) {
	r1 := row(types.ChainEthereum, tokenX, spenderA, 9, true)
	r2 := row(types.ChainBase, tokenY, spenderB, 3, false)
	r3 := row(types.ChainArbitrum, tokenX, spenderB, 6, true)
	rows := []*models.Allowance{r1, r2, r3}

	tests := []struct {
		name   string
		policy *models.AlertPolicy
		want   []*models.Allowance
	}{
		{
			name:   "nil policy passes everything",
			policy: nil,
			want:   rows,
		},
		{
			name:   "default policy passes everything",
			policy: models.DefaultAlertPolicy("0xabc"),
			want:   rows,
		},
		{
			name:   "unlimited only",
			policy: &models.AlertPolicy{UnlimitedOnly: true},
			want:   []*models.Allowance{r1, r3},
		},
		{
			name:   "min risk is inclusive",
			policy: &models.AlertPolicy{MinRiskScore: 6},
			want:   []*models.Allowance{r1, r3},
		},
		{
			name:   "chain filter",
			policy: &models.AlertPolicy{Chains: []types.ChainID{types.ChainBase, types.ChainArbitrum}},
			want:   []*models.Allowance{r2, r3},
		},
		{
			name:   "ignore spender",
			policy: &models.AlertPolicy{IgnoreSpenders: []string{spenderB}},
			want:   []*models.Allowance{r1},
		},
		{
			name:   "ignore token",
			policy: &models.AlertPolicy{IgnoreTokens: []string{tokenX}},
			want:   []*models.Allowance{r2},
		},
		{
			name:   "include spender",
			policy: &models.AlertPolicy{IncludeSpenders: []string{spenderA}},
			want:   []*models.Allowance{r1},
		},
		{
			name:   "include token",
			policy: &models.AlertPolicy{IncludeTokens: []string{tokenY}},
			want:   []*models.Allowance{r2},
		},
		{
			name:   "ignore wins over include",
			policy: &models.AlertPolicy{IncludeSpenders: []string{spenderA, spenderB}, IgnoreSpenders: []string{spenderA}},
			want:   []*models.Allowance{r2, r3},
		},
		{
			name:   "address lists are case-insensitive",
			policy: &models.AlertPolicy{IncludeSpenders: []string{"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}},
			want:   []*models.Allowance{r1},
		},
		{
			name: "rules combine",
			policy: &models.AlertPolicy{
				UnlimitedOnly: true,
				MinRiskScore:  5,
				Chains:        []types.ChainID{types.ChainArbitrum},
			},
			want: []*models.Allowance{r3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplyPolicy(rows, tt.policy))
		})
	}
}

func TestApplyPolicy_MixedCaseRows(t *testing.T) {
	r := row(types.ChainEthereum, "0x1111111111111111111111111111111111111111", "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa", 1, false)
	got := ApplyPolicy([]*models.Allowance{r}, &models.AlertPolicy{IgnoreSpenders: []string{spenderA}})
	assert.Empty(t, got)
}

func TestEvaluate_Reasons(t *testing.T) {
	r := row(types.ChainEthereum, tokenX, spenderA, 2, false)

	assert.Equal(t, ReasonPassed, Evaluate(r, nil))
	assert.Equal(t, ReasonNotUnlimited, Evaluate(r, &models.AlertPolicy{UnlimitedOnly: true, MinRiskScore: 9}))
	assert.Equal(t, ReasonBelowMinRisk, Evaluate(r, &models.AlertPolicy{MinRiskScore: 9, Chains: []types.ChainID{types.ChainBase}}))
	assert.Equal(t, ReasonChainExcluded, Evaluate(r, &models.AlertPolicy{Chains: []types.ChainID{types.ChainBase}}))
	assert.Equal(t, ReasonSpenderIgnored, Evaluate(r, &models.AlertPolicy{IgnoreSpenders: []string{spenderA}, IncludeSpenders: []string{spenderA}}))
	assert.Equal(t, ReasonTokenExcluded, Evaluate(r, &models.AlertPolicy{IncludeTokens: []string{tokenY}}))
}

func TestApplyPolicy_DoesNotModifyInput(t *testing.T) {
	rows := []*models.Allowance{
		row(types.ChainEthereum, tokenX, spenderA, 9, true),
		row(types.ChainBase, tokenY, spenderB, 3, false),
	}
	before := append([]*models.Allowance(nil), rows...)

	_ = ApplyPolicy(rows, &models.AlertPolicy{UnlimitedOnly: true})
	assert.Equal(t, before, rows)
}
