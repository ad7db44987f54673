// Package policy decides which allowance rows are worth alerting on for a
// wallet. Evaluation is pure: no I/O, no clock, and the input is not modified.
package policy

import (
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
)

// Reason names the rule that rejected a row
type Reason string

const (
	ReasonPassed          Reason = ""
	ReasonNotUnlimited    Reason = "not_unlimited"
	ReasonBelowMinRisk    Reason = "below_min_risk"
	ReasonChainExcluded   Reason = "chain_excluded"
	ReasonSpenderIgnored  Reason = "spender_ignored"
	ReasonTokenIgnored    Reason = "token_ignored"
	ReasonSpenderExcluded Reason = "spender_not_included"
	ReasonTokenExcluded   Reason = "token_not_included"
)

// compiled is a policy with its address lists turned into lowercase sets
type compiled struct {
	p               *models.AlertPolicy
	chains          map[types.ChainID]struct{}
	includeSpenders map[string]struct{}
	ignoreSpenders  map[string]struct{}
	includeTokens   map[string]struct{}
	ignoreTokens    map[string]struct{}
}

func compile(p *models.AlertPolicy) *compiled {
	if p == nil {
		p = &models.AlertPolicy{}
	}
	c := &compiled{
		p:               p,
		chains:          make(map[types.ChainID]struct{}, len(p.Chains)),
		includeSpenders: addressSet(p.IncludeSpenders),
		ignoreSpenders:  addressSet(p.IgnoreSpenders),
		includeTokens:   addressSet(p.IncludeTokens),
		ignoreTokens:    addressSet(p.IgnoreTokens),
	}
	for _, chain := range p.Chains {
		c.chains[chain] = struct{}{}
	}
	return c
}

func addressSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[types.NormalizeAddress(a)] = struct{}{}
	}
	return set
}

// evaluate applies the rules in order: unlimited_only, min_risk_score,
// chains, ignore lists, include lists. An ignored address is dropped even if
// it is also on an include list.
func (c *compiled) evaluate(row *models.Allowance) Reason {
	if c.p.UnlimitedOnly && !row.IsUnlimited {
		return ReasonNotUnlimited
	}
	if row.RiskScore < c.p.MinRiskScore {
		return ReasonBelowMinRisk
	}
	if len(c.chains) > 0 {
		if _, ok := c.chains[row.ChainID]; !ok {
			return ReasonChainExcluded
		}
	}

	spender := types.NormalizeAddress(row.SpenderAddress)
	token := types.NormalizeAddress(row.TokenAddress)

	if _, ok := c.ignoreSpenders[spender]; ok {
		return ReasonSpenderIgnored
	}
	if _, ok := c.ignoreTokens[token]; ok {
		return ReasonTokenIgnored
	}
	if len(c.includeSpenders) > 0 {
		if _, ok := c.includeSpenders[spender]; !ok {
			return ReasonSpenderExcluded
		}
	}
	if len(c.includeTokens) > 0 {
		if _, ok := c.includeTokens[token]; !ok {
			return ReasonTokenExcluded
		}
	}
	return ReasonPassed
}

// ApplyPolicy returns the rows that pass the policy, in input order. A nil
// policy behaves like the default policy and passes every row.
func ApplyPolicy(rows []*models.Allowance, p *models.AlertPolicy) []*models.Allowance {
	c := compile(p)
	out := make([]*models.Allowance, 0, len(rows))
	for _, row := range rows {
		if c.evaluate(row) == ReasonPassed {
			out = append(out, row)
		}
	}
	return out
}

// Evaluate reports why a single row is rejected, or ReasonPassed
func Evaluate(row *models.Allowance, p *models.AlertPolicy) Reason {
	return compile(p).evaluate(row)
}
