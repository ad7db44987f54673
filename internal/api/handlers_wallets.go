package api

import (
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/policy"
	"github.com/allowance-scanner/internal/storage"
	"github.com/allowance-scanner/internal/types"
)

const (
	defaultMonitorFreqMinutes = 60
	maxMonitorFreqMinutes     = 7 * 24 * 60
)

// handleGetAllowances handles GET /api/wallets/{wallet}/allowances. Rows are
// served from the read-path cache when present; the post-scan pipeline evicts
// it. With ?alerts=true only rows passing the wallet's policy are returned.
func (s *Server) handleGetAllowances(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletVar(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	logger := logging.FromContext(ctx).WithWallet(wallet)

	var (
		entry storage.CachedAllowances
		hit   bool
		key   string
	)
	if s.deps.Cache != nil {
		key = s.deps.Cache.GenerateAllowancesKey(wallet)
		var err error
		if hit, err = s.deps.Cache.Get(ctx, key, &entry); err != nil {
			logger.WithError(err).Warn("Allowance cache read failed")
			hit = false
		}
	}

	if !hit {
		rows, err := s.deps.Allowances.ListByWallet(ctx, wallet)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		entry = storage.CachedAllowances{Wallet: wallet, Allowances: rows, CachedAt: time.Now().UTC()}
		if s.deps.Cache != nil {
			if err := s.deps.Cache.Set(ctx, key, entry); err != nil {
				logger.WithError(err).Warn("Allowance cache write failed")
			}
		}
	}

	rows := entry.Allowances
	if r.URL.Query().Get("alerts") == "true" {
		p, err := s.deps.Policies.Get(ctx, wallet)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		rows = policy.ApplyPolicy(rows, p)
	}
	if rows == nil {
		rows = []*models.Allowance{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":     wallet,
		"allowances": rows,
		"count":      len(rows),
		"cached":     hit,
		"asOf":       entry.CachedAt,
	})
}

type monitorRequest struct {
	Enabled     bool `json:"enabled"`
	FreqMinutes int  `json:"freqMinutes"`
}

// handleGetMonitor handles GET /api/monitors/{wallet}
func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletVar(w, r)
	if !ok {
		return
	}

	m, err := s.deps.MonitorDB.Get(r.Context(), wallet)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// handlePutMonitor handles PUT /api/monitors/{wallet}
func (s *Server) handlePutMonitor(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletVar(w, r)
	if !ok {
		return
	}

	var req monitorRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.FreqMinutes == 0 {
		req.FreqMinutes = defaultMonitorFreqMinutes
	}
	if req.FreqMinutes < 1 || req.FreqMinutes > maxMonitorFreqMinutes {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("freqMinutes",
			fmt.Sprintf("must be between 1 and %d", maxMonitorFreqMinutes)))
		return
	}

	saved, err := s.deps.MonitorDB.Upsert(r.Context(), &models.WalletMonitor{
		WalletAddress: wallet,
		Enabled:       req.Enabled,
		FreqMinutes:   req.FreqMinutes,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

type policyRequest struct {
	MinRiskScore    float64      `json:"minRiskScore"`
	UnlimitedOnly   bool         `json:"unlimitedOnly"`
	IncludeSpenders []string     `json:"includeSpenders"`
	IgnoreSpenders  []string     `json:"ignoreSpenders"`
	IncludeTokens   []string     `json:"includeTokens"`
	IgnoreTokens    []string     `json:"ignoreTokens"`
	Chains          []chainParam `json:"chains"`
}

// handleGetPolicy handles GET /api/policies/{wallet}. Wallets without a
// stored policy get the default one.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletVar(w, r)
	if !ok {
		return
	}

	p, err := s.deps.Policies.Get(r.Context(), wallet)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handlePutPolicy handles PUT /api/policies/{wallet}
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletVar(w, r)
	if !ok {
		return
	}

	var req policyRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	p, err := req.toPolicy(wallet)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if err := s.deps.Policies.Upsert(r.Context(), p); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// toPolicy validates the request and normalizes its address lists
func (req *policyRequest) toPolicy(wallet string) (*models.AlertPolicy, error) {
	if req.MinRiskScore < 0 || req.MinRiskScore > 10 {
		return nil, apperrors.NewInvalidParameterError("minRiskScore", "must be between 0 and 10")
	}

	p := models.DefaultAlertPolicy(wallet)
	p.MinRiskScore = req.MinRiskScore
	p.UnlimitedOnly = req.UnlimitedOnly

	lists := []struct {
		name string
		in   []string
		out  *[]string
	}{
		{"includeSpenders", req.IncludeSpenders, &p.IncludeSpenders},
		{"ignoreSpenders", req.IgnoreSpenders, &p.IgnoreSpenders},
		{"includeTokens", req.IncludeTokens, &p.IncludeTokens},
		{"ignoreTokens", req.IgnoreTokens, &p.IgnoreTokens},
	}
	for _, l := range lists {
		for _, addr := range l.in {
			if !types.IsValidAddress(addr) {
				return nil, apperrors.NewInvalidParameterError(l.name, fmt.Sprintf("invalid address %q", addr))
			}
			*l.out = append(*l.out, types.NormalizeAddress(addr))
		}
	}
	for _, c := range req.Chains {
		p.Chains = append(p.Chains, types.ChainID(c))
	}
	return p, nil
}
