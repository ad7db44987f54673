package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/notifier"
	"github.com/allowance-scanner/internal/storage"
	"github.com/allowance-scanner/internal/types"
)

const testWallet = "0x1111111111111111111111111111111111111111"

func strPtr(s string) *string { return &s }

func row(chain types.ChainID, token, spender, amount string) *models.Allowance {
	return &models.Allowance{
		WalletAddress:  testWallet,
		ChainID:        chain,
		TokenAddress:   token,
		SpenderAddress: spender,
		Amount:         amount,
	}
}

// memAllowances implements RiskRepository and MetadataRepository
type memAllowances struct {
	mu          sync.Mutex
	rows        []*models.Allowance
	labels      map[types.ChainID]map[string]string
	symbols     map[types.ChainID]map[string]string
	riskWrites  []*models.Allowance
	metaWrites  []*models.Allowance
	savedSymbol int
	listErr     error
}

func newMemAllowances(rows ...*models.Allowance) *memAllowances {
	return &memAllowances{
		rows:    rows,
		labels:  make(map[types.ChainID]map[string]string),
		symbols: make(map[types.ChainID]map[string]string),
	}
}

func (m *memAllowances) ListByWallet(ctx context.Context, wallet string) ([]*models.Allowance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*models.Allowance, len(m.rows))
	for i, r := range m.rows {
		c := *r
		out[i] = &c
	}
	return out, nil
}

func (m *memAllowances) SpenderLabels(ctx context.Context, chain types.ChainID, spenders []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, s := range spenders {
		if l, ok := m.labels[chain][types.NormalizeAddress(s)]; ok {
			out[types.NormalizeAddress(s)] = l
		}
	}
	return out, nil
}

func (m *memAllowances) TokenSymbols(ctx context.Context, chain types.ChainID, tokens []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, t := range tokens {
		if s, ok := m.symbols[chain][t]; ok {
			out[t] = s
		}
	}
	return out, nil
}

func (m *memAllowances) SaveTokenSymbol(ctx context.Context, chain types.ChainID, token, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.symbols[chain] == nil {
		m.symbols[chain] = make(map[string]string)
	}
	m.symbols[chain][token] = symbol
	m.savedSymbol++
	return nil
}

func (m *memAllowances) UpdateRiskScores(ctx context.Context, rows []*models.Allowance) error {
	m.riskWrites = append(m.riskWrites, rows...)
	return nil
}

func (m *memAllowances) UpdateMetadata(ctx context.Context, rows []*models.Allowance) error {
	m.metaWrites = append(m.metaWrites, rows...)
	return nil
}

type fakeSymbols struct {
	symbols map[string]string
	calls   int
}

func (f *fakeSymbols) TokenSymbol(ctx context.Context, chain types.ChainID, token string) (string, error) {
	f.calls++
	if s, ok := f.symbols[token]; ok {
		return s, nil
	}
	return "", errors.New("execution reverted")
}

type memSnapshots struct {
	latest   *storage.AllowanceSnapshot
	appended []*storage.AllowanceSnapshot
}

func (m *memSnapshots) Latest(ctx context.Context, wallet string) (*storage.AllowanceSnapshot, error) {
	return m.latest, nil
}

func (m *memSnapshots) Append(ctx context.Context, wallet string, rows []*models.Allowance, at time.Time) error {
	snap := &storage.AllowanceSnapshot{Wallet: wallet, CapturedAt: at, Rows: rows}
	m.appended = append(m.appended, snap)
	m.latest = snap
	return nil
}

type fixedPolicy struct{ p *models.AlertPolicy }

func (f fixedPolicy) Get(ctx context.Context, wallet string) (*models.AlertPolicy, error) {
	if f.p == nil {
		return models.DefaultAlertPolicy(wallet), nil
	}
	return f.p, nil
}

type recordingNotifier struct {
	alerts []*notifier.DriftAlert
	err    error
}

func (r *recordingNotifier) NotifyDrift(ctx context.Context, alert *notifier.DriftAlert) error {
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}
