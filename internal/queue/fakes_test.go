package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/storage"
	"github.com/allowance-scanner/internal/types"
)

// memStore is an in-memory JobStore with the same state machine as the
// Postgres repository
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*models.Job
	claimErr  error
	finishErr error
	finishes  map[int64]int
	releases  int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[int64]*models.Job), finishes: make(map[int64]int)}
}

func (s *memStore) Enqueue(_ context.Context, spec models.JobSpec) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet := spec.DedupeKey()
	if wallet != nil {
		for _, j := range s.jobs {
			if j.Type == spec.Payload.JobType() && j.Wallet != nil && *j.Wallet == *wallet && j.Status.IsActive() {
				return j.ID, apperrors.NewDuplicateJobError(*wallet, j.ID)
			}
		}
	}

	raw, err := json.Marshal(spec.Payload)
	if err != nil {
		return 0, err
	}
	s.nextID++
	now := time.Now()
	s.jobs[s.nextID] = &models.Job{
		ID:          s.nextID,
		Type:        spec.Payload.JobType(),
		Payload:     raw,
		Wallet:      wallet,
		Status:      types.JobStatusPending,
		MaxAttempts: spec.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.nextID, nil
}

func (s *memStore) Claim(_ context.Context, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	var ids []int64
	for id, j := range s.jobs {
		if j.Status == types.JobStatusPending {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	var out []*models.Job
	for _, id := range ids {
		j := s.jobs[id]
		now := time.Now()
		j.Status = types.JobStatusRunning
		j.Attempts++
		j.StartedAt = &now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Finish(_ context.Context, id int64, ok bool, msg string) (*storage.FinishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return nil, s.finishErr
	}

	j, found := s.jobs[id]
	if !found {
		return nil, fmt.Errorf("job %d: %w", id, apperrors.ErrJobNotFound)
	}
	s.finishes[id]++
	if j.Status != types.JobStatusRunning {
		return &storage.FinishResult{Applied: false, Status: j.Status, Attempts: j.Attempts}, nil
	}

	now := time.Now()
	switch {
	case ok:
		j.Status = types.JobStatusSucceeded
		j.Error = nil
		j.FinishedAt = &now
	case j.Attempts >= j.MaxAttempts:
		j.Status = types.JobStatusFailed
		j.Error = &msg
		j.FinishedAt = &now
	default:
		j.Status = types.JobStatusPending
		j.Error = &msg
	}
	return &storage.FinishResult{Applied: true, Status: j.Status, Attempts: j.Attempts}, nil
}

func (s *memStore) Release(_ context.Context, id int64) (*storage.FinishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, found := s.jobs[id]
	if !found {
		return nil, fmt.Errorf("job %d: %w", id, apperrors.ErrJobNotFound)
	}
	s.releases++
	if j.Status != types.JobStatusRunning {
		return &storage.FinishResult{Applied: false, Status: j.Status, Attempts: j.Attempts}, nil
	}
	j.Status = types.JobStatusPending
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.StartedAt = nil
	return &storage.FinishResult{Applied: true, Status: j.Status, Attempts: j.Attempts}, nil
}

func (s *memStore) ReapStale(_ context.Context, lease time.Duration) ([]storage.ReapedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.ReapedJob
	for _, j := range s.jobs {
		if j.Status != types.JobStatusRunning || j.StartedAt == nil || time.Since(*j.StartedAt) <= lease {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			j.Status = types.JobStatusFailed
		} else {
			j.Status = types.JobStatusPending
		}
		out = append(out, storage.ReapedJob{ID: j.ID, Status: j.Status})
	}
	return out, nil
}

func (s *memStore) CountByStatus(context.Context) (map[types.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[types.JobStatus]int64{}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *memStore) get(id int64) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

// callLog records collaborator calls in order
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakeScanner fails or blocks on configured chains
type fakeScanner struct {
	log     *callLog
	fail    map[types.ChainID]error
	block   map[types.ChainID]time.Duration // ignores ctx while sleeping
	panicOn map[types.ChainID]bool
}

func (f *fakeScanner) ScanChain(_ context.Context, wallet string, chain types.ChainID) error {
	f.log.add(fmt.Sprintf("scan:%d", chain))
	if f.panicOn[chain] {
		panic("scanner exploded")
	}
	if d, ok := f.block[chain]; ok {
		time.Sleep(d)
	}
	return f.fail[chain]
}

// fakeSteps implements every post-scan collaborator
type fakeSteps struct {
	log  *callLog
	fail map[string]error
}

func (f *fakeSteps) step(name string) error {
	f.log.add(name)
	return f.fail[name]
}

func (f *fakeSteps) RefreshRisk(context.Context, string) error    { return f.step(StepRefreshRisk) }
func (f *fakeSteps) EnrichMetadata(context.Context, string) error { return f.step(StepEnrichMetadata) }
func (f *fakeSteps) CheckDrift(context.Context, string) error     { return f.step(StepCheckDrift) }

func (f *fakeSteps) TouchLastScan(context.Context, string, time.Time) (bool, error) {
	return true, f.step(StepTouchLastScan)
}

func (f *fakeSteps) DueMonitors(context.Context, time.Time, int) ([]*models.WalletMonitor, error) {
	return nil, nil
}

func (f *fakeSteps) InvalidateWallet(context.Context, string) (int, error) {
	return 0, f.step(StepInvalidateCache)
}

// processorFunc adapts a function to Processor
type processorFunc func(ctx context.Context, job *models.Job) error

func (f processorFunc) Process(ctx context.Context, job *models.Job) error { return f(ctx, job) }

// countingReporter counts the events it receives
type countingReporter struct {
	NopReporter
	mu       sync.Mutex
	claimed  int
	finished map[types.JobStatus]int
	reaped   int
}

func newCountingReporter() *countingReporter {
	return &countingReporter{finished: map[types.JobStatus]int{}}
}

func (r *countingReporter) JobClaimed(types.JobType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed++
}

func (r *countingReporter) JobFinished(_ types.JobType, status types.JobStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[status]++
}

func (r *countingReporter) JobsReaped(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaped += n
}
