package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/queue"
	"github.com/allowance-scanner/internal/types"
	"github.com/gorilla/mux"
)

const (
	defaultJobListLimit = 20
	maxJobListLimit     = 100
	maxBatchLimit       = 100
)

// chainParam accepts a chain as a numeric id or a short name
type chainParam types.ChainID

func (c *chainParam) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		if n <= 0 {
			return fmt.Errorf("invalid chain id: %d", n)
		}
		*c = chainParam(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("chain must be a number or a name")
	}
	id, err := types.ParseChainID(s)
	if err != nil {
		return err
	}
	*c = chainParam(id)
	return nil
}

type enqueueScanRequest struct {
	Wallet string       `json:"wallet"`
	Chains []chainParam `json:"chains"`
}

// handleEnqueueScan handles POST /api/scans
func (s *Server) handleEnqueueScan(w http.ResponseWriter, r *http.Request) {
	var req enqueueScanRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	if !types.IsValidAddress(req.Wallet) {
		respondServiceError(w, r, apperrors.NewInvalidAddressError(req.Wallet))
		return
	}

	chains, err := s.resolveChains(req.Chains)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	wallet := types.NormalizeAddress(req.Wallet)
	id, err := s.deps.Jobs.Enqueue(r.Context(), models.NewScanWalletSpec(wallet, chains, s.config.MaxAttempts))
	if errors.Is(err, apperrors.ErrDuplicateActiveJob) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"jobId":     id,
			"duplicate": true,
			"message":   "scan already in progress",
		})
		return
	}
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).WithWallet(wallet).WithField("job_id", id).Info("Scan enqueued")
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":  id,
		"status": types.JobStatusPending,
	})
}

// resolveChains dedupes the requested chains and checks them against the
// configured ones. No chains means all configured chains at scan time.
func (s *Server) resolveChains(requested []chainParam) ([]types.ChainID, error) {
	allowed := make(map[types.ChainID]bool, len(s.config.DefaultChains))
	for _, c := range s.config.DefaultChains {
		allowed[c] = true
	}

	seen := make(map[types.ChainID]bool, len(requested))
	chains := make([]types.ChainID, 0, len(requested))
	for _, p := range requested {
		c := types.ChainID(p)
		if len(allowed) > 0 && !allowed[c] {
			return nil, apperrors.NewInvalidParameterError("chains", fmt.Sprintf("chain %s is not enabled", c))
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		chains = append(chains, c)
	}
	return chains, nil
}

// handleGetJob handles GET /api/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("id", "must be a positive integer"))
		return
	}

	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job.StatusView())
}

// handleListWalletJobs handles GET /api/wallets/{wallet}/jobs
func (s *Server) handleListWalletJobs(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletVar(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r, defaultJobListLimit, maxJobListLimit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	jobs, err := s.deps.Jobs.ListByWallet(r.Context(), wallet, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	views := make([]models.JobStatusView, len(jobs))
	for i, job := range jobs {
		views[i] = job.StatusView()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet": wallet,
		"jobs":   views,
	})
}

// handleProcessJobs handles POST /api/jobs/process. It runs one batch in the
// request and reports its outcome with the current queue depth.
func (s *Server) handleProcessJobs(w http.ResponseWriter, r *http.Request) {
	def := s.config.BatchLimit
	if def <= 0 {
		def = 10
	}
	limit, err := parseLimit(r, def, maxBatchLimit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.deps.Batches.ProcessBatch(r.Context(), limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	response := map[string]interface{}{"result": result}
	if counts, err := s.deps.Jobs.CountByStatus(r.Context()); err == nil {
		response["queue"] = counts
	} else {
		logging.FromContext(r.Context()).WithError(err).Warn("Failed to count jobs")
	}
	respondJSON(w, http.StatusOK, response)
}

// handleRunMonitors handles POST /api/monitors/run
func (s *Server) handleRunMonitors(w http.ResponseWriter, r *http.Request) {
	enqueued, err := s.deps.Monitors.RunDueMonitors(r.Context())
	if err != nil && len(enqueued) == 0 {
		respondServiceError(w, r, err)
		return
	}
	if err != nil {
		// Partial progress is still reported; the rest is picked up next run
		logging.FromContext(r.Context()).WithError(err).Warn("Monitor run incomplete")
	}
	if enqueued == nil {
		enqueued = []queue.MonitorEnqueue{}
	}

	respondJSON(w, http.StatusOK, enqueued)
}

// walletVar reads and validates the {wallet} path variable, writing a 400
// when it is not an address
func walletVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := mux.Vars(r)["wallet"]
	if !types.IsValidAddress(raw) {
		respondServiceError(w, r, apperrors.NewInvalidAddressError(raw))
		return "", false
	}
	return types.NormalizeAddress(raw), true
}

// parseLimit reads ?limit, defaulting when absent and rejecting values
// outside 1..max
func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, apperrors.NewInvalidParameterError("limit", fmt.Sprintf("must be between 1 and %d", max))
	}
	return n, nil
}
