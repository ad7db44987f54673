package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/allowance-scanner/internal/types"
)

// JobPayload is the variant-specific body of a job, discriminated by Type
type JobPayload interface {
	JobType() types.JobType
}

// ScanWalletPayload asks for a full allowance refresh of one wallet
type ScanWalletPayload struct {
	Wallet string          `json:"wallet"`
	Chains []types.ChainID `json:"chains"`
}

// JobType implements JobPayload
func (ScanWalletPayload) JobType() types.JobType { return types.JobTypeScanWallet }

// DecodePayload decodes a stored payload according to its type tag.
// Unknown tags decode to nil with no error; callers decide how to treat them.
func DecodePayload(jobType types.JobType, raw []byte) (JobPayload, error) {
	switch jobType {
	case types.JobTypeScanWallet:
		var p ScanWalletPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", jobType, err)
		}
		return p, nil
	default:
		return nil, nil
	}
}

// Job represents a row of the jobs table
type Job struct {
	ID          int64           `json:"id" db:"id"`
	Type        types.JobType   `json:"type" db:"type"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Wallet      *string         `json:"wallet,omitempty" db:"wallet"`
	Status      types.JobStatus `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"maxAttempts" db:"max_attempts"`
	ClaimedBy   *string         `json:"claimedBy,omitempty" db:"claimed_by"`
	Error       *string         `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
	StartedAt   *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty" db:"finished_at"`
}

// DecodedPayload decodes the job's payload using its type tag
func (j *Job) DecodedPayload() (JobPayload, error) {
	return DecodePayload(j.Type, j.Payload)
}

// AttemptsExhausted reports whether a failure now would be terminal
func (j *Job) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// JobSpec is the input to an enqueue call
type JobSpec struct {
	Payload     JobPayload
	MaxAttempts int
}

// NewScanWalletSpec builds an enqueue spec for a wallet scan
func NewScanWalletSpec(wallet string, chains []types.ChainID, maxAttempts int) JobSpec {
	return JobSpec{
		Payload: ScanWalletPayload{
			Wallet: types.NormalizeAddress(wallet),
			Chains: chains,
		},
		MaxAttempts: maxAttempts,
	}
}

// DedupeKey returns the wallet an active job of this spec must be unique for,
// or nil when the job kind has no uniqueness constraint
func (s JobSpec) DedupeKey() *string {
	if p, ok := s.Payload.(ScanWalletPayload); ok {
		w := types.NormalizeAddress(p.Wallet)
		return &w
	}
	return nil
}

// JobStatusView is the subset of a job exposed to status polling
type JobStatusView struct {
	ID          int64           `json:"id"`
	Type        types.JobType   `json:"type"`
	Status      types.JobStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// StatusView projects a job onto its public status fields
func (j *Job) StatusView() JobStatusView {
	return JobStatusView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}
