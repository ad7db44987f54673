package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/models"
	"github.com/allowance-scanner/internal/types"
	"github.com/jackc/pgx/v5"
)

// DefaultMaxErrorLength bounds the stored failure message
const DefaultMaxErrorLength = 5000

const jobColumns = `id, type, payload, wallet, status, attempts, max_attempts,
	claimed_by, error, created_at, updated_at, started_at, finished_at`

// FinishResult reports what a finish call did to the job
type FinishResult struct {
	Applied  bool            // false when the job was no longer running for this worker
	Status   types.JobStatus // status after the call
	Attempts int
}

// ReapedJob is a running job whose lease expired
type ReapedJob struct {
	ID     int64
	Status types.JobStatus
}

// JobRepository is the durable job store and claim coordinator
type JobRepository struct {
	db             *PostgresDB
	workerID       string
	maxErrorLength int
}

// NewJobRepository creates a job repository that claims on behalf of workerID
func NewJobRepository(db *PostgresDB, workerID string, maxErrorLength int) *JobRepository {
	if maxErrorLength <= 0 {
		maxErrorLength = DefaultMaxErrorLength
	}
	return &JobRepository{db: db, workerID: workerID, maxErrorLength: maxErrorLength}
}

// WorkerID returns the identity recorded on claimed rows
func (r *JobRepository) WorkerID() string {
	return r.workerID
}

// Enqueue inserts a pending job. When the spec's wallet already has an active
// job, the existing job id is returned together with an error wrapping
// apperrors.ErrDuplicateActiveJob and no row is created.
func (r *JobRepository) Enqueue(ctx context.Context, spec models.JobSpec) (int64, error) {
	if spec.Payload == nil {
		return 0, fmt.Errorf("job spec has no payload")
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode job payload: %w", err)
	}
	wallet := spec.DedupeKey()
	jobType := spec.Payload.JobType()

	insert := `
		INSERT INTO jobs (type, payload, wallet, status, attempts, max_attempts)
		VALUES ($1, $2, $3, 'pending', 0, $4)
		ON CONFLICT (type, wallet) WHERE status IN ('pending', 'running') DO NOTHING
		RETURNING id
	`

	// A conflicting job can finish between the insert and the lookup; one
	// more insert attempt settles that race.
	for attempt := 0; attempt < 2; attempt++ {
		var id int64
		err = r.db.Pool().QueryRow(ctx, insert, jobType, payload, wallet, maxAttempts).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NewDatabaseError("enqueue", err)
		}

		activeID, found, lookupErr := r.activeJobID(ctx, jobType, wallet)
		if lookupErr != nil {
			return 0, lookupErr
		}
		if found {
			return activeID, apperrors.NewDuplicateJobError(*wallet, activeID)
		}
	}

	return 0, apperrors.NewDatabaseError("enqueue", fmt.Errorf("conflict on %s for %s did not resolve", jobType, *wallet))
}

func (r *JobRepository) activeJobID(ctx context.Context, jobType types.JobType, wallet *string) (int64, bool, error) {
	if wallet == nil {
		return 0, false, nil
	}

	query := `
		SELECT id FROM jobs
		WHERE type = $1 AND wallet = $2 AND status IN ('pending', 'running')
		ORDER BY id
		LIMIT 1
	`
	var id int64
	err := r.db.Pool().QueryRow(ctx, query, jobType, *wallet).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.NewDatabaseError("lookup active job", err)
	}
	return id, true, nil
}

// Get retrieves a job by id
func (r *JobRepository) Get(ctx context.Context, id int64) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, apperrors.ErrJobNotFound)
		}
		return nil, apperrors.NewDatabaseError("get job", err)
	}
	return job, nil
}

// Claim atomically moves up to limit of the oldest pending jobs to running.
// Rows locked by a concurrent claimer are skipped, never waited on, so no two
// callers can receive the same job. The returned jobs carry their updated
// attempt counts and are ordered oldest first.
func (r *JobRepository) Claim(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []*models.Job
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return fmt.Errorf("failed to select pending jobs: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to read pending job ids: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		rows, err = tx.Query(ctx, `
			UPDATE jobs
			SET status = 'running',
				started_at = now(),
				updated_at = now(),
				attempts = attempts + 1,
				claimed_by = $2
			WHERE id = ANY($1)
			RETURNING `+jobColumns, ids, r.workerID)
		if err != nil {
			return fmt.Errorf("failed to mark jobs running: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("failed to scan claimed job: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Finish records the outcome of a claimed job.
//
//	ok                         -> succeeded
//	!ok, attempts < max        -> pending (eligible for the next claim)
//	!ok, attempts >= max       -> failed
//
// Only a job that is running under this repository's worker id is changed;
// anything else (already finished, reaped, claimed elsewhere) is a no-op
// reported through FinishResult.Applied.
func (r *JobRepository) Finish(ctx context.Context, id int64, ok bool, errMsg string) (*FinishResult, error) {
	var stored *string
	if !ok {
		msg := TruncateError(errMsg, r.maxErrorLength)
		stored = &msg
	}

	query := `
		UPDATE jobs
		SET status = CASE
				WHEN $2 THEN 'succeeded'
				WHEN attempts >= max_attempts THEN 'failed'
				ELSE 'pending'
			END,
			finished_at = CASE
				WHEN $2 OR attempts >= max_attempts THEN now()
				ELSE NULL
			END,
			error = $3,
			updated_at = now()
		WHERE id = $1 AND status = 'running' AND claimed_by = $4
		RETURNING status, attempts
	`

	result := &FinishResult{Applied: true}
	err := r.db.Pool().QueryRow(ctx, query, id, ok, stored, r.workerID).Scan(&result.Status, &result.Attempts)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewDatabaseError("finish", err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &FinishResult{Applied: false, Status: current.Status, Attempts: current.Attempts}, nil
}

// Release hands a running job back to the queue without charging the attempt
// it was claimed with. Used when the worker gives a job up for reasons of its
// own (shutdown, caller gone), not because the job failed. Fenced like Finish.
func (r *JobRepository) Release(ctx context.Context, id int64) (*FinishResult, error) {
	query := `
		UPDATE jobs
		SET status = 'pending',
			attempts = GREATEST(attempts - 1, 0),
			claimed_by = NULL,
			started_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'running' AND claimed_by = $2
		RETURNING status, attempts
	`

	result := &FinishResult{Applied: true}
	err := r.db.Pool().QueryRow(ctx, query, id, r.workerID).Scan(&result.Status, &result.Attempts)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewDatabaseError("release", err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &FinishResult{Applied: false, Status: current.Status, Attempts: current.Attempts}, nil
}

// ReapStale returns running jobs whose claim is older than lease to the queue.
// A reaped job keeps the attempt it was charged at claim time, so a job that
// keeps killing its worker still ends in failed after max_attempts.
func (r *JobRepository) ReapStale(ctx context.Context, lease time.Duration) ([]ReapedJob, error) {
	msg := fmt.Sprintf("lease expired after %s without finish", lease)

	rows, err := r.db.Pool().Query(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			finished_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
			error = $2,
			claimed_by = NULL,
			updated_at = now()
		WHERE status = 'running'
			AND started_at < now() - make_interval(secs => $1)
		RETURNING id, status
	`, lease.Seconds(), msg)
	if err != nil {
		return nil, apperrors.NewDatabaseError("reap stale jobs", err)
	}

	reaped, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReapedJob, error) {
		var j ReapedJob
		err := row.Scan(&j.ID, &j.Status)
		return j, err
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("reap stale jobs", err)
	}
	return reaped, nil
}

// ListByWallet returns the most recent jobs for a wallet, newest first
func (r *JobRepository) ListByWallet(ctx context.Context, wallet string, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE wallet = $1 ORDER BY id DESC LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, types.NormalizeAddress(wallet), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list jobs by wallet", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs in each status
func (r *JobRepository) CountByStatus(ctx context.Context) (map[types.JobStatus]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count jobs", err)
	}
	defer rows.Close()

	counts := map[types.JobStatus]int64{
		types.JobStatusPending:   0,
		types.JobStatusRunning:   0,
		types.JobStatusSucceeded: 0,
		types.JobStatusFailed:    0,
	}
	for rows.Next() {
		var status types.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var payload []byte
	err := row.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&job.Wallet,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ClaimedBy,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	return &job, nil
}

// TruncateError makes a failure message storable in a TEXT column (valid
// UTF-8, no NUL bytes) and bounds it to max runes
func TruncateError(msg string, max int) string {
	msg = strings.ReplaceAll(strings.ToValidUTF8(msg, "\uFFFD"), "\x00", "")
	if max <= 0 || utf8.RuneCountInString(msg) <= max {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:max])
}
