// Package postgres implements the storage contracts on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
)

var _ storage.JobStore = (*JobStore)(nil)

// maxClaimAttempts bounds how often ClaimNext retries after losing a race
const maxClaimAttempts = 3

// claimable matches pending jobs past their backoff and running jobs whose lease expired
// while reclaim budget remains.
const claimable = `(
	(status = 'PENDING' AND available_at <= NOW())
	OR (status = 'RUNNING' AND lease_until IS NOT NULL AND lease_until < NOW() AND reclaim_count <= max_retries)
)`

// JobStore is the PostgreSQL queue table
type JobStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
	logger *slog.Logger
}

// NewJobStore creates a new PostgreSQL-backed job store
func NewJobStore(db *sqlx.DB, tracer trace.Tracer, logger *slog.Logger) *JobStore {
	return &JobStore{
		db:     db,
		tracer: tracer,
		logger: logger,
	}
}

// Enqueue validates and inserts a pending job
func (s *JobStore) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	payload, err := job.MarshalPayload()
	if err != nil {
		return nil, err
	}
	stages, err := marshalStages(job.Stages)
	if err != nil {
		return nil, err
	}

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("account_id", job.AccountID),
		attribute.String("kind", job.Kind),
	)

	var stored *domain.Job
	duplicate := false
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.enqueue_job", attrs, func(ctx context.Context) error {
		query := `
			INSERT INTO jobs (
				job_id, account_id, kind, status, priority, idempotency_key,
				payload, stages, max_retries, created_at, updated_at, available_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, NOW(), NOW(), NOW()
			)
			ON CONFLICT (account_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
			RETURNING ` + jobColumns

		var row jobRow
		err := s.db.GetContext(ctx, &row, query,
			uuid.New().String(),
			job.AccountID,
			job.Kind,
			domain.JobStatusPending,
			job.Priority,
			nullString(job.IdempotencyKey),
			string(payload),
			stages,
			job.MaxRetries,
		)
		if errors.Is(err, sql.ErrNoRows) {
			duplicate = true
			stored, err = s.getByIdempotencyKey(ctx, job.AccountID, job.IdempotencyKey)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		stored, err = row.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return stored, domain.ErrDuplicateJob
	}
	return stored, nil
}

func (s *JobStore) getByIdempotencyKey(ctx context.Context, accountID, key string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE account_id = $1 AND idempotency_key = $2`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, accountID, key); err != nil {
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}
	return row.toDomain()
}

// Get returns a job visible to the account
func (s *JobStore) Get(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// GetByID returns a job regardless of account
func (s *JobStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	if !validID(jobID) {
		return nil, domain.ErrJobNotFound
	}

	attrs := append(storage.DefaultDBAttributes, attribute.String("job_id", jobID))

	var job *domain.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_job", attrs, func(ctx context.Context) error {
		var err error
		job, err = s.get(ctx, jobID)
		return err
	})
	return job, err
}

func (s *JobStore) get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

// List returns jobs newest first, one past the page size so callers can detect more pages
func (s *JobStore) List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d::uuid)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize+1)

	attrs := append(storage.DefaultDBAttributes, attribute.String("account_id", filter.AccountID))

	var jobs []*domain.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_jobs", attrs, func(ctx context.Context) error {
		var rows []jobRow
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		jobs = make([]*domain.Job, 0, len(rows))
		for i := range rows {
			job, err := rows[i].toDomain()
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

// QueuePosition counts pending jobs of the same kind served before job
func (s *JobStore) QueuePosition(ctx context.Context, job *domain.Job) (int, error) {
	if job.Status != domain.JobStatusPending {
		return 0, nil
	}

	query := `
		SELECT COUNT(*) FROM jobs
		WHERE kind = $1
		  AND status = 'PENDING'
		  AND job_id <> $4::uuid
		  AND (priority > $2 OR (priority = $2 AND created_at < $3))
	`

	var ahead int
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.queue_position", storage.DefaultDBAttributes, func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &ahead, query, job.Kind, job.Priority, job.CreatedAt, job.ID); err != nil {
			return fmt.Errorf("failed to compute queue position: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// ClaimNext claims the highest priority, oldest claimable job of kind in one conditional
// update. A worker that loses the race retries against the next candidate.
func (s *JobStore) ClaimNext(ctx context.Context, kind, workerID string, lease time.Duration) (*domain.Job, error) {
	attrs := append(storage.DefaultDBAttributes,
		attribute.String("kind", kind),
		attribute.String("worker_id", workerID),
	)

	var job *domain.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.claim_next_job", attrs, func(ctx context.Context) error {
		for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
			var err error
			job, err = s.claimOnce(ctx, kind, workerID, lease)
			if err == nil || errors.Is(err, domain.ErrNoJobAvailable) {
				return err
			}
			if !errors.Is(err, domain.ErrClaimConflict) {
				return err
			}
			s.logger.Debug("Lost claim race, retrying",
				slog.String("kind", kind),
				slog.String("worker_id", workerID),
				slog.Int("attempt", attempt),
			)
		}
		return domain.ErrNoJobAvailable
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", job.ID),
		slog.String("worker_id", workerID),
		slog.String("kind", job.Kind),
		slog.Int("reclaim_count", job.ReclaimCount),
	)
	return job, nil
}

func (s *JobStore) claimOnce(ctx context.Context, kind, workerID string, lease time.Duration) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'RUNNING',
		    worker_id = $2,
		    lease_until = NOW() + $3::float8 * INTERVAL '1 second',
		    last_heartbeat_at = NOW(),
		    started_at = NOW(),
		    reclaim_count = CASE WHEN status = 'RUNNING' THEN reclaim_count + 1 ELSE reclaim_count END,
		    updated_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE kind = $1 AND ` + claimable + `
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND ` + claimable + `
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, kind, workerID, seconds(lease))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		existsQuery := `SELECT EXISTS (SELECT 1 FROM jobs WHERE kind = $1 AND ` + claimable + `)`
		if err := s.db.GetContext(ctx, &exists, existsQuery, kind); err != nil {
			return nil, fmt.Errorf("failed to check claimable jobs: %w", err)
		}
		if exists {
			return nil, domain.ErrClaimConflict
		}
		return nil, domain.ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return row.toDomain()
}

// Heartbeat extends the lease of a job still held by workerID
func (s *JobStore) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	query := `
		UPDATE jobs
		SET lease_until = NOW() + $3::float8 * INTERVAL '1 second',
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = 'RUNNING' AND worker_id = $2
	`
	return s.ownedExec(ctx, "postgres.job_heartbeat", jobID, workerID, query, jobID, workerID, seconds(lease))
}

// UpdateProgress records monotonic progress of a job held by workerID
func (s *JobStore) UpdateProgress(ctx context.Context, jobID, workerID string, p storage.Progress) error {
	query := `
		UPDATE jobs
		SET progress_percent = GREATEST(progress_percent, $3),
		    progress_message = COALESCE(NULLIF($4, ''), progress_message),
		    progress_cursor = GREATEST(progress_cursor, $5),
		    collected = GREATEST(collected, $6),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = 'RUNNING' AND worker_id = $2
	`
	return s.ownedExec(ctx, "postgres.update_job_progress", jobID, workerID, query,
		jobID, workerID, domain.ClampPercent(p.Percent), p.Message, p.Cursor, p.Collected)
}

// Handoff transfers a running job to owner without a lease
func (s *JobStore) Handoff(ctx context.Context, jobID, workerID, owner string) error {
	query := `
		UPDATE jobs
		SET worker_id = $3,
		    lease_until = NULL,
		    updated_at = NOW()
		WHERE job_id = $1 AND status = 'RUNNING' AND worker_id = $2
	`
	return s.ownedExec(ctx, "postgres.handoff_job", jobID, workerID, query, jobID, workerID, owner)
}

// ownedExec runs an update guarded by ownership and turns zero affected rows into
// ErrJobNotFound or *StaleClaimError.
func (s *JobStore) ownedExec(ctx context.Context, span, jobID, workerID, query string, args ...interface{}) error {
	if !validID(jobID) {
		return domain.ErrJobNotFound
	}

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("job_id", jobID),
		attribute.String("worker_id", workerID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, span, attrs, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected > 0 {
			return nil
		}

		current, err := s.get(ctx, jobID)
		if err != nil {
			return err
		}
		return &domain.StaleClaimError{JobID: jobID, WorkerID: workerID, Status: current.Status}
	})
}

// Complete marks a job completed. A job that is already terminal is left unchanged.
func (s *JobStore) Complete(ctx context.Context, jobID, workerID string, result *domain.JobResult) error {
	if !validID(jobID) {
		return domain.ErrJobNotFound
	}

	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		UPDATE jobs
		SET status = 'COMPLETED',
		    result = $3,
		    progress_percent = 100,
		    lease_until = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = 'RUNNING' AND worker_id = $2
	`

	attrs := append(storage.DefaultDBAttributes, attribute.String("job_id", jobID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_job", attrs, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, jobID, workerID, resultJSON)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected > 0 {
			return nil
		}
		_, err = s.terminalOrStale(ctx, jobID, workerID)
		return err
	})
}

// Fail records a failed attempt and applies the retry policy in the same update
func (s *JobStore) Fail(ctx context.Context, jobID, workerID, errMsg string, retryDelay time.Duration) (*domain.Job, error) {
	if !validID(jobID) {
		return nil, domain.ErrJobNotFound
	}

	query := `
		UPDATE jobs
		SET status = CASE WHEN retry_count < max_retries THEN 'PENDING' ELSE 'FAILED' END,
		    retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		    available_at = CASE WHEN retry_count < max_retries
		        THEN NOW() + $4::float8 * INTERVAL '1 second' ELSE available_at END,
		    completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE NOW() END,
		    error_message = $3,
		    worker_id = NULL,
		    lease_until = NULL,
		    updated_at = NOW()
		WHERE job_id = $1 AND status = 'RUNNING' AND worker_id = $2
		RETURNING ` + jobColumns

	attrs := append(storage.DefaultDBAttributes, attribute.String("job_id", jobID))

	var job *domain.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fail_job", attrs, func(ctx context.Context) error {
		var row jobRow
		err := s.db.GetContext(ctx, &row, query, jobID, workerID, errMsg, seconds(retryDelay))
		if errors.Is(err, sql.ErrNoRows) {
			job, err = s.terminalOrStale(ctx, jobID, workerID)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		job, err = row.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job failure recorded",
		slog.String("job_id", jobID),
		slog.String("status", job.Status),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// terminalOrStale resolves a guarded update that matched nothing: terminal jobs are a
// no-op, anything else means the caller lost the claim.
func (s *JobStore) terminalOrStale(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	current, err := s.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if domain.IsTerminalJobStatus(current.Status) {
		return current, nil
	}
	return nil, &domain.StaleClaimError{JobID: jobID, WorkerID: workerID, Status: current.Status}
}

// Cancel moves a non-terminal job to CANCELED. Terminal jobs are returned unchanged.
func (s *JobStore) Cancel(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	if !validID(jobID) {
		return nil, domain.ErrJobNotFound
	}

	query := `
		UPDATE jobs
		SET status = 'CANCELED',
		    lease_until = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND account_id = $2 AND status IN ('PENDING', 'RUNNING')
		RETURNING ` + jobColumns

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("job_id", jobID),
		attribute.String("account_id", accountID),
	)

	var job *domain.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.cancel_job", attrs, func(ctx context.Context) error {
		var row jobRow
		err := s.db.GetContext(ctx, &row, query, jobID, accountID)
		if errors.Is(err, sql.ErrNoRows) {
			current, err := s.get(ctx, jobID)
			if err != nil {
				return err
			}
			if current.AccountID != accountID {
				return domain.ErrJobNotFound
			}
			job = current
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		job, err = row.toDomain()
		return err
	})
	return job, err
}

// ReapExpired fails abandoned jobs that may not be reclaimed again
func (s *JobStore) ReapExpired(ctx context.Context) (int, error) {
	query := `
		UPDATE jobs
		SET status = 'FAILED',
		    error_message = 'lease expired after reclaim budget was spent',
		    lease_until = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE status = 'RUNNING'
		  AND lease_until IS NOT NULL
		  AND lease_until < NOW()
		  AND reclaim_count > max_retries
	`

	var n int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.reap_expired_jobs", storage.DefaultDBAttributes, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to reap expired jobs: %w", err)
		}
		n, err = result.RowsAffected()
		return err
	})
	return int(n), err
}

// MarkStage updates one entry of the stages array in place. The guard on the entry's
// status keeps a sent stage from ever being written twice.
func (s *JobStore) MarkStage(ctx context.Context, jobID string, upd domain.StageUpdate) error {
	if !validID(jobID) {
		return domain.ErrJobNotFound
	}
	if upd.Step < 1 || upd.Step > domain.StageCount {
		return fmt.Errorf("stage %d out of range", upd.Step)
	}

	patch := map[string]interface{}{
		"status": upd.Status,
		"error":  upd.Error,
	}
	if upd.SentAt != nil {
		patch["sent_at"] = upd.SentAt
	}
	if upd.MessageID != "" {
		patch["message_id"] = upd.MessageID
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal stage patch: %w", err)
	}

	idx := upd.Step - 1
	set := `jsonb_set(stages, ARRAY[$3::text], (stages -> $2::int) || $4::jsonb)`
	args := []interface{}{jobID, idx, strconv.Itoa(idx), string(patchJSON)}
	if upd.NextStep >= 1 && upd.NextStep <= domain.StageCount {
		scheduled, err := json.Marshal(upd.NextScheduledAt)
		if err != nil {
			return fmt.Errorf("failed to marshal schedule: %w", err)
		}
		set = `jsonb_set(` + set + `, ARRAY[$5::text, 'scheduled_at'], $6::jsonb)`
		args = append(args, strconv.Itoa(upd.NextStep-1), string(scheduled))
	}

	query := `
		UPDATE jobs
		SET stages = ` + set + `,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND jsonb_array_length(stages) > $2::int
		  AND ((stages -> $2::int) ->> 'status') IS DISTINCT FROM 'sent'
	`

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("job_id", jobID),
		attribute.Int("step", upd.Step),
		attribute.String("status", upd.Status),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_stage", attrs, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to mark stage: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected > 0 {
			return nil
		}

		current, err := s.get(ctx, jobID)
		if err != nil {
			return err
		}
		if upd.Step > len(current.Stages) {
			return fmt.Errorf("stage %d out of range", upd.Step)
		}
		return domain.ErrStageAlreadySent
	})
}

func marshalStages(stages []domain.StageEntry) (string, error) {
	if len(stages) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(stages)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stages: %w", err)
	}
	return string(data), nil
}
