package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/leadflow/internal/domain"
)

const jobColumns = `job_id, account_id, kind, status, priority, idempotency_key, payload, stages,
	retry_count, max_retries, reclaim_count, worker_id, lease_until, last_heartbeat_at,
	progress_percent, progress_message, progress_cursor, collected, error_message, result,
	created_at, updated_at, available_at, started_at, completed_at`

type jobRow struct {
	JobID           string         `db:"job_id"`
	AccountID       string         `db:"account_id"`
	Kind            string         `db:"kind"`
	Status          string         `db:"status"`
	Priority        int            `db:"priority"`
	IdempotencyKey  sql.NullString `db:"idempotency_key"`
	Payload         []byte         `db:"payload"`
	Stages          []byte         `db:"stages"`
	RetryCount      int            `db:"retry_count"`
	MaxRetries      int            `db:"max_retries"`
	ReclaimCount    int            `db:"reclaim_count"`
	WorkerID        sql.NullString `db:"worker_id"`
	LeaseUntil      sql.NullTime   `db:"lease_until"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at"`
	ProgressPercent int            `db:"progress_percent"`
	ProgressMessage string         `db:"progress_message"`
	Cursor          int            `db:"progress_cursor"`
	Collected       int            `db:"collected"`
	ErrorMessage    string         `db:"error_message"`
	Result          []byte         `db:"result"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	AvailableAt     time.Time      `db:"available_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:              r.JobID,
		AccountID:       r.AccountID,
		Kind:            r.Kind,
		Status:          r.Status,
		Priority:        r.Priority,
		IdempotencyKey:  r.IdempotencyKey.String,
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		ReclaimCount:    r.ReclaimCount,
		WorkerID:        r.WorkerID.String,
		LeaseUntil:      timePtr(r.LeaseUntil),
		LastHeartbeatAt: timePtr(r.LastHeartbeatAt),
		ProgressPercent: r.ProgressPercent,
		ProgressMessage: r.ProgressMessage,
		Cursor:          r.Cursor,
		Collected:       r.Collected,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		AvailableAt:     r.AvailableAt,
		StartedAt:       timePtr(r.StartedAt),
		CompletedAt:     timePtr(r.CompletedAt),
	}

	if err := job.UnmarshalPayload(r.Payload); err != nil {
		return nil, fmt.Errorf("job %s: %w", r.JobID, err)
	}
	if len(r.Stages) > 0 {
		if err := json.Unmarshal(r.Stages, &job.Stages); err != nil {
			return nil, fmt.Errorf("failed to decode stages of job %s: %w", r.JobID, err)
		}
		if len(job.Stages) == 0 {
			job.Stages = nil
		}
	}
	if len(r.Result) > 0 {
		var result domain.JobResult
		if err := json.Unmarshal(r.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", r.JobID, err)
		}
		job.Result = &result
	}
	return job, nil
}

const candidateColumns = `id, account_id, name, location, service, address, phone, website, email,
	rating, review_count, source_job_id, verified, unenrichable, enrich_attempts, last_error,
	lead_id, claimed_until, created_at, updated_at`

type candidateRow struct {
	ID             string       `db:"id"`
	AccountID      string       `db:"account_id"`
	Name           string       `db:"name"`
	Location       string       `db:"location"`
	Service        string       `db:"service"`
	Address        string       `db:"address"`
	Phone          string       `db:"phone"`
	Website        string       `db:"website"`
	Email          string       `db:"email"`
	Rating         float64      `db:"rating"`
	ReviewCount    int          `db:"review_count"`
	SourceJobID    string       `db:"source_job_id"`
	Verified       bool         `db:"verified"`
	Unenrichable   bool         `db:"unenrichable"`
	EnrichAttempts int          `db:"enrich_attempts"`
	LastError      string       `db:"last_error"`
	LeadID         string       `db:"lead_id"`
	ClaimedUntil   sql.NullTime `db:"claimed_until"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r *candidateRow) toDomain() *domain.Candidate {
	return &domain.Candidate{
		ID:             r.ID,
		AccountID:      r.AccountID,
		Name:           r.Name,
		Location:       r.Location,
		Service:        r.Service,
		Address:        r.Address,
		Phone:          r.Phone,
		Website:        r.Website,
		Email:          r.Email,
		Rating:         r.Rating,
		ReviewCount:    r.ReviewCount,
		SourceJobID:    r.SourceJobID,
		Verified:       r.Verified,
		Unenrichable:   r.Unenrichable,
		EnrichAttempts: r.EnrichAttempts,
		LastError:      r.LastError,
		LeadID:         r.LeadID,
		ClaimedUntil:   timePtr(r.ClaimedUntil),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const leadColumns = `id, account_id, candidate_id, name, owner_name, email, phone, website, location,
	service, status, outreach_active, outreach_job_id, start_step, current_stage, current_step,
	next_fire_at, history, failure_count, total_failures, last_error, stop_reason, replied_at,
	claimed_until, archived_at, created_at, updated_at`

type leadRow struct {
	ID             string         `db:"id"`
	AccountID      string         `db:"account_id"`
	CandidateID    sql.NullString `db:"candidate_id"`
	Name           string         `db:"name"`
	OwnerName      string         `db:"owner_name"`
	Email          string         `db:"email"`
	Phone          string         `db:"phone"`
	Website        string         `db:"website"`
	Location       string         `db:"location"`
	Service        string         `db:"service"`
	Status         string         `db:"status"`
	OutreachActive bool           `db:"outreach_active"`
	OutreachJobID  string         `db:"outreach_job_id"`
	StartStep      int            `db:"start_step"`
	CurrentStage   string         `db:"current_stage"`
	CurrentStep    int            `db:"current_step"`
	NextFireAt     sql.NullTime   `db:"next_fire_at"`
	History        []byte         `db:"history"`
	FailureCount   int            `db:"failure_count"`
	TotalFailures  int            `db:"total_failures"`
	LastError      string         `db:"last_error"`
	StopReason     string         `db:"stop_reason"`
	RepliedAt      sql.NullTime   `db:"replied_at"`
	ClaimedUntil   sql.NullTime   `db:"claimed_until"`
	ArchivedAt     sql.NullTime   `db:"archived_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *leadRow) toDomain() (*domain.Lead, error) {
	lead := &domain.Lead{
		ID:             r.ID,
		AccountID:      r.AccountID,
		CandidateID:    r.CandidateID.String,
		Name:           r.Name,
		OwnerName:      r.OwnerName,
		Email:          r.Email,
		Phone:          r.Phone,
		Website:        r.Website,
		Location:       r.Location,
		Service:        r.Service,
		Status:         r.Status,
		OutreachActive: r.OutreachActive,
		OutreachJobID:  r.OutreachJobID,
		StartStep:      r.StartStep,
		CurrentStage:   r.CurrentStage,
		CurrentStep:    r.CurrentStep,
		NextFireAt:     timePtr(r.NextFireAt),
		FailureCount:   r.FailureCount,
		TotalFailures:  r.TotalFailures,
		LastError:      r.LastError,
		StopReason:     r.StopReason,
		RepliedAt:      timePtr(r.RepliedAt),
		ClaimedUntil:   timePtr(r.ClaimedUntil),
		ArchivedAt:     timePtr(r.ArchivedAt),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &lead.History); err != nil {
			return nil, fmt.Errorf("failed to decode history of lead %s: %w", r.ID, err)
		}
		if len(lead.History) == 0 {
			lead.History = nil
		}
	}
	return lead, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// seconds converts a duration for use as `$n::float8 * INTERVAL '1 second'`
func seconds(d time.Duration) float64 {
	return d.Seconds()
}

// validID reports whether id can be compared against a UUID column
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
