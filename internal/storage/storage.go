// Package storage defines the persistence contracts shared by the API and the workers.
// Every mutation that claims or advances shared state is a single conditional update in
// the Postgres implementation and a critical section in the in-memory one.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
)

// DefaultPageSize applies when a JobFilter leaves PageSize unset
const DefaultPageSize = 20

// JobFilter selects jobs for listing
type JobFilter struct {
	AccountID string
	Kind      string
	Status    string
	PageSize  int
	Cursor    *JobCursor
}

// JobCursor is the keyset position of a listing page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Progress is a monotonic progress report of a running job
type Progress struct {
	Percent int
	Message string
	Cursor  int
	// Collected is the running number of candidates written by a search job
	Collected int
}

// JobStore is the queue table
type JobStore interface {
	// Enqueue validates and inserts a pending job. When the job's idempotency key was
	// already used by the account, it returns the stored job together with ErrDuplicateJob.
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error)

	Get(ctx context.Context, accountID, jobID string) (*domain.Job, error)
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// QueuePosition returns the 1-based position of a pending job among pending jobs of its
	// kind, or 0 when the job is not pending.
	QueuePosition(ctx context.Context, job *domain.Job) (int, error)

	// ClaimNext atomically moves the best claimable job of kind to RUNNING for workerID.
	// Returns ErrNoJobAvailable when nothing can be claimed.
	ClaimNext(ctx context.Context, kind, workerID string, lease time.Duration) (*domain.Job, error)

	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error
	UpdateProgress(ctx context.Context, jobID, workerID string, p Progress) error

	// Handoff moves ownership of a running job from workerID to owner and clears the lease,
	// so the job stays RUNNING without being reclaimable.
	Handoff(ctx context.Context, jobID, workerID, owner string) error

	Complete(ctx context.Context, jobID, workerID string, result *domain.JobResult) error

	// Fail applies the retry policy and returns the job as stored afterwards: PENDING with
	// a bumped retry count and a delayed AvailableAt, or terminal FAILED.
	Fail(ctx context.Context, jobID, workerID, errMsg string, retryDelay time.Duration) (*domain.Job, error)

	Cancel(ctx context.Context, accountID, jobID string) (*domain.Job, error)

	// ReapExpired fails running jobs whose lease expired after their reclaim budget was spent
	ReapExpired(ctx context.Context) (int, error)

	// MarkStage updates one stage entry of an outreach job. A stage already marked sent is
	// never modified again (ErrStageAlreadySent).
	MarkStage(ctx context.Context, jobID string, upd domain.StageUpdate) error
}

// CandidateStore holds raw search results before enrichment
type CandidateStore interface {
	// Upsert inserts a candidate or updates the one sharing its key. created reports
	// whether a new row was written.
	Upsert(ctx context.Context, c *domain.Candidate) (stored *domain.Candidate, created bool, err error)

	Get(ctx context.Context, id string) (*domain.Candidate, error)
	CountByKey(ctx context.Context, accountID, name, location string) (int, error)

	// ClaimBatch leases up to size unverified, enrichable candidates
	ClaimBatch(ctx context.Context, size int, lease time.Duration) ([]*domain.Candidate, error)

	MarkVerified(ctx context.Context, id, leadID string) error

	// RecordFailure counts a failed enrichment attempt and marks the candidate unenrichable
	// once maxAttempts is reached. Otherwise the candidate is not claimable again until
	// retryAfter has elapsed.
	RecordFailure(ctx context.Context, id, errMsg string, maxAttempts int, retryAfter time.Duration) (*domain.Candidate, error)

	// Release drops the lease without counting an attempt
	Release(ctx context.Context, id string) error
}

// LeadFilter selects leads for listing and export
type LeadFilter struct {
	AccountID      string
	Status         string
	OutreachActive *bool
	Limit          int
}

// LeadStore holds promoted leads and their outreach state
type LeadStore interface {
	Create(ctx context.Context, lead *domain.Lead) (*domain.Lead, error)

	// Promote creates the lead for a candidate at most once per (account, candidate).
	// created is false when the lead already existed.
	Promote(ctx context.Context, lead *domain.Lead) (stored *domain.Lead, created bool, err error)

	Get(ctx context.Context, accountID, leadID string) (*domain.Lead, error)
	GetByID(ctx context.Context, leadID string) (*domain.Lead, error)
	List(ctx context.Context, filter LeadFilter) ([]*domain.Lead, error)

	// DueLeads returns active, unclaimed leads whose next fire time is at or before now
	DueLeads(ctx context.Context, now time.Time, limit int) ([]*domain.Lead, error)

	// Claim leases a due lead for one scheduler pass. ErrLeadBusy when another pass holds
	// it or it is no longer due.
	Claim(ctx context.Context, leadID string, lease time.Duration) (*domain.Lead, error)
	Release(ctx context.Context, leadID string) error

	// Activate starts (or resumes) the sequence of jobID on the lead
	Activate(ctx context.Context, leadID, jobID string, startStep int, nextFireAt time.Time) (*domain.Lead, error)

	// AppendSent records a confirmed automated send, guarded by the sent count the caller
	// observed. ErrStageAlreadySent when another pass appended first.
	AppendSent(ctx context.Context, leadID string, a domain.SentAppend) (*domain.Lead, error)

	AppendManual(ctx context.Context, leadID string, entry domain.HistoryEntry) (*domain.Lead, error)
	RecordFailure(ctx context.Context, leadID string, f domain.SendFailure) (*domain.Lead, error)

	// Stop deactivates outreach. Returns the lead with ErrOutreachInactive when it was not active.
	Stop(ctx context.Context, leadID, reason string) (*domain.Lead, error)

	SetStatus(ctx context.Context, accountID, leadID, status string) (*domain.Lead, error)
	MarkReplied(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error)
	Reschedule(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error)
}
