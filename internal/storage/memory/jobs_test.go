package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func searchJob(account string, priority, maxRetries int) *domain.Job {
	return domain.NewSearchJob(account, []domain.Target{
		{Service: "plumber", Location: "Austin, TX"},
		{Service: "plumber", Location: "Dallas, TX"},
	}, 25, priority, maxRetries)
}

func TestJobStore_EnqueueValidation(t *testing.T) {
	store := NewJobStore()

	_, err := store.Enqueue(context.Background(), domain.NewSearchJob("acct-1", nil, 10, 0, 3))
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	jobs, err := store.List(context.Background(), storage.JobFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobStore_EnqueueIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	job := searchJob("acct-1", 0, 3)
	job.IdempotencyKey = "req-42"

	first, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	second, err := store.Enqueue(ctx, job)
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	other := searchJob("acct-2", 0, 3)
	other.IdempotencyKey = "req-42"
	_, err = store.Enqueue(ctx, other)
	assert.NoError(t, err)
}

func TestJobStore_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := NewJobStore(WithClock(clk.Now))

	low, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
	require.NoError(t, err)
	clk.Advance(time.Second)
	high, err := store.Enqueue(ctx, searchJob("acct-1", 10, 3))
	require.NoError(t, err)
	clk.Advance(time.Second)
	lowLater, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
	require.NoError(t, err)

	var order []string
	for range 3 {
		job, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
		require.NoError(t, err)
		order = append(order, job.ID)
		assert.Equal(t, domain.JobStatusRunning, job.Status)
		assert.NotNil(t, job.StartedAt)
		assert.NotNil(t, job.LeaseUntil)
	}
	assert.Equal(t, []string{high.ID, low.ID, lowLater.ID}, order)

	_, err = store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
}

func TestJobStore_ClaimIgnoresOtherKinds(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	_, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
	require.NoError(t, err)

	_, err = store.ClaimNext(ctx, domain.JobKindOutreach, "worker-1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
}

func TestJobStore_ConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	job, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := store.ClaimNext(ctx, domain.JobKindSearch, fmt.Sprintf("worker-%d", i), time.Minute)
			if err == nil {
				assert.Equal(t, job.ID, claimed.ID)
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestJobStore_RoundTripPreservesPayload(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	job := searchJob("acct-1", 3, 2)
	enqueued, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(ctx, claimed.ID, "worker-1", storage.Progress{Percent: 50, Message: "half", Cursor: 1}))
	require.NoError(t, store.Complete(ctx, claimed.ID, "worker-1", &domain.JobResult{CandidateCount: 12}))

	done, err := store.Get(ctx, "acct-1", enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.Equal(t, job.Kind, done.Kind)
	assert.Equal(t, job.Search, done.Search)
	assert.Equal(t, job.Priority, done.Priority)
	assert.Equal(t, 12, done.Result.CandidateCount)
}

func TestJobStore_ProgressIsMonotonicAndClamped(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	_, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
	require.NoError(t, err)
	job, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.UpdateProgress(ctx, job.ID, "worker-1", storage.Progress{Percent: 60, Cursor: 1}))
	require.NoError(t, store.UpdateProgress(ctx, job.ID, "worker-1", storage.Progress{Percent: 20, Cursor: 0}))
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.ProgressPercent)
	assert.Equal(t, 1, got.Cursor)

	require.NoError(t, store.UpdateProgress(ctx, job.ID, "worker-1", storage.Progress{Percent: 400, Cursor: 2}))
	got, err = store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.ProgressPercent)

	err = store.UpdateProgress(ctx, job.ID, "worker-2", storage.Progress{Percent: 10})
	var stale *domain.StaleClaimError
	assert.True(t, errors.As(err, &stale))
}

func TestJobStore_FailRetryPolicy(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := NewJobStore(WithClock(clk.Now))

	enqueued, err := store.Enqueue(ctx, searchJob("acct-1", 0, 2))
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
		require.NoError(t, err)

		failed, err := store.Fail(ctx, job.ID, "worker-1", "upstream 503", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, failed.Status)
		assert.Equal(t, attempt, failed.RetryCount)
		assert.Equal(t, "upstream 503", failed.ErrorMessage)

		_, err = store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
		assert.ErrorIs(t, err, domain.ErrNoJobAvailable, "retry must wait for the backoff")
		clk.Advance(31 * time.Second)
	}

	job, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	require.NoError(t, err)
	failed, err := store.Fail(ctx, job.ID, "worker-1", "upstream 503", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.RetryCount)
	assert.NotNil(t, failed.CompletedAt)

	clk.Advance(time.Hour)
	_, err = store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)

	got, err := store.Get(ctx, "acct-1", enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
}

func TestJobStore_TerminalTransitionsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	_, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
	require.NoError(t, err)
	job, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, job.ID, "worker-1", nil))
	require.NoError(t, store.Complete(ctx, job.ID, "worker-1", nil))

	failed, err := store.Fail(ctx, job.ID, "worker-1", "late failure", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, failed.Status)

	canceled, err := store.Cancel(ctx, "acct-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, canceled.Status)
}

func TestJobStore_CancelStopsWorker(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	_, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
	require.NoError(t, err)
	job, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	require.NoError(t, err)

	_, err = store.Cancel(ctx, "acct-2", job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	canceled, err := store.Cancel(ctx, "acct-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, canceled.Status)

	again, err := store.Cancel(ctx, "acct-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, again.Status)

	var stale *domain.StaleClaimError
	err = store.Heartbeat(ctx, job.ID, "worker-1", time.Minute)
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, domain.JobStatusCanceled, stale.Status)

	assert.NoError(t, store.Complete(ctx, job.ID, "worker-1", nil))
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, got.Status)
}

func TestJobStore_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := NewJobStore(WithClock(clk.Now))

	_, err := store.Enqueue(ctx, searchJob("acct-1", 0, 1))
	require.NoError(t, err)

	first, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	require.NoError(t, err)

	_, err = store.ClaimNext(ctx, domain.JobKindSearch, "worker-2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)

	clk.Advance(2 * time.Minute)
	second, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "worker-2", second.WorkerID)
	assert.Equal(t, 1, second.ReclaimCount)

	var stale *domain.StaleClaimError
	err = store.Complete(ctx, first.ID, "worker-1", nil)
	assert.True(t, errors.As(err, &stale))

	clk.Advance(2 * time.Minute)
	third, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-3", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, third.ReclaimCount)

	clk.Advance(2 * time.Minute)
	_, err = store.ClaimNext(ctx, domain.JobKindSearch, "worker-4", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable, "reclaim budget spent")

	reaped, err := store.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := store.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestJobStore_HeartbeatKeepsLease(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := NewJobStore(WithClock(clk.Now))

	_, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
	require.NoError(t, err)
	job, err := store.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	require.NoError(t, err)

	clk.Advance(50 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, job.ID, "worker-1", time.Minute))
	clk.Advance(50 * time.Second)

	_, err = store.ClaimNext(ctx, domain.JobKindSearch, "worker-2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
}

func TestJobStore_HandoffIsNotReclaimable(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := NewJobStore(WithClock(clk.Now))

	schedule := domain.BuildSchedule(clk.Now(), 1, domain.Timing{})
	_, err := store.Enqueue(ctx, domain.NewOutreachJob("acct-1", "lead-1", 1, 0, 0, schedule))
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, domain.JobKindOutreach, "worker-1", time.Minute)
	require.NoError(t, err)
	owner := domain.LeadOwner("lead-1")
	require.NoError(t, store.Handoff(ctx, job.ID, "worker-1", owner))

	clk.Advance(time.Hour)
	_, err = store.ClaimNext(ctx, domain.JobKindOutreach, "worker-2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)

	reaped, err := store.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	require.NoError(t, store.Complete(ctx, job.ID, owner, &domain.JobResult{StagesSent: 7}))
}

func TestJobStore_MarkStage(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := NewJobStore(WithClock(clk.Now))

	schedule := domain.BuildSchedule(clk.Now(), 1, domain.Timing{})
	job, err := store.Enqueue(ctx, domain.NewOutreachJob("acct-1", "lead-1", 1, 0, 0, schedule))
	require.NoError(t, err)

	sentAt := clk.Now()
	next := sentAt.Add(48 * time.Hour)
	require.NoError(t, store.MarkStage(ctx, job.ID, domain.StageUpdate{
		Step:            1,
		Status:          domain.StageStatusSent,
		SentAt:          &sentAt,
		MessageID:       "<m1@test>",
		NextStep:        2,
		NextScheduledAt: next,
	}))

	err = store.MarkStage(ctx, job.ID, domain.StageUpdate{Step: 1, Status: domain.StageStatusSent, SentAt: &sentAt})
	assert.ErrorIs(t, err, domain.ErrStageAlreadySent)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageStatusSent, got.Stages[0].Status)
	assert.Equal(t, "<m1@test>", got.Stages[0].MessageID)
	assert.Equal(t, next, got.Stages[1].ScheduledAt)
	assert.Equal(t, 2, got.CurrentStep())
}

func TestJobStore_QueuePositionAndList(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := NewJobStore(WithClock(clk.Now))

	var ids []string
	for i := range 5 {
		job, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
		require.NoError(t, err)
		ids = append(ids, job.ID)
		clk.Advance(time.Duration(i+1) * time.Second)
	}

	last, err := store.GetByID(ctx, ids[4])
	require.NoError(t, err)
	pos, err := store.QueuePosition(ctx, last)
	require.NoError(t, err)
	assert.Equal(t, 5, pos)

	page, err := store.List(ctx, storage.JobFilter{AccountID: "acct-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	next, err := store.List(ctx, storage.JobFilter{
		AccountID: "acct-1",
		PageSize:  2,
		Cursor:    &storage.JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, ids[2], next[0].ID)

	other, err := store.List(ctx, storage.JobFilter{AccountID: "acct-2"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestJobStore_ListDefaultPageSize(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	store := NewJobStore(WithClock(clk.Now))

	for range storage.DefaultPageSize + 5 {
		_, err := store.Enqueue(ctx, searchJob("acct-1", 0, 3))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	page, err := store.List(ctx, storage.JobFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, page, storage.DefaultPageSize+1, "one past the default page signals more")
}
