package enrichment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/integration/credentials"
	"github.com/cuongbtq/leadflow/internal/storage"
	"github.com/cuongbtq/leadflow/internal/storage/memory"
)

type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) Enrich(ctx context.Context, apiKey string, c *domain.Candidate) (domain.Enrichment, error) {
	args := m.Called(ctx, apiKey, c.Name)
	return args.Get(0).(domain.Enrichment), args.Error(1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fixture struct {
	clock      *fakeClock
	candidates *memory.CandidateStore
	leads      *memory.LeadStore
	enricher   *mockEnricher
	worker     *Worker
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		clock:      clk,
		candidates: memory.NewCandidateStore(memory.WithClock(clk.Now)),
		leads:      memory.NewLeadStore(),
		enricher:   &mockEnricher{},
	}
	creds := credentials.NewStatic(map[string]config.AccountConfig{
		"acct-1": {EnrichAPIKey: "enrich-key"},
		"acct-2": {},
	})
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = time.Millisecond
		opts.BackoffMax = 2 * time.Millisecond
	}
	f.worker = NewWorker(slog.New(slog.NewTextHandler(io.Discard, nil)), opts, f.candidates, f.leads, creds, f.enricher)
	return f
}

func (f *fixture) candidate(t *testing.T, account, name string) *domain.Candidate {
	t.Helper()
	c, _, err := f.candidates.Upsert(context.Background(), &domain.Candidate{
		AccountID: account,
		Name:      name,
		Location:  "Austin, TX",
		Service:   "plumber",
		Phone:     "555-0100",
	})
	require.NoError(t, err)
	return c
}

var found = domain.Enrichment{OwnerName: "Jo Owner", Email: "jo@acme.test", Confidence: "high"}

func TestWorker_RunOnce_Promotes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c := f.candidate(t, "acct-1", "Acme Plumbing")
	f.enricher.On("Enrich", mock.Anything, "enrich-key", "Acme Plumbing").Return(found, nil).Once()

	claimed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	stored, err := f.candidates.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, stored.Verified)
	require.NotEmpty(t, stored.LeadID)

	lead, err := f.leads.Get(ctx, "acct-1", stored.LeadID)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusActive, lead.Status)
	assert.False(t, lead.OutreachActive)
	assert.Nil(t, lead.NextFireAt)
	assert.Equal(t, "jo@acme.test", lead.Email)
	assert.Equal(t, "Jo Owner", lead.OwnerName)
	assert.Equal(t, "555-0100", lead.Phone)
	assert.Equal(t, c.ID, lead.CandidateID)

	claimed, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)
	f.enricher.AssertExpectations(t)
}

func TestWorker_RunOnce_RetriesTransientInPass(t *testing.T) {
	f := newFixture(t, Options{TransientRetries: 2})
	ctx := context.Background()
	c := f.candidate(t, "acct-1", "Acme Plumbing")

	f.enricher.On("Enrich", mock.Anything, "enrich-key", "Acme Plumbing").
		Return(domain.Enrichment{}, domain.NewUpstreamError("enrichment", 429, true, errors.New("slow down"))).Twice()
	f.enricher.On("Enrich", mock.Anything, "enrich-key", "Acme Plumbing").Return(found, nil).Once()

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	f.enricher.AssertNumberOfCalls(t, "Enrich", 3)

	stored, err := f.candidates.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, stored.Verified)
	assert.Equal(t, 0, stored.EnrichAttempts)
}

func TestWorker_RunOnce_ExhaustedCandidateBecomesUnenrichable(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3, RetryDelay: 10 * time.Minute})
	ctx := context.Background()
	c := f.candidate(t, "acct-1", "Ghost Co")

	f.enricher.On("Enrich", mock.Anything, "enrich-key", "Ghost Co").
		Return(domain.Enrichment{}, domain.NewUpstreamError("enrichment", 404, false, domain.ErrNoContactFound))

	for i := 1; i <= 3; i++ {
		claimed, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, claimed)

		stored, err := f.candidates.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, i, stored.EnrichAttempts)
		assert.False(t, stored.Verified)
		assert.Equal(t, i == 3, stored.Unenrichable)

		claimed, err = f.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.False(t, claimed, "failed candidate waits out the retry delay")

		f.clock.Advance(11 * time.Minute)
	}

	claimed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)
	f.enricher.AssertNumberOfCalls(t, "Enrich", 3)

	leads, err := f.leads.List(ctx, storage.LeadFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Empty(t, leads)
}

func TestWorker_DrainCountsOneAttemptPerCandidate(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3, BatchSize: 1})
	ctx := context.Background()
	ghost := f.candidate(t, "acct-1", "Ghost Co")
	f.clock.Advance(time.Second)
	acme := f.candidate(t, "acct-1", "Acme Plumbing")

	f.enricher.On("Enrich", mock.Anything, "enrich-key", "Ghost Co").
		Return(domain.Enrichment{}, domain.NewUpstreamError("enrichment", 404, false, domain.ErrNoContactFound))
	f.enricher.On("Enrich", mock.Anything, "enrich-key", "Acme Plumbing").Return(found, nil)

	runs := 0
	for {
		more, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
		runs++
		require.Less(t, runs, 10, "drain did not settle")
	}
	assert.Equal(t, 2, runs)

	stored, err := f.candidates.Get(ctx, ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.EnrichAttempts)
	assert.False(t, stored.Unenrichable)

	stored, err = f.candidates.Get(ctx, acme.ID)
	require.NoError(t, err)
	assert.True(t, stored.Verified)
	f.enricher.AssertNumberOfCalls(t, "Enrich", 2)
}

func TestWorker_RunOnce_MissingCredentialCountsAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c := f.candidate(t, "acct-2", "Acme Plumbing")

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	f.enricher.AssertNotCalled(t, "Enrich", mock.Anything, mock.Anything, mock.Anything)

	stored, err := f.candidates.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.EnrichAttempts)
	assert.Contains(t, stored.LastError, domain.ErrMissingCredential.Error())
}

func TestWorker_RunOnce_BoundedBatch(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 3, Workers: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.candidate(t, "acct-1", fmt.Sprintf("Business %d", i))
	}
	f.enricher.On("Enrich", mock.Anything, "enrich-key", mock.Anything).Return(found, nil)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	f.enricher.AssertNumberOfCalls(t, "Enrich", 3)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	f.enricher.AssertNumberOfCalls(t, "Enrich", 5)

	leads, err := f.leads.List(ctx, storage.LeadFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, leads, 5)
}

func TestWorker_RunOnce_PromotionIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c := f.candidate(t, "acct-1", "Acme Plumbing")

	existing, created, err := f.leads.Promote(ctx, domain.PromoteToLead(c, found))
	require.NoError(t, err)
	require.True(t, created)

	f.enricher.On("Enrich", mock.Anything, "enrich-key", "Acme Plumbing").Return(found, nil).Once()
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	stored, err := f.candidates.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, stored.LeadID)

	leads, err := f.leads.List(ctx, storage.LeadFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, leads, 1)
}

func TestBackoffSleep(t *testing.T) {
	for attempt, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond} {
		got := backoffSleep(100*time.Millisecond, 400*time.Millisecond, attempt)
		assert.InDelta(t, float64(want), float64(got), float64(want)*0.2+1)
	}
}
