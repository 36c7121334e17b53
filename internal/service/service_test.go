package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/export"
	"github.com/cuongbtq/leadflow/internal/integration/settings"
	"github.com/cuongbtq/leadflow/internal/integration/templates"
	"github.com/cuongbtq/leadflow/internal/outreach"
	"github.com/cuongbtq/leadflow/internal/storage"
	"github.com/cuongbtq/leadflow/internal/storage/memory"
	"github.com/cuongbtq/leadflow/shared/rabbitmq"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishJobEvent(ctx context.Context, event rabbitmq.JobEvent) error {
	return m.Called(ctx, event).Error(0)
}

type stubTransport struct{}

func (stubTransport) Send(ctx context.Context, msg domain.Message) (string, error) {
	return "<stub@example.com>", nil
}

type fixture struct {
	now       time.Time
	jobs      *memory.JobStore
	leads     *memory.LeadStore
	publisher *mockPublisher
	scheduler *outreach.Scheduler
	svc       *Service
}

// failingStages fails the first n stage mirror writes
type failingStages struct {
	storage.JobStore
	n int
}

func (s *failingStages) MarkStage(ctx context.Context, jobID string, upd domain.StageUpdate) error {
	if upd.Status == domain.StageStatusSent && s.n > 0 {
		s.n--
		return errors.New("connection reset")
	}
	return s.JobStore.MarkStage(ctx, jobID, upd)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSchedulerJobs(t, nil)
}

// newFixtureWithSchedulerJobs lets a test wrap the job store seen by the scheduler
func newFixtureWithSchedulerJobs(t *testing.T, wrap func(storage.JobStore) storage.JobStore) *fixture {
	t.Helper()
	f := &fixture{
		now:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		publisher: &mockPublisher{},
	}
	clock := func() time.Time { return f.now }
	f.jobs = memory.NewJobStore(memory.WithClock(clock))
	f.leads = memory.NewLeadStore(memory.WithClock(clock))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	accounts := map[string]config.AccountConfig{
		"acct-1": {
			SenderEmail: "dana@example.com",
			Timing: []domain.StageDelay{
				{Stage: "follow_up", Delay: 2, Unit: domain.UnitDays},
				{Stage: "value_proposition", Delay: 6, Unit: domain.UnitHours},
			},
		},
	}
	defaults := make(map[string]config.TemplateConfig)
	for _, stage := range domain.Stages {
		defaults[stage] = config.TemplateConfig{Subject: stage, Body: "Hello {{.lead_name}}"}
	}
	registry, err := templates.NewRegistry(defaults, accounts)
	require.NoError(t, err)
	accountSettings, err := settings.NewStatic(accounts, config.MailConfig{FromAddress: "outreach@example.com"}, 72*time.Hour)
	require.NoError(t, err)

	var schedulerJobs storage.JobStore = f.jobs
	if wrap != nil {
		schedulerJobs = wrap(f.jobs)
	}
	f.scheduler = outreach.NewScheduler(logger, outreach.Options{WorkerID: "worker-1"},
		schedulerJobs, f.leads, registry, stubTransport{}, accountSettings, outreach.WithClock(clock))

	f.svc = New(&Config{
		Logger:          logger,
		EstimatePerPair: 30 * time.Second,
		MaxRetries:      3,
		Now:             clock,
	}, f.jobs, f.leads, f.scheduler, accountSettings, export.NewExporter(f.leads, logger), f.publisher)
	return f
}

func (f *fixture) expectPublish(reason string) {
	f.publisher.On("PublishJobEvent", mock.Anything, mock.MatchedBy(func(e rabbitmq.JobEvent) bool {
		return e.Reason == reason
	})).Return(nil)
}

func (f *fixture) createLead(t *testing.T) *domain.Lead {
	t.Helper()
	lead, err := f.svc.CreateLead(context.Background(), "acct-1", CreateLeadRequest{
		Name:      "Acme Plumbing",
		OwnerName: "Jo Owner",
		Email:     "jo@acme.test",
	})
	require.NoError(t, err)
	return lead
}

func TestDecodeSearchRequest(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "valid", body: `{"targets":[{"service":"plumber","location":"Austin"}],"quantity":25,"priority":5}`},
		{name: "no targets", body: `{"targets":[]}`, wantField: "targets"},
		{name: "missing location", body: `{"targets":[{"service":"plumber"}]}`, wantField: "targets[0]"},
		{name: "empty service", body: `{"targets":[{"service":"","location":"Austin"}]}`, wantField: "targets[0].service"},
		{name: "negative quantity", body: `{"targets":[{"service":"a","location":"b"}],"quantity":-1}`, wantField: "quantity"},
		{name: "fractional priority", body: `{"targets":[{"service":"a","location":"b"}],"priority":1.5}`, wantField: "priority"},
		{name: "unknown field", body: `{"targets":[{"service":"a","location":"b"}],"user_id":"x"}`, wantField: "body"},
		{name: "not json", body: `{"targets":`, wantField: "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeSearchRequest([]byte(tt.body))
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, []domain.Target{{Service: "plumber", Location: "Austin"}}, req.Targets)
				assert.Equal(t, 25, req.Quantity)
				assert.Equal(t, 5, req.Priority)
				return
			}

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Fields))
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestDecodeOutreachRequest(t *testing.T) {
	req, err := DecodeOutreachRequest([]byte(`{"lead_id":"6f1c7d2e-3b7a-4e55-9a43-0b9f1f3f2a10","start_step":3,"start_at":"2026-03-05T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, req.StartStep)
	require.NotNil(t, req.StartAt)
	assert.Equal(t, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), req.StartAt.UTC())

	_, err = DecodeOutreachRequest([]byte(`{"lead_id":"6f1c7d2e-3b7a-4e55-9a43-0b9f1f3f2a10","start_step":8}`))
	assert.ErrorContains(t, err, "start_step")

	_, err = DecodeOutreachRequest([]byte(`{"lead_id":"not-a-uuid"}`))
	assert.ErrorContains(t, err, "lead_id")
}

func TestDecodeCreateLeadRequest(t *testing.T) {
	_, err := DecodeCreateLeadRequest([]byte(`{"name":"Acme","email":"jo@acme.test"}`))
	require.NoError(t, err)

	_, err = DecodeCreateLeadRequest([]byte(`{"name":"Acme","email":"not an email"}`))
	assert.ErrorContains(t, err, "email")

	_, err = DecodeCreateLeadRequest([]byte(`{"email":"jo@acme.test"}`))
	assert.ErrorContains(t, err, "name")
}

func TestFieldName(t *testing.T) {
	assert.Equal(t, "body", fieldName(""))
	assert.Equal(t, "quantity", fieldName("/quantity"))
	assert.Equal(t, "targets[2].location", fieldName("/targets/2/location"))
}

func TestEnqueueSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)

	targets := []domain.Target{{Service: " plumber ", Location: "Austin"}, {Service: "plumber", Location: "Dallas"}}
	first, err := f.svc.EnqueueSearch(ctx, "acct-1", SearchRequest{Targets: targets, Quantity: 10})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 1, first.QueuePosition)
	assert.Equal(t, time.Minute, first.EstimatedDuration)
	assert.Equal(t, 3, first.Job.MaxRetries)
	assert.Equal(t, "plumber", first.Job.Search.Targets[0].Service)

	zero := 0
	f.now = f.now.Add(time.Second)
	second, err := f.svc.EnqueueSearch(ctx, "acct-1", SearchRequest{Targets: targets[:1], Priority: 10, MaxRetries: &zero})
	require.NoError(t, err)
	assert.Equal(t, 1, second.QueuePosition, "higher priority goes first")
	assert.Equal(t, 0, second.Job.MaxRetries)

	status, err := f.svc.GetJob(ctx, "acct-1", first.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.QueuePosition)
	assert.Nil(t, status.TimeRemaining)
	assert.Equal(t, 1, status.CurrentStep)

	f.publisher.AssertNumberOfCalls(t, "PublishJobEvent", 2)
}

func TestEnqueueSearch_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)

	req := SearchRequest{Targets: []domain.Target{{Service: "a", Location: "b"}}, IdempotencyKey: "req-1"}
	first, err := f.svc.EnqueueSearch(ctx, "acct-1", req)
	require.NoError(t, err)

	again, err := f.svc.EnqueueSearch(ctx, "acct-1", req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Job.ID, again.Job.ID)
	f.publisher.AssertNumberOfCalls(t, "PublishJobEvent", 1)
}

func TestEnqueueSearch_PublishFailureDoesNotFailEnqueue(t *testing.T) {
	f := newFixture(t)
	f.publisher.On("PublishJobEvent", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	receipt, err := f.svc.EnqueueSearch(context.Background(), "acct-1", SearchRequest{
		Targets: []domain.Target{{Service: "a", Location: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, receipt.Job.Status)
}

func TestEnqueueSearch_RejectedJobIsNotStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.EnqueueSearch(ctx, "acct-1", SearchRequest{Targets: []domain.Target{{Service: " ", Location: "b"}}})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	jobs, _, err := f.svc.ListJobs(ctx, storage.JobFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	f.publisher.AssertNotCalled(t, "PublishJobEvent", mock.Anything, mock.Anything)
}

func TestGetJob_RunningSearchTimeRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)

	receipt, err := f.svc.EnqueueSearch(ctx, "acct-1", SearchRequest{Targets: []domain.Target{
		{Service: "a", Location: "1"}, {Service: "a", Location: "2"}, {Service: "a", Location: "3"},
	}})
	require.NoError(t, err)

	job, err := f.jobs.ClaimNext(ctx, domain.JobKindSearch, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.jobs.UpdateProgress(ctx, job.ID, "worker-1", storage.Progress{Percent: 33, Cursor: 1}))

	status, err := f.svc.GetJob(ctx, "acct-1", receipt.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, status.Job.Status)
	assert.Equal(t, 33, status.Job.ProgressPercent)
	assert.Equal(t, 2, status.CurrentStep)
	assert.Equal(t, 0, status.QueuePosition)
	require.NotNil(t, status.TimeRemaining)
	assert.Equal(t, time.Minute, *status.TimeRemaining)

	_, err = f.svc.GetJob(ctx, "acct-2", receipt.Job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestGetJob_OutreachStepFollowsLeadHistory(t *testing.T) {
	f := newFixtureWithSchedulerJobs(t, func(jobs storage.JobStore) storage.JobStore {
		return &failingStages{JobStore: jobs, n: 1}
	})
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)
	lead := f.createLead(t)

	receipt, err := f.svc.EnqueueOutreach(ctx, "acct-1", OutreachRequest{LeadID: lead.ID})
	require.NoError(t, err)
	_, err = f.scheduler.ActivatePending(ctx)
	require.NoError(t, err)

	sent, err := f.scheduler.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	stored, err := f.jobs.Get(ctx, "acct-1", receipt.Job.ID)
	require.NoError(t, err)
	require.NotEqual(t, domain.StageStatusSent, stored.Stages[0].Status, "stage mirror write failed")
	require.Equal(t, 1, stored.CurrentStep())

	status, err := f.svc.GetJob(ctx, "acct-1", receipt.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.CurrentStep)
	assert.Equal(t, domain.StageStatusSent, status.Job.Stages[0].Status)
	require.NotNil(t, status.Job.Stages[0].SentAt)
	assert.Equal(t, f.now, *status.Job.Stages[0].SentAt)
	assert.Equal(t, "<stub@example.com>", status.Job.Stages[0].MessageID)
}

func TestEnqueueOutreach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)
	lead := f.createLead(t)

	receipt, err := f.svc.EnqueueOutreach(ctx, "acct-1", OutreachRequest{LeadID: lead.ID, StartStep: 2})
	require.NoError(t, err)

	job := receipt.Job
	assert.Equal(t, domain.JobKindOutreach, job.Kind)
	assert.Equal(t, 0, job.MaxRetries)
	require.Len(t, job.Stages, domain.StageCount)
	assert.Equal(t, f.now, job.Stages[1].ScheduledAt)
	assert.Equal(t, f.now.Add(6*time.Hour), job.Stages[2].ScheduledAt)
	assert.Equal(t, f.now.Add(6*time.Hour+72*time.Hour), job.Stages[3].ScheduledAt)
	for i, stage := range job.Stages {
		assert.Equal(t, i+1, stage.Step)
		assert.Equal(t, domain.StageName(i+1), stage.Stage)
	}
	assert.Equal(t, job.Stages[6].ScheduledAt.Sub(f.now), receipt.EstimatedDuration)

	// once activated, the lead rejects a second sequence
	_, err = f.scheduler.ActivatePending(ctx)
	require.NoError(t, err)
	_, err = f.svc.EnqueueOutreach(ctx, "acct-1", OutreachRequest{LeadID: lead.ID})
	assert.ErrorIs(t, err, domain.ErrOutreachActive)
}

func TestEnqueueOutreach_ReplayAfterActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)
	lead := f.createLead(t)

	req := OutreachRequest{LeadID: lead.ID, IdempotencyKey: "seq-1"}
	first, err := f.svc.EnqueueOutreach(ctx, "acct-1", req)
	require.NoError(t, err)
	_, err = f.scheduler.ActivatePending(ctx)
	require.NoError(t, err)

	again, err := f.svc.EnqueueOutreach(ctx, "acct-1", req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Job.ID, again.Job.ID)
}

func TestEnqueueOutreach_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead := f.createLead(t)

	_, err := f.svc.EnqueueOutreach(ctx, "acct-2", OutreachRequest{LeadID: lead.ID})
	assert.ErrorIs(t, err, domain.ErrLeadNotFound)

	_, err = f.svc.EnqueueOutreach(ctx, "acct-1", OutreachRequest{LeadID: lead.ID, StartStep: 9})
	assert.ErrorContains(t, err, "start_step")

	_, err = f.leads.MarkReplied(ctx, "acct-1", lead.ID, f.now)
	require.NoError(t, err)
	_, err = f.svc.EnqueueOutreach(ctx, "acct-1", OutreachRequest{LeadID: lead.ID})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), domain.StopReasonReplied)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)
	f.expectPublish(rabbitmq.ReasonCanceled)

	receipt, err := f.svc.EnqueueSearch(ctx, "acct-1", SearchRequest{Targets: []domain.Target{{Service: "a", Location: "b"}}})
	require.NoError(t, err)

	job, err := f.svc.CancelJob(ctx, "acct-1", receipt.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, job.Status)

	// idempotent on terminal jobs
	job, err = f.svc.CancelJob(ctx, "acct-1", receipt.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, job.Status)
	f.publisher.AssertNumberOfCalls(t, "PublishJobEvent", 2)

	_, err = f.svc.CancelJob(ctx, "acct-2", receipt.Job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCancelJob_StopsRunningSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)
	f.expectPublish(rabbitmq.ReasonCanceled)
	lead := f.createLead(t)

	receipt, err := f.svc.EnqueueOutreach(ctx, "acct-1", OutreachRequest{LeadID: lead.ID})
	require.NoError(t, err)
	_, err = f.scheduler.ActivatePending(ctx)
	require.NoError(t, err)

	_, err = f.svc.CancelJob(ctx, "acct-1", receipt.Job.ID)
	require.NoError(t, err)

	summary, err := f.svc.LeadOutreach(ctx, "acct-1", lead.ID)
	require.NoError(t, err)
	assert.False(t, summary.Active)
	assert.Nil(t, summary.NextFireAt)
	assert.Equal(t, domain.StopReasonManual, summary.StopReason)

	n, err := f.scheduler.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListJobs_Pagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)

	for i := 0; i < 5; i++ {
		f.now = f.now.Add(time.Second)
		_, err := f.svc.EnqueueSearch(ctx, "acct-1", SearchRequest{Targets: []domain.Target{{Service: "a", Location: "b"}}})
		require.NoError(t, err)
	}

	page, next, err := f.svc.ListJobs(ctx, storage.JobFilter{AccountID: "acct-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	seen := map[string]bool{page[0].ID: true, page[1].ID: true}
	for next != nil {
		page, next, err = f.svc.ListJobs(ctx, storage.JobFilter{AccountID: "acct-1", PageSize: 2, Cursor: next})
		require.NoError(t, err)
		for _, j := range page {
			assert.False(t, seen[j.ID])
			seen[j.ID] = true
		}
	}
	assert.Len(t, seen, 5)

	_, _, err = f.svc.ListJobs(ctx, storage.JobFilter{AccountID: "acct-1", Status: "DONE"})
	assert.ErrorContains(t, err, "status")
}

func TestLeadOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.expectPublish(rabbitmq.ReasonEnqueued)
	lead := f.createLead(t)

	_, err := f.svc.EnqueueOutreach(ctx, "acct-1", OutreachRequest{LeadID: lead.ID})
	require.NoError(t, err)
	_, err = f.scheduler.ActivatePending(ctx)
	require.NoError(t, err)
	_, err = f.scheduler.RunPass(ctx)
	require.NoError(t, err)

	summary, err := f.svc.LeadOutreach(ctx, "acct-1", lead.ID)
	require.NoError(t, err)
	assert.True(t, summary.Active)
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, 2, summary.CurrentStep)
	assert.Equal(t, "follow_up", summary.CurrentStage)
	assert.Equal(t, f.now.Add(48*time.Hour), *summary.NextFireAt)

	summary, entry, err := f.svc.ResendStage(ctx, "acct-1", lead.ID)
	require.NoError(t, err)
	assert.True(t, entry.Manual)
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, 1, summary.ManualCount)
	assert.Equal(t, 2, summary.CurrentStep)

	at := f.now.Add(time.Hour)
	summary, err = f.svc.RescheduleLead(ctx, "acct-1", lead.ID, at)
	require.NoError(t, err)
	assert.Equal(t, at, *summary.NextFireAt)

	_, err = f.svc.SetLeadStatus(ctx, "acct-1", lead.ID, "pending-ish")
	assert.ErrorContains(t, err, "unknown lead status")

	summary, err = f.svc.SetLeadStatus(ctx, "acct-1", lead.ID, "Meeting")
	require.NoError(t, err)
	assert.False(t, summary.Active)
	assert.Equal(t, domain.StopReasonStatus, summary.StopReason)

	_, err = f.svc.StopOutreach(ctx, "acct-1", lead.ID)
	assert.ErrorIs(t, err, domain.ErrOutreachInactive)
}

func TestMarkReplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead := f.createLead(t)

	summary, err := f.svc.MarkReplied(ctx, "acct-1", lead.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusReplied, summary.Lead.Status)
	require.NotNil(t, summary.Lead.RepliedAt)
	assert.Equal(t, f.now, *summary.Lead.RepliedAt)
}

func TestExportLeads(t *testing.T) {
	f := newFixture(t)
	f.createLead(t)

	data, err := f.svc.ExportLeads(context.Background(), "acct-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	_, err = f.svc.ExportLeads(context.Background(), "acct-1", "nope")
	assert.ErrorContains(t, err, "status")
}
