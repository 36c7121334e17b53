package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage/memory"
	"github.com/cuongbtq/leadflow/shared/rabbitmq"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakePass reports work for the first `work` runs
type fakePass struct {
	name string
	work int
	err  error

	mu    sync.Mutex
	calls int
	ran   chan struct{}
}

func newFakePass(name string, work int) *fakePass {
	return &fakePass{name: name, work: work, ran: make(chan struct{}, 100)}
}

func (p *fakePass) Name() string { return p.name }

func (p *fakePass) RunOnce(ctx context.Context) (bool, error) {
	p.mu.Lock()
	p.calls++
	more := p.calls <= p.work
	p.mu.Unlock()

	p.ran <- struct{}{}
	if p.err != nil {
		return false, p.err
	}
	return more, nil
}

func (p *fakePass) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type panicPass struct{}

func (panicPass) Name() string                          { return "panics" }
func (panicPass) RunOnce(context.Context) (bool, error) { panic("boom") }

type fakeAck struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue []bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeSubscriber struct {
	deliveries chan amqp.Delivery
}

func (s *fakeSubscriber) Consume(string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

func delivery(t *testing.T, ack amqp.Acknowledger, event any) amqp.Delivery {
	t.Helper()
	body, ok := event.([]byte)
	if !ok {
		var err error
		body, err = json.Marshal(event)
		require.NoError(t, err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

func waitRun(t *testing.T, p *fakePass) {
	t.Helper()
	select {
	case <-p.ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("pass %s did not run", p.name)
	}
}

func TestRunOnce_DrainsEveryPass(t *testing.T) {
	search := newFakePass("search", 3)
	outreach := newFakePass("outreach", 0)
	w := NewWorker(&Config{Logger: testLogger, WorkerID: "w-1"}, search, outreach)

	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, 4, search.Calls())
	assert.Equal(t, 1, outreach.Calls())
}

func TestRunOnce_ErrorDoesNotSkipOtherPasses(t *testing.T) {
	failing := newFakePass("search", 5)
	failing.err = errors.New("store down")
	healthy := newFakePass("outreach", 0)
	w := NewWorker(&Config{Logger: testLogger}, failing, healthy)

	err := w.RunOnce(context.Background())
	assert.ErrorContains(t, err, "store down")
	assert.Equal(t, 1, failing.Calls())
	assert.Equal(t, 1, healthy.Calls())
}

func TestRunPass_RecoversPanic(t *testing.T) {
	w := NewWorker(&Config{Logger: testLogger}, panicPass{})

	more, err := w.runPass(context.Background(), panicPass{})
	assert.False(t, more)
	assert.ErrorContains(t, err, "pass panics panicked: boom")
}

func TestRunPass_AppliesTimeout(t *testing.T) {
	w := NewWorker(&Config{Logger: testLogger, PassTimeout: 50 * time.Millisecond})
	pass := passFunc(func(ctx context.Context) (bool, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		<-ctx.Done()
		return false, ctx.Err()
	})

	_, err := w.runPass(context.Background(), pass)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type passFunc func(ctx context.Context) (bool, error)

func (f passFunc) Name() string                              { return "func" }
func (f passFunc) RunOnce(ctx context.Context) (bool, error) { return f(ctx) }

func TestWake(t *testing.T) {
	w := NewWorker(&Config{Logger: testLogger}, newFakePass("search", 0))

	assert.True(t, w.Wake("search"))
	assert.True(t, w.Wake("search"))
	assert.Len(t, w.wake["search"], 1)
	assert.False(t, w.Wake("unknown"))
}

func TestStart_EventWakesPass(t *testing.T) {
	search := newFakePass("search", 0)
	sub := &fakeSubscriber{deliveries: make(chan amqp.Delivery, 1)}
	w := NewWorker(&Config{
		Logger:     testLogger,
		WorkerID:   "w-1",
		Interval:   time.Hour,
		Subscriber: sub,
	}, search)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// first drain on startup
	waitRun(t, search)

	ack := &fakeAck{}
	sub.deliveries <- delivery(t, ack, rabbitmq.JobEvent{
		JobID:  "job-1",
		Kind:   domain.JobKindSearch,
		Reason: rabbitmq.ReasonEnqueued,
	})
	waitRun(t, search)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, 1, ack.acked)
}

func TestHandleDelivery(t *testing.T) {
	tests := []struct {
		name        string
		body        any
		canceledCtx bool
		wantAck     bool
		wantRequeue bool
		wantWake    bool
	}{
		{
			name:     "search enqueued",
			body:     rabbitmq.JobEvent{JobID: "j", Kind: domain.JobKindSearch, Reason: rabbitmq.ReasonEnqueued},
			wantAck:  true,
			wantWake: true,
		},
		{
			name:    "outreach enqueued wakes activation only",
			body:    rabbitmq.JobEvent{JobID: "j", Kind: domain.JobKindOutreach, Reason: rabbitmq.ReasonEnqueued},
			wantAck: true,
		},
		{
			name:    "canceled is acknowledged without wake",
			body:    rabbitmq.JobEvent{JobID: "j", Kind: domain.JobKindSearch, Reason: rabbitmq.ReasonCanceled},
			wantAck: true,
		},
		{
			name: "malformed body is dead-lettered",
			body: []byte("{not json"),
		},
		{
			name: "unknown kind is dead-lettered",
			body: rabbitmq.JobEvent{JobID: "j", Kind: "mystery", Reason: rabbitmq.ReasonEnqueued},
		},
		{
			name:        "shutdown requeues",
			body:        rabbitmq.JobEvent{JobID: "j", Kind: domain.JobKindSearch, Reason: rabbitmq.ReasonEnqueued},
			canceledCtx: true,
			wantRequeue: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorker(&Config{Logger: testLogger}, newFakePass("search", 0))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.canceledCtx {
				cancel()
			}

			ack := &fakeAck{}
			d := delivery(t, ack, tt.body)
			w.acknowledge(d, w.handleDelivery(ctx, d))

			if tt.wantAck {
				assert.Equal(t, 1, ack.acked)
				assert.Zero(t, ack.nacked)
			} else {
				assert.Zero(t, ack.acked)
				require.Len(t, ack.requeue, 1)
				assert.Equal(t, tt.wantRequeue, ack.requeue[0])
			}
			assert.Equal(t, tt.wantWake, len(w.wake["search"]) == 1)
		})
	}
}

func TestReaper(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	jobs := memory.NewJobStore(memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	job, err := jobs.Enqueue(ctx, domain.NewSearchJob("acct-1",
		[]domain.Target{{Service: "plumber", Location: "Austin"}}, 0, 0, 0))
	require.NoError(t, err)

	reaper := NewReaper(testLogger, jobs)
	assert.Equal(t, "reaper", reaper.Name())

	_, err = jobs.ClaimNext(ctx, domain.JobKindSearch, "w-1", time.Minute)
	require.NoError(t, err)

	// the first expiry leaves the job reclaimable
	now = now.Add(2 * time.Minute)
	more, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, more)

	_, err = jobs.ClaimNext(ctx, domain.JobKindSearch, "w-2", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = reaper.RunOnce(ctx)
	require.NoError(t, err)

	stored, err := jobs.Get(ctx, "acct-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}
