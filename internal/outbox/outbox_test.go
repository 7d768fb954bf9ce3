//go:build unit

package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-mailer/internal/gateway"
	"crm-mailer/internal/send"
	"crm-mailer/internal/testutils/mocks"
)

type stubSender struct {
	mu    sync.Mutex
	calls []send.Input
	err   error
	block chan struct{}
}

func (s *stubSender) Send(_ context.Context, in send.Input) (send.Result, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, in)
	if s.err != nil {
		return send.Result{}, s.err
	}
	return send.Result{Sent: []send.Dispatch{{Recipient: in.To}}}, nil
}

func (s *stubSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notifications))
	for _, notification := range n.notifications {
		out = append(out, notification.Status)
	}
	return out
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

func newTestOutbox(t *testing.T, sender *stubSender, cfg Config) (*Outbox, *MemoryRepository, *recordingNotifier, *fakeClock) {
	t.Helper()
	repo := NewMemoryRepository()
	notifier := &recordingNotifier{}
	_, logger := mocks.NewLoggerMock()
	o := New(repo, sender, notifier, cfg, logger)
	clock := &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	o.clock = clock.Now
	return o, repo, notifier, clock
}

func TestEnqueueRejectsEmptyRecipient(t *testing.T) {
	o, repo, _, _ := newTestOutbox(t, &stubSender{}, DefaultConfig())

	_, err := o.Enqueue(context.Background(), Job{To: "   ", Subject: "hi"})

	assert.ErrorIs(t, err, ErrEmptyRecipient)
	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestEnqueueDeliversInBackground(t *testing.T) {
	sender := &stubSender{}
	o, repo, notifier, _ := newTestOutbox(t, sender, DefaultConfig())

	job, err := o.Enqueue(context.Background(), Job{To: "alice@example.test", Subject: "welcome", Body: "<p>hi</p>"})

	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		jobs, lerr := repo.List(context.Background())
		return lerr == nil && len(jobs) == 0
	}, 2*time.Second, 10*time.Millisecond, "job drained")

	require.Equal(t, 1, sender.sendCount())
	assert.Equal(t, job.ID, sender.calls[0].IdempotencyKey, "job id doubles as the idempotency key")
	assert.Eventually(t, func() bool {
		statuses := notifier.statuses()
		return len(statuses) == 2 && statuses[0] == "queued" && statuses[1] == "sent"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDrainReschedulesFailedJobWithGrowingDelay(t *testing.T) {
	sender := &stubSender{err: fmt.Errorf("smtp: connection refused")}
	cfg := Config{MaxAttempts: 5, BaseDelay: 30 * time.Second, StuckTimeout: 5 * time.Minute}
	o, repo, _, clock := newTestOutbox(t, sender, cfg)

	require.NoError(t, repo.Append(context.Background(), Job{
		ID: "job-1", To: "bob@example.test", Status: StatusQueued, CreatedAt: clock.Now(),
	}))

	o.Drain(context.Background())

	require.Equal(t, 1, sender.sendCount())
	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusQueued, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, clock.Now().Add(30*time.Second).UnixMilli(), jobs[0].NextRetryAt)

	// Not yet eligible: the retry window has not opened.
	o.Drain(context.Background())
	assert.Equal(t, 1, sender.sendCount())

	clock.Advance(31 * time.Second)
	o.Drain(context.Background())
	require.Equal(t, 2, sender.sendCount())

	jobs, err = repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, clock.Now().Add(60*time.Second).UnixMilli(), jobs[0].NextRetryAt, "delay grows with the attempt count")
}

func TestDrainDropsJobAfterMaxAttempts(t *testing.T) {
	sender := &stubSender{err: fmt.Errorf("smtp: connection refused")}
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Second, StuckTimeout: time.Minute}
	o, repo, notifier, clock := newTestOutbox(t, sender, cfg)

	require.NoError(t, repo.Append(context.Background(), Job{
		ID: "job-1", To: "bob@example.test", Status: StatusQueued, CreatedAt: clock.Now(),
	}))

	o.Drain(context.Background())
	clock.Advance(2 * time.Second)
	o.Drain(context.Background())

	assert.Equal(t, 2, sender.sendCount())
	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "exhausted job is removed, not retried forever")

	statuses := notifier.statuses()
	require.NotEmpty(t, statuses)
	last := notifier.notifications[len(notifier.notifications)-1]
	assert.Equal(t, "failed", last.Status)
	assert.Contains(t, last.Reason, "connection refused")

	// A dropped job never comes back.
	clock.Advance(time.Hour)
	o.Drain(context.Background())
	assert.Equal(t, 2, sender.sendCount())
}

func TestDrainDropsReputationFailureImmediately(t *testing.T) {
	sender := &stubSender{err: fmt.Errorf("550 5.7.1 rejected: %w", gateway.ErrReputation)}
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Second, StuckTimeout: time.Minute}
	o, repo, notifier, clock := newTestOutbox(t, sender, cfg)

	require.NoError(t, repo.Append(context.Background(), Job{
		ID: "job-1", To: "bob@example.test", Status: StatusQueued, CreatedAt: clock.Now(),
	}))

	o.Drain(context.Background())

	assert.Equal(t, 1, sender.sendCount(), "reputation problems are not retried")
	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, "failed", notifier.notifications[len(notifier.notifications)-1].Status)
}

func TestDrainPicksUpStuckSendingJob(t *testing.T) {
	sender := &stubSender{}
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Second, StuckTimeout: 5 * time.Minute}
	o, repo, _, clock := newTestOutbox(t, sender, cfg)

	require.NoError(t, repo.Append(context.Background(), Job{
		ID:            "job-1",
		To:            "bob@example.test",
		Status:        StatusSending,
		Attempts:      1,
		LastAttemptAt: clock.Now().Add(-10 * time.Minute),
		CreatedAt:     clock.Now().Add(-11 * time.Minute),
	}))

	o.Drain(context.Background())

	assert.Equal(t, 1, sender.sendCount())
	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDrainProcessesOldestEligibleFirst(t *testing.T) {
	sender := &stubSender{}
	o, repo, _, clock := newTestOutbox(t, sender, DefaultConfig())

	require.NoError(t, repo.Append(context.Background(), Job{
		ID: "newer", To: "b@example.test", Status: StatusQueued, CreatedAt: clock.Now(),
	}))
	require.NoError(t, repo.Append(context.Background(), Job{
		ID: "older", To: "a@example.test", Status: StatusQueued, CreatedAt: clock.Now().Add(-time.Minute),
	}))

	o.Drain(context.Background())

	require.Equal(t, 2, sender.sendCount())
	assert.Equal(t, "older", sender.calls[0].IdempotencyKey)
	assert.Equal(t, "newer", sender.calls[1].IdempotencyKey)
}

func TestDrainCountsJobOutcomes(t *testing.T) {
	sender := &stubSender{err: fmt.Errorf("smtp: connection refused")}
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Second, StuckTimeout: time.Minute}
	o, repo, _, clock := newTestOutbox(t, sender, cfg)

	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_outbox_sent_messages_total"}, []string{"pipe", "status"})
	jobsGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "test_outbox_jobs"}, []string{"status"})
	o = o.WithMetrics(outcomes, jobsGauge)

	require.NoError(t, repo.Append(context.Background(), Job{
		ID: "job-1", To: "bob@example.test", Status: StatusQueued, CreatedAt: clock.Now(),
	}))

	o.Drain(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(outcomes.WithLabelValues("outbox", "requeued")))

	clock.Advance(2 * time.Second)
	o.Drain(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(outcomes.WithLabelValues("outbox", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(jobsGauge.WithLabelValues("queued")), "queue drained")

	sender.err = nil
	require.NoError(t, repo.Append(context.Background(), Job{
		ID: "job-2", To: "eve@example.test", Status: StatusQueued, CreatedAt: clock.Now(),
	}))
	o.Drain(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(outcomes.WithLabelValues("outbox", "sent")))
}

func TestDrainRunsSingleFlight(t *testing.T) {
	sender := &stubSender{block: make(chan struct{})}
	o, repo, _, clock := newTestOutbox(t, sender, DefaultConfig())

	require.NoError(t, repo.Append(context.Background(), Job{
		ID: "job-1", To: "bob@example.test", Status: StatusQueued, CreatedAt: clock.Now(),
	}))

	done := make(chan struct{})
	go func() {
		o.Drain(context.Background())
		close(done)
	}()

	// Wait for the first drain to be inside the sender, then call again.
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.draining
	}, time.Second, 5*time.Millisecond)

	o.Drain(context.Background())

	close(sender.block)
	<-done

	assert.Equal(t, 1, sender.sendCount(), "second drain call returned without processing")
}
