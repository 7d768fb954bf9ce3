package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"crm-mailer/internal/gateway"
	"crm-mailer/internal/send"
)

var ErrEmptyRecipient = errors.New("outbox job needs at least one recipient")

// sendService is the slice of the send pipeline the outbox drains into.
type sendService interface {
	Send(ctx context.Context, in send.Input) (send.Result, error)
}

// Config tunes the retry policy of the drain loop.
type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	StuckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseDelay:    30 * time.Second,
		StuckTimeout: 5 * time.Minute,
	}
}

// Outbox accepts send requests immediately and delivers them in the
// background, retrying transient failures with a growing delay.
type Outbox struct {
	repo     Repository
	sender   sendService
	notifier Notifier
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger

	outcomes  *prometheus.CounterVec
	jobsGauge *prometheus.GaugeVec

	mu       sync.Mutex
	draining bool
}

func New(repo Repository, sender sendService, notifier Notifier, cfg Config, logger *slog.Logger) *Outbox {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, Notification) {})
	}
	return &Outbox{
		repo:     repo,
		sender:   sender,
		notifier: notifier,
		cfg:      cfg,
		clock:    time.Now,
		logger:   logger.With("pipe", "outbox"),
	}
}

// WithMetrics counts job outcomes on the counter vec (labelled pipe,
// status) and reports parked jobs per status on the gauge vec.
func (o *Outbox) WithMetrics(outcomes *prometheus.CounterVec, jobs *prometheus.GaugeVec) *Outbox {
	o.outcomes = outcomes
	o.jobsGauge = jobs
	return o
}

func (o *Outbox) countOutcome(status string) {
	if o.outcomes != nil {
		o.outcomes.WithLabelValues("outbox", status).Inc()
	}
}

func (o *Outbox) reportJobs(jobs []Job) {
	if o.jobsGauge == nil {
		return
	}
	counts := map[Status]int{StatusQueued: 0, StatusSending: 0}
	for _, job := range jobs {
		counts[job.Status]++
	}
	for status, n := range counts {
		o.jobsGauge.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Enqueue persists the job and kicks the drain loop. It returns as soon
// as the job is durable; delivery happens asynchronously.
func (o *Outbox) Enqueue(ctx context.Context, job Job) (Job, error) {
	if strings.TrimSpace(job.To) == "" {
		return Job{}, ErrEmptyRecipient
	}

	job.ID = uuid.NewString()
	job.Status = StatusQueued
	job.Attempts = 0
	job.NextRetryAt = 0
	job.CreatedAt = o.clock()

	if err := o.repo.Append(ctx, job); err != nil {
		return Job{}, fmt.Errorf("appending outbox job: %w", err)
	}

	o.notifier.Notify(ctx, Notification{JobID: job.ID, To: job.To, Status: string(StatusQueued)})
	o.logger.Info("job enqueued", "jobId", job.ID, "to", job.To)

	go o.Drain(context.WithoutCancel(ctx))

	return job, nil
}

// Drain processes eligible jobs until none remain. Only one drain loop
// runs at a time; concurrent calls return immediately.
func (o *Outbox) Drain(ctx context.Context) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	for ctx.Err() == nil {
		job, ok := o.nextEligible(ctx)
		if !ok {
			return
		}
		o.process(ctx, job)
	}
}

// nextEligible returns the oldest job whose retry window has opened.
func (o *Outbox) nextEligible(ctx context.Context) (Job, bool) {
	jobs, err := o.repo.List(ctx)
	if err != nil {
		o.logger.Error("listing outbox jobs", "error", err)
		return Job{}, false
	}
	o.reportJobs(jobs)

	var (
		best  Job
		found bool
	)
	for _, job := range jobs {
		if !o.eligible(job) {
			continue
		}
		if !found || job.CreatedAt.Before(best.CreatedAt) {
			best = job
			found = true
		}
	}
	return best, found
}

func (o *Outbox) eligible(job Job) bool {
	now := o.clock()
	switch job.Status {
	case StatusQueued:
		return job.NextRetryAt == 0 || now.UnixMilli() >= job.NextRetryAt
	case StatusSending:
		// A job stuck in sending state belongs to a crashed worker
		// and can be picked up again after the stuck timeout.
		return !job.LastAttemptAt.IsZero() && now.Sub(job.LastAttemptAt) > o.cfg.StuckTimeout
	default:
		return false
	}
}

func (o *Outbox) process(ctx context.Context, job Job) {
	job.Status = StatusSending
	job.Attempts++
	job.LastAttemptAt = o.clock()
	if err := o.repo.Update(ctx, job); err != nil {
		o.logger.Error("marking job as sending", "jobId", job.ID, "error", err)
		return
	}

	err := o.attempt(ctx, job)
	if err == nil {
		o.remove(ctx, job.ID)
		o.countOutcome("sent")
		o.notifier.Notify(ctx, Notification{JobID: job.ID, To: job.To, Status: "sent"})
		o.logger.Info("job delivered", "jobId", job.ID, "attempts", job.Attempts)
		return
	}

	exhausted := job.Attempts >= o.cfg.MaxAttempts || errors.Is(err, gateway.ErrReputation)
	if exhausted {
		o.remove(ctx, job.ID)
		o.countOutcome("failed")
		o.notifier.Notify(ctx, Notification{JobID: job.ID, To: job.To, Status: "failed", Reason: err.Error()})
		o.logger.Error("job dropped", "jobId", job.ID, "attempts", job.Attempts, "error", err)
		return
	}

	job.Status = StatusQueued
	job.NextRetryAt = o.clock().Add(o.cfg.BaseDelay * time.Duration(job.Attempts)).UnixMilli()
	if uerr := o.repo.Update(ctx, job); uerr != nil {
		o.logger.Error("rescheduling job", "jobId", job.ID, "error", uerr)
		return
	}
	o.countOutcome("requeued")
	o.logger.Warn("job attempt failed", "jobId", job.ID, "attempts", job.Attempts, "error", err)
}

func (o *Outbox) attempt(ctx context.Context, job Job) error {
	res, err := o.sender.Send(ctx, send.Input{
		AccountID:      job.AccountID,
		To:             job.To,
		Cc:             job.Cc,
		Subject:        job.Subject,
		Body:           job.Body,
		InReplyTo:      job.InReplyTo,
		References:     job.References,
		IdempotencyKey: job.ID,
	})
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return res.Failed[0].Err
	}
	return nil
}

func (o *Outbox) remove(ctx context.Context, jobID string) {
	if err := o.repo.Remove(ctx, jobID); err != nil {
		o.logger.Error("removing outbox job", "jobId", jobID, "error", err)
	}
}
