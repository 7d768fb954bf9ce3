package outbox

import (
	"context"
	"errors"
	"time"
)

// Status of a queued job.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
)

var ErrJobNotFound = errors.New("outbox job not found")

// Job is a deferred send request parked in the outbox until a delivery
// attempt succeeds or the retry policy exhausts.
type Job struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"accountId,omitempty"`
	To            string    `json:"to"`
	Cc            string    `json:"cc,omitempty"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body,omitempty"`
	InReplyTo     string    `json:"inReplyTo,omitempty"`
	References    []string  `json:"references,omitempty"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextRetryAt   int64     `json:"nextRetryAt,omitempty"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Repository persists outbox jobs between process restarts.
type Repository interface {
	Append(ctx context.Context, job Job) error
	Update(ctx context.Context, job Job) error
	Remove(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]Job, error)
}

// Notification reports a job state transition to interested parties.
type Notification struct {
	JobID  string
	To     string
	Status string
	Reason string
}

// Notifier receives job lifecycle notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }
