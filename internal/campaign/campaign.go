package campaign

import (
	"context"
	"errors"
	"time"
)

// Status of a campaign as a whole.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
)

// ItemStatus of a single queue item. Once an item leaves Pending the
// state is terminal; a failed recipient needs an explicit operator resend.
type ItemStatus string

const (
	ItemPending ItemStatus = "Pending"
	ItemSent    ItemStatus = "Sent"
	ItemFailed  ItemStatus = "Failed"
)

var ErrCampaignNotFound = errors.New("campaign not found")

// Lead is a campaign target as resolved at creation time.
type Lead struct {
	ID    string
	Name  string
	Email string
}

// QueueItem tracks delivery to one recipient. TrackingID is assigned
// lazily on the first processing attempt.
type QueueItem struct {
	LeadID     string
	LeadName   string
	LeadEmail  string
	Status     ItemStatus
	TrackingID string
	SentAt     *time.Time
	Error      string
}

// Campaign owns a frozen per-recipient queue plus aggregate counters.
type Campaign struct {
	ID          string
	Subject     string
	Body        string
	Status      Status
	AccountID   string
	Queue       []QueueItem
	SentCount   int
	FailedCount int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// New freezes the recipient list into a queue of pending items.
func New(id, subject, body, accountID string, leads []Lead, now time.Time) Campaign {
	queue := make([]QueueItem, 0, len(leads))
	for _, lead := range leads {
		queue = append(queue, QueueItem{
			LeadID:    lead.ID,
			LeadName:  lead.Name,
			LeadEmail: lead.Email,
			Status:    ItemPending,
		})
	}
	return Campaign{
		ID:        id,
		Subject:   subject,
		Body:      body,
		Status:    StatusDraft,
		AccountID: accountID,
		Queue:     queue,
		CreatedAt: now,
	}
}

// PendingCount reports how many recipients are still waiting.
func (c Campaign) PendingCount() int {
	n := 0
	for _, item := range c.Queue {
		if item.Status == ItemPending {
			n++
		}
	}
	return n
}

// Repository persists campaigns. Counter updates are expressed as
// increments so overlapping batch invocations cannot double-count.
type Repository interface {
	Create(ctx context.Context, c Campaign) error
	FindByID(ctx context.Context, id string) (Campaign, error)
	UpdateItem(ctx context.Context, campaignID string, index int, item QueueItem) error
	IncrementCounters(ctx context.Context, campaignID string, sent, failed int) error
	SetStatus(ctx context.Context, campaignID string, status Status, completedAt *time.Time) error
}
