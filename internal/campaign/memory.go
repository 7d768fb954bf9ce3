package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository backs the memory storage driver and tests.
type MemoryRepository struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{campaigns: map[string]*Campaign{}}
}

func (r *MemoryRepository) Create(_ context.Context, c Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %q already exists", c.ID)
	}
	stored := c
	stored.Queue = append([]QueueItem(nil), c.Queue...)
	r.campaigns[c.ID] = &stored
	return nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrCampaignNotFound
	}
	out := *c
	out.Queue = append([]QueueItem(nil), c.Queue...)
	return out, nil
}

func (r *MemoryRepository) UpdateItem(_ context.Context, campaignID string, index int, item QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return ErrCampaignNotFound
	}
	if index < 0 || index >= len(c.Queue) {
		return fmt.Errorf("queue index %d out of range for campaign %q", index, campaignID)
	}
	c.Queue[index] = item
	return nil
}

func (r *MemoryRepository) IncrementCounters(_ context.Context, campaignID string, sent, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return ErrCampaignNotFound
	}
	c.SentCount += sent
	c.FailedCount += failed
	return nil
}

func (r *MemoryRepository) SetStatus(_ context.Context, campaignID string, status Status, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return ErrCampaignNotFound
	}
	c.Status = status
	c.CompletedAt = completedAt
	return nil
}
