package outbox

import (
	"context"
	"sync"
)

// MemoryRepository is the in-process job store used by the memory storage
// driver and by tests.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs []Job
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Append(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.jobs {
		if r.jobs[i].ID == job.ID {
			r.jobs[i] = job
			return nil
		}
	}
	return ErrJobNotFound
}

func (r *MemoryRepository) Remove(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.jobs {
		if r.jobs[i].ID == jobID {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			return nil
		}
	}
	return ErrJobNotFound
}

func (r *MemoryRepository) List(_ context.Context) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	return out, nil
}
