package message

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is the in-memory Repository used by unit tests and the
// DEV environment. It enforces the same uniqueness rules as the MySQL
// implementation.
type MemoryRepository struct {
	mu      sync.Mutex
	bySeq   map[int64]int
	byKey   map[IdempotencyKey]int
	records []Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bySeq: map[int64]int{},
		byKey: map[IdempotencyKey]int{},
	}
}

func (r *MemoryRepository) Insert(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySeq[rec.Seq]; ok {
		return ErrDuplicateSeq
	}

	var key IdempotencyKey
	if rec.ClientRequestID != "" {
		key = NewIdempotencyKey(rec.ClientRequestID, rec.To)
		if _, ok := r.byKey[key]; ok {
			return ErrDuplicateRequest
		}
	}

	r.records = append(r.records, rec)
	r.bySeq[rec.Seq] = len(r.records) - 1
	if rec.ClientRequestID != "" {
		r.byKey[key] = len(r.records) - 1
	}
	return nil
}

func (r *MemoryRepository) FindByIdempotencyKey(_ context.Context, key IdempotencyKey) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byKey[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.records[idx], nil
}

func (r *MemoryRepository) FindByTrackingID(_ context.Context, trackingID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.TrackingID == trackingID {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (r *MemoryRepository) MarkOpened(_ context.Context, trackingID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.records {
		if r.records[i].TrackingID == trackingID && r.records[i].OpenedAt == nil {
			r.records[i].OpenedAt = &at
		}
	}
	return nil
}

// All returns a copy of every stored record, oldest first.
func (r *MemoryRepository) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record{}, r.records...)
}

// SeedSeqConflict marks a sequence number as taken without storing a
// record, simulating a concurrent writer in tests.
func (r *MemoryRepository) SeedSeqConflict(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySeq[seq] = -1
}
