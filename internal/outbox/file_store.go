package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// FileRepository keeps the job list in a single JSON file guarded by an
// advisory file lock, so a second process on the same host cannot corrupt it.
type FileRepository struct {
	path string
	lock *flock.Flock
}

func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating outbox directory: %w", err)
	}
	return &FileRepository{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (r *FileRepository) Append(ctx context.Context, job Job) error {
	return r.mutate(ctx, func(jobs []Job) ([]Job, error) {
		return append(jobs, job), nil
	})
}

func (r *FileRepository) Update(ctx context.Context, job Job) error {
	return r.mutate(ctx, func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == job.ID {
				jobs[i] = job
				return jobs, nil
			}
		}
		return nil, ErrJobNotFound
	})
}

func (r *FileRepository) Remove(ctx context.Context, jobID string) error {
	return r.mutate(ctx, func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == jobID {
				return append(jobs[:i], jobs[i+1:]...), nil
			}
		}
		return nil, ErrJobNotFound
	})
}

func (r *FileRepository) List(ctx context.Context) ([]Job, error) {
	locked, err := r.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("locking outbox file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("outbox file %q is locked by another process", r.path)
	}
	defer r.lock.Unlock()

	return r.load()
}

func (r *FileRepository) mutate(ctx context.Context, fn func([]Job) ([]Job, error)) error {
	locked, err := r.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("locking outbox file: %w", err)
	}
	if !locked {
		return fmt.Errorf("outbox file %q is locked by another process", r.path)
	}
	defer r.lock.Unlock()

	jobs, err := r.load()
	if err != nil {
		return err
	}
	jobs, err = fn(jobs)
	if err != nil {
		return err
	}
	return r.store(jobs)
}

func (r *FileRepository) load() ([]Job, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading outbox file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decoding outbox file: %w", err)
	}
	return jobs, nil
}

// store writes to a sibling temp file and renames it into place, so a
// crash mid-write never leaves a truncated job list behind.
func (r *FileRepository) store(jobs []Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding outbox file: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing outbox file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing outbox file: %w", err)
	}
	return nil
}
