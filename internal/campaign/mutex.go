package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

var ErrBatchInProgress = errors.New("another batch is processing this campaign")

// RedisBatchMutex serializes ProcessBatch calls per campaign across
// processes. A single try keeps a busy campaign from queueing callers;
// the caller is expected to come back on its next poll.
type RedisBatchMutex struct {
	rs *redsync.Redsync
}

func NewRedisBatchMutex(client *redis.Client) *RedisBatchMutex {
	return &RedisBatchMutex{rs: redsync.New(goredis.NewPool(client))}
}

func (m *RedisBatchMutex) Lock(ctx context.Context, campaignID string) (func(), error) {
	mutex := m.rs.NewMutex("campaign-batch:"+campaignID, redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBatchInProgress, err)
	}
	return func() {
		// The lock expires on its own; a failed unlock just delays the
		// next batch.
		_, _ = mutex.UnlockContext(ctx)
	}, nil
}
