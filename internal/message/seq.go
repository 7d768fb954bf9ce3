package message

import (
	"sync/atomic"
	"time"
)

// SeqAllocator hands out synthetic sequence numbers for locally written SENT
// records. Numbers are negative and seeded from the process start time, so
// they are disjoint by sign from the positive UIDs the IMAP sync assigns and
// practically disjoint between process restarts. Collisions left over from
// concurrent processes surface as ErrDuplicateSeq and are retried once by
// the caller with a fresh number.
type SeqAllocator struct {
	next atomic.Int64
}

func NewSeqAllocator(now time.Time) *SeqAllocator {
	a := &SeqAllocator{}
	a.next.Store(-now.UnixMilli())
	return a
}

func (a *SeqAllocator) Next() int64 {
	return a.next.Add(-1)
}
