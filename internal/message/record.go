// Package message persists one outbound record per successfully dispatched
// recipient, in the same folder space an independent IMAP sync process
// writes into.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
)

const FolderSent = "SENT"

var (
	ErrNotFound = errors.New("outbound message not found")

	// ErrDuplicateSeq reports a uniqueness conflict on the synthetic
	// sequence number. Callers regenerate the number once and retry.
	ErrDuplicateSeq = errors.New("duplicate sequence number")

	// ErrDuplicateRequest reports a uniqueness conflict on the idempotency
	// key. The record already exists; callers re-fetch and reuse it.
	ErrDuplicateRequest = errors.New("duplicate client request id")
)

// Record is one dispatched recipient. Seq is negative: the inbound sync
// process owns the positive sequence space, so the two writers can never
// collide. Records are immutable after creation except for OpenedAt, which
// the open-tracking endpoint sets once.
type Record struct {
	Seq             int64
	AccountID       string
	AccountEmail    string
	Folder          string
	MessageID       string
	InReplyTo       string
	References      []string
	ThreadID        string
	ClientRequestID string
	From            string
	FromName        string
	To              string
	Cc              string
	Subject         string
	Body            string
	Timestamp       time.Time
	IsRead          bool
	TrackingID      string
	OpenedAt        *time.Time
}

// IdempotencyKey scopes a caller-supplied request id to one normalized
// recipient. An explicit composite type instead of string concatenation, so
// a delimiter inside either component cannot collide two keys.
type IdempotencyKey struct {
	RequestID string
	Recipient string
}

func NewIdempotencyKey(requestID, recipient string) IdempotencyKey {
	return IdempotencyKey{
		RequestID: requestID,
		Recipient: strings.ToLower(strings.TrimSpace(recipient)),
	}
}

// Repository stores outbound message records. Insert returns
// ErrDuplicateSeq or ErrDuplicateRequest on the corresponding uniqueness
// conflicts; MarkOpened only sets the first open timestamp and is a no-op
// afterwards.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	FindByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Record, error)
	FindByTrackingID(ctx context.Context, trackingID string) (Record, error)
	MarkOpened(ctx context.Context, trackingID string, at time.Time) error
}
