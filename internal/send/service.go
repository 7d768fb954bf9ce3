// Package send implements the transactional send path: recipient
// normalization, per-recipient idempotency, tracking injection, gateway
// dispatch and record persistence, with partial-failure aggregation.
package send

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crm-mailer/internal/account"
	"crm-mailer/internal/gateway"
	"crm-mailer/internal/message"
	"crm-mailer/internal/thread"
	"crm-mailer/internal/tracking"
)

// ErrNoRecipient rejects a send with no usable recipient before anything is
// queued or dispatched.
var ErrNoRecipient = errors.New("no valid recipient")

// Input is one logical send request. To and Cc may be comma or semicolon
// separated lists; they are normalized before fan-out.
type Input struct {
	To             string
	Cc             string
	Subject        string
	Body           string
	Attachments    []gateway.Attachment
	AccountID      string
	Purpose        account.Purpose
	IdempotencyKey string
	InReplyTo      string
	References     []string
}

// Dispatch describes one recipient that was handled successfully. Reused is
// true when an idempotency hit resolved to an existing record instead of a
// new transport call.
type Dispatch struct {
	Recipient  string
	MessageID  string
	TrackingID string
	Seq        int64
	Reused     bool
}

// RecipientFailure carries one recipient's error without aborting the rest.
type RecipientFailure struct {
	Recipient string
	Err       error
}

// Result aggregates per-recipient successes and failures; a multi-recipient
// call with one bad address still succeeds for the others.
type Result struct {
	Sent   []Dispatch
	Failed []RecipientFailure
}

// AttachmentSource supplies generated attachments (the company logo) merged
// with caller attachments on every transactional send. Implemented by the
// template-renderer collaborator.
type AttachmentSource interface {
	Attachments() []gateway.Attachment
}

type accountResolver interface {
	Resolve(accountID string, purpose account.Purpose) (account.Account, error)
}

type recordRepository interface {
	Insert(ctx context.Context, rec message.Record) error
	FindByIdempotencyKey(ctx context.Context, key message.IdempotencyKey) (message.Record, error)
}

// Service is the transactional send path.
type Service struct {
	gateway   gateway.Gateway
	records   recordRepository
	seq       *message.SeqAllocator
	accounts  accountResolver
	codec     *tracking.Codec
	generated AttachmentSource
	sent      *prometheus.CounterVec
	clock     func() time.Time
	logger    *slog.Logger
}

func NewService(gw gateway.Gateway, records recordRepository, seq *message.SeqAllocator, accounts accountResolver, codec *tracking.Codec, generated AttachmentSource) *Service {
	return &Service{
		gateway:   gw,
		records:   records,
		seq:       seq,
		accounts:  accounts,
		codec:     codec,
		generated: generated,
		clock:     time.Now,
		logger:    slog.With("pipe", "send"),
	}
}

// WithMetrics counts per-recipient outcomes on the given vec, labelled by
// pipe and status.
func (s *Service) WithMetrics(sent *prometheus.CounterVec) *Service {
	s.sent = sent
	return s
}

func (s *Service) countOutcome(status string) {
	if s.sent != nil {
		s.sent.WithLabelValues("send", status).Inc()
	}
}

// Send fans the request out per normalized recipient. It is safe to call
// again with the same idempotency key: already-handled recipients resolve to
// their existing records without a second transport call.
func (s *Service) Send(ctx context.Context, in Input) (Result, error) {
	recipients := NormalizeRecipients(in.To)
	if len(recipients) == 0 {
		return Result{}, fmt.Errorf("%w in %q", ErrNoRecipient, in.To)
	}
	cc := NormalizeRecipients(in.Cc)

	purpose := in.Purpose
	if purpose == "" {
		purpose = account.PurposeDefault
	}
	acct, err := s.accounts.Resolve(in.AccountID, purpose)
	if err != nil {
		return Result{}, err
	}

	attachments := in.Attachments
	if s.generated != nil {
		attachments = append(s.generated.Attachments(), in.Attachments...)
	}

	var res Result
	for _, rcpt := range recipients {
		dispatch, err := s.sendOne(ctx, acct, in, rcpt, cc, attachments)
		if err != nil {
			s.logger.Error(fmt.Sprintf("failed to send to %v: %v", rcpt, err))
			s.countOutcome("failed")
			res.Failed = append(res.Failed, RecipientFailure{Recipient: rcpt, Err: err})
			continue
		}
		if dispatch.Reused {
			s.countOutcome("reused")
		} else {
			s.countOutcome("sent")
		}
		res.Sent = append(res.Sent, dispatch)
	}

	return res, nil
}

func (s *Service) sendOne(ctx context.Context, acct account.Account, in Input, rcpt string, cc []string, attachments []gateway.Attachment) (Dispatch, error) {
	if in.IdempotencyKey != "" {
		key := message.NewIdempotencyKey(in.IdempotencyKey, rcpt)
		existing, err := s.records.FindByIdempotencyKey(ctx, key)
		if err == nil {
			s.logger.Info(fmt.Sprintf("idempotency hit for %v, reusing record %v", rcpt, existing.Seq))
			return dispatchFromRecord(rcpt, existing, true), nil
		}
		if !errors.Is(err, message.ErrNotFound) {
			return Dispatch{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	trackingID := tracking.NewID()
	// Direct sends carry no campaign id in the beacon path.
	body := s.codec.InjectOpenBeacon(in.Body, "", trackingID)

	msg := gateway.Message{
		FromName:    acct.DisplayName,
		To:          []string{rcpt},
		Cc:          cc,
		Subject:     in.Subject,
		HTML:        body,
		Attachments: attachments,
		InReplyTo:   thread.Normalize(in.InReplyTo),
		References:  normalizeReferences(in.References),
	}

	messageID, err := s.gateway.Send(ctx, acct, msg)
	if err != nil {
		return Dispatch{}, gateway.Classify(err)
	}
	messageID = thread.Normalize(messageID)

	rec := message.Record{
		Seq:             s.seq.Next(),
		AccountID:       acct.ID,
		AccountEmail:    acct.Email,
		Folder:          message.FolderSent,
		MessageID:       messageID,
		InReplyTo:       msg.InReplyTo,
		References:      msg.References,
		ThreadID:        thread.Resolve(messageID, msg.InReplyTo, msg.References),
		ClientRequestID: in.IdempotencyKey,
		From:            acct.Email,
		FromName:        acct.DisplayName,
		To:              strings.ToLower(rcpt),
		Cc:              strings.Join(cc, ", "),
		Subject:         in.Subject,
		Body:            body,
		Timestamp:       s.clock(),
		IsRead:          true,
		TrackingID:      trackingID,
	}

	if err := s.insertWithSeqRetry(ctx, &rec); err != nil {
		if errors.Is(err, message.ErrDuplicateRequest) {
			// A concurrent call with the same key won the insert race;
			// its record is the one to reuse.
			existing, ferr := s.records.FindByIdempotencyKey(ctx, message.NewIdempotencyKey(in.IdempotencyKey, rcpt))
			if ferr == nil {
				return dispatchFromRecord(rcpt, existing, true), nil
			}
		}
		return Dispatch{}, fmt.Errorf("persist outbound record: %w", err)
	}

	return dispatchFromRecord(rcpt, rec, false), nil
}

// insertWithSeqRetry regenerates the sequence number once on a conflict and
// retries the insert exactly once before giving up.
func (s *Service) insertWithSeqRetry(ctx context.Context, rec *message.Record) error {
	err := s.records.Insert(ctx, *rec)
	if !errors.Is(err, message.ErrDuplicateSeq) {
		return err
	}

	rec.Seq = s.seq.Next()
	return s.records.Insert(ctx, *rec)
}

func dispatchFromRecord(rcpt string, rec message.Record, reused bool) Dispatch {
	return Dispatch{
		Recipient:  rcpt,
		MessageID:  rec.MessageID,
		TrackingID: rec.TrackingID,
		Seq:        rec.Seq,
		Reused:     reused,
	}
}

func normalizeReferences(refs []string) []string {
	var out []string
	for _, ref := range refs {
		if n := thread.Normalize(ref); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// NormalizeRecipients splits a comma or semicolon separated address list,
// trims entries and deduplicates case-insensitively, keeping the first
// spelling of each address.
func NormalizeRecipients(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	})

	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, field := range fields {
		addr := strings.TrimSpace(field)
		if addr == "" {
			continue
		}
		lower := strings.ToLower(addr)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, addr)
	}

	return out
}
