package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crm-mailer/internal/account"
	"crm-mailer/internal/gateway"
	"crm-mailer/internal/template"
	"crm-mailer/internal/tracking"
)

// TokenSource resolves the linked-record context of a lead (client,
// invoice, meeting fields) into template tokens. The CRM's record stores
// implement this; tests stub it.
type TokenSource interface {
	Tokens(ctx context.Context, leadID string) (template.Tokens, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context, leadID string) (template.Tokens, error)

func (f TokenSourceFunc) Tokens(ctx context.Context, leadID string) (template.Tokens, error) {
	return f(ctx, leadID)
}

// BatchMutex serializes batch invocations for one campaign.
type BatchMutex interface {
	Lock(ctx context.Context, campaignID string) (func(), error)
}

// Sender walks a campaign's recipient queue one bounded batch at a time.
type Sender struct {
	repo     Repository
	gateway  gateway.Gateway
	accounts account.Resolver
	codec    *tracking.Codec
	tokens   TokenSource
	company  template.Tokens
	mutex    BatchMutex
	clock    func() time.Time
	logger   *slog.Logger
}

func NewSender(
	repo Repository,
	gw gateway.Gateway,
	accounts account.Resolver,
	codec *tracking.Codec,
	tokens TokenSource,
	company template.Tokens,
	mutex BatchMutex,
	logger *slog.Logger,
) *Sender {
	if tokens == nil {
		tokens = TokenSourceFunc(func(context.Context, string) (template.Tokens, error) {
			return nil, nil
		})
	}
	return &Sender{
		repo:     repo,
		gateway:  gw,
		accounts: accounts,
		codec:    codec,
		tokens:   tokens,
		company:  company,
		mutex:    mutex,
		clock:    time.Now,
		logger:   logger.With("pipe", "campaign"),
	}
}

// ProcessBatch handles up to batchSize pending recipients of the campaign
// and returns the updated campaign. Items that fail stay failed; the
// campaign completes once no pending items remain.
func (s *Sender) ProcessBatch(ctx context.Context, campaignID string, batchSize int) (*Campaign, error) {
	if s.mutex != nil {
		unlock, err := s.mutex.Lock(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	c, err := s.repo.FindByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("loading campaign %q: %w", campaignID, err)
	}

	pending := pendingIndexes(c.Queue)
	if len(pending) == 0 {
		if c.Status != StatusCompleted {
			if err := s.complete(ctx, &c); err != nil {
				return nil, err
			}
		}
		return &c, nil
	}

	acct, err := s.accounts.Resolve(c.AccountID, account.PurposeCampaigns)
	if err != nil {
		return nil, fmt.Errorf("resolving campaign account: %w", err)
	}

	if c.Status != StatusSending {
		c.Status = StatusSending
		if err := s.repo.SetStatus(ctx, c.ID, StatusSending, nil); err != nil {
			return nil, fmt.Errorf("marking campaign as sending: %w", err)
		}
	}

	if batchSize > len(pending) {
		batchSize = len(pending)
	}

	var sent, failed int
	for _, i := range pending[:batchSize] {
		item := &c.Queue[i]
		s.processItem(ctx, &c, acct, item)

		// Counters move with each item, not once per batch: mail already
		// handed to the gateway must be counted even when a later item's
		// persistence fails mid-batch.
		deltaSent, deltaFailed := 0, 1
		if item.Status == ItemSent {
			deltaSent, deltaFailed = 1, 0
		}
		if err := s.repo.UpdateItem(ctx, c.ID, i, *item); err != nil {
			return nil, fmt.Errorf("persisting queue item %d: %w", i, err)
		}
		if err := s.repo.IncrementCounters(ctx, c.ID, deltaSent, deltaFailed); err != nil {
			return nil, fmt.Errorf("updating campaign counters: %w", err)
		}
		sent += deltaSent
		failed += deltaFailed
		c.SentCount += deltaSent
		c.FailedCount += deltaFailed
	}

	s.logger.Info("batch processed",
		"campaignId", c.ID, "sent", sent, "failed", failed, "pending", c.PendingCount())

	if c.PendingCount() == 0 {
		if err := s.complete(ctx, &c); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (s *Sender) processItem(ctx context.Context, c *Campaign, acct account.Account, item *QueueItem) {
	if item.TrackingID == "" {
		item.TrackingID = tracking.NewID()
	}

	tokens := s.itemTokens(ctx, item)
	subject := template.Replace(c.Subject, tokens)
	body := template.Replace(c.Body, tokens)
	body = s.codec.RewriteLinks(body, c.ID, item.TrackingID)
	body = s.codec.InjectOpenBeacon(body, c.ID, item.TrackingID)

	_, err := s.gateway.Send(ctx, acct, gateway.Message{
		FromName: acct.DisplayName,
		To:       []string{item.LeadEmail},
		Subject:  subject,
		HTML:     body,
	})
	if err != nil {
		err = gateway.Classify(err)
		item.Status = ItemFailed
		item.Error = err.Error()
		s.logger.Warn("recipient failed",
			"campaignId", c.ID, "leadId", item.LeadID, "error", err)
		return
	}

	now := s.clock()
	item.Status = ItemSent
	item.SentAt = &now
	item.Error = ""
}

// itemTokens layers company tokens, the lead's linked-record context and
// the lead's own fields; later layers win on key collision.
func (s *Sender) itemTokens(ctx context.Context, item *QueueItem) template.Tokens {
	tokens := template.Tokens{}
	tokens.Merge(s.company)

	linked, err := s.tokens.Tokens(ctx, item.LeadID)
	if err != nil {
		// A lead without resolvable context still gets its mail; the
		// placeholders for the missing records stay verbatim.
		s.logger.Warn("token resolution failed", "leadId", item.LeadID, "error", err)
	}
	tokens.Merge(linked)

	tokens.Set("lead.name", item.LeadName)
	tokens.Set("lead.firstName", firstName(item.LeadName))
	tokens.Set("lead.email", item.LeadEmail)
	return tokens
}

func (s *Sender) complete(ctx context.Context, c *Campaign) error {
	now := s.clock()
	if err := s.repo.SetStatus(ctx, c.ID, StatusCompleted, &now); err != nil {
		return fmt.Errorf("completing campaign: %w", err)
	}
	c.Status = StatusCompleted
	c.CompletedAt = &now
	s.logger.Info("campaign completed",
		"campaignId", c.ID, "sent", c.SentCount, "failed", c.FailedCount)
	return nil
}

func pendingIndexes(queue []QueueItem) []int {
	var out []int
	for i, item := range queue {
		if item.Status == ItemPending {
			out = append(out, i)
		}
	}
	return out
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
