package campaign

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	maxAttempts = 8
	baseDelay   = 30 * time.Millisecond
	maxDelay    = 1 * time.Second
)

// Schema documents the storage contract. Counters live on the campaign row
// and are only ever touched with relative updates.
const Schema = `
CREATE TABLE campaigns (
    id           VARCHAR(64)  NOT NULL,
    subject      TEXT         NOT NULL,
    body         MEDIUMTEXT   NOT NULL,
    status       VARCHAR(16)  NOT NULL DEFAULT 'draft',
    account_id   VARCHAR(64)  NOT NULL DEFAULT '',
    sent_count   INT          NOT NULL DEFAULT 0,
    failed_count INT          NOT NULL DEFAULT 0,
    created_at   DATETIME(3)  NOT NULL,
    completed_at DATETIME(3)  NULL,
    PRIMARY KEY (id)
);

CREATE TABLE campaign_queue_items (
    campaign_id VARCHAR(64)  NOT NULL,
    idx         INT          NOT NULL,
    lead_id     VARCHAR(64)  NOT NULL,
    lead_name   VARCHAR(255) NOT NULL DEFAULT '',
    lead_email  VARCHAR(255) NOT NULL,
    status      VARCHAR(16)  NOT NULL DEFAULT 'Pending',
    tracking_id VARCHAR(32)  NOT NULL DEFAULT '',
    sent_at     DATETIME(3)  NULL,
    error       TEXT         NULL,
    PRIMARY KEY (campaign_id, idx),
    KEY idx_status (campaign_id, status)
);
`

var retryableErrNos = map[uint16]bool{
	1205: true, // Lock wait timeout exceeded
	1213: true, // Deadlock found
	1040: true, // Too many connections
	1203: true, // Max user connections exceeded
}

type sqlDBInterface interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MySQLRepository stores campaigns and their queues in MySQL with the same
// transient-error retry policy as the message repository.
type MySQLRepository struct {
	db sqlDBInterface
}

func NewMySQLRepository(db *sql.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

func (r *MySQLRepository) Create(ctx context.Context, c Campaign) error {
	err := r.withRetry(ctx, func() error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO campaigns
				(id, subject, body, status, account_id, sent_count, failed_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Subject, c.Body, string(c.Status), c.AccountID,
			c.SentCount, c.FailedCount, c.CreatedAt,
		)
		return execErr
	})
	if err != nil {
		return err
	}

	for i, item := range c.Queue {
		if err := r.insertItem(ctx, c.ID, i, item); err != nil {
			return err
		}
	}
	return nil
}

func (r *MySQLRepository) insertItem(ctx context.Context, campaignID string, idx int, item QueueItem) error {
	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO campaign_queue_items
				(campaign_id, idx, lead_id, lead_name, lead_email, status, tracking_id, sent_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			campaignID, idx, item.LeadID, item.LeadName, item.LeadEmail,
			string(item.Status), item.TrackingID, item.SentAt, nullable(item.Error),
		)
		return err
	})
}

func (r *MySQLRepository) FindByID(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	var status string
	var completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, subject, body, status, account_id, sent_count, failed_count, created_at, completed_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Subject, &c.Body, &status, &c.AccountID,
		&c.SentCount, &c.FailedCount, &c.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrCampaignNotFound
	}
	if err != nil {
		return Campaign{}, err
	}

	c.Status = Status(status)
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}

	c.Queue, err = r.loadQueue(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (r *MySQLRepository) loadQueue(ctx context.Context, campaignID string) ([]QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT lead_id, lead_name, lead_email, status, tracking_id, sent_at, error
		FROM campaign_queue_items WHERE campaign_id = ? ORDER BY idx`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queue []QueueItem
	for rows.Next() {
		var item QueueItem
		var status string
		var sentAt sql.NullTime
		var itemErr sql.NullString

		if err := rows.Scan(&item.LeadID, &item.LeadName, &item.LeadEmail,
			&status, &item.TrackingID, &sentAt, &itemErr); err != nil {
			return nil, err
		}

		item.Status = ItemStatus(status)
		if sentAt.Valid {
			item.SentAt = &sentAt.Time
		}
		if itemErr.Valid {
			item.Error = itemErr.String
		}
		queue = append(queue, item)
	}
	return queue, rows.Err()
}

func (r *MySQLRepository) UpdateItem(ctx context.Context, campaignID string, index int, item QueueItem) error {
	return r.withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE campaign_queue_items
			SET status = ?, tracking_id = ?, sent_at = ?, error = ?
			WHERE campaign_id = ? AND idx = ?`,
			string(item.Status), item.TrackingID, item.SentAt, nullable(item.Error),
			campaignID, index,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// The row may match with unchanged values; distinguish a
			// genuinely missing item.
			return r.itemExists(ctx, campaignID, index)
		}
		return nil
	})
}

func (r *MySQLRepository) itemExists(ctx context.Context, campaignID string, index int) error {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM campaign_queue_items WHERE campaign_id = ? AND idx = ?`,
		campaignID, index,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCampaignNotFound
	}
	return err
}

// IncrementCounters applies relative updates so overlapping batches cannot
// double-count a read-modify-write.
func (r *MySQLRepository) IncrementCounters(ctx context.Context, campaignID string, sent, failed int) error {
	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE campaigns
			SET sent_count = sent_count + ?, failed_count = failed_count + ?
			WHERE id = ?`,
			sent, failed, campaignID,
		)
		return err
	})
}

func (r *MySQLRepository) SetStatus(ctx context.Context, campaignID string, status Status, completedAt *time.Time) error {
	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE campaigns SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), completedAt, campaignID,
		)
		return err
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *MySQLRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil || !shouldRetryMySQL(err) {
			return err
		}

		timer := time.NewTimer(backoffDuration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func shouldRetryMySQL(err error) bool {
	if err == nil {
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return retryableErrNos[mysqlErr.Number]
	}

	return errors.Is(err, driver.ErrBadConn)
}

func backoffDuration(attempt int) time.Duration {
	max := min(time.Duration(1<<uint(attempt))*baseDelay, maxDelay)
	if max <= 0 {
		max = baseDelay
	}
	return time.Duration(rand.Int63n(int64(max)))
}
