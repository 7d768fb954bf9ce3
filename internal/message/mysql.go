package message

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	maxAttempts = 8
	baseDelay   = 30 * time.Millisecond
	maxDelay    = 1 * time.Second
)

// Schema documents the storage contract. seq is a signed BIGINT on purpose:
// negative numbers belong to this pipeline, positive ones to the IMAP sync.
const Schema = `
CREATE TABLE outbound_messages (
    seq               BIGINT       NOT NULL,
    account_id        VARCHAR(64)  NOT NULL,
    account_email     VARCHAR(255) NOT NULL,
    folder            VARCHAR(32)  NOT NULL DEFAULT 'SENT',
    message_id        VARCHAR(512) NOT NULL,
    in_reply_to       VARCHAR(512) NOT NULL DEFAULT '',
    references_chain  TEXT         NOT NULL,
    thread_id         VARCHAR(512) NOT NULL DEFAULT '',
    client_request_id VARCHAR(128) NOT NULL DEFAULT '',
    from_addr         VARCHAR(255) NOT NULL,
    from_name         VARCHAR(255) NOT NULL DEFAULT '',
    to_addr           VARCHAR(255) NOT NULL,
    cc_addr           TEXT         NOT NULL,
    subject           TEXT         NOT NULL,
    body              MEDIUMTEXT   NOT NULL,
    sent_at           DATETIME(3)  NOT NULL,
    is_read           TINYINT(1)   NOT NULL DEFAULT 1,
    tracking_id       VARCHAR(32)  NOT NULL,
    opened_at         DATETIME(3)  NULL,
    PRIMARY KEY (seq),
    UNIQUE KEY uq_client_request (client_request_id, to_addr),
    KEY idx_tracking (tracking_id)
);
`

// MySQL error numbers worth a retry.
var retryableErrNos = map[uint16]bool{
	1205: true, // Lock wait timeout exceeded
	1213: true, // Deadlock found
	1040: true, // Too many connections
	1203: true, // Max user connections exceeded
}

type sqlDBInterface interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MySQLRepository stores outbound records in MySQL with the transient-error
// retry policy shared by the campaign repository.
type MySQLRepository struct {
	db sqlDBInterface
}

func NewMySQLRepository(db *sql.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

func (r *MySQLRepository) Insert(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO outbound_messages
			(seq, account_id, account_email, folder, message_id, in_reply_to,
			 references_chain, thread_id, client_request_id, from_addr, from_name,
			 to_addr, cc_addr, subject, body, sent_at, is_read, tracking_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.withRetry(ctx, func() error {
		_, execErr := r.db.ExecContext(ctx, query,
			rec.Seq, rec.AccountID, rec.AccountEmail, rec.Folder, rec.MessageID,
			rec.InReplyTo, strings.Join(rec.References, " "), rec.ThreadID,
			rec.ClientRequestID, rec.From, rec.FromName,
			strings.ToLower(rec.To), rec.Cc, rec.Subject, rec.Body,
			rec.Timestamp, rec.IsRead, rec.TrackingID,
		)
		return execErr
	})

	return classifyDuplicate(err)
}

func (r *MySQLRepository) FindByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Record, error) {
	query := selectRecord + ` WHERE client_request_id = ? AND to_addr = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, key.RequestID, key.Recipient))
}

func (r *MySQLRepository) FindByTrackingID(ctx context.Context, trackingID string) (Record, error) {
	query := selectRecord + ` WHERE tracking_id = ? LIMIT 1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, trackingID))
}

// MarkOpened sets the first-open timestamp; the NULL guard in the predicate
// makes later hits no-ops.
func (r *MySQLRepository) MarkOpened(ctx context.Context, trackingID string, at time.Time) error {
	query := `UPDATE outbound_messages SET opened_at = ? WHERE tracking_id = ? AND opened_at IS NULL`

	return r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query, at, trackingID)
		return err
	})
}

const selectRecord = `
	SELECT seq, account_id, account_email, folder, message_id, in_reply_to,
	       references_chain, thread_id, client_request_id, from_addr, from_name,
	       to_addr, cc_addr, subject, body, sent_at, is_read, tracking_id, opened_at
	FROM outbound_messages
`

func (r *MySQLRepository) scanOne(row *sql.Row) (Record, error) {
	var rec Record
	var references string
	var openedAt sql.NullTime

	err := row.Scan(
		&rec.Seq, &rec.AccountID, &rec.AccountEmail, &rec.Folder, &rec.MessageID,
		&rec.InReplyTo, &references, &rec.ThreadID, &rec.ClientRequestID,
		&rec.From, &rec.FromName, &rec.To, &rec.Cc, &rec.Subject, &rec.Body,
		&rec.Timestamp, &rec.IsRead, &rec.TrackingID, &openedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	if references != "" {
		rec.References = strings.Fields(references)
	}
	if openedAt.Valid {
		rec.OpenedAt = &openedAt.Time
	}

	return rec, nil
}

// withRetry re-runs fn on transient MySQL errors with jittered backoff.
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

// classifyDuplicate maps a MySQL duplicate-entry error (1062) to the
// sentinel for whichever unique constraint fired.
func classifyDuplicate(err error) error {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) || mysqlErr.Number != 1062 {
		return err
	}

	if strings.Contains(mysqlErr.Message, "uq_client_request") {
		return ErrDuplicateRequest
	}
	return ErrDuplicateSeq
}
