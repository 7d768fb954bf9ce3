// Package gateway is the single choke point to the outbound mail transport.
// A Gateway performs exactly one transport handshake per Send call and never
// retries internally; retry policy belongs to the callers.
package gateway

import (
	"context"

	"crm-mailer/internal/account"
)

// Attachment is an in-memory attachment part.
type Attachment struct {
	Filename    string
	Content     []byte
	ContentType string
}

// Message is a fully-prepared outbound email. To and Cc carry normalized
// addresses; InReplyTo and References are normalized message ids without
// angle brackets.
type Message struct {
	FromName    string
	To          []string
	Cc          []string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
	InReplyTo   string
	References  []string
}

// Gateway delivers one message through a resolved account and returns the
// transport-assigned message id.
type Gateway interface {
	Send(ctx context.Context, acct account.Account, msg Message) (string, error)
}
