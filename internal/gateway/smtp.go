package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"crm-mailer/internal/account"
)

const defaultDialTimeout = 30 * time.Second

// SMTPGateway delivers messages over SMTP with STARTTLS and PLAIN auth. One
// Send call is one complete handshake: dial, hello, mail, rcpt, data, quit.
type SMTPGateway struct {
	builder     *messageBuilder
	dialTimeout time.Duration
}

func NewSMTP() *SMTPGateway {
	return &SMTPGateway{
		builder:     &messageBuilder{},
		dialTimeout: defaultDialTimeout,
	}
}

func (g *SMTPGateway) Send(ctx context.Context, acct account.Account, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", errors.New("smtp: message has no recipients")
	}

	messageID := newMessageID(acct.Email)
	raw, err := g.builder.Build(acct, msg, messageID)
	if err != nil {
		return "", err
	}

	dialer := &net.Dialer{Timeout: g.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", acct.Host, acct.Port))
	if err != nil {
		return "", fmt.Errorf("smtp: dial %s: %w", acct.Host, err)
	}

	client, err := smtp.NewClient(conn, acct.Host)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello("localhost"); err != nil {
		return "", err
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{
			ServerName:         acct.Host,
			InsecureSkipVerify: acct.AllowInsecureTls,
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			return "", err
		}
	}

	if acct.Username != "" {
		auth := smtp.PlainAuth("", acct.Username, acct.Password, acct.Host)
		if err := client.Auth(auth); err != nil {
			return "", err
		}
	}

	if err := client.Mail(acct.Email); err != nil {
		return "", err
	}

	for _, rcpt := range append(append([]string{}, msg.To...), msg.Cc...) {
		if err := client.Rcpt(rcpt); err != nil {
			return "", fmt.Errorf("smtp: rcpt %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return "", err
	}
	if _, err := writer.Write(raw); err != nil {
		_ = writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	if err := client.Quit(); err != nil {
		return "", err
	}

	return messageID, nil
}

// newMessageID builds an RFC 5322 message id under the sender's domain. SMTP
// leaves id assignment to the submitter, unlike API transports.
func newMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at != -1 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}
