package gateway

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"crm-mailer/internal/account"
)

// SESGateway delivers the same raw wire bytes through Amazon SES instead of
// a direct SMTP handshake. The transport assigns the message id.
type SESGateway struct {
	client  *ses.Client
	builder *messageBuilder
}

func NewSES(cfg aws.Config) *SESGateway {
	return &SESGateway{
		client:  ses.NewFromConfig(cfg),
		builder: &messageBuilder{},
	}
}

func (g *SESGateway) Send(ctx context.Context, acct account.Account, msg Message) (string, error) {
	raw, err := g.builder.Build(acct, msg, newMessageID(acct.Email))
	if err != nil {
		return "", err
	}

	input := &ses.SendRawEmailInput{
		RawMessage: &types.RawMessage{Data: raw},
	}

	result, err := g.client.SendRawEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses: send raw email: %w", err)
	}

	return *result.MessageId, nil
}
