// Package account resolves which outbound mail account a send goes through.
// Account management itself lives elsewhere in the CRM; the delivery
// pipeline only consumes fully-resolved descriptors.
package account

import (
	"errors"
	"fmt"
)

// Purpose selects the account used when the caller does not name one.
type Purpose string

const (
	PurposeDefault   Purpose = "default"
	PurposeCampaigns Purpose = "campaigns"
	PurposeClients   Purpose = "clients"
)

var ErrUnknownAccount = errors.New("unknown account")

// Account is a fully-resolved outbound account descriptor.
type Account struct {
	ID               string
	Host             string
	Port             int
	Username         string
	Password         string
	Email            string
	DisplayName      string
	AllowInsecureTls bool
}

// Resolver chooses the outbound account for a send. Resolution must be
// deterministic for a given purpose when no explicit id is supplied.
type Resolver interface {
	Resolve(accountID string, purpose Purpose) (Account, error)
}

// ConfigResolver resolves accounts from static configuration. The first
// configured account is the fallback when neither an id nor a purpose
// mapping applies.
type ConfigResolver struct {
	byID      map[string]Account
	byPurpose map[Purpose]string
	defaultID string
}

func NewConfigResolver(accounts []Account, byPurpose map[Purpose]string) (*ConfigResolver, error) {
	if len(accounts) == 0 {
		return nil, errors.New("at least one outbound account must be configured")
	}

	byID := make(map[string]Account, len(accounts))
	for _, acct := range accounts {
		byID[acct.ID] = acct
	}

	for purpose, id := range byPurpose {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("purpose %q maps to %w %q", purpose, ErrUnknownAccount, id)
		}
	}

	return &ConfigResolver{
		byID:      byID,
		byPurpose: byPurpose,
		defaultID: accounts[0].ID,
	}, nil
}

func (r *ConfigResolver) Resolve(accountID string, purpose Purpose) (Account, error) {
	if accountID != "" {
		acct, ok := r.byID[accountID]
		if !ok {
			return Account{}, fmt.Errorf("%w %q", ErrUnknownAccount, accountID)
		}
		return acct, nil
	}

	if id, ok := r.byPurpose[purpose]; ok {
		return r.byID[id], nil
	}

	return r.byID[r.defaultID], nil
}
