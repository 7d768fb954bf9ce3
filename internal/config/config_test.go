package config

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-mailer/internal/account"
)

func TestNewFromYaml(t *testing.T) {
	type caseStruct struct {
		filepath    string
		expectError bool
	}

	cases := []caseStruct{
		{"testdata/valid.yaml", false},
		{"testdata/invalid-unknown-field.yaml", true},
		{"testdata/invalid-missing-tracking.yaml", true},
	}

	for _, c := range cases {
		_, err := NewFromYaml(c.filepath)

		if c.expectError {
			assert.Error(t, err, c.filepath)
		} else {
			assert.NoError(t, err, c.filepath)
		}
	}
}

func TestExpandEnvVars(t *testing.T) {
	randomString := fmt.Sprintf("ran%d", rand.Int())
	t.Setenv("TEST_TRACKING_SECRET", randomString)

	cfg, err := NewFromYaml("testdata/valid-with-envvar-in-secret.yaml")
	require.NoError(t, err)

	assert.Equal(t, randomString, cfg.Tracking.Secret)
}

func TestAccountMapping(t *testing.T) {
	cfg, err := NewFromYaml("testdata/valid.yaml")
	require.NoError(t, err)

	accounts := cfg.GetAccounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, "main", accounts[0].ID)
	assert.Equal(t, "noreply@example.test", accounts[0].Email)
	assert.Equal(t, "mailer", accounts[0].Username)

	purposes := cfg.GetPurposes()
	assert.Equal(t, "bulk", purposes[account.PurposeCampaigns])
	assert.Equal(t, "main", purposes[account.PurposeClients])
}

func TestOutboxConfigMapping(t *testing.T) {
	cfg, err := NewFromYaml("testdata/valid.yaml")
	require.NoError(t, err)

	oc := cfg.GetOutboxConfig()
	assert.Equal(t, 5, oc.MaxAttempts)
	assert.Equal(t, "30s", oc.BaseDelay.String())
	assert.Equal(t, "5m0s", oc.StuckTimeout.String())
}

func TestCompanyTokens(t *testing.T) {
	cfg, err := NewFromYaml("testdata/valid.yaml")
	require.NoError(t, err)

	tokens := cfg.GetCompanyTokens()
	require.NotNil(t, tokens["company.name"])
	assert.Equal(t, "Example Corp", *tokens["company.name"])
}
