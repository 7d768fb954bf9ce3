//go:build unit

package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyReputationErrors(t *testing.T) {
	t.Parallel()

	cases := []string{
		"550 5.7.1 Message rejected due to SPF failure",
		"554 sending domain has a poor reputation",
		"521 your host is blocked using zen.spamhaus.org",
		"550 DKIM signature verification failed",
	}

	for _, msg := range cases {
		err := Classify(errors.New(msg))
		assert.ErrorIs(t, err, ErrReputation, msg)
		assert.Contains(t, err.Error(), "SPF/DKIM/DMARC")
	}
}

func TestClassifyPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	transient := errors.New("dial tcp: connection refused")
	assert.Equal(t, transient, Classify(transient))
	assert.NotErrorIs(t, Classify(transient), ErrReputation)

	assert.NoError(t, Classify(nil))
}
