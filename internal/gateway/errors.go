package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// ErrReputation marks transport rejections caused by sender reputation or
// domain authentication. Retrying does not improve this class; it needs
// operator action on the sending domain.
var ErrReputation = errors.New("sender reputation or domain authentication rejection")

// Transports report reputation problems only through free-form error text,
// so classification is a pattern match on that text.
var reputationMarkers = []string{
	"spf",
	"dkim",
	"dmarc",
	"blacklist",
	"blocklist",
	"blocked using",
	"poor reputation",
	"reputation",
	"5.7.1",
	"5.7.26",
}

// Classify wraps a transport error so callers can branch on its class.
// Reputation-class failures come back wrapped in ErrReputation with
// actionable guidance; everything else passes through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range reputationMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v (check the sending domain's SPF/DKIM/DMARC records and blocklist status before retrying)", ErrReputation, err)
		}
	}

	return err
}
