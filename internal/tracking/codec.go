// Package tracking generates opaque per-message tracking identifiers,
// injects open beacons, rewrites links into signed click redirects and
// verifies those signatures on inbound hits.
package tracking

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 12
)

var hrefPattern = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// NewID returns a short unguessable tracking id. Twelve alphanumeric
// characters keep the collision probability negligible for campaigns in the
// tens of thousands of recipients.
func NewID() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("tracking: rand.Read failed: %v", err))
	}

	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}

	return string(buf)
}

// Codec builds and verifies tracking URLs for one deployment. The secret is
// server-held; the click endpoint recomputes signatures with it before
// issuing any redirect.
type Codec struct {
	baseURL string
	secret  []byte
}

func NewCodec(baseURL string, secret []byte) *Codec {
	return &Codec{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
	}
}

// OpenBeaconURL returns the beacon target for a tracking id. The campaign id
// segment is omitted for direct transactional sends.
func (c *Codec) OpenBeaconURL(campaignID, trackingID string) string {
	if campaignID == "" {
		return fmt.Sprintf("%s/track/open/%s", c.baseURL, url.PathEscape(trackingID))
	}
	return fmt.Sprintf("%s/track/open/%s/%s", c.baseURL, url.PathEscape(campaignID), url.PathEscape(trackingID))
}

// InjectOpenBeacon appends a zero-sized invisible image to the HTML body.
// The tag goes right before the closing body tag when one exists and is
// simply appended otherwise, so partial fragments never fail.
func (c *Codec) InjectOpenBeacon(html, campaignID, trackingID string) string {
	beacon := fmt.Sprintf(
		`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		c.OpenBeaconURL(campaignID, trackingID),
	)

	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", beacon+"</body>", 1)
	}

	return html + beacon
}

// ClickURL returns the signed redirect URL for one target.
func (c *Codec) ClickURL(campaignID, trackingID, target string) string {
	query := url.Values{}
	query.Set("u", target)
	query.Set("sig", c.Signature(campaignID, trackingID, target))

	if campaignID == "" {
		return fmt.Sprintf("%s/track/click/%s?%s", c.baseURL, url.PathEscape(trackingID), query.Encode())
	}
	return fmt.Sprintf("%s/track/click/%s/%s?%s", c.baseURL, url.PathEscape(campaignID), url.PathEscape(trackingID), query.Encode())
}

// RewriteLinks rewrites every absolute http(s) anchor target into a signed
// click redirect. Relative links, mailto links and anchors without an href
// are left untouched, as are links already pointing at a tracking route.
func (c *Codec) RewriteLinks(html, campaignID, trackingID string) string {
	return hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		groups := hrefPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}

		target := groups[1]
		if strings.Contains(target, "/track/") {
			return match
		}

		return fmt.Sprintf(`href="%s"`, c.ClickURL(campaignID, trackingID, target))
	})
}

// Signature computes a keyed digest over (campaignID, trackingID, target) so
// the public redirect endpoint can prove the target was not tampered with.
func (c *Codec) Signature(campaignID, trackingID, target string) string {
	mac := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s", campaignID, trackingID, target)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature and compares in constant time.
func (c *Codec) Verify(campaignID, trackingID, target, signature string) bool {
	expected := c.Signature(campaignID, trackingID, target)
	return hmac.Equal([]byte(expected), []byte(signature))
}
