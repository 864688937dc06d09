package replicate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediajobs/internal/domain"
)

const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"

	// WebhookTolerance bounds the accepted clock skew of webhook-timestamp.
	WebhookTolerance = 300 * time.Second
)

// WebhookVerifier checks provider webhook signatures.
type WebhookVerifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier decodes a "whsec_" prefixed base64 signing secret.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	encoded := strings.TrimPrefix(strings.TrimSpace(secret), "whsec_")
	if encoded == "" {
		return nil, errors.New("replicate: webhook secret is required")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("replicate: decode webhook secret: %w", err)
	}
	return &WebhookVerifier{key: key, tolerance: WebhookTolerance, now: time.Now}, nil
}

// Verify checks the signature headers against the raw request body. The
// returned error wraps domain.ErrSignatureInvalid and names the reason.
func (v *WebhookVerifier) Verify(header http.Header, body []byte) error {
	id := header.Get(HeaderWebhookID)
	ts := header.Get(HeaderWebhookTimestamp)
	sigs := header.Get(HeaderWebhookSignature)
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("missing signature headers: %w", domain.ErrSignatureInvalid)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp: %w", domain.ErrSignatureInvalid)
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("timestamp outside tolerance: %w", domain.ErrSignatureInvalid)
	}

	expected := v.Sign(id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("no matching signature: %w", domain.ErrSignatureInvalid)
}

// Sign computes the raw HMAC-SHA256 over "{id}.{timestamp}.{body}".
func (v *WebhookVerifier) Sign(id, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifyWebhook verifies a webhook with the client's signing secret.
func (c *Client) VerifyWebhook(header http.Header, body []byte) error {
	if c.verifier == nil {
		return fmt.Errorf("webhook secret not configured: %w", domain.ErrSignatureInvalid)
	}
	return c.verifier.Verify(header, body)
}

// ValidateWebhookSignature reports whether the webhook is authentic.
func (c *Client) ValidateWebhookSignature(header http.Header, body []byte) bool {
	return c.VerifyWebhook(header, body) == nil
}
