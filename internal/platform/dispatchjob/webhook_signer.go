package dispatchjob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	// SignatureHeader is the HTTP header name for the webhook signature
	SignatureHeader = "X-FlowCatalyst-Signature"

	// TimestampHeader is the HTTP header name for the webhook timestamp
	TimestampHeader = "X-FlowCatalyst-Timestamp"
)

// SignedWebhookRequest contains all the data needed to send a signed webhook request
type SignedWebhookRequest struct {
	Payload     string
	Signature   string
	Timestamp   string
	BearerToken string
}

// WebhookSigner generates HMAC-SHA256 signatures for outbound webhook requests.
//
// The signature is generated over the unix-seconds timestamp concatenated
// with the payload, then signed with the signing secret. The receiver can
// verify by reproducing this signature.
type WebhookSigner struct{}

// NewWebhookSigner creates a new webhook signer
func NewWebhookSigner() *WebhookSigner {
	return &WebhookSigner{}
}

// Sign signs a webhook payload with the provided credentials.
//
// The signature is computed as: hex(HMAC-SHA256(signingSecret, timestamp ∥ payload))
//
// Parameters:
//   - payload: The request body to sign
//   - authToken: The bearer token for Authorization header
//   - signingSecret: The secret key for HMAC-SHA256 signing
//
// Returns a SignedWebhookRequest with signature, timestamp, and bearer token
func (s *WebhookSigner) Sign(payload, authToken, signingSecret string) *SignedWebhookRequest {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	signaturePayload := timestamp + payload
	signature := s.hmacSHA256Hex(signaturePayload, signingSecret)

	return &SignedWebhookRequest{
		Payload:     payload,
		Signature:   signature,
		Timestamp:   timestamp,
		BearerToken: authToken,
	}
}

// Verify verifies a webhook signature.
//
// Parameters:
//   - payload: The request body that was signed
//   - timestamp: The unix-seconds timestamp from the TimestampHeader
//   - signature: The signature from the SignatureHeader
//   - signingSecret: The secret key used for signing
//
// Returns true if the signature is valid
func (s *WebhookSigner) Verify(payload, timestamp, signature, signingSecret string) bool {
	signaturePayload := timestamp + payload
	expected := s.hmacSHA256Hex(signaturePayload, signingSecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WithinTolerance reports whether a unix-seconds timestamp string falls
// within the accepted skew window relative to now: [-300s, +60s].
func (s *WebhookSigner) WithinTolerance(timestamp string, now time.Time) bool {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	ts := time.Unix(sec, 0)
	lowerBound := now.Add(-300 * time.Second)
	upperBound := now.Add(60 * time.Second)
	return !ts.Before(lowerBound) && !ts.After(upperBound)
}

// hmacSHA256Hex computes HMAC-SHA256 and returns hex-encoded result (lowercase)
func (s *WebhookSigner) hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	hash := mac.Sum(nil)
	return hex.EncodeToString(hash)
}
