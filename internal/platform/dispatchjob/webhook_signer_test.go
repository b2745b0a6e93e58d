package dispatchjob

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestWebhookSigner_Sign(t *testing.T) {
	signer := NewWebhookSigner()

	payload := `{"event":"test","data":{"id":"123"}}`
	authToken := "test-bearer-token"
	signingSecret := "my-secret-key"

	result := signer.Sign(payload, authToken, signingSecret)

	if result.Payload != payload {
		t.Errorf("expected payload %q, got %q", payload, result.Payload)
	}
	if result.BearerToken != authToken {
		t.Errorf("expected bearer token %q, got %q", authToken, result.BearerToken)
	}
	if result.Timestamp == "" {
		t.Error("expected timestamp to be set")
	}
	if result.Signature == "" {
		t.Error("expected signature to be set")
	}

	// Verify timestamp is unix-seconds
	if _, err := strconv.ParseInt(result.Timestamp, 10, 64); err != nil {
		t.Errorf("expected unix-seconds timestamp, got %q: %v", result.Timestamp, err)
	}

	if strings.ToLower(result.Signature) != result.Signature {
		t.Error("expected signature to be lowercase hex")
	}
	if len(result.Signature) != 64 { // SHA256 produces 32 bytes = 64 hex chars
		t.Errorf("expected 64-char hex signature, got %d chars", len(result.Signature))
	}
}

func TestWebhookSigner_Verify(t *testing.T) {
	signer := NewWebhookSigner()

	payload := `{"event":"test"}`
	signingSecret := "my-secret-key"

	signed := signer.Sign(payload, "token", signingSecret)

	if !signer.Verify(payload, signed.Timestamp, signed.Signature, signingSecret) {
		t.Error("expected valid signature to verify")
	}

	if signer.Verify(payload, signed.Timestamp, signed.Signature, "wrong-secret") {
		t.Error("expected verification to fail with wrong secret")
	}

	if signer.Verify("tampered", signed.Timestamp, signed.Signature, signingSecret) {
		t.Error("expected verification to fail with tampered payload")
	}

	if signer.Verify(payload, "1700000000", signed.Signature, signingSecret) {
		t.Error("expected verification to fail with tampered timestamp")
	}

	if signer.Verify(payload, signed.Timestamp, "invalidsignature", signingSecret) {
		t.Error("expected verification to fail with tampered signature")
	}
}

func TestWebhookSigner_DeterministicSignature(t *testing.T) {
	signer := NewWebhookSigner()

	payload := `{"test":"data"}`
	timestamp := "1705315800"
	signingSecret := "test-secret"

	signaturePayload := timestamp + payload
	expected := signer.hmacSHA256Hex(signaturePayload, signingSecret)

	if !signer.Verify(payload, timestamp, expected, signingSecret) {
		t.Error("expected deterministic signature to verify")
	}
}

func TestSignatureHeader_Constants(t *testing.T) {
	if SignatureHeader != "X-FlowCatalyst-Signature" {
		t.Errorf("expected SignatureHeader %q, got %q", "X-FlowCatalyst-Signature", SignatureHeader)
	}
	if TimestampHeader != "X-FlowCatalyst-Timestamp" {
		t.Errorf("expected TimestampHeader %q, got %q", "X-FlowCatalyst-Timestamp", TimestampHeader)
	}
}

func TestWebhookSigner_WithinTolerance(t *testing.T) {
	signer := NewWebhookSigner()
	now := time.Unix(1705315800, 0)

	cases := []struct {
		name      string
		timestamp string
		want      bool
	}{
		{"exact", "1705315800", true},
		{"within past skew", strconv.FormatInt(now.Add(-299*time.Second).Unix(), 10), true},
		{"within future skew", strconv.FormatInt(now.Add(59*time.Second).Unix(), 10), true},
		{"too old", strconv.FormatInt(now.Add(-301*time.Second).Unix(), 10), false},
		{"too far future", strconv.FormatInt(now.Add(61*time.Second).Unix(), 10), false},
		{"garbage", "not-a-number", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := signer.WithinTolerance(tc.timestamp, now); got != tc.want {
				t.Errorf("WithinTolerance(%q) = %v, want %v", tc.timestamp, got, tc.want)
			}
		})
	}
}
