package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HMACVerifier verifies hex-encoded HMAC-SHA256 signatures over the raw
// notification body. Providers without an SDK-level verifier, and
// tests, use this one.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier with the shared secret.
func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

// VerifySignature implements SignatureVerifier. The header value may
// carry an optional "sha256=" prefix.
func (v *HMACVerifier) VerifySignature(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: verifier not configured", ErrBadSignature)
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if sig == "" {
		return fmt.Errorf("%w: empty signature", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of the payload. Test helpers and
// outbound callers use it to produce valid headers.
func (v *HMACVerifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
