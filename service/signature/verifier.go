// Package signature authenticates gateway webhooks.
package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrMissingSecret is returned when a verifier is built without a secret.
var ErrMissingSecret = errors.New("webhook secret is required")

// Verifier checks HMAC-SHA512 signatures over raw request bodies.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for the given shared secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Verifier{secret: s}, nil
}

// Sign returns the signature Squad sends for body: uppercase hex HMAC-SHA512.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// Verify reports whether signature is the exact signature of body. The body
// must be the bytes as received; re-encoded JSON will not verify.
func (v *Verifier) Verify(body []byte, signature string) bool {
	if v == nil || signature == "" {
		return false
	}
	return hmac.Equal([]byte(v.Sign(body)), []byte(signature))
}
