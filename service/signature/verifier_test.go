package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBody = `{"Event":"charge_successful","TransactionRef":"SQ-1","Body":{"amount":50000,"currency":"NGN"}}`

func TestNewVerifier_MissingSecret(t *testing.T) {
	_, err := NewVerifier(nil)
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = NewVerifier([]byte{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestVerify_RoundTrip(t *testing.T) {
	v, err := NewVerifier([]byte("sk_test_secret"))
	require.NoError(t, err)

	sig := v.Sign([]byte(testBody))
	assert.Len(t, sig, 128)
	assert.True(t, v.Verify([]byte(testBody), sig))
}

func TestVerify_Rejects(t *testing.T) {
	v, err := NewVerifier([]byte("sk_test_secret"))
	require.NoError(t, err)
	sig := v.Sign([]byte(testBody))

	other, err := NewVerifier([]byte("another_secret"))
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		sig  string
	}{
		{"empty signature", testBody, ""},
		{"truncated", testBody, sig[:64]},
		{"lowercase", testBody, "ab" + sig[2:]},
		{"not hex", testBody, "zz" + sig[2:]},
		{"reencoded body", `{"Event": "charge_successful","TransactionRef":"SQ-1","Body":{"amount":50000,"currency":"NGN"}}`, sig},
		{"wrong secret", testBody, other.Sign([]byte(testBody))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, v.Verify([]byte(tt.body), tt.sig))
		})
	}
}

func TestVerify_SingleBitMutations(t *testing.T) {
	v, err := NewVerifier([]byte("sk_test_secret"))
	require.NoError(t, err)
	body := []byte(testBody)
	sig := v.Sign(body)

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), body...)
			mutated[i] ^= 1 << bit
			if v.Verify(mutated, sig) {
				t.Fatalf("body mutation at byte %d bit %d verified", i, bit)
			}
		}
	}

	raw := []byte(sig)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), raw...)
			mutated[i] ^= 1 << bit
			if v.Verify(body, string(mutated)) {
				t.Fatalf("signature mutation at byte %d bit %d verified", i, bit)
			}
		}
	}
}

func TestVerify_NilVerifier(t *testing.T) {
	var v *Verifier
	assert.False(t, v.Verify([]byte(testBody), "AB"))
}
