package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSign(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		secret  string
	}{
		{
			name:    "basic payload",
			payload: []byte(`{"event":"sale.created","data":{"id":"123"}}`),
			secret:  "my-secret-key",
		},
		{
			name:    "empty payload",
			payload: []byte(`{}`),
			secret:  "secret",
		},
		{
			name:    "empty secret",
			payload: []byte(`{"test":true}`),
			secret:  "",
		},
		{
			name:    "unicode payload",
			payload: []byte(`{"name":"café","price":"€10"}`),
			secret:  "unicode-key-日本語",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Sign(tt.secret, tt.payload)

			// Must be 64 lowercase hex characters
			if len(sig) != 64 {
				t.Fatalf("expected 64 hex chars, got %d", len(sig))
			}
			decoded, err := hex.DecodeString(sig)
			if err != nil {
				t.Fatalf("signature is not valid hex: %v", err)
			}
			if len(decoded) != 32 {
				t.Fatalf("expected 32 bytes, got %d", len(decoded))
			}

			// Verify against standard library
			mac := hmac.New(sha256.New, []byte(tt.secret))
			mac.Write(tt.payload)
			expected := hex.EncodeToString(mac.Sum(nil))

			if sig != expected {
				t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", sig, expected)
			}
		})
	}
}

func TestSign_Deterministic(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	secret := "test-secret"

	sig1 := Sign(secret, payload)
	sig2 := Sign(secret, payload)

	if sig1 != sig2 {
		t.Error("same input should produce same signature")
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"event":"test"}`)

	if Sign("secret-1", payload) == Sign("secret-2", payload) {
		t.Error("different secrets should produce different signatures")
	}
}

func TestSign_DifferentPayloads(t *testing.T) {
	secret := "my-secret"

	if Sign(secret, []byte(`{"a":1}`)) == Sign(secret, []byte(`{"a":2}`)) {
		t.Error("different payloads should produce different signatures")
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"sale.created"}`)
	secret := "shared-secret"

	sig := Sign(secret, payload)

	if !VerifySignature(secret, payload, sig) {
		t.Error("valid signature should verify")
	}
	if VerifySignature(secret, []byte(`{"event":"tampered"}`), sig) {
		t.Error("tampered payload should not verify")
	}
	if VerifySignature("wrong-secret", payload, sig) {
		t.Error("wrong secret should not verify")
	}
}
