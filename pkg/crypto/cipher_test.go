package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := "unit-test-secret"
	plaintext := "admin:s3cr3t-password"

	payload, err := EncryptString(secret, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(payload, []byte(plaintext)) {
		t.Fatalf("ciphertext leaks plaintext")
	}

	got, err := DecryptToString(secret, payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestDecryptRejectsWrongSecret(t *testing.T) {
	payload, err := EncryptString("secret-a", "payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptToString("secret-b", payload); err == nil {
		t.Fatalf("expected decryption failure with wrong secret")
	}
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	if _, err := DecryptToString("secret", []byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret(16)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateSecret(16)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	if a == b {
		t.Fatalf("expected distinct secrets")
	}
}
