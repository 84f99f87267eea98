package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewFromPassphrase("unit-test-passphrase")
	if err != nil {
		t.Fatalf("NewFromPassphrase: %v", err)
	}

	tests := []struct {
		name  string
		plain string
	}{
		{"password", "hunter2"},
		{"empty", ""},
		{"unicode", "pässwörd-秘密"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := enc.Encrypt(tt.plain)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if !strings.HasPrefix(ct, "ENC[v1]:") {
				t.Fatalf("ciphertext missing version prefix: %q", ct)
			}
			got, err := enc.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if got != tt.plain {
				t.Fatalf("round trip got %q, want %q", got, tt.plain)
			}
		})
	}
}

func TestDecryptPassesThroughPlaintext(t *testing.T) {
	enc, err := NewFromPassphrase("unit-test-passphrase")
	if err != nil {
		t.Fatalf("NewFromPassphrase: %v", err)
	}
	got, err := enc.Decrypt("legacy-plaintext")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "legacy-plaintext" {
		t.Fatalf("got %q, want passthrough", got)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	a, _ := NewFromPassphrase("key-a")
	b, _ := NewFromPassphrase("key-b")

	ct, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(ct); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestNewEncryptorRejectsBadKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err != ErrInvalidKey {
		t.Fatalf("got %v, want ErrInvalidKey", err)
	}
}
