package vault

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("test-master-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintexts := []string{
		"sk-proj-abc123",
		"x",
		strings.Repeat("long-key-", 100),
		"key with spaces and ünicode ✓",
	}

	for _, want := range plaintexts {
		enc, iv, err := v.Encrypt(want)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", want, err)
		}

		got, err := v.Decrypt(enc, iv)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %q, want %q", got, want)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, _ := New("secret")

	enc1, iv1, err := v.Encrypt("same-plaintext")
	if err != nil {
		t.Fatal(err)
	}
	enc2, iv2, err := v.Encrypt("same-plaintext")
	if err != nil {
		t.Fatal(err)
	}

	if enc1 == enc2 {
		t.Error("two encryptions produced identical ciphertext — salt not random?")
	}
	if iv1 == iv2 {
		t.Error("two encryptions produced identical IV")
	}
}

func TestDecryptWrongSecretFails(t *testing.T) {
	v1, _ := New("secret-one")
	v2, _ := New("secret-two")

	enc, iv, err := v1.Encrypt("sk-live-secret")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v2.Decrypt(enc, iv); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt with wrong secret, got %v", err)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	v, _ := New("secret")

	enc, iv, err := v.Encrypt("payload")
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := v.Decrypt(tampered, iv); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for tampered ciphertext, got %v", err)
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	v, _ := New("secret")

	cases := []struct {
		name string
		enc  string
		iv   string
	}{
		{"not base64", "!!!", "AAAAAAAAAAAAAAAA"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("tiny")), base64.StdEncoding.EncodeToString(make([]byte, 12))},
		{"bad iv length", base64.StdEncoding.EncodeToString(make([]byte, 64)), base64.StdEncoding.EncodeToString(make([]byte, 4))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Decrypt(tc.enc, tc.iv); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}
