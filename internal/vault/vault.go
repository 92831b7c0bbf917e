// Package vault encrypts customer provider keys at rest.
//
// Each encryption derives a fresh AES-256 subkey from the process-wide master
// secret via PBKDF2-HMAC-SHA256 over a random per-key salt, then seals the
// plaintext with AES-GCM. The stored value is base64(salt ‖ ciphertext ‖ tag)
// with the IV stored separately, so a leaked database row is useless without
// the master secret.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	ivSize     = 12
	keySize    = 32
	iterations = 100_000
)

var (
	// ErrMissingSecret is returned when the master secret is not configured.
	ErrMissingSecret = errors.New("vault: master secret is required")

	// ErrDecrypt is returned when the GCM tag does not verify — wrong master
	// secret or tampered ciphertext.
	ErrDecrypt = errors.New("vault: decryption failed: authentication failed")

	// ErrMalformed is returned when the stored ciphertext or IV is too short
	// or not valid base64.
	ErrMalformed = errors.New("vault: malformed ciphertext")
)

// Vault seals and opens provider keys with a master secret.
type Vault struct {
	master []byte
}

// New creates a Vault from the master secret. Fails when the secret is empty
// so a misconfigured deployment aborts at startup instead of storing keys it
// can never read back.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Vault{master: []byte(masterSecret)}, nil
}

// Encrypt seals plaintext and returns (base64(salt‖ciphertext‖tag), base64(iv)).
func (v *Vault) Encrypt(plaintext string) (encrypted, iv string, err error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", "", fmt.Errorf("vault: generate salt: %w", err)
	}
	nonce := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("vault: generate iv: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, saltSize+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a value produced by Encrypt. Returns ErrDecrypt when the tag
// does not verify under the current master secret.
func (v *Vault) Decrypt(encrypted, iv string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", ErrMalformed
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != ivSize {
		return "", ErrMalformed
	}
	if len(blob) < saltSize {
		return "", ErrMalformed
	}

	salt, sealed := blob[:saltSize], blob[saltSize:]

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.Overhead() {
		return "", ErrMalformed
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}

// aead derives the per-entry subkey and builds the AES-GCM cipher.
func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.master, salt, iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}
