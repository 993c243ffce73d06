// Package crypto provides the token cipher used by the credential store.
// Accounts never persist plaintext OAuth tokens; everything crossing the
// store boundary goes through a Cipher.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidKeySize indicates the key is not 32 bytes (AES-256).
	ErrInvalidKeySize = errors.New("invalid key size: must be 32 bytes for AES-256")
	// ErrInvalidCiphertext indicates the ciphertext is too short or malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short or corrupted")
)

// Cipher encrypts and decrypts credential material. The store treats it as
// an opaque service so tests can swap in a passthrough implementation.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESGCM is the production Cipher: AES-256-GCM with a random nonce
// prepended to the sealed payload, base64 encoded.
type AESGCM struct {
	key []byte
}

// NewAESGCM builds a cipher from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	return &AESGCM{key: key}, nil
}

// NewAESGCMFromPassphrase derives a 32-byte key from an arbitrary secret.
// Used when POOLGATE_ENCRYPTION_KEY is a human-chosen string rather than
// raw key material.
func NewAESGCMFromPassphrase(secret string) (*AESGCM, error) {
	if secret == "" {
		return nil, errors.New("empty encryption secret")
	}
	sum := sha256.Sum256([]byte(secret))
	return NewAESGCM(sum[:])
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
func (c *AESGCM) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Authentication failure (tampered or truncated
// input) returns an error rather than garbage plaintext.
func (c *AESGCM) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

// Plaintext is a no-op Cipher for tests.
type Plaintext struct{}

func (Plaintext) Encrypt(s string) (string, error) { return s, nil }
func (Plaintext) Decrypt(s string) (string, error) { return s, nil }
