// Package crypto encrypts OAuth token material before it reaches the
// database. Access and refresh tokens grant read/write access to an
// organization's accounting data, so they are stored only as AES-256-GCM
// ciphertext; GCM also authenticates the ciphertext, so a tampered row
// fails decryption instead of yielding garbage tokens.
package crypto

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

// Common cipher errors
var (
	// ErrSecretTooShort is returned when the configured encryption secret is shorter than 32 characters
	ErrSecretTooShort = errors.New("encryption secret must be at least 32 characters")

	// ErrCiphertextCorrupted is returned when a stored ciphertext fails base64 decoding or is too short to hold a nonce
	ErrCiphertextCorrupted = errors.New("ciphertext is corrupted or truncated")

	// ErrDecryptionFailed is returned when GCM authentication fails, indicating tampering or a different encryption secret
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	keyLength       = 32
	pbkdf2Iteration = 100_000
)

// keySalt is fixed so the same secret always derives the same key.
// Rotating the salt has the same effect as rotating the secret: stored
// ciphertexts become undecryptable.
var keySalt = []byte("ledger-connections.token-cipher.v1")

// TokenCipher performs symmetric encryption of token material.
// The key is derived once at construction; a TokenCipher is safe for
// concurrent use.
type TokenCipher struct {
	key []byte
}

// NewTokenCipher derives an AES-256 key from the configured secret.
// Construction fails fast on a weak secret so misconfiguration surfaces
// at startup rather than on the first refresh.
func NewTokenCipher(secret string) (*TokenCipher, error) {
	if len(secret) < keyLength {
		return nil, ErrSecretTooShort
	}

	key := pbkdf2.Key([]byte(secret), keySalt, pbkdf2Iteration, keyLength, sha256.New)
	return &TokenCipher{key: key}, nil
}

// Encrypt encrypts plaintext and returns base64-encoded ciphertext with
// the random nonce prepended
func (tc *TokenCipher) Encrypt(plaintext string) (string, error) {
	aead, err := tc.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (tc *TokenCipher) Decrypt(encoded string) (string, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}

	aead, err := tc.aead()
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aead.NonceSize() {
		return "", ErrCiphertextCorrupted
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

func (tc *TokenCipher) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tc.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return aead, nil
}
