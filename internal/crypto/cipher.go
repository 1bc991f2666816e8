// Package crypto provides AES-256-GCM encryption and decryption of OAuth
// tokens stored at rest in the connection store.
//
// The package uses AES-256-GCM (Galois/Counter Mode) which provides both
// confidentiality and authenticity. Each encryption operation uses a unique
// random nonce, so encrypting the same token twice produces different
// ciphertexts. Ciphertexts are base64(nonce || sealed) strings.
//
// Example usage:
//
//	cipher, err := crypto.NewTokenCipher(os.Getenv("TOKEN_ENCRYPTION_KEY"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	stored, err := cipher.Encrypt(refreshToken)
//	...
//	refreshToken, err = cipher.Decrypt(stored)
//	if errors.Is(err, crypto.ErrDecryption) {
//		// the stored row is unreadable with this key
//	}
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	stderrors "errors"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"oauth-refresher/internal/common/errors"
)

// keySalt is static so every instance sharing TOKEN_ENCRYPTION_KEY derives
// the same AES key.
var keySalt = []byte("oauth-refresher-token-salt")

const keyIterations = 10000

// ErrDecryption is matched by every *DecryptionError via errors.Is.
var ErrDecryption = stderrors.New("token decryption failed")

// Cipher encrypts and decrypts token strings.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// DecryptionError reports ciphertext that could not be opened: bad base64,
// truncated input, a different key or tampering. Callers treat it as a
// database integrity failure.
type DecryptionError struct {
	Reason string
	Cause  error
}

func (e *DecryptionError) Error() string {
	if e.Cause != nil {
		return "decryption failed: " + e.Reason + ": " + e.Cause.Error()
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrDecryption) match any DecryptionError.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// TokenCipher handles encryption and decryption of OAuth tokens using
// AES-256-GCM. It provides authenticated encryption, so a modified
// ciphertext is rejected rather than decrypted to garbage.
//
// The cipher is safe for concurrent use by multiple goroutines.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a TokenCipher from the configured key.
//
// The key is stretched with PBKDF2-SHA256 to exactly 32 bytes, so any
// non-empty passphrase yields a valid AES-256 key. Two processes configured
// with the same key can read each other's ciphertexts.
//
// Parameters:
//   - key: The encryption key as a string. Must not be empty.
//
// Returns:
//   - *TokenCipher: A new cipher instance
//   - error: A validation error if the key is empty
func NewTokenCipher(key string) (*TokenCipher, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	derivedKey := pbkdf2.Key([]byte(key), keySalt, keyIterations, 32, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, errors.InternalError("failed to create cipher", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.InternalError("failed to create GCM", err)
	}

	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns the result
// as base64-encoded text suitable for a database column.
//
// Empty strings are returned as empty strings without encryption.
//
// Parameters:
//   - plaintext: The token to encrypt. Can be empty.
//
// Returns:
//   - string: Base64-encoded ciphertext, or empty string if input was empty
//   - error: An error if the random source fails
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
//
// Empty strings are returned as empty strings without decryption. Every
// other failure is a *DecryptionError.
//
// Parameters:
//   - ciphertext: Base64-encoded ciphertext produced by Encrypt. Can be empty.
//
// Returns:
//   - string: The decrypted token, or empty string if input was empty
//   - error: *DecryptionError on invalid format, wrong key, or tampering
func (c *TokenCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid base64", Cause: err}
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return "", &DecryptionError{Reason: "ciphertext too short"}
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Cause: err}
	}

	return string(plaintext), nil
}
