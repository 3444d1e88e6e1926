// Package cryptox encrypts tenant-supplied provider API keys at rest using
// AES-256-GCM, keyed from the operator-configured encryption secret.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

// Box encrypts and decrypts provider API keys with a single symmetric key
// derived from the configured secret.
type Box struct {
	key [32]byte
}

// NewBox derives an AES-256 key from secret via SHA-256. secret must be
// non-empty; callers validate this at config load time.
func NewBox(secret string) *Box {
	return &Box{key: sha256.Sum256([]byte(secret))}
}

// Encrypt returns the ciphertext encoded as "iv:authTag:ciphertext" in hex,
// matching the wire format persisted in provider_api_keys.encrypted_value.
func (b *Box) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "initializing cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "initializing GCM")
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "generating iv")
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagLen := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagLen]
	authTag := sealed[len(sealed)-tagLen:]

	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(authTag), hex.EncodeToString(ciphertext)), nil
}

// Decrypt reverses Encrypt. It returns a validation error for malformed
// input and an internal error for authentication failure (tampered or
// mis-keyed ciphertext).
func (b *Box) Decrypt(encoded string) (string, error) {
	parts := strings.SplitN(encoded, ":", 3)
	if len(parts) != 3 {
		return "", apperrors.New(apperrors.ErrorTypeValidation, "malformed encrypted value: expected iv:authTag:ciphertext")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "decoding iv")
	}
	authTag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "decoding auth tag")
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "decoding ciphertext")
	}

	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "initializing cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "initializing GCM")
	}
	if len(iv) != gcm.NonceSize() {
		return "", apperrors.New(apperrors.ErrorTypeValidation, "invalid iv length")
	}

	sealed := append(ciphertext, authTag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decrypting value: authentication failed")
	}
	return string(plaintext), nil
}
