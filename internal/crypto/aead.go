// Package crypto implements the authenticated field-encryption
// primitive. Values are AES-256-GCM blobs carried as prefix-tagged
// base64 strings so the sensitivity tier of a stored value survives
// without a schema lookup:
//
//	Tier 1: enc:v1:<base64(iv || tag || ciphertext)>
//	Tier 2: enc:t2:v1:<same payload>
//
// The IV is 12 bytes and freshly random per call; the GCM tag is 16
// bytes. Decryption never returns unauthenticated plaintext: a failed
// tag check is a hard, typed error.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

const (
	// PrefixTier1 tags standard-sensitivity ciphertext.
	PrefixTier1 = "enc:v1:"
	// PrefixTier2 tags high-sensitivity, audit-gated ciphertext.
	PrefixTier2 = "enc:t2:v1:"

	ivSize  = 12
	tagSize = 16
	keySize = 32
)

var (
	// ErrInvalidKeySize is returned when the key is not 32 bytes.
	ErrInvalidKeySize = errors.NewCryptoError("INVALID_KEY_SIZE", "encryption key must be exactly 32 bytes")

	// ErrDecryptionFailed is returned when the authentication tag does
	// not verify. The plaintext is never released in this case.
	ErrDecryptionFailed = errors.NewCryptoError("DECRYPTION_FAILED", "authentication failed: wrong key or tampered ciphertext")

	// ErrMalformedCiphertext is returned for prefixed values whose
	// payload cannot be decoded.
	ErrMalformedCiphertext = errors.NewCryptoError("MALFORMED_CIPHERTEXT", "encrypted value payload is malformed")
)

// Encrypt seals plaintext under a 32-byte key and returns a Tier-1
// tagged blob. A fresh random IV is generated on every call.
func Encrypt(plaintext string, key []byte) (string, error) {
	return encryptWithPrefix(plaintext, key, PrefixTier1)
}

// EncryptTier2 is Encrypt with the Tier-2 prefix.
func EncryptTier2(plaintext string, key []byte) (string, error) {
	return encryptWithPrefix(plaintext, key, PrefixTier2)
}

func encryptWithPrefix(plaintext string, key []byte, prefix string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errors.NewInternalError("failed to generate IV").WithCause(err)
	}

	// Seal appends the tag after the ciphertext; the wire layout is
	// iv || tag || ciphertext, so the tag is moved up front.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	payload := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	payload = append(payload, iv...)
	payload = append(payload, tag...)
	payload = append(payload, ciphertext...)

	return prefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens a prefix-tagged blob. Non-prefixed input is treated as
// legacy plaintext and returned unchanged: migration passthrough, not
// an error. Authentication failure is ErrDecryptionFailed.
func Decrypt(value string, key []byte) (string, error) {
	prefix, ok := detectPrefix(value)
	if !ok {
		return value, nil
	}
	return decryptPayload(strings.TrimPrefix(value, prefix), key)
}

func decryptPayload(encoded string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	if len(payload) < ivSize+tagSize {
		return "", ErrMalformedCiphertext
	}

	iv := payload[:ivSize]
	tag := payload[ivSize : ivSize+tagSize]
	ciphertext := payload[ivSize+tagSize:]

	// Reassemble ciphertext || tag for Open.
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewCryptoError("CIPHER_INIT_FAILED", "failed to initialize cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, errors.NewCryptoError("CIPHER_INIT_FAILED", "failed to initialize GCM").WithCause(err)
	}
	return gcm, nil
}

func detectPrefix(value string) (string, bool) {
	// Tier-2 first: PrefixTier1 is not a prefix of PrefixTier2, but
	// checking the more specific tag first keeps this future-proof.
	if strings.HasPrefix(value, PrefixTier2) {
		return PrefixTier2, true
	}
	if strings.HasPrefix(value, PrefixTier1) {
		return PrefixTier1, true
	}
	return "", false
}

// IsEncrypted reports whether the value carries either tier prefix.
func IsEncrypted(value string) bool {
	_, ok := detectPrefix(value)
	return ok
}

// IsTier1 reports whether the value carries the Tier-1 prefix.
func IsTier1(value string) bool {
	return strings.HasPrefix(value, PrefixTier1)
}

// IsTier2 reports whether the value carries the Tier-2 prefix.
func IsTier2(value string) bool {
	return strings.HasPrefix(value, PrefixTier2)
}
