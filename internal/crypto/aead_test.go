package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	cases := []string{
		"",
		"short",
		"client reported self-harm ideation during intake",
		strings.Repeat("long value ", 500),
		"unicode: ñ, 日本語, emoji 🔒",
	}

	for _, plaintext := range cases {
		encrypted, err := Encrypt(plaintext, key)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(encrypted, PrefixTier1))
		assert.NotContains(t, encrypted[len(PrefixTier1):], plaintext)

		decrypted, err := Decrypt(encrypted, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptTier2RoundTrip(t *testing.T) {
	key := testKey(t)

	encrypted, err := EncryptTier2("ssn 000-11-2222", key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encrypted, PrefixTier2))
	assert.False(t, strings.HasPrefix(strings.TrimPrefix(encrypted, PrefixTier2), "v1:"))

	decrypted, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, "ssn 000-11-2222", decrypted)
}

func TestEncryptFreshIVPerCall(t *testing.T) {
	key := testKey(t)

	first, err := Encrypt("same plaintext", key)
	require.NoError(t, err)
	second, err := Encrypt("same plaintext", key)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	encrypted, err := Encrypt("secret", testKey(t))
	require.NoError(t, err)

	_, err = Decrypt(encrypted, testKey(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCrypto))
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key := testKey(t)
	encrypted, err := Encrypt("secret", key)
	require.NoError(t, err)

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, PrefixTier1))
	require.NoError(t, err)
	payload[len(payload)-1] ^= 0x01
	tampered := PrefixTier1 + base64.StdEncoding.EncodeToString(payload)

	_, err = Decrypt(tampered, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptMalformedPayload(t *testing.T) {
	key := testKey(t)

	_, err := Decrypt(PrefixTier1+"not base64!!!", key)
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	// Valid base64 but shorter than iv+tag.
	_, err = Decrypt(PrefixTier1+base64.StdEncoding.EncodeToString([]byte("tiny")), key)
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestDecryptLegacyPlaintextPassthrough(t *testing.T) {
	out, err := Decrypt("never encrypted", testKey(t))
	require.NoError(t, err)
	assert.Equal(t, "never encrypted", out)
}

func TestInvalidKeySize(t *testing.T) {
	_, err := Encrypt("x", []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = Decrypt(PrefixTier1+"AAAA", make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestPrefixDetection(t *testing.T) {
	assert.True(t, IsEncrypted("enc:v1:abc"))
	assert.True(t, IsEncrypted("enc:t2:v1:abc"))
	assert.False(t, IsEncrypted("plain"))
	assert.False(t, IsEncrypted("enc:v2:abc"))

	assert.True(t, IsTier1("enc:v1:abc"))
	assert.False(t, IsTier1("enc:t2:v1:abc"))
	assert.True(t, IsTier2("enc:t2:v1:abc"))
	assert.False(t, IsTier2("enc:v1:abc"))
}
