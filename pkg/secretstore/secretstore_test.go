package secretstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store, err := NewFromPassphrase("correct horse battery staple")
	require.NoError(t, err)

	encrypted, err := store.Encrypt("top-secret-admission-key")
	require.NoError(t, err)
	assert.NotEqual(t, "top-secret-admission-key", encrypted)

	decrypted, err := store.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "top-secret-admission-key", decrypted)
}

func TestEncryptProducesDistinctCiphertextEachCall(t *testing.T) {
	store, err := NewFromPassphrase("passphrase")
	require.NoError(t, err)

	a, err := store.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := store.Encrypt("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "a random nonce must make repeated encryptions of the same plaintext differ")
}

func TestDecryptFailsWithWrongPassphrase(t *testing.T) {
	a, err := NewFromPassphrase("passphrase-a")
	require.NoError(t, err)
	b, err := NewFromPassphrase("passphrase-b")
	require.NoError(t, err)

	encrypted, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(encrypted)
	require.Error(t, err)
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"))
	require.Error(t, err)
}

func TestNewFromPassphraseRejectsEmpty(t *testing.T) {
	_, err := NewFromPassphrase("")
	require.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	store, err := NewFromPassphrase("passphrase")
	require.NoError(t, err)

	_, err = store.Decrypt("not-valid-base64!!!")
	require.Error(t, err)

	_, err = store.Decrypt("")
	require.Error(t, err)
}
