package libcipher_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seshatdb/seshat/libcipher"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, err := libcipher.GenerateSalt()
	require.NoError(t, err)

	k1, err := libcipher.DeriveKey("hunter2", salt)
	require.NoError(t, err)
	k2, err := libcipher.DeriveKey("hunter2", salt)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Len(t, k1, libcipher.KeySize)

	k3, err := libcipher.DeriveKey("hunter3", salt)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestDeriveKey_EmptyPassphrase(t *testing.T) {
	salt, err := libcipher.GenerateSalt()
	require.NoError(t, err)

	_, err = libcipher.DeriveKey("", salt)
	require.ErrorIs(t, err, libcipher.ErrEmptyPassphrase)
}

func TestSealer_RoundTrip(t *testing.T) {
	key, err := libcipher.GenerateKey()
	require.NoError(t, err)
	sealer, err := libcipher.NewSealer(key)
	require.NoError(t, err)

	plaintext := []byte(`{"body":"hello world"}`)
	sealed, err := sealer.Seal(plaintext, []byte("evt"))
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := sealer.Open(sealed, []byte("evt"))
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestSealer_FreshNoncePerSeal(t *testing.T) {
	key, err := libcipher.GenerateKey()
	require.NoError(t, err)
	sealer, err := libcipher.NewSealer(key)
	require.NoError(t, err)

	a, err := sealer.Seal([]byte("same"), nil)
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("same"), nil)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestSealer_WrongKeyFails(t *testing.T) {
	key, err := libcipher.GenerateKey()
	require.NoError(t, err)
	other, err := libcipher.GenerateKey()
	require.NoError(t, err)

	sealer, err := libcipher.NewSealer(key)
	require.NoError(t, err)
	sealed, err := sealer.Seal([]byte("secret"), nil)
	require.NoError(t, err)

	wrong, err := libcipher.NewSealer(other)
	require.NoError(t, err)
	_, err = wrong.Open(sealed, nil)
	require.ErrorIs(t, err, libcipher.ErrDecryptFailed)
}

func TestSealer_TamperedBlobFails(t *testing.T) {
	key, err := libcipher.GenerateKey()
	require.NoError(t, err)
	sealer, err := libcipher.NewSealer(key)
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("secret"), nil)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = sealer.Open(sealed, nil)
	require.ErrorIs(t, err, libcipher.ErrDecryptFailed)
}

func TestKeyFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seshat-index.key")

	salt, err := libcipher.GenerateSalt()
	require.NoError(t, err)
	storeKey, err := libcipher.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, libcipher.WriteKeyFile(path, "hunter2", salt, storeKey))

	// The keyfile is self-contained: the passphrase alone recovers the
	// store key, with the salt read back out of the file.
	got, err := libcipher.ReadKeyFile(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, storeKey, got)
}

func TestKeyFile_WrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seshat-index.key")

	salt, err := libcipher.GenerateSalt()
	require.NoError(t, err)
	storeKey, err := libcipher.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, libcipher.WriteKeyFile(path, "hunter2", salt, storeKey))

	_, err = libcipher.ReadKeyFile(path, "wrong")
	require.ErrorIs(t, err, libcipher.ErrDecryptFailed)
}

func TestKeyFile_RewrapKeepsStoreKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seshat-index.key")

	oldSalt, err := libcipher.GenerateSalt()
	require.NoError(t, err)
	storeKey, err := libcipher.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, libcipher.WriteKeyFile(path, "old-pass", oldSalt, storeKey))

	// Rewrapping replaces the one keyfile: new salt and newly wrapped key
	// land together, and the store key survives unchanged.
	newSalt, err := libcipher.GenerateSalt()
	require.NoError(t, err)
	require.NoError(t, libcipher.WriteKeyFile(path, "new-pass", newSalt, storeKey))

	got, err := libcipher.ReadKeyFile(path, "new-pass")
	require.NoError(t, err)
	require.Equal(t, storeKey, got)

	_, err = libcipher.ReadKeyFile(path, "old-pass")
	require.ErrorIs(t, err, libcipher.ErrDecryptFailed)
}

func TestKeyFile_TruncatedFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seshat-index.key")

	salt, err := libcipher.GenerateSalt()
	require.NoError(t, err)
	storeKey, err := libcipher.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, libcipher.WriteKeyFile(path, "hunter2", salt, storeKey))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:1+libcipher.SaltSize], 0600))

	_, err = libcipher.ReadKeyFile(path, "hunter2")
	require.ErrorIs(t, err, libcipher.ErrDecryptFailed)
}

func TestKeyFile_UnknownVersionFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seshat-index.key")

	salt, err := libcipher.GenerateSalt()
	require.NoError(t, err)
	storeKey, err := libcipher.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, libcipher.WriteKeyFile(path, "hunter2", salt, storeKey))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] = 0x7f
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = libcipher.ReadKeyFile(path, "hunter2")
	require.ErrorIs(t, err, libcipher.ErrKeyfileVersion)
}
