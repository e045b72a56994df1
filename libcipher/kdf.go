package libcipher

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the byte length of the key-derivation salt.
	SaltSize = 16
	// KeySize is the byte length of derived and store keys.
	KeySize = chacha20poly1305.KeySize
	// kdfIterations is the PBKDF2 iteration count.
	kdfIterations = 10_000
)

// ErrEmptyPassphrase is returned when key derivation is requested with an
// empty passphrase.
var ErrEmptyPassphrase = errors.New("libcipher: empty passphrase")

// GenerateSalt returns a fresh random salt of SaltSize bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("libcipher: generating salt: %w", err)
	}
	return salt, nil
}

// GenerateKey returns a fresh random key of KeySize bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("libcipher: generating key: %w", err)
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a KeySize-byte key using
// PBKDF2-HMAC-SHA256 with the given salt.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("libcipher: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, KeySize, sha256.New), nil
}
