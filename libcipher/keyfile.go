package libcipher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// KeyfileVersion is the current on-disk keyfile format version.
const KeyfileVersion byte = 1

// ErrKeyfileVersion is returned when a keyfile carries an unknown version.
var ErrKeyfileVersion = errors.New("libcipher: unsupported keyfile version")

// WriteKeyFile seals storeKey under a key derived from the passphrase and
// salt, and writes it to path atomically. Layout: version byte, the salt,
// then the sealed store key. The salt lives inside the keyfile so a rewrap
// replaces a single file; the header doubles as the seal's associated data
// to bind the salt to the wrapped key.
func WriteKeyFile(path, passphrase string, salt, storeKey []byte) error {
	if len(salt) != SaltSize {
		return fmt.Errorf("libcipher: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	kek, err := DeriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	sealer, err := NewSealer(kek)
	if err != nil {
		return err
	}
	header := make([]byte, 0, 1+SaltSize)
	header = append(header, KeyfileVersion)
	header = append(header, salt...)
	sealed, err := sealer.Seal(storeKey, header)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(header, sealed...), 0600)
}

// ReadKeyFile opens the keyfile at path and unseals the store key using the
// passphrase and the salt embedded in the file. A wrong passphrase surfaces
// as ErrDecryptFailed.
func ReadKeyFile(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("libcipher: reading keyfile: %w", err)
	}
	if len(raw) <= 1+SaltSize {
		return nil, fmt.Errorf("%w: keyfile truncated", ErrDecryptFailed)
	}
	if raw[0] != KeyfileVersion {
		return nil, fmt.Errorf("%w: %d", ErrKeyfileVersion, raw[0])
	}
	salt := raw[1 : 1+SaltSize]
	kek, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	sealer, err := NewSealer(kek)
	if err != nil {
		return nil, err
	}
	return sealer.Open(raw[1+SaltSize:], raw[:1+SaltSize])
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("libcipher: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("libcipher: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("libcipher: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("libcipher: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("libcipher: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("libcipher: renaming temp file: %w", err)
	}
	return nil
}
