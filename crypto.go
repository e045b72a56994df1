package seshat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seshatdb/seshat/libcipher"
)

const keyFileName = "seshat-index.key"

// cryptoState holds the sealing material of an encrypted database: the
// random store key (unwrapped from the keyfile) and the sealer built from
// it. Nil for an unencrypted database.
type cryptoState struct {
	storeKey []byte
	sealer   *libcipher.Sealer
}

// openCrypto sets up or unlocks the encryption layer under indexDir. A new
// database generates a random store key and wraps it under the
// passphrase-derived key; an existing one unwraps the keyfile. With an
// empty passphrase it refuses to open a database that has a keyfile.
func openCrypto(indexDir, passphrase string) (*cryptoState, error) {
	keyPath := filepath.Join(indexDir, keyFileName)
	_, keyErr := os.Stat(keyPath)
	keyfileExists := keyErr == nil

	if passphrase == "" {
		if keyfileExists {
			return nil, fmt.Errorf("%w: database is encrypted, passphrase required", ErrStoreFailure)
		}
		return nil, nil
	}
	if err := os.MkdirAll(indexDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating index directory: %w", ErrStoreFailure, err)
	}

	if keyfileExists {
		storeKey, err := libcipher.ReadKeyFile(keyPath, passphrase)
		if err != nil {
			if errors.Is(err, libcipher.ErrDecryptFailed) {
				return nil, fmt.Errorf("%w: wrong passphrase", ErrStoreFailure)
			}
			return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		sealer, err := libcipher.NewSealer(storeKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		return &cryptoState{storeKey: storeKey, sealer: sealer}, nil
	}

	salt, err := libcipher.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	storeKey, err := libcipher.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	if err := libcipher.WriteKeyFile(keyPath, passphrase, salt, storeKey); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	sealer, err := libcipher.NewSealer(storeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return &cryptoState{storeKey: storeKey, sealer: sealer}, nil
}

// rewrap re-keys the keyfile under a new passphrase with a fresh salt. The
// store key is unchanged, so sealed blobs and segments stay valid. Salt and
// wrapped key share one file, so the swap is a single atomic rename and a
// crash cannot separate them.
func (c *cryptoState) rewrap(indexDir, newPassphrase string) error {
	if newPassphrase == "" {
		return fmt.Errorf("%w: empty passphrase", ErrInvalidConfig)
	}
	salt, err := libcipher.GenerateSalt()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	if err := libcipher.WriteKeyFile(filepath.Join(indexDir, keyFileName), newPassphrase, salt, c.storeKey); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return nil
}

// seal encrypts a serialized event payload when encryption is on.
func (c *cryptoState) seal(blob []byte) ([]byte, error) {
	if c == nil {
		return blob, nil
	}
	sealed, err := c.sealer.Seal(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return sealed, nil
}

// open decrypts a stored event payload when encryption is on.
func (c *cryptoState) open(blob []byte) ([]byte, error) {
	if c == nil {
		return blob, nil
	}
	opened, err := c.sealer.Open(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return opened, nil
}
