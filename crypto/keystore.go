package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	// ErrKeystoreExists is returned when a keystore file is already present at
	// the target path. Role keys are never silently replaced.
	ErrKeystoreExists = errors.New("crypto: keystore already exists")
	// ErrRoleMismatch is returned when a keystore holds a key for a different
	// address than the role it was loaded for.
	ErrRoleMismatch = errors.New("crypto: keystore does not match role address")
)

// SaveToKeystore encrypts key into a v3 keystore file at path. The parent
// directory is created with 0700 permissions and the file is written through
// a temporary file so a crash never leaves a truncated keystore behind.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil || key.PrivateKey == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrKeystoreExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	// Link fails when path appeared since the Stat above.
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrKeystoreExists)
		}
		return err
	}
	return nil
}

// LoadFromKeystore decrypts the v3 keystore file at path.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt %s: %w", path, err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadRoleKey decrypts the keystore for role and checks that it holds the
// key for expected.
func LoadRoleKey(role, path, passphrase string, expected [20]byte) (*PrivateKey, error) {
	key, err := LoadFromKeystore(path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%s keystore: %w", role, err)
	}
	if got := key.PubKey().Address(); got.Raw() != expected {
		return nil, fmt.Errorf("%s keystore holds %s, want %s: %w", role, got, FromRaw(expected), ErrRoleMismatch)
	}
	return key, nil
}
