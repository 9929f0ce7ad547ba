package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// LoadKeystore decrypts an Ethereum v3 keystore file.
func LoadKeystore(path, passphrase string) (*KeySigner, error) {
	if path == "" {
		return nil, errors.New("wallet: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt keystore: %w", err)
	}
	return NewKeySigner(key.PrivateKey), nil
}

// SaveKeystore encrypts key into a v3 keystore file at path with 0600 permissions.
// scryptN and scryptP select the KDF cost, e.g. keystore.StandardScryptN/P.
func SaveKeystore(path string, key *ecdsa.PrivateKey, passphrase string, scryptN, scryptP int) error {
	if key == nil {
		return errors.New("wallet: nil private key")
	}
	if path == "" {
		return errors.New("wallet: empty keystore path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	keyJSON, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("wallet: encrypt keystore: %w", err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, keyJSON, 0o600)
}
