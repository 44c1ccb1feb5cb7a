package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ErrKeystorePassphrase reports a keystore that did not decrypt with the
// configured passphrase.
var ErrKeystorePassphrase = errors.New("wallet: keystore passphrase rejected")

// SaveKeystore encrypts the relayer's hex signing key into a v3 keystore at
// path. The file replaces any previous one atomically and ends up 0600 inside a
// 0700 directory.
func SaveKeystore(path, privKeyHex, passphrase string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("wallet: keystore path required")
	}
	priv, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x"))
	if err != nil {
		return fmt.Errorf("wallet: parse signing key: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("wallet: keystore id: %w", err)
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    ethcrypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		return fmt.Errorf("wallet: encrypt signing key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("wallet: keystore dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return fmt.Errorf("wallet: keystore temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encrypted); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("wallet: write keystore: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("wallet: keystore permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("wallet: write keystore: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadKeystore decrypts a v3 keystore into the relayer wallet.
func LoadKeystore(path, passphrase string) (*EVMWallet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("wallet: keystore path required")
	}
	encrypted, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(encrypted, passphrase)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, ErrKeystorePassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt keystore: %w", err)
	}
	return newEVMWallet(key.PrivateKey), nil
}
