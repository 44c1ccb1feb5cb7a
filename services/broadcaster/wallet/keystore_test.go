package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "relayer.json")
	require.NoError(t, SaveKeystore(path, "0x"+testKey, "hunter2"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	direct, err := NewEVMWallet(testKey)
	require.NoError(t, err)
	loaded, err := LoadKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, direct.Address(), loaded.Address())

	_, err = LoadKeystore(path, "wrong")
	require.ErrorIs(t, err, ErrKeystorePassphrase)
	_, err = LoadKeystore(filepath.Join(t.TempDir(), "missing.json"), "hunter2")
	require.Error(t, err)
}

func TestSaveKeystoreReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayer.json")
	require.NoError(t, SaveKeystore(path, testKey, "first"))
	require.NoError(t, SaveKeystore(path, testKey, "second"))

	_, err := LoadKeystore(path, "first")
	require.ErrorIs(t, err, ErrKeystorePassphrase)
	_, err = LoadKeystore(path, "second")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveKeystoreRejectsBadKey(t *testing.T) {
	require.Error(t, SaveKeystore(filepath.Join(t.TempDir(), "k.json"), "not-hex", "pw"))
	require.Error(t, SaveKeystore("", testKey, "pw"))
}
