package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("reliability_key|send_success|0|1"), []byte("3")))
	require.NoError(t, db.Put([]byte("reliability_key|send_failure|0|1"), []byte("1")))
	require.NoError(t, db.Put([]byte("handledClientPubKeys|broadcaster"), []byte("[]")))

	value, err := db.Get([]byte("reliability_key|send_success|0|1"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), value)

	keys, err := db.Keys([]byte("reliability_key|"))
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "reliability_key|send_failure|0|1", string(keys[0]))

	require.NoError(t, db.Delete([]byte("reliability_key|send_failure|0|1")))
	require.NoError(t, db.Delete([]byte("never-written")))
	keys, err = db.Keys([]byte("reliability_key|"))
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "kv"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDBRequiresPath(t *testing.T) {
	_, err := NewLevelDB("  ")
	require.Error(t, err)
}
