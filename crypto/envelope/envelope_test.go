package envelope

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *ViewingKey {
	t.Helper()
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	key, err := NewViewingKey(seed)
	require.NoError(t, err)
	return key
}

func TestSharedKeyIsSymmetric(t *testing.T) {
	node := newKey(t)
	client := newKey(t)

	fromNode, err := node.SharedKey(client.PublicHex())
	require.NoError(t, err)
	fromClient, err := client.SharedKey("0x" + node.PublicHex())
	require.NoError(t, err)
	require.Equal(t, fromNode, fromClient)
	require.Len(t, fromNode, KeySize)

	other := newKey(t)
	fromOther, err := other.SharedKey(client.PublicHex())
	require.NoError(t, err)
	require.NotEqual(t, fromNode, fromOther)
}

func TestDeriveSharedKeyRejectsBadInput(t *testing.T) {
	node := newKey(t)
	_, err := node.SharedKey("zz")
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = DeriveSharedKey([]byte("short"), node.PublicKey())
	require.ErrorIs(t, err, ErrInvalidPrivateKey)

	// Encoded identity point: scalar multiplication yields the identity again.
	_, err = node.SharedKey("01" + strings.Repeat("00", 31))
	require.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestSealOpenRoundTrip(t *testing.T) {
	node := newKey(t)
	client := newKey(t)
	key, err := node.SharedKey(client.PublicHex())
	require.NoError(t, err)

	ct, err := Seal(key, []byte(`{"txHash":"0xabc"}`))
	require.NoError(t, err)
	require.Len(t, ct.IV, IVSize*2)

	plain, ok := Open(key, ct)
	require.True(t, ok)
	require.JSONEq(t, `{"txHash":"0xabc"}`, string(plain))

	again, err := Seal(key, []byte(`{"txHash":"0xabc"}`))
	require.NoError(t, err)
	require.NotEqual(t, ct.IV, again.IV)
}

func TestOpenWithWrongKeyIsNotAnError(t *testing.T) {
	node := newKey(t)
	client := newKey(t)
	stranger := newKey(t)

	key, err := client.SharedKey(node.PublicHex())
	require.NoError(t, err)
	wrong, err := stranger.SharedKey(client.PublicHex())
	require.NoError(t, err)

	ct, err := EncryptJSON(key, map[string]string{"hello": "world"})
	require.NoError(t, err)

	_, ok := Open(wrong, ct)
	require.False(t, ok)

	tampered := ct
	tampered.Tag = "00" + ct.Tag[2:]
	_, ok = Open(key, tampered)
	require.False(t, ok)

	_, ok = Open(key, Ciphertext{IV: "nothex", Tag: ct.Tag, Data: ct.Data})
	require.False(t, ok)
}

func TestDecryptJSON(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	type payload struct {
		ChainID uint64 `json:"chainID"`
	}
	ct, err := EncryptJSON(key, payload{ChainID: 137})
	require.NoError(t, err)
	out, ok := DecryptJSON[payload](key, ct)
	require.True(t, ok)
	require.Equal(t, uint64(137), out.ChainID)

	notJSON, err := Seal(key, []byte("not json"))
	require.NoError(t, err)
	_, ok = DecryptJSON[payload](key, notJSON)
	require.False(t, ok)
}

func TestSignVerify(t *testing.T) {
	node := newKey(t)
	msg := []byte("fees")
	sig := node.Sign(msg)
	require.True(t, Verify(node.PublicKey(), msg, sig))
	require.False(t, Verify(node.PublicKey(), []byte("other"), sig))
	require.True(t, node.Matches("0x"+node.PublicHex()))
	require.Equal(t, "ViewingKey{REDACTED}", node.String())
}
