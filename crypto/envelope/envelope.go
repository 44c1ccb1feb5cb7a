// Package envelope implements the encrypted request/response envelopes exchanged
// with clients: an Ed25519-curve key agreement between the node's viewing key and
// the client's ephemeral key, and AES-256-GCM over JSON payloads.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
)

const (
	// KeySize is the length of a derived shared key.
	KeySize = 32
	// IVSize matches the 16 byte IV clients use with AES-GCM.
	IVSize  = 16
	tagSize = 16
	seedLen = 32
)

var (
	// ErrInvalidPublicKey is returned when the remote key is not a valid curve point.
	ErrInvalidPublicKey = errors.New("envelope: invalid public key")
	// ErrInvalidPrivateKey is returned when the local key is not a 32 byte seed.
	ErrInvalidPrivateKey = errors.New("envelope: invalid private key")
)

// Ciphertext is the wire form of an encrypted payload. All fields are hex.
type Ciphertext struct {
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

// DeriveSharedKey agrees on a symmetric key between a local 32 byte Ed25519 seed and
// a remote encoded Edwards point. Both parties derive the same key.
func DeriveSharedKey(privateKey, remotePublicKey []byte) ([]byte, error) {
	scalar, err := privateScalar(privateKey)
	if err != nil {
		return nil, err
	}
	point, err := new(edwards25519.Point).SetBytes(remotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	shared := new(edwards25519.Point).ScalarMult(scalar, point)
	if shared.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, ErrInvalidPublicKey
	}
	sum := sha256.Sum256(shared.Bytes())
	return sum[:], nil
}

func privateScalar(seed []byte) (*edwards25519.Scalar, error) {
	if len(seed) != seedLen {
		return nil, ErrInvalidPrivateKey
	}
	digest := sha512.Sum512(seed)
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(digest[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return scalar, nil
}

// Seal encrypts plaintext under key with a fresh random IV.
func Seal(key, plaintext []byte) (Ciphertext, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Ciphertext{}, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Ciphertext{}, fmt.Errorf("envelope: read iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize
	return Ciphertext{
		IV:   hex.EncodeToString(iv),
		Tag:  hex.EncodeToString(sealed[split:]),
		Data: hex.EncodeToString(sealed[:split]),
	}, nil
}

// Open decrypts ct with key. It reports false when the envelope is malformed or
// was not encrypted under key; for a broadcaster that is the ordinary case of a
// message addressed to someone else, so no error is produced.
func Open(key []byte, ct Ciphertext) ([]byte, bool) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, false
	}
	iv, err := decodeHex(ct.IV)
	if err != nil || len(iv) != IVSize {
		return nil, false
	}
	tag, err := decodeHex(ct.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, false
	}
	data, err := decodeHex(ct.Data)
	if err != nil {
		return nil, false
	}
	plaintext, err := aead.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// EncryptJSON marshals v and seals it under key.
func EncryptJSON(key []byte, v any) (Ciphertext, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return Seal(key, raw)
}

// DecryptJSON opens ct and decodes the plaintext into T. The boolean is false when
// the envelope cannot be authenticated or the plaintext is not valid JSON for T.
func DecryptJSON[T any](key []byte, ct Ciphertext) (T, bool) {
	var out T
	raw, ok := Open(key, ct)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: init cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

func decodeHex(raw string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
}
