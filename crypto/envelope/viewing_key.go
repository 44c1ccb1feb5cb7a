package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// ViewingKey is the node's long lived Ed25519 key pair. Clients encrypt requests
// against its public half; fee broadcasts are signed with it.
type ViewingKey struct {
	seed   []byte
	public ed25519.PublicKey
}

// NewViewingKey wraps a 32 byte seed.
func NewViewingKey(seed []byte) (*ViewingKey, error) {
	if len(seed) != seedLen {
		return nil, ErrInvalidPrivateKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &ViewingKey{
		seed:   append([]byte(nil), seed...),
		public: priv.Public().(ed25519.PublicKey),
	}, nil
}

// ParseViewingKey decodes a hex encoded seed.
func ParseViewingKey(raw string) (*ViewingKey, error) {
	seed, err := decodeHex(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return NewViewingKey(seed)
}

// PublicKey returns a copy of the encoded public point.
func (k *ViewingKey) PublicKey() []byte {
	return append([]byte(nil), k.public...)
}

// PublicHex returns the public key as lower-case hex without prefix.
func (k *ViewingKey) PublicHex() string {
	return hex.EncodeToString(k.public)
}

// Matches reports whether raw (hex, optional 0x) names this key's public half.
func (k *ViewingKey) Matches(raw string) bool {
	return strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), k.PublicHex())
}

// SharedKey derives the symmetric key shared with a hex encoded remote public key.
func (k *ViewingKey) SharedKey(remotePublicHex string) ([]byte, error) {
	remote, err := decodeHex(remotePublicHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return DeriveSharedKey(k.seed, remote)
}

// Sign signs msg with the viewing key.
func (k *ViewingKey) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(k.seed), msg)
}

// Verify checks a signature produced by the holder of publicKey.
func Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, msg, sig)
}

func (k *ViewingKey) String() string {
	return "ViewingKey{REDACTED}"
}
