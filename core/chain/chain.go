package chain

import (
	"fmt"
	"strconv"
	"strings"
)

// Type enumerates the virtual machine family of a network.
type Type uint8

const (
	// TypeEVM identifies EVM compatible networks.
	TypeEVM Type = 0
)

// ID is the composite identity of a supported network. It is used as the key
// for every piece of chain scoped state; there is no implicit current chain.
type ID struct {
	Type Type   `json:"type" yaml:"type" toml:"type"`
	ID   uint64 `json:"id" yaml:"id" toml:"id"`
}

// New returns the chain identity for the provided pair.
func New(t Type, id uint64) ID {
	return ID{Type: t, ID: id}
}

// EVM is shorthand for an EVM chain identity.
func EVM(id uint64) ID {
	return ID{Type: TypeEVM, ID: id}
}

// Key renders the identity as "<type>:<id>", suitable for map and database keys.
func (c ID) Key() string {
	return fmt.Sprintf("%d:%d", c.Type, c.ID)
}

// String implements fmt.Stringer.
func (c ID) String() string {
	return fmt.Sprintf("%d-%d", c.Type, c.ID)
}

// IsZero reports whether the identity was left unset.
func (c ID) IsZero() bool {
	return c.Type == 0 && c.ID == 0
}

// ParseKey reverses Key.
func ParseKey(raw string) (ID, error) {
	typePart, idPart, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return ID{}, fmt.Errorf("chain: malformed key %q", raw)
	}
	return parseParts(typePart, idPart)
}

// ParseSlug parses the "<type>-<id>" form used in content topics.
func ParseSlug(raw string) (ID, error) {
	typePart, idPart, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return ID{}, fmt.Errorf("chain: malformed slug %q", raw)
	}
	return parseParts(typePart, idPart)
}

func parseParts(typePart, idPart string) (ID, error) {
	t, err := strconv.ParseUint(typePart, 10, 8)
	if err != nil {
		return ID{}, fmt.Errorf("chain: parse type %q: %w", typePart, err)
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("chain: parse id %q: %w", idPart, err)
	}
	return ID{Type: Type(t), ID: id}, nil
}
