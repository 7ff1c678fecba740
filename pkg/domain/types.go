// Package domain defines the records, identifiers, events, and persistence
// contracts shared by the identity registry and its storage backends.
package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HashSize is the byte length of every identifier produced or accepted by the registry.
const HashSize = 32

// Hash identifies identities and authorized tokens.
type Hash [HashSize]byte

// ParseHash decodes a 64 character hex string, with or without a 0x prefix.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash: %w", err)
	}
	return HashFromBytes(raw)
}

// HashFromBytes copies raw into a Hash. raw must be exactly HashSize bytes.
func HashFromBytes(raw []byte) (Hash, error) {
	var h Hash
	if len(raw) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Bytes returns the identifier as a freshly allocated slice.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// IsZero reports whether every byte of the hash is zero.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// AccountID is an opaque authenticated account identifier.
type AccountID string

// Bytes returns the raw account bytes used for key encoding.
func (a AccountID) Bytes() []byte { return []byte(a) }

// Amount is the cost value attached to a token. It is stored, never settled.
type Amount uint64

// Identity is a registered subject. It is immutable once minted.
type Identity struct {
	ID Hash `json:"id"`
}

// AuthorizedToken is a grant bound to exactly one identity for its lifetime.
type AuthorizedToken struct {
	ID       Hash   `json:"id"`
	Cost     Amount `json:"cost"`
	Data     uint64 `json:"data"`
	Datatype uint64 `json:"datatype"`
	Expired  uint64 `json:"expired"`
}

// TokenParams carries the caller supplied fields of a token creation call.
type TokenParams struct {
	To         AccountID
	IdentityID Hash
	Cost       Amount
	Data       uint64
	Datatype   uint64
	Expired    uint64
}

// Origin is the authenticated caller of an operation plus the entropy seed
// supplied by the host for that call.
type Origin struct {
	Caller AccountID
	Seed   Hash
}

// Validate rejects origins without a caller.
func (o Origin) Validate() error {
	if o.Caller == "" {
		return RegistryError{Err: ErrBadOrigin, Detail: "caller is required"}
	}
	return nil
}
