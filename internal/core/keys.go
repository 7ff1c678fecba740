package core

import (
	"encoding/binary"
	"fmt"

	"identitycore/pkg/domain"
)

// Record buckets.
const (
	BucketIdentity      domain.Bucket = "identity"
	BucketIdentityOwner domain.Bucket = "identity_owner"
	BucketToken         domain.Bucket = "token"
	BucketTokenOwner    domain.Bucket = "token_owner"
	BucketTokenIdentity domain.Bucket = "token_identity"
	BucketMeta          domain.Bucket = "meta"
)

// Collection names. Each owns the <name>.count, <name>.array and <name>.index buckets.
const (
	CollectionIdentities      = "identities"
	CollectionOwnerIdentities = "owner_identities"
	CollectionTokens          = "tokens"
	CollectionOwnerTokens     = "owner_tokens"
	CollectionIdentityTokens  = "identity_tokens"
)

var nonceKey = []byte("nonce")

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("expected 8 byte counter, got %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// encodeScope length-prefixes a scope so that (scope, suffix) keys never collide
// across scopes of different lengths.
func encodeScope(scope []byte) []byte {
	out := make([]byte, 4+len(scope))
	binary.BigEndian.PutUint32(out, uint32(len(scope)))
	copy(out[4:], scope)
	return out
}

func scopedKey(scope, suffix []byte) []byte {
	prefix := encodeScope(scope)
	out := make([]byte, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	return append(out, suffix...)
}

// splitScopedKey reverses scopedKey.
func splitScopedKey(key []byte) (scope, suffix []byte, err error) {
	if len(key) < 4 {
		return nil, nil, fmt.Errorf("scoped key too short: %d bytes", len(key))
	}
	n := int(binary.BigEndian.Uint32(key))
	if len(key) < 4+n {
		return nil, nil, fmt.Errorf("scoped key truncated: want %d scope bytes, have %d", n, len(key)-4)
	}
	return key[4 : 4+n], key[4+n:], nil
}
