package core

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"identitycore/pkg/domain"
)

// NextID derives an identifier from the call's entropy seed, the caller, and
// the registry nonce. Uniqueness is enforced by the mint guards, not here.
func NextID(seed domain.Hash, caller domain.AccountID, nonce uint64) domain.Hash {
	buf := make([]byte, 0, domain.HashSize+4+len(caller)+8)
	buf = append(buf, seed[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(caller)))
	buf = append(buf, caller...)
	buf = binary.LittleEndian.AppendUint64(buf, nonce)
	return domain.Hash(blake2b.Sum256(buf))
}
