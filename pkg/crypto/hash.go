// Package crypto provides the hashing and signing primitives used for
// addresses and transactions.
package crypto

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// Hash computes a BLAKE3-256 hash of the input data. Transaction ids and
// addresses are built on it.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashParts hashes a sequence of fields, each prefixed with its length so
// that no two sequences share an encoding. domain separates unrelated uses.
func HashParts(domain string, parts ...[]byte) types.Hash {
	h := blake3.New()
	var n [4]byte
	for _, p := range append([][]byte{[]byte(domain)}, parts...) {
		binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = BLAKE3(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}
