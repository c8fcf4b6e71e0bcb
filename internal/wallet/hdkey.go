package wallet

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/config"
	"github.com/Klingon-tech/klingnet-bridge/pkg/crypto"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
	"github.com/tyler-smith/go-bip32"
)

// BIP-44 derivation path constants.
// Full path: m/44'/CoinType'/account'/change/index
const (
	// PurposeBIP44 is the BIP-44 purpose field (hardened).
	PurposeBIP44 = bip32.FirstHardenedChild + 44

	// CoinTypeKlingnet is the Klingnet coin type (hardened).
	CoinTypeKlingnet = bip32.FirstHardenedChild + 8888

	// ChangeExternal is for receiving addresses.
	ChangeExternal = 0

	// ChangeInternal is for change addresses.
	ChangeInternal = 1
)

// HDKey represents a hierarchical deterministic key (BIP-32) on a network.
type HDKey struct {
	key *bip32.Key
	net config.NetworkType
}

// NewMasterKey creates a master HD key from a 64-byte seed.
func NewMasterKey(seed []byte, net config.NetworkType) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master, net: net}, nil
}

// ParseExtendedKey decodes an xprv/xpub/tprv/tpub string. The network is
// taken from the version bytes.
func ParseExtendedKey(s string) (*HDKey, error) {
	k, err := bip32.B58Deserialize(s)
	if err != nil {
		return nil, fmt.Errorf("decode extended key: %w", err)
	}
	net, private, err := versionNetwork(k.Version)
	if err != nil {
		return nil, err
	}
	if private != k.IsPrivate {
		return nil, fmt.Errorf("extended key version does not match key material")
	}
	return &HDKey{key: k, net: net}, nil
}

// Network returns the network the key serializes for.
func (k *HDKey) Network() config.NetworkType { return k.net }

// DeriveChild derives a child key at the given index.
// For hardened derivation, add bip32.FirstHardenedChild to the index.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child, net: k.net}, nil
}

// DerivePath derives a key along a sequence of indices.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	current := k
	for _, idx := range indices {
		child, err := current.DeriveChild(idx)
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// PrivateKeyBytes returns the raw 32-byte private key.
// Returns nil if this is a public-only key.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	// Serialized private keys carry a leading 0x00.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		return raw[1:]
	}
	return raw
}

// PublicKeyBytes returns the compressed 33-byte public key.
func (k *HDKey) PublicKeyBytes() []byte {
	return k.key.PublicKey().Key
}

// Signer returns a crypto.Signer from this HD key's private key.
// Returns error if this is a public-only key.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	priv := k.PrivateKeyBytes()
	if priv == nil {
		return nil, ErrWatchOnly
	}
	return crypto.PrivateKeyFromBytes(priv)
}

// Address derives a Klingnet address from this key's public key.
func (k *HDKey) Address() types.Address {
	return crypto.AddressFromPubKey(k.PublicKeyBytes())
}

// IsPrivate returns true if this key contains a private key.
func (k *HDKey) IsPrivate() bool {
	return k.key.IsPrivate
}

// Depth returns the derivation depth (0 for master).
func (k *HDKey) Depth() uint8 {
	return k.key.Depth
}

// Neuter returns a public-key-only copy (for watch-only wallets).
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey(), net: k.net}
}

// String serializes the key in base58 with the version bytes of its network.
func (k *HDKey) String() string {
	c := *k.key
	c.Version = keyVersion(k.net, k.key.IsPrivate)
	return c.B58Serialize()
}

// Zero clears the private key material.
func (k *HDKey) Zero() {
	if k.key.IsPrivate {
		for i := range k.key.Key {
			k.key.Key[i] = 0
		}
	}
}
