package wallet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-bridge/config"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
	"github.com/tyler-smith/go-bip32"
)

// Keychain selects the external (receive) or internal (change) chain.
type Keychain uint8

const (
	KeychainExternal Keychain = ChangeExternal
	KeychainInternal Keychain = ChangeInternal
)

func (k Keychain) String() string {
	if k == KeychainInternal {
		return "internal"
	}
	return "external"
}

// Descriptor describes one chain of addresses: an extended key, a fixed
// derivation path below it and a wildcard for the address index.
//
//	<xkey>[/<i>[']...]/*
//
// Hardened steps are written with ' or h and need a private key.
type Descriptor struct {
	root  *HDKey
	path  []uint32
	chain *HDKey // root derived along path
}

// ParseDescriptor parses a descriptor string.
func ParseDescriptor(s string) (*Descriptor, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[len(parts)-1] != "*" {
		return nil, fmt.Errorf("descriptor must have the form <xkey>[/path]/*")
	}
	root, err := ParseExtendedKey(parts[0])
	if err != nil {
		return nil, err
	}

	path := make([]uint32, 0, len(parts)-2)
	for _, p := range parts[1 : len(parts)-1] {
		idx, err := parsePathElem(p)
		if err != nil {
			return nil, err
		}
		path = append(path, idx)
	}

	chain, err := root.DerivePath(path...)
	if err != nil {
		return nil, fmt.Errorf("derive descriptor path: %w", err)
	}
	return &Descriptor{root: root, path: path, chain: chain}, nil
}

func parsePathElem(p string) (uint32, error) {
	hardened := false
	if n := len(p); n > 0 && (p[n-1] == '\'' || p[n-1] == 'h') {
		hardened = true
		p = p[:n-1]
	}
	v, err := strconv.ParseUint(p, 10, 32)
	if err != nil || v >= uint64(bip32.FirstHardenedChild) {
		return 0, fmt.Errorf("bad derivation step %q", p)
	}
	if hardened {
		return uint32(v) + bip32.FirstHardenedChild, nil
	}
	return uint32(v), nil
}

// Network returns the network of the descriptor's key.
func (d *Descriptor) Network() config.NetworkType { return d.root.Network() }

// IsPrivate reports whether the descriptor can sign.
func (d *Descriptor) IsPrivate() bool { return d.root.IsPrivate() }

// Key derives the key for address index i.
func (d *Descriptor) Key(i uint32) (*HDKey, error) {
	if i >= bip32.FirstHardenedChild {
		return nil, fmt.Errorf("address index %d out of range", i)
	}
	return d.chain.DeriveChild(i)
}

// Address derives the address for index i.
func (d *Descriptor) Address(i uint32) (types.Address, error) {
	k, err := d.Key(i)
	if err != nil {
		return types.Address{}, err
	}
	return k.Address(), nil
}

// String returns the descriptor in the form it was parsed from.
func (d *Descriptor) String() string {
	var b strings.Builder
	b.WriteString(d.root.String())
	for _, idx := range d.path {
		b.WriteByte('/')
		if idx >= bip32.FirstHardenedChild {
			b.WriteString(strconv.FormatUint(uint64(idx-bip32.FirstHardenedChild), 10))
			b.WriteByte('\'')
		} else {
			b.WriteString(strconv.FormatUint(uint64(idx), 10))
		}
	}
	b.WriteString("/*")
	return b.String()
}

// Public returns the watch-only form: the neutered chain key followed by
// the wildcard. Hardened steps cannot be expressed below an xpub, so the
// path is folded into the key.
func (d *Descriptor) Public() string {
	return d.chain.Neuter().String() + "/*"
}

// Zero clears private key material held by the descriptor.
func (d *Descriptor) Zero() {
	d.root.Zero()
	d.chain.Zero()
}

// DefaultDescriptors returns BIP-44 style external and internal descriptors
// for account under an extended private key.
func DefaultDescriptors(xprv string, account uint32) (external, internal string) {
	base := fmt.Sprintf("%s/%d'/%d'/%d'", xprv,
		PurposeBIP44-bip32.FirstHardenedChild,
		CoinTypeKlingnet-bip32.FirstHardenedChild,
		account)
	return fmt.Sprintf("%s/%d/*", base, ChangeExternal), fmt.Sprintf("%s/%d/*", base, ChangeInternal)
}
