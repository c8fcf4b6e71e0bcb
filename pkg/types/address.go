package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressSize is the length of an address in bytes.
const AddressSize = 20

// Address HRPs (human-readable parts) for bech32 encoding.
const (
	MainnetHRP = "kgx"
	TestnetHRP = "tkgx"
)

// Address represents a 160-bit address (public key hash).
type Address [AddressSize]byte

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Encode returns the bech32 form of the address under hrp.
func (a Address) Encode(hrp string) (string, error) {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("bech32 convert: %w", err)
	}
	s, err := bech32.Encode(hrp, conv)
	if err != nil {
		return "", fmt.Errorf("bech32 encode: %w", err)
	}
	return s, nil
}

// String returns the raw hex address. Use Encode for the user-facing form,
// which depends on the network.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalJSON encodes the address as raw hex.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a raw hex or bech32 address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	if parsed, err := HexToAddress(s); err == nil {
		*a = parsed
		return nil
	}
	parsed, _, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a bech32 address and returns it with its HRP.
func ParseAddress(s string) (Address, string, error) {
	if s == "" {
		return Address{}, "", fmt.Errorf("empty address")
	}
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return Address{}, "", fmt.Errorf("invalid bech32 address: %w", err)
	}
	conv, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, "", fmt.Errorf("invalid bech32 address: %w", err)
	}
	if len(conv) != AddressSize {
		return Address{}, "", fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(conv))
	}
	var a Address
	copy(a[:], conv)
	return a, hrp, nil
}

// ParseAddressHRP decodes a bech32 address and checks that it belongs to hrp.
func ParseAddressHRP(s, hrp string) (Address, error) {
	a, got, err := ParseAddress(s)
	if err != nil {
		return Address{}, err
	}
	if got != hrp {
		return Address{}, fmt.Errorf("address %s is for %q, want %q", s, got, hrp)
	}
	return a, nil
}

// HexToAddress converts a 40-character hex string to an Address.
func HexToAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}
