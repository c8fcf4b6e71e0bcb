// Package wallet implements the Klingnet HD wallet held behind bridge handles.
package wallet

import (
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// DefaultWordCount is the mnemonic length used when none is requested.
const DefaultWordCount = 24

// SeedSize is the length of a BIP-39 seed in bytes.
const SeedSize = 64

// entropyBits maps a BIP-39 word count to its entropy size.
func entropyBits(words int) (int, error) {
	switch words {
	case 12, 15, 18, 21, 24:
		// Every 3 words carry 32 bits of entropy and 1 checksum bit.
		return words / 3 * 32, nil
	}
	return 0, fmt.Errorf("unsupported mnemonic word count %d (want 12, 15, 18, 21 or 24)", words)
}

// GenerateMnemonic creates a new BIP-39 mnemonic with the given word count.
func GenerateMnemonic(words int) (string, error) {
	bits, err := entropyBits(words)
	if err != nil {
		return "", err
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid per BIP-39
// (correct word count, valid words, valid checksum).
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NormalizeMnemonic lowercases a mnemonic and collapses its whitespace, so
// words pasted from a host text field hash to the same seed.
func NormalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

// SeedFromMnemonic derives the BIP-39 seed of a mnemonic and passphrase.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	mnemonic = NormalizeMnemonic(mnemonic)
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	return seed, nil
}
