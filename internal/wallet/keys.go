package wallet

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/config"
)

// ExtendedKeys is the result of key generation or restore.
type ExtendedKeys struct {
	Mnemonic   string `json:"mnemonic"`
	ExtPrivKey string `json:"ext_priv_key"`
	ExtPubKey  string `json:"ext_pub_key"`
}

// GenerateExtendedKeys creates a fresh mnemonic with the given word count
// and returns it with the master extended keys for net.
func GenerateExtendedKeys(net config.NetworkType, words int) (*ExtendedKeys, error) {
	mnemonic, err := GenerateMnemonic(words)
	if err != nil {
		return nil, err
	}
	return CreateExtendedKeys(net, mnemonic)
}

// CreateExtendedKeys derives the master extended keys for net from an
// existing mnemonic. The BIP-39 passphrase is empty.
func CreateExtendedKeys(net config.NetworkType, mnemonic string) (*ExtendedKeys, error) {
	if !net.Valid() {
		return nil, fmt.Errorf("unknown network %q", net)
	}
	mnemonic = NormalizeMnemonic(mnemonic)
	seed, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	master, err := NewMasterKey(seed, net)
	if err != nil {
		return nil, err
	}
	return &ExtendedKeys{
		Mnemonic:   mnemonic,
		ExtPrivKey: master.String(),
		ExtPubKey:  master.Neuter().String(),
	}, nil
}
