package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/config"
)

// Extended key version bytes. Mainnet keys serialize as xprv/xpub and
// testnet keys as tprv/tpub.
var (
	mainnetPrivVersion = mustHex("0488ade4")
	mainnetPubVersion  = mustHex("0488b21e")
	testnetPrivVersion = mustHex("04358394")
	testnetPubVersion  = mustHex("043587cf")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// keyVersion returns the serialization version for a key on net.
func keyVersion(net config.NetworkType, private bool) []byte {
	switch {
	case net == config.Testnet && private:
		return testnetPrivVersion
	case net == config.Testnet:
		return testnetPubVersion
	case private:
		return mainnetPrivVersion
	default:
		return mainnetPubVersion
	}
}

// versionNetwork maps serialized version bytes back to a network.
func versionNetwork(version []byte) (net config.NetworkType, private bool, err error) {
	switch {
	case bytes.Equal(version, mainnetPrivVersion):
		return config.Mainnet, true, nil
	case bytes.Equal(version, mainnetPubVersion):
		return config.Mainnet, false, nil
	case bytes.Equal(version, testnetPrivVersion):
		return config.Testnet, true, nil
	case bytes.Equal(version, testnetPubVersion):
		return config.Testnet, false, nil
	}
	return "", false, fmt.Errorf("unknown extended key version %x", version)
}

// ParseNetwork validates a network name.
func ParseNetwork(s string) (config.NetworkType, error) {
	n := config.NetworkType(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown network %q", s)
	}
	return n, nil
}
