package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking script.
type ScriptType uint8

const (
	ScriptTypeP2PKH ScriptType = 0x01 // Pay to public key hash
	ScriptTypeP2SH  ScriptType = 0x02 // Pay to script hash
	ScriptTypeBurn  ScriptType = 0x11 // Unspendable
	ScriptTypeStake ScriptType = 0x40 // Validator stake lock
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeP2SH:
		return "P2SH"
	case ScriptTypeBurn:
		return "Burn"
	case ScriptTypeStake:
		return "Stake"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for a UTXO.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// P2PKH returns a pay-to-public-key-hash script for addr.
func P2PKH(addr Address) Script {
	return Script{Type: ScriptTypeP2PKH, Data: addr[:]}
}

// Address returns the address a P2PKH script pays to.
func (s Script) Address() (Address, bool) {
	if s.Type != ScriptTypeP2PKH || len(s.Data) != AddressSize {
		return Address{}, false
	}
	var a Address
	copy(a[:], s.Data)
	return a, true
}

// Hex returns the script as type byte followed by data, hex-encoded.
func (s Script) Hex() string {
	return hex.EncodeToString(append([]byte{byte(s.Type)}, s.Data...))
}

type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	s.Data = nil
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
