// Package tx defines transaction types, encoding, signing and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-bridge/pkg/crypto"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// Transaction represents a chain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Signature, in.PubKey = nil, nil
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// Hash computes the transaction ID (BLAKE3 hash of the signing bytes).
// Signatures are excluded, so the ID is fixed before signing.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | input_count(4) | [prevout(36)]... | output_count(4) |
// [value(8) + script_type(1) + script_data_len(4) + script_data]... | locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
	}

	buf = appendOutputs(buf, tx.Outputs)
	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)
	return buf
}

func appendOutputs(buf []byte, outs []Output) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(outs)))
	for _, out := range outs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}
	return buf
}

// TotalOutputValue returns the sum of all output values.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

// Signed reports whether every input carries a signature and public key.
func (tx *Transaction) Signed() bool {
	for _, in := range tx.Inputs {
		if len(in.Signature) == 0 || len(in.PubKey) == 0 {
			return false
		}
	}
	return len(tx.Inputs) > 0
}

// Clone returns a deep copy of tx.
func (tx *Transaction) Clone() *Transaction {
	out := &Transaction{Version: tx.Version, LockTime: tx.LockTime}
	out.Inputs = make([]Input, len(tx.Inputs))
	for i, in := range tx.Inputs {
		out.Inputs[i] = Input{
			PrevOut:   in.PrevOut,
			Signature: append([]byte(nil), in.Signature...),
			PubKey:    append([]byte(nil), in.PubKey...),
		}
	}
	out.Outputs = make([]Output, len(tx.Outputs))
	for i, o := range tx.Outputs {
		out.Outputs[i] = Output{Value: o.Value, Script: types.Script{Type: o.Script.Type, Data: append([]byte(nil), o.Script.Data...)}}
	}
	return out
}
