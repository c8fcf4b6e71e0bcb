package tx

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/pkg/crypto"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx: &Transaction{Version: 1},
	}
}

// FromTransaction continues building (usually signing) an existing
// transaction. The builder works on a copy.
func FromTransaction(t *Transaction) *Builder {
	return &Builder{tx: t.Clone()}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds an output with a value and script.
func (b *Builder) AddOutput(value uint64, script types.Script) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Script: script})
	return b
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// SignMulti signs the inputs whose owning address has a signer.
// outpointAddr maps each input's outpoint to the address that owns it.
// Inputs with no mapping or no signer are left untouched; the number of
// inputs signed is returned.
func (b *Builder) SignMulti(
	signers map[types.Address]crypto.Signer,
	outpointAddr map[types.Outpoint]types.Address,
) (int, error) {
	hash := b.tx.Hash()

	// Schnorr signing here is deterministic: one signature per key.
	type sigPub struct {
		sig    []byte
		pubKey []byte
	}
	cache := make(map[types.Address]*sigPub)

	signed := 0
	for i := range b.tx.Inputs {
		addr, ok := outpointAddr[b.tx.Inputs[i].PrevOut]
		if !ok {
			continue
		}
		key, ok := signers[addr]
		if !ok {
			continue
		}

		sp, cached := cache[addr]
		if !cached {
			sig, err := key.Sign(hash[:])
			if err != nil {
				return signed, fmt.Errorf("sign input %d: %w", i, err)
			}
			sp = &sigPub{sig: sig, pubKey: key.PublicKey()}
			cache[addr] = sp
		}
		b.tx.Inputs[i].Signature = sp.sig
		b.tx.Inputs[i].PubKey = sp.pubKey
		signed++
	}
	return signed, nil
}

// Build returns the constructed transaction. It does not validate.
func (b *Builder) Build() *Transaction {
	return b.tx
}
