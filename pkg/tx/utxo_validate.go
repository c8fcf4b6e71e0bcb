package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-bridge/pkg/crypto"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound     = errors.New("input UTXO not found")
	ErrInsufficientFee   = errors.New("insufficient fee")
	ErrInputOverflow     = errors.New("input values overflow")
	ErrScriptMismatch    = errors.New("pubkey does not match UTXO script")
	ErrUnspendableOutput = errors.New("output is unspendable")
)

// UTXOProvider gives read access to the outputs a transaction spends.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (value uint64, script types.Script, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// ValidateWithUTXOs checks a signed transaction against the outputs it
// spends: inputs exist, pubkeys match their P2PKH scripts, signatures
// verify, and inputs cover outputs plus minFee. It returns the fee.
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider, minFee uint64) (uint64, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		if !provider.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}
		value, script, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		switch script.Type {
		case types.ScriptTypeP2PKH:
			if err := verifyP2PKH(in.PubKey, script.Data); err != nil {
				return 0, fmt.Errorf("input %d: %w", i, err)
			}
		default:
			return 0, fmt.Errorf("input %d (%s): %w: %s output", i, in.PrevOut, ErrUnspendableOutput, script.Type)
		}

		if totalInput > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += value
	}

	if err := tx.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, err := tx.TotalOutputValue()
	if err != nil {
		return 0, err
	}
	if totalInput < totalOutput || totalInput-totalOutput < minFee {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d min_fee=%d", ErrInsufficientFee, totalInput, totalOutput, minFee)
	}
	return totalInput - totalOutput, nil
}

func verifyP2PKH(pubKey []byte, scriptData []byte) error {
	if len(scriptData) != types.AddressSize {
		return fmt.Errorf("%w: script data length %d", ErrScriptMismatch, len(scriptData))
	}
	if len(pubKey) == 0 {
		return ErrMissingPubKey
	}
	var expected types.Address
	copy(expected[:], scriptData)
	if derived := crypto.AddressFromPubKey(pubKey); derived != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrScriptMismatch, expected, derived)
	}
	return nil
}
