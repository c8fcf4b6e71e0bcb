package wallet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/pkg/tx"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// ErrBadPSBT is returned for a PSBT string that does not decode.
var ErrBadPSBT = errors.New("malformed psbt")

// PSBT is a partially signed transaction: the transaction plus what a
// signer needs to know about each input it spends.
type PSBT struct {
	Tx     *tx.Transaction `json:"tx"`
	Inputs []PSBTInput     `json:"inputs"`
}

// PSBTInput describes the output spent by the matching transaction input.
// Derivation is set only for inputs owned by the creating wallet.
type PSBTInput struct {
	Value      uint64       `json:"value"`
	Script     types.Script `json:"script"`
	Derivation *derivation  `json:"derivation,omitempty"`
}

// Encode returns the base64 form exchanged with the host.
func (p *PSBT) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("psbt marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePSBT parses the base64 form produced by Encode.
func DecodePSBT(s string) (*PSBT, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPSBT, err)
	}
	var p PSBT
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPSBT, err)
	}
	if p.Tx == nil {
		return nil, fmt.Errorf("%w: no transaction", ErrBadPSBT)
	}
	if len(p.Inputs) != len(p.Tx.Inputs) {
		return nil, fmt.Errorf("%w: %d input records for %d inputs", ErrBadPSBT, len(p.Inputs), len(p.Tx.Inputs))
	}
	return &p, nil
}

// Fee returns inputs minus outputs.
func (p *PSBT) Fee() (uint64, error) {
	var in uint64
	for _, i := range p.Inputs {
		in += i.Value
	}
	out, err := p.Tx.TotalOutputValue()
	if err != nil {
		return 0, err
	}
	if out > in {
		return 0, fmt.Errorf("outputs %d exceed inputs %d", out, in)
	}
	return in - out, nil
}
