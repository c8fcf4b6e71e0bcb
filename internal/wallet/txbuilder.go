package wallet

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/Klingon-tech/klingnet-bridge/pkg/tx"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// maxFeeRounds bounds the fee/selection fixed-point loop.
const maxFeeRounds = 8

// Recipient is one payment of a TxRequest.
type Recipient struct {
	Address string
	Amount  uint64
}

// TxRequest describes a transaction to build.
type TxRequest struct {
	// FeeRate is in base units per byte; fractions round up.
	FeeRate    float64
	Recipients []Recipient
	// Unspendable outputs are never selected.
	Unspendable []types.Outpoint
	// MustSpend outputs are always selected.
	MustSpend []types.Outpoint
	// SendAll spends every available output to the single recipient,
	// whose amount is ignored.
	SendAll bool
}

type payment struct {
	script types.Script
	value  uint64
}

// CreateTx selects coins, adds change and returns the unsigned transaction
// as a PSBT together with the wallet's view of it.
func (w *Wallet) CreateTx(req TxRequest) (*TxDetails, *PSBT, error) {
	if len(req.Recipients) == 0 {
		return nil, nil, fmt.Errorf("no recipients")
	}
	if req.SendAll && len(req.Recipients) != 1 {
		return nil, nil, fmt.Errorf("send_all needs exactly one recipient, got %d", len(req.Recipients))
	}
	if req.FeeRate < 0 || math.IsNaN(req.FeeRate) || math.IsInf(req.FeeRate, 0) {
		return nil, nil, fmt.Errorf("invalid fee rate %v", req.FeeRate)
	}
	rate := uint64(math.Ceil(req.FeeRate))

	payments := make([]payment, 0, len(req.Recipients))
	var amount uint64
	for _, r := range req.Recipients {
		addr, err := types.ParseAddressHRP(r.Address, w.net.HRP())
		if err != nil {
			return nil, nil, err
		}
		if !req.SendAll {
			if r.Amount == 0 {
				return nil, nil, fmt.Errorf("zero amount to %s", r.Address)
			}
			if amount > math.MaxUint64-r.Amount {
				return nil, nil, fmt.Errorf("amount overflow")
			}
			amount += r.Amount
		}
		payments = append(payments, payment{script: types.P2PKH(addr), value: r.Amount})
	}

	required, optional, err := w.candidates(req)
	if err != nil {
		return nil, nil, err
	}

	var t *tx.Transaction
	var inputs []UTXO
	if req.SendAll {
		inputs = append(required, optional...)
		t, err = w.drain(inputs, payments[0].script, rate)
	} else {
		t, inputs, err = w.fund(required, optional, payments, amount, rate)
	}
	if err != nil {
		return nil, nil, err
	}

	p := &PSBT{Tx: t, Inputs: make([]PSBTInput, len(inputs))}
	for i, u := range inputs {
		p.Inputs[i] = PSBTInput{
			Value:      u.Value,
			Script:     u.Script,
			Derivation: &derivation{Keychain: u.Keychain, Index: u.Index},
		}
	}
	fee, err := p.Fee()
	if err != nil {
		return nil, nil, err
	}
	details := &TxDetails{
		TxID:      t.Hash(),
		Timestamp: time.Now().Unix(),
		Received:  w.ownedOutputs(t),
		Sent:      totalValue(inputs),
		Fees:      &fee,
	}
	w.logger.Debug().
		Str("txid", details.TxID.String()).
		Int("inputs", len(inputs)).
		Uint64("fee", fee).
		Msg("Transaction created")
	return details, p, nil
}

// candidates splits the spendable UTXOs into must-spend and optional sets.
func (w *Wallet) candidates(req TxRequest) (required, optional []UTXO, err error) {
	all, err := w.store.utxos()
	if err != nil {
		return nil, nil, err
	}
	byOutpoint := make(map[types.Outpoint]UTXO, len(all))
	for _, u := range all {
		byOutpoint[u.Outpoint] = u
	}

	excluded := make(map[types.Outpoint]bool, len(req.Unspendable))
	for _, op := range req.Unspendable {
		excluded[op] = true
	}
	must := make(map[types.Outpoint]bool, len(req.MustSpend))
	for _, op := range req.MustSpend {
		u, ok := byOutpoint[op]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownOutpoint, op)
		}
		if excluded[op] {
			return nil, nil, fmt.Errorf("outpoint %s is both required and unspendable", op)
		}
		if !must[op] {
			must[op] = true
			required = append(required, u)
		}
	}

	height := w.height()
	for _, u := range all {
		if must[u.Outpoint] || excluded[u.Outpoint] || u.LockedUntil > height {
			continue
		}
		optional = append(optional, u)
	}
	return required, optional, nil
}

// fund runs coin selection until the selected inputs cover the payments
// plus the exact fee of the resulting transaction.
func (w *Wallet) fund(required, optional []UTXO, payments []payment, amount, rate uint64) (*tx.Transaction, []UTXO, error) {
	changeCost := tx.EstimateTxFee(0, 1, rate) - tx.EstimateTxFee(0, 0, rate)
	fee := tx.EstimateTxFee(max(1, len(required)), len(payments)+1, rate)

	var change *types.Script
	for round := 0; round < maxFeeRounds; round++ {
		sel, err := SelectCoinsWith(required, optional, amount+fee)
		if err != nil {
			return nil, nil, err
		}

		b := tx.NewBuilder()
		for _, u := range sel.Inputs {
			b.AddInput(u.Outpoint)
		}
		for _, p := range payments {
			b.AddOutput(p.value, p.script)
		}
		noChange := b.Build()
		need := tx.RequiredFee(noChange, rate)
		excess := sel.Total - amount

		switch {
		case excess < need:
			fee = need
			continue
		case excess-need <= changeCost:
			// Change would not pay for itself: leave it to the fee.
			return noChange, sel.Inputs, nil
		}

		need += changeCost
		if change == nil {
			addr, err := w.reveal(KeychainInternal)
			if err != nil {
				return nil, nil, err
			}
			s := types.P2PKH(addr)
			change = &s
		}
		withChange := tx.FromTransaction(noChange).AddOutput(excess-need, *change).Build()
		if got := tx.RequiredFee(withChange, rate); got != need {
			return nil, nil, fmt.Errorf("fee mismatch: estimated %d, required %d", need, got)
		}
		return withChange, sel.Inputs, nil
	}
	return nil, nil, fmt.Errorf("%w: fee did not converge", ErrInsufficientFunds)
}

// drain spends all inputs to one script, less the fee.
func (w *Wallet) drain(inputs []UTXO, script types.Script, rate uint64) (*tx.Transaction, error) {
	if len(inputs) == 0 {
		return nil, ErrNoUTXOs
	}
	total := totalValue(inputs)
	b := tx.NewBuilder()
	for _, u := range inputs {
		b.AddInput(u.Outpoint)
	}
	b.AddOutput(total, script)
	t := b.Build()

	fee := tx.RequiredFee(t, rate)
	if fee >= total {
		return nil, fmt.Errorf("%w: have %d, fee %d", ErrInsufficientFunds, total, fee)
	}
	t.Outputs[0].Value = total - fee
	return t, nil
}

// Sign signs every PSBT input the wallet holds a key for. The result is
// finalized when all inputs are signed and, if assumeHeight is given, the
// lock time has been reached.
func (w *Wallet) Sign(psbt string, assumeHeight *uint64) (string, bool, error) {
	if !w.external.IsPrivate() {
		return "", false, ErrWatchOnly
	}
	p, err := DecodePSBT(psbt)
	if err != nil {
		return "", false, err
	}
	signers, owners, err := w.signers(p)
	if err != nil {
		return "", false, err
	}

	b := tx.FromTransaction(p.Tx)
	n, err := b.SignMulti(signers, owners)
	if err != nil {
		return "", false, err
	}
	p.Tx = b.Build()

	finalized := p.Tx.Signed()
	if finalized {
		if err := p.Tx.VerifySignatures(); err != nil {
			return "", false, err
		}
	}
	if assumeHeight != nil && p.Tx.LockTime > *assumeHeight {
		finalized = false
	}

	out, err := p.Encode()
	if err != nil {
		return "", false, err
	}
	w.logger.Debug().Int("signed", n).Bool("finalized", finalized).Msg("PSBT signed")
	return out, finalized, nil
}

// ExtractPSBT returns the hex encoding of the PSBT's transaction.
func (w *Wallet) ExtractPSBT(psbt string) (string, error) {
	p, err := DecodePSBT(psbt)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(p.Tx.Encode()), nil
}
