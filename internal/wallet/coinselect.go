package wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// Coin selection errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoUTXOs           = errors.New("no UTXOs available")
)

// UTXO represents an unspent output owned by the wallet.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	// Keychain and Index locate the key that can spend the output.
	Keychain Keychain `json:"keychain"`
	Index    uint32   `json:"index"`
	// LockedUntil is the first height at which a locked output is spendable.
	LockedUntil uint64 `json:"locked_until,omitempty"`
}

// CoinSelection holds the result of coin selection.
type CoinSelection struct {
	Inputs []UTXO // Selected UTXOs to spend.
	Total  uint64 // Sum of selected input values.
	Change uint64 // Change = Total - target.
}

// SelectCoins chooses UTXOs to fund a transaction of the given target amount.
// It tries two strategies:
//  1. Single UTXO: finds the smallest single UTXO that covers the target (minimizes inputs).
//  2. Largest-first accumulation: greedily adds the largest UTXOs until the target is met.
//
// Returns the strategy that produces the least change (waste).
func SelectCoins(utxos []UTXO, target uint64) (*CoinSelection, error) {
	if len(utxos) == 0 {
		return nil, ErrNoUTXOs
	}
	if target == 0 {
		return nil, fmt.Errorf("target must be positive")
	}

	// Filter out zero-value UTXOs and sort by value ascending.
	candidates := make([]UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Value > 0 {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Value < candidates[j].Value
	})

	var single *CoinSelection
	for _, u := range candidates {
		if u.Value >= target {
			single = &CoinSelection{
				Inputs: []UTXO{u},
				Total:  u.Value,
				Change: u.Value - target,
			}
			break // Sorted ascending, first match is smallest.
		}
	}

	var accum *CoinSelection
	var selected []UTXO
	var total uint64
	for i := len(candidates) - 1; i >= 0; i-- {
		selected = append(selected, candidates[i])
		total += candidates[i].Value
		if total >= target {
			accum = &CoinSelection{
				Inputs: selected,
				Total:  total,
				Change: total - target,
			}
			break
		}
	}

	switch {
	case single != nil && accum != nil:
		if single.Change <= accum.Change {
			return single, nil
		}
		return accum, nil
	case single != nil:
		return single, nil
	case accum != nil:
		return accum, nil
	default:
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, totalValue(candidates), target)
	}
}

// SelectCoinsWith funds target starting from the must-spend outputs in
// required, topping up from optional when they fall short.
func SelectCoinsWith(required, optional []UTXO, target uint64) (*CoinSelection, error) {
	have := totalValue(required)
	if len(required) > 0 && have >= target {
		return &CoinSelection{
			Inputs: append([]UTXO(nil), required...),
			Total:  have,
			Change: have - target,
		}, nil
	}
	if len(required) == 0 {
		return SelectCoins(optional, target)
	}

	rest, err := SelectCoins(optional, target-have)
	if err != nil {
		if errors.Is(err, ErrNoUTXOs) {
			return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, have, target)
		}
		return nil, err
	}
	inputs := append(append([]UTXO(nil), required...), rest.Inputs...)
	total := have + rest.Total
	return &CoinSelection{Inputs: inputs, Total: total, Change: total - target}, nil
}

func totalValue(utxos []UTXO) uint64 {
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}
