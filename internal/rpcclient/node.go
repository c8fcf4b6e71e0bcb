package rpcclient

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/pkg/tx"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// Node error codes returned by Klingnet nodes.
const (
	CodeNotFound = -32001
)

// ChainInfo is the result of chain_getInfo.
type ChainInfo struct {
	ChainID string `json:"chain_id"`
	Symbol  string `json:"symbol,omitempty"`
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
}

// UTXO is an unspent output as reported by the node.
type UTXO struct {
	Outpoint    types.Outpoint `json:"outpoint"`
	Value       uint64         `json:"value"`
	Script      types.Script   `json:"script"`
	Height      uint64         `json:"height"`
	Coinbase    bool           `json:"coinbase"`
	LockedUntil uint64         `json:"locked_until,omitempty"`
}

// TxResult is a transaction with its id, as returned by chain_getTransaction.
type TxResult struct {
	Hash     string      `json:"hash"`
	Version  uint32      `json:"version"`
	Inputs   []tx.Input  `json:"inputs"`
	Outputs  []tx.Output `json:"outputs"`
	LockTime uint64      `json:"locktime"`
}

// Transaction converts the result back to a transaction.
func (r *TxResult) Transaction() *tx.Transaction {
	return &tx.Transaction{Version: r.Version, Inputs: r.Inputs, Outputs: r.Outputs, LockTime: r.LockTime}
}

type addressParam struct {
	Address string `json:"address"`
}

type hashParam struct {
	Hash string `json:"hash"`
}

type txSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

type utxoListResult struct {
	Address string  `json:"address"`
	UTXOs   []*UTXO `json:"utxos"`
}

type txSubmitResult struct {
	TxHash string `json:"tx_hash"`
}

// ChainInfo returns the node's chain tip.
func (c *Client) ChainInfo(ctx context.Context) (*ChainInfo, error) {
	var info ChainInfo
	if err := c.Call(ctx, "chain_getInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UTXOsByAddress lists the unspent outputs paying to address (bech32).
func (c *Client) UTXOsByAddress(ctx context.Context, address string) ([]*UTXO, error) {
	var res utxoListResult
	if err := c.Call(ctx, "utxo_getByAddress", addressParam{Address: address}, &res); err != nil {
		return nil, err
	}
	return res.UTXOs, nil
}

// Transaction fetches a confirmed or pending transaction by id.
func (c *Client) Transaction(ctx context.Context, id types.Hash) (*TxResult, error) {
	var res TxResult
	if err := c.Call(ctx, "chain_getTransaction", hashParam{Hash: id.String()}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitTx submits a signed transaction and returns its id.
func (c *Client) SubmitTx(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	var res txSubmitResult
	if err := c.Call(ctx, "tx_submit", txSubmitParam{Transaction: t}, &res); err != nil {
		return types.Hash{}, err
	}
	id, err := types.HexToHash(res.TxHash)
	if err != nil {
		return types.Hash{}, fmt.Errorf("node returned bad tx hash: %w", err)
	}
	return id, nil
}
