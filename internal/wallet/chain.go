package wallet

import (
	"context"

	"github.com/Klingon-tech/klingnet-bridge/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-bridge/pkg/tx"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// Chain is the view of a Klingnet node a wallet needs. *rpcclient.Client
// implements it.
type Chain interface {
	ChainInfo(ctx context.Context) (*rpcclient.ChainInfo, error)
	UTXOsByAddress(ctx context.Context, address string) ([]*rpcclient.UTXO, error)
	Transaction(ctx context.Context, id types.Hash) (*rpcclient.TxResult, error)
	SubmitTx(ctx context.Context, t *tx.Transaction) (types.Hash, error)
}

var _ Chain = (*rpcclient.Client)(nil)
