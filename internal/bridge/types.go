package bridge

import (
	"encoding/json"

	"github.com/Klingon-tech/klingnet-bridge/internal/handle"
	"github.com/Klingon-tech/klingnet-bridge/internal/wallet"
)

// Request is one call from the host.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// WalletParam carries the handle of the wallet a method operates on.
type WalletParam struct {
	Wallet *handle.Wire `json:"wallet"`
}

// ConstructorParam opens a wallet.
type ConstructorParam struct {
	WalletParam
	Name                string `json:"name"`
	Network             string `json:"network"`
	Path                string `json:"path,omitempty"`
	Descriptor          string `json:"descriptor,omitempty"`
	EncryptedDescriptor string `json:"encrypted_descriptor,omitempty"`
	Password            string `json:"password,omitempty"`
	ChangeDescriptor    string `json:"change_descriptor,omitempty"`
	NodeURL             string `json:"node_url,omitempty"`
	NodeProxy           string `json:"node_proxy,omitempty"`
}

// SyncParam is used by sync.
type SyncParam struct {
	WalletParam
	MaxAddress *uint32 `json:"max_address,omitempty"`
}

// ListTransactionsParam is used by list_transactions.
type ListTransactionsParam struct {
	WalletParam
	IncludeRaw bool `json:"include_raw,omitempty"`
}

// Addressee is a (address, amount) pair. The amount is a decimal string of
// base units so that hosts without 64-bit integers keep full precision.
type Addressee struct {
	First  string `json:"first"`
	Second string `json:"second"`
}

// CreateTxParam is used by create_tx. Outpoints are "txid:index".
type CreateTxParam struct {
	WalletParam
	FeeRate     float64     `json:"fee_rate"`
	Addressees  []Addressee `json:"addressees"`
	Unspendable []string    `json:"unspendable,omitempty"`
	UTXOs       []string    `json:"utxos,omitempty"`
	SendAll     bool        `json:"send_all,omitempty"`
}

// SignParam is used by sign.
type SignParam struct {
	WalletParam
	PSBT         string  `json:"psbt"`
	AssumeHeight *uint64 `json:"assume_height,omitempty"`
}

// PSBTParam is used by extract_psbt.
type PSBTParam struct {
	WalletParam
	PSBT string `json:"psbt"`
}

// BroadcastParam is used by broadcast.
type BroadcastParam struct {
	WalletParam
	RawTx string `json:"raw_tx"`
}

// PasswordParam is used by export_descriptor.
type PasswordParam struct {
	WalletParam
	Password string `json:"password"`
}

// GenerateKeysParam is used by generate_extended_keys.
type GenerateKeysParam struct {
	WalletParam
	Network           string `json:"network"`
	MnemonicWordCount int    `json:"mnemonic_word_count"`
}

// RestoreKeysParam is used by create_extended_keys.
type RestoreKeysParam struct {
	WalletParam
	Network  string `json:"network"`
	Mnemonic string `json:"mnemonic"`
}

// ── Result types ────────────────────────────────────────────────────────

// TxOut is the output half of a LocalUTXO.
type TxOut struct {
	ScriptPubkey string `json:"script_pubkey"`
	Value        uint64 `json:"value"`
}

// LocalUTXO is one entry of list_unspent.
type LocalUTXO struct {
	Outpoint   string `json:"outpoint"`
	TxOut      TxOut  `json:"txout"`
	IsInternal bool   `json:"is_internal"`
}

// CreateTxResult is the result of create_tx.
type CreateTxResult struct {
	Details *wallet.TxDetails `json:"details"`
	PSBT    string            `json:"psbt"`
}

// SignResult is the result of sign.
type SignResult struct {
	PSBT      string `json:"psbt"`
	Finalized bool   `json:"finalized"`
}

// ExtractResult is the result of extract_psbt.
type ExtractResult struct {
	Transaction string `json:"transaction"`
}

// BroadcastResult is the result of broadcast.
type BroadcastResult struct {
	TxID string `json:"txid"`
}

// DescriptorsResult is the result of public_descriptors.
type DescriptorsResult struct {
	External string `json:"external"`
	Internal string `json:"internal,omitempty"`
}

// ExportResult is the result of export_descriptor.
type ExportResult struct {
	EncryptedDescriptor string `json:"encrypted_descriptor"`
}
