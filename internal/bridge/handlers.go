package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-bridge/internal/handle"
	"github.com/Klingon-tech/klingnet-bridge/internal/wallet"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

func (b *Bridge) dispatch(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "constructor":
		return b.handleConstructor(req)
	case "destructor":
		return b.handleDestructor(req)
	case "get_new_address":
		return b.handleGetNewAddress(logger, req)
	case "sync":
		return b.handleSync(logger, req)
	case "list_unspent":
		return b.handleListUnspent(logger, req)
	case "get_balance":
		return b.handleGetBalance(logger, req)
	case "list_transactions":
		return b.handleListTransactions(logger, req)
	case "create_tx":
		return b.handleCreateTx(logger, req)
	case "sign":
		return b.handleSign(logger, req)
	case "extract_psbt":
		return b.handleExtractPSBT(logger, req)
	case "broadcast":
		return b.handleBroadcast(logger, req)
	case "public_descriptors":
		return b.handlePublicDescriptors(logger, req)
	case "export_descriptor":
		return b.handleExportDescriptor(logger, req)
	case "generate_extended_keys":
		return b.handleGenerateExtendedKeys(req)
	case "create_extended_keys":
		return b.handleCreateExtendedKeys(req)
	default:
		return nil, malformed("unknown method %q", req.Method)
	}
}

// parseParams decodes the request params into target. A wallet handle that
// fails to decode is reported as malformed_handle, anything else as
// malformed_request.
func parseParams(req *Request, target interface{}) *Error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return malformed("params required")
	}
	if err := json.Unmarshal(req.Params, target); err != nil {
		if errors.Is(err, handle.ErrMalformedHandle) {
			return classify(err)
		}
		return malformed("invalid params: %v", err)
	}
	return nil
}

// borrow decodes the wire handle in p and takes the wallet out of the arena.
func (b *Bridge) borrow(p *WalletParam) (*handle.Lease[*wallet.Wallet], *Error) {
	if p.Wallet == nil {
		return nil, malformed("wallet handle required")
	}
	h, err := handle.Decode(b.wallets, *p.Wallet)
	if err != nil {
		return nil, classify(err)
	}
	lease, err := handle.Borrow(b.arena, h)
	if err != nil {
		return nil, classify(err)
	}
	return lease, nil
}

// withWallet borrows the wallet named by p, runs op on it and re-parks it,
// whether op failed or not. If op panics the wallet is finalized instead:
// its state can no longer be trusted.
func (b *Bridge) withWallet(logger zerolog.Logger, p *WalletParam, op func(*wallet.Wallet) (interface{}, error)) (result interface{}, rerr *Error) {
	lease, herr := b.borrow(p)
	if herr != nil {
		return nil, herr
	}
	wlog := logger.With().
		Str("wallet", lease.Value().Name()).
		Stringer("handle", lease.Handle().Wire()).
		Logger()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		wlog.Error().
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("Wallet operation panicked, closing wallet")
		if err := lease.Destroy(); err != nil {
			wlog.Error().Err(err).Msg("Closing wallet after panic")
		}
		result, rerr = nil, newError(KindPanic, CodePanic, "panic: %v", r)
	}()

	res, err := op(lease.Value())
	if relErr := lease.Release(); relErr != nil {
		// Only happens when the arena closed while the call ran.
		wlog.Warn().Err(relErr).Msg("Wallet not re-parked")
		if err == nil {
			err = relErr
		}
	}
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// rejectWallet reports a wallet handle passed to a method that takes none.
func rejectWallet(method string, p *WalletParam) *Error {
	if p.Wallet != nil {
		return newError(KindUnsupported, CodeUnsupported, "%s does not operate on a wallet handle", method)
	}
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────────────────

func (b *Bridge) handleConstructor(req *Request) (interface{}, *Error) {
	var p ConstructorParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if err := rejectWallet(req.Method, &p.WalletParam); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, malformed("name required")
	}
	net, err := wallet.ParseNetwork(p.Network)
	if err != nil {
		return nil, malformed("%v", err)
	}

	desc := p.Descriptor
	switch {
	case desc != "" && p.EncryptedDescriptor != "":
		return nil, malformed("descriptor and encrypted_descriptor are exclusive")
	case p.EncryptedDescriptor != "":
		if desc, err = wallet.DecryptDescriptor(p.EncryptedDescriptor, p.Password); err != nil {
			return nil, classify(err)
		}
	case desc == "":
		return nil, malformed("descriptor required")
	}

	path := p.Path
	if path == "" {
		path = b.cfg.WalletsDir()
	}
	url, proxy := p.NodeURL, p.NodeProxy
	if url == "" {
		url = b.cfg.Node.URL
	}
	if proxy == "" {
		proxy = b.cfg.Node.Proxy
	}
	chain, err := b.newChain(url, proxy)
	if err != nil {
		return nil, classify(fmt.Errorf("node client: %w", err))
	}

	w, err := wallet.Open(wallet.Config{
		Name:             p.Name,
		Network:          net,
		Path:             path,
		Descriptor:       desc,
		ChangeDescriptor: p.ChangeDescriptor,
		Chain:            chain,
		GapLimit:         b.cfg.Wallet.GapLimit,
		Encryption:       b.enc,
	})
	if err != nil {
		return nil, classify(err)
	}
	h, err := handle.Encode(b.arena, b.wallets, w)
	if err != nil {
		w.Close()
		return nil, classify(err)
	}
	return h.Wire(), nil
}

func (b *Bridge) handleDestructor(req *Request) (interface{}, *Error) {
	var p WalletParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	lease, rerr := b.borrow(&p)
	if rerr != nil {
		return nil, rerr
	}
	if err := lease.Destroy(); err != nil {
		return nil, classify(fmt.Errorf("close wallet: %w", err))
	}
	return nil, nil
}

// ── Wallet methods ──────────────────────────────────────────────────────

func (b *Bridge) handleGetNewAddress(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p WalletParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	return b.withWallet(logger, &p, func(w *wallet.Wallet) (interface{}, error) {
		return w.NewAddress()
	})
}

func (b *Bridge) handleSync(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p SyncParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	var maxAddress uint32
	if p.MaxAddress != nil {
		maxAddress = *p.MaxAddress
	}
	return b.withWallet(logger, &p.WalletParam, func(w *wallet.Wallet) (interface{}, error) {
		return w.Sync(b.ctx, maxAddress)
	})
}

func (b *Bridge) handleListUnspent(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p WalletParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	return b.withWallet(logger, &p, func(w *wallet.Wallet) (interface{}, error) {
		utxos, err := w.ListUnspent()
		if err != nil {
			return nil, err
		}
		out := make([]LocalUTXO, 0, len(utxos))
		for _, u := range utxos {
			out = append(out, LocalUTXO{
				Outpoint:   u.Outpoint.String(),
				TxOut:      TxOut{ScriptPubkey: u.Script.Hex(), Value: u.Value},
				IsInternal: u.Keychain == wallet.KeychainInternal,
			})
		}
		return out, nil
	})
}

func (b *Bridge) handleGetBalance(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p WalletParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	return b.withWallet(logger, &p, func(w *wallet.Wallet) (interface{}, error) {
		bal, err := w.Balance()
		if err != nil {
			return nil, err
		}
		return bal.Total(), nil
	})
}

func (b *Bridge) handleListTransactions(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p ListTransactionsParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	return b.withWallet(logger, &p.WalletParam, func(w *wallet.Wallet) (interface{}, error) {
		txs, err := w.ListTransactions(p.IncludeRaw)
		if err != nil {
			return nil, err
		}
		if txs == nil {
			txs = []wallet.TxDetails{}
		}
		return txs, nil
	})
}

func (b *Bridge) handleCreateTx(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p CreateTxParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	txReq := wallet.TxRequest{FeeRate: p.FeeRate, SendAll: p.SendAll}
	for i, a := range p.Addressees {
		amount, err := strconv.ParseUint(a.Second, 10, 64)
		if err != nil {
			return nil, malformed("addressee %d: invalid amount %q", i, a.Second)
		}
		txReq.Recipients = append(txReq.Recipients, wallet.Recipient{Address: a.First, Amount: amount})
	}
	var err error
	if txReq.Unspendable, err = parseOutpoints(p.Unspendable); err != nil {
		return nil, malformed("unspendable: %v", err)
	}
	if txReq.MustSpend, err = parseOutpoints(p.UTXOs); err != nil {
		return nil, malformed("utxos: %v", err)
	}

	return b.withWallet(logger, &p.WalletParam, func(w *wallet.Wallet) (interface{}, error) {
		details, psbt, err := w.CreateTx(txReq)
		if err != nil {
			return nil, err
		}
		enc, err := psbt.Encode()
		if err != nil {
			return nil, err
		}
		return CreateTxResult{Details: details, PSBT: enc}, nil
	})
}

func parseOutpoints(in []string) ([]types.Outpoint, error) {
	out := make([]types.Outpoint, 0, len(in))
	for _, s := range in {
		op, err := types.ParseOutpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (b *Bridge) handleSign(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p SignParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.PSBT == "" {
		return nil, malformed("psbt required")
	}
	return b.withWallet(logger, &p.WalletParam, func(w *wallet.Wallet) (interface{}, error) {
		signed, finalized, err := w.Sign(p.PSBT, p.AssumeHeight)
		if err != nil {
			return nil, err
		}
		return SignResult{PSBT: signed, Finalized: finalized}, nil
	})
}

func (b *Bridge) handleExtractPSBT(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p PSBTParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.PSBT == "" {
		return nil, malformed("psbt required")
	}
	return b.withWallet(logger, &p.WalletParam, func(w *wallet.Wallet) (interface{}, error) {
		raw, err := w.ExtractPSBT(p.PSBT)
		if err != nil {
			return nil, err
		}
		return ExtractResult{Transaction: raw}, nil
	})
}

func (b *Bridge) handleBroadcast(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p BroadcastParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.RawTx == "" {
		return nil, malformed("raw_tx required")
	}
	return b.withWallet(logger, &p.WalletParam, func(w *wallet.Wallet) (interface{}, error) {
		id, err := w.Broadcast(b.ctx, p.RawTx)
		if err != nil {
			return nil, err
		}
		return BroadcastResult{TxID: id.String()}, nil
	})
}

func (b *Bridge) handlePublicDescriptors(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p WalletParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	return b.withWallet(logger, &p, func(w *wallet.Wallet) (interface{}, error) {
		external, internal := w.PublicDescriptors()
		return DescriptorsResult{External: external, Internal: internal}, nil
	})
}

func (b *Bridge) handleExportDescriptor(logger zerolog.Logger, req *Request) (interface{}, *Error) {
	var p PasswordParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	return b.withWallet(logger, &p.WalletParam, func(w *wallet.Wallet) (interface{}, error) {
		enc, err := w.ExportDescriptor(p.Password)
		if err != nil {
			return nil, err
		}
		return ExportResult{EncryptedDescriptor: enc}, nil
	})
}

// ── Key methods ─────────────────────────────────────────────────────────

func (b *Bridge) handleGenerateExtendedKeys(req *Request) (interface{}, *Error) {
	var p GenerateKeysParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if err := rejectWallet(req.Method, &p.WalletParam); err != nil {
		return nil, err
	}
	net, err := wallet.ParseNetwork(p.Network)
	if err != nil {
		return nil, malformed("%v", err)
	}
	words := p.MnemonicWordCount
	if words == 0 {
		words = wallet.DefaultWordCount
	}
	keys, err := wallet.GenerateExtendedKeys(net, words)
	if err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

func (b *Bridge) handleCreateExtendedKeys(req *Request) (interface{}, *Error) {
	var p RestoreKeysParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if err := rejectWallet(req.Method, &p.WalletParam); err != nil {
		return nil, err
	}
	net, err := wallet.ParseNetwork(p.Network)
	if err != nil {
		return nil, malformed("%v", err)
	}
	if p.Mnemonic == "" {
		return nil, malformed("mnemonic required")
	}
	keys, err := wallet.CreateExtendedKeys(net, p.Mnemonic)
	if err != nil {
		return nil, classify(err)
	}
	return keys, nil
}
