package wallet

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-bridge/config"
	klog "github.com/Klingon-tech/klingnet-bridge/internal/log"
	"github.com/Klingon-tech/klingnet-bridge/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-bridge/internal/storage"
	"github.com/Klingon-tech/klingnet-bridge/pkg/crypto"
	"github.com/Klingon-tech/klingnet-bridge/pkg/tx"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// Wallet errors.
var (
	ErrWatchOnly       = errors.New("wallet has no private keys")
	ErrUnknownOutpoint = errors.New("outpoint is not a wallet UTXO")
	ErrOffline         = errors.New("wallet has no node connection")
	ErrNetwork         = errors.New("descriptor is for a different network")
)

// keyHeight stores the chain height seen by the last sync.
var keyHeight = []byte("m/height")

// scanWorkers bounds concurrent node lookups during sync.
const scanWorkers = 8

// Config holds the parameters a wallet is opened with.
type Config struct {
	Name    string
	Network config.NetworkType
	// Path is the database directory, or storage.MemoryPath.
	Path             string
	Descriptor       string
	ChangeDescriptor string
	// Chain may be nil for an offline wallet.
	Chain      Chain
	GapLimit   uint32
	Encryption EncryptionParams
}

// Wallet is a descriptor wallet with its own prefix of a database. A Wallet
// is used by one goroutine at a time, and at most one Wallet per name is open
// on a database path.
type Wallet struct {
	name     string
	net      config.NetworkType
	external *Descriptor
	internal *Descriptor // nil: change goes to the external chain

	db    *storage.Namespace // owned prefix of a shared database
	store *store
	chain Chain
	gap   uint32
	enc   EncryptionParams

	logger zerolog.Logger
}

// Open opens (or creates) the wallet described by cfg.
func Open(cfg Config) (*Wallet, error) {
	if cfg.Name == "" || strings.Contains(cfg.Name, "/") {
		return nil, fmt.Errorf("invalid wallet name %q", cfg.Name)
	}
	if !cfg.Network.Valid() {
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}

	external, err := ParseDescriptor(cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("descriptor: %w", err)
	}
	if external.Network() != cfg.Network {
		return nil, fmt.Errorf("%w: %s key on %s", ErrNetwork, external.Network(), cfg.Network)
	}
	var internal *Descriptor
	if cfg.ChangeDescriptor != "" {
		if internal, err = ParseDescriptor(cfg.ChangeDescriptor); err != nil {
			return nil, fmt.Errorf("change descriptor: %w", err)
		}
		if internal.Network() != cfg.Network {
			return nil, fmt.Errorf("%w: change %s key on %s", ErrNetwork, internal.Network(), cfg.Network)
		}
	}

	gap := cfg.GapLimit
	if gap == 0 {
		gap = config.DefaultGapLimit
	}
	enc := cfg.Encryption
	if enc == (EncryptionParams{}) {
		enc = DefaultParams()
	}

	db, err := storage.OpenNamespace(cfg.Path, []byte("w/"+cfg.Name+"/"))
	if err != nil {
		return nil, fmt.Errorf("open wallet %q: %w", cfg.Name, err)
	}
	w := &Wallet{
		name:     cfg.Name,
		net:      cfg.Network,
		external: external,
		internal: internal,
		db:       db,
		store:    &store{db: db},
		chain:    cfg.Chain,
		gap:      gap,
		enc:      enc,
		logger:   klog.WithWallet(cfg.Name),
	}

	pub := []string{external.Public()}
	if internal != nil {
		pub = append(pub, internal.Public())
	}
	if err := w.store.checkDescriptors(pub...); err != nil {
		db.Close()
		return nil, err
	}

	w.logger.Debug().
		Str("network", string(cfg.Network)).
		Bool("watch_only", !external.IsPrivate()).
		Bool("change_descriptor", internal != nil).
		Msg("Wallet opened")
	return w, nil
}

// Name returns the wallet name.
func (w *Wallet) Name() string { return w.name }

// Network returns the wallet network.
func (w *Wallet) Network() config.NetworkType { return w.net }

// Close zeroes key material and releases the database.
func (w *Wallet) Close() error {
	w.external.Zero()
	if w.internal != nil {
		w.internal.Zero()
	}
	w.logger.Debug().Msg("Wallet closed")
	return w.db.Close()
}

func (w *Wallet) descriptor(k Keychain) *Descriptor {
	if k == KeychainInternal && w.internal != nil {
		return w.internal
	}
	return w.external
}

// keychains lists the chains the wallet derives from.
func (w *Wallet) keychains() []Keychain {
	if w.internal != nil {
		return []Keychain{KeychainExternal, KeychainInternal}
	}
	return []Keychain{KeychainExternal}
}

func (w *Wallet) encode(addr types.Address) (string, error) {
	return addr.Encode(w.net.HRP())
}

// reveal hands out the next unused address on a keychain and records it.
func (w *Wallet) reveal(k Keychain) (types.Address, error) {
	if w.internal == nil {
		k = KeychainExternal
	}
	idx, err := w.store.nextIndex(k)
	if err != nil {
		return types.Address{}, err
	}
	addr, err := w.descriptor(k).Address(idx)
	if err != nil {
		return types.Address{}, err
	}

	b := storage.NewBatch(w.store.db)
	if err := w.store.putAddress(b, addr, derivation{Keychain: k, Index: idx}); err != nil {
		return types.Address{}, err
	}
	if err := w.store.setNextIndex(b, k, idx+1); err != nil {
		return types.Address{}, err
	}
	if err := b.Commit(); err != nil {
		return types.Address{}, fmt.Errorf("store address: %w", err)
	}
	return addr, nil
}

// NewAddress returns a fresh receive address.
func (w *Wallet) NewAddress() (string, error) {
	addr, err := w.reveal(KeychainExternal)
	if err != nil {
		return "", err
	}
	return w.encode(addr)
}

func (w *Wallet) height() uint64 {
	data, err := w.store.db.Get(keyHeight)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// SyncResult summarizes a sync.
type SyncResult struct {
	AddressesScanned int    `json:"addresses_scanned"`
	UTXOs            int    `json:"utxos"`
	Height           uint64 `json:"height"`
}

type scanned struct {
	addr  types.Address
	deriv derivation
	utxos []*rpcclient.UTXO
}

// Sync rescans the wallet's addresses against the node and replaces the
// local UTXO set. Each keychain is scanned up to the larger of its next
// index and maxAddress, then on until gap consecutive addresses hold nothing.
func (w *Wallet) Sync(ctx context.Context, maxAddress uint32) (*SyncResult, error) {
	if w.chain == nil {
		return nil, ErrOffline
	}
	defer klog.Timer(w.logger, "sync")()

	info, err := w.chain.ChainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain info: %w", err)
	}

	var all []scanned
	next := make(map[Keychain]uint32)
	for _, k := range w.keychains() {
		found, n, err := w.scanKeychain(ctx, k, maxAddress)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
		next[k] = n
	}

	known, err := w.store.utxos()
	if err != nil {
		return nil, err
	}

	b := storage.NewBatch(w.store.db)
	for _, u := range known {
		if err := b.Delete(utxoKey(u.Outpoint)); err != nil {
			return nil, err
		}
	}

	received := make(map[types.Hash]*TxDetails)
	count := 0
	for _, s := range all {
		if err := w.store.putAddress(b, s.addr, s.deriv); err != nil {
			return nil, err
		}
		for _, ru := range s.utxos {
			u := UTXO{
				Outpoint:    ru.Outpoint,
				Value:       ru.Value,
				Script:      ru.Script,
				Height:      ru.Height,
				Keychain:    s.deriv.Keychain,
				Index:       s.deriv.Index,
				LockedUntil: ru.LockedUntil,
			}
			if err := w.store.putUTXO(b, &u); err != nil {
				return nil, err
			}
			count++

			d, ok := received[u.Outpoint.TxID]
			if !ok {
				d = &TxDetails{TxID: u.Outpoint.TxID}
				if u.Height > 0 {
					h := u.Height
					d.Height = &h
				}
				received[u.Outpoint.TxID] = d
			}
			d.Received += u.Value
		}
	}

	for k, n := range next {
		if err := w.store.setNextIndex(b, k, n); err != nil {
			return nil, err
		}
	}
	if err := w.recordReceived(ctx, b, received); err != nil {
		return nil, err
	}
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], info.Height)
	if err := b.Put(keyHeight, h[:]); err != nil {
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("commit sync: %w", err)
	}

	res := &SyncResult{AddressesScanned: len(all), UTXOs: count, Height: info.Height}
	w.logger.Info().
		Int("addresses", res.AddressesScanned).
		Int("utxos", res.UTXOs).
		Uint64("height", res.Height).
		Msg("Wallet synced")
	return res, nil
}

// scanKeychain walks one keychain in windows of gap addresses, querying a
// window concurrently. It returns every scanned address and the new next
// index.
func (w *Wallet) scanKeychain(ctx context.Context, k Keychain, maxAddress uint32) ([]scanned, uint32, error) {
	next, err := w.store.nextIndex(k)
	if err != nil {
		return nil, 0, err
	}
	floor := int64(max(next, maxAddress))
	desc := w.descriptor(k)

	var out []scanned
	used := int64(-1)
	for start := uint32(0); int64(start) < max(floor, used+1)+int64(w.gap); start += w.gap {
		window := make([]scanned, w.gap)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(scanWorkers)
		for i := range window {
			idx := start + uint32(i)
			g.Go(func() error {
				addr, err := desc.Address(idx)
				if err != nil {
					return err
				}
				enc, err := w.encode(addr)
				if err != nil {
					return err
				}
				utxos, err := w.chain.UTXOsByAddress(gctx, enc)
				if err != nil {
					return fmt.Errorf("utxos for %s: %w", enc, err)
				}
				window[i] = scanned{addr: addr, deriv: derivation{Keychain: k, Index: idx}, utxos: utxos}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, 0, err
		}
		for _, s := range window {
			if len(s.utxos) > 0 {
				used = int64(s.deriv.Index)
			}
		}
		out = append(out, window...)
	}

	if int64(next) < used+1 {
		next = uint32(used + 1)
	}
	return out, next, nil
}

// recordReceived stores details for transactions first seen in a sync and
// refreshes heights of known ones.
func (w *Wallet) recordReceived(ctx context.Context, b storage.Batch, received map[types.Hash]*TxDetails) error {
	now := time.Now().Unix()
	for id, d := range received {
		have, err := w.store.tx(id)
		switch {
		case err == nil:
			if have.Height == nil && d.Height != nil {
				have.Height = d.Height
				if err := w.store.putTx(b, have); err != nil {
					return err
				}
			}
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		d.Timestamp = now
		if res, err := w.chain.Transaction(ctx, id); err == nil {
			d.Transaction = res.Transaction()
			d.Received = w.ownedOutputs(d.Transaction)
		} else {
			w.logger.Debug().Err(err).Str("txid", id.String()).Msg("Transaction not available, keeping UTXO totals")
		}
		if err := w.store.putTx(b, d); err != nil {
			return err
		}
	}
	return nil
}

// ownedOutputs sums the outputs of t that pay to known wallet addresses.
func (w *Wallet) ownedOutputs(t *tx.Transaction) uint64 {
	var total uint64
	for _, o := range t.Outputs {
		addr, ok := o.Script.Address()
		if !ok {
			continue
		}
		if _, err := w.store.address(addr); err == nil {
			total += o.Value
		}
	}
	return total
}

// ListUnspent returns the wallet's UTXOs ordered by outpoint.
func (w *Wallet) ListUnspent() ([]UTXO, error) {
	return w.store.utxos()
}

// Balance sums the wallet's UTXOs.
func (w *Wallet) Balance() (Balance, error) {
	utxos, err := w.store.utxos()
	if err != nil {
		return Balance{}, err
	}
	var b Balance
	for _, u := range utxos {
		if u.Height > 0 {
			b.Confirmed += u.Value
		} else {
			b.Unconfirmed += u.Value
		}
	}
	return b, nil
}

// ListTransactions returns the wallet's transaction history, newest first.
// Raw transactions are included only when includeRaw is set.
func (w *Wallet) ListTransactions(includeRaw bool) ([]TxDetails, error) {
	txs, err := w.store.txs()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Timestamp != txs[j].Timestamp {
			return txs[i].Timestamp > txs[j].Timestamp
		}
		return bytes.Compare(txs[i].TxID[:], txs[j].TxID[:]) < 0
	})
	if !includeRaw {
		for i := range txs {
			txs[i].Transaction = nil
		}
	}
	return txs, nil
}

// PublicDescriptors returns the watch-only descriptors. internal is empty
// when the wallet has no change descriptor.
func (w *Wallet) PublicDescriptors() (external, internal string) {
	external = w.external.Public()
	if w.internal != nil {
		internal = w.internal.Public()
	}
	return external, internal
}

// ExportDescriptor encrypts the wallet's descriptor under password.
func (w *Wallet) ExportDescriptor(password string) (string, error) {
	return EncryptDescriptor(w.external.String(), password, w.enc)
}

// utxoProvider serves ValidateWithUTXOs from the wallet store.
type utxoProvider struct{ s *store }

func (p utxoProvider) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	u, err := p.s.utxo(op)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (p utxoProvider) HasUTXO(op types.Outpoint) bool {
	_, err := p.s.utxo(op)
	return err == nil
}

// Broadcast submits a raw transaction (hex of its canonical encoding),
// then drops the spent UTXOs and records the wallet's side of it.
func (w *Wallet) Broadcast(ctx context.Context, rawHex string) (types.Hash, error) {
	if w.chain == nil {
		return types.Hash{}, ErrOffline
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return types.Hash{}, fmt.Errorf("raw transaction: %w", err)
	}
	t, err := tx.Decode(raw)
	if err != nil {
		return types.Hash{}, fmt.Errorf("raw transaction: %w", err)
	}

	var spent []UTXO
	for _, in := range t.Inputs {
		if u, err := w.store.utxo(in.PrevOut); err == nil {
			spent = append(spent, *u)
		}
	}

	details := &TxDetails{TxID: t.Hash(), Timestamp: time.Now().Unix(), Transaction: t}
	if len(spent) == len(t.Inputs) {
		fee, err := t.ValidateWithUTXOs(utxoProvider{w.store}, 0)
		if err != nil {
			return types.Hash{}, fmt.Errorf("validate: %w", err)
		}
		details.Fees = &fee
	} else if err := t.Validate(); err != nil {
		return types.Hash{}, fmt.Errorf("validate: %w", err)
	}

	id, err := w.chain.SubmitTx(ctx, t)
	if err != nil {
		return types.Hash{}, fmt.Errorf("submit: %w", err)
	}
	if id != details.TxID {
		w.logger.Warn().Str("node_txid", id.String()).Str("txid", details.TxID.String()).Msg("Node reported a different txid")
	}

	b := storage.NewBatch(w.store.db)
	for _, u := range spent {
		details.Sent += u.Value
		if err := b.Delete(utxoKey(u.Outpoint)); err != nil {
			return id, err
		}
	}
	for i, o := range t.Outputs {
		addr, ok := o.Script.Address()
		if !ok {
			continue
		}
		d, err := w.store.address(addr)
		if err != nil {
			continue
		}
		details.Received += o.Value
		u := UTXO{
			Outpoint: types.Outpoint{TxID: details.TxID, Index: uint32(i)},
			Value:    o.Value,
			Script:   o.Script,
			Keychain: d.Keychain,
			Index:    d.Index,
		}
		if err := w.store.putUTXO(b, &u); err != nil {
			return id, err
		}
	}
	if err := w.store.putTx(b, details); err != nil {
		return id, err
	}
	if err := b.Commit(); err != nil {
		return id, fmt.Errorf("record broadcast: %w", err)
	}

	w.logger.Info().Str("txid", details.TxID.String()).Uint64("sent", details.Sent).Msg("Transaction broadcast")
	return details.TxID, nil
}

// signers derives the signing keys for the owned inputs of p.
func (w *Wallet) signers(p *PSBT) (map[types.Address]crypto.Signer, map[types.Outpoint]types.Address, error) {
	signers := make(map[types.Address]crypto.Signer)
	owners := make(map[types.Outpoint]types.Address)
	for i, in := range p.Inputs {
		if in.Derivation == nil {
			continue
		}
		want, ok := in.Script.Address()
		if !ok {
			continue
		}
		key, err := w.descriptor(in.Derivation.Keychain).Key(in.Derivation.Index)
		if err != nil {
			return nil, nil, err
		}
		// The derivation belongs to some other wallet.
		if key.Address() != want {
			continue
		}
		signer, err := key.Signer()
		if err != nil {
			return nil, nil, err
		}
		signers[want] = signer
		owners[p.Tx.Inputs[i].PrevOut] = want
	}
	return signers, owners, nil
}
