package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-bridge/config"
	"github.com/Klingon-tech/klingnet-bridge/internal/handle"
	klog "github.com/Klingon-tech/klingnet-bridge/internal/log"
	"github.com/Klingon-tech/klingnet-bridge/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-bridge/internal/storage"
	"github.com/Klingon-tech/klingnet-bridge/internal/wallet"
	"github.com/Klingon-tech/klingnet-bridge/pkg/tx"
	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeChain is an in-memory node.
type fakeChain struct {
	mu        sync.Mutex
	utxos     map[string][]*rpcclient.UTXO
	submitted []*tx.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{utxos: make(map[string][]*rpcclient.UTXO)}
}

func (c *fakeChain) ChainInfo(context.Context) (*rpcclient.ChainInfo, error) {
	return &rpcclient.ChainInfo{ChainID: "klingnet-testnet", Height: 100}, nil
}

func (c *fakeChain) UTXOsByAddress(_ context.Context, address string) ([]*rpcclient.UTXO, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utxos[address], nil
}

func (c *fakeChain) Transaction(context.Context, types.Hash) (*rpcclient.TxResult, error) {
	return nil, &rpcclient.RPCError{Code: rpcclient.CodeNotFound, Message: "transaction not found"}
}

func (c *fakeChain) SubmitTx(_ context.Context, t *tx.Transaction) (types.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, t)
	return t.Hash(), nil
}

// fund pays value to external address idx of descriptor.
func (c *fakeChain) fund(t *testing.T, descriptor string, idx uint32, txid byte, value uint64) {
	t.Helper()
	d, err := wallet.ParseDescriptor(descriptor)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := d.Address(idx)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := addr.Encode(types.TestnetHRP)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utxos[enc] = append(c.utxos[enc], &rpcclient.UTXO{
		Outpoint: types.Outpoint{TxID: types.Hash{txid}},
		Value:    value,
		Script:   types.P2PKH(addr),
		Height:   90,
	})
}

// blockingChain holds ChainInfo until release is closed.
type blockingChain struct {
	*fakeChain
	entered chan struct{}
	release chan struct{}
}

func (c *blockingChain) ChainInfo(ctx context.Context) (*rpcclient.ChainInfo, error) {
	close(c.entered)
	<-c.release
	return c.fakeChain.ChainInfo(ctx)
}

// panicChain panics on every ChainInfo.
type panicChain struct{ *fakeChain }

func (panicChain) ChainInfo(context.Context) (*rpcclient.ChainInfo, error) {
	panic("node state corrupted")
}

func withChain(c wallet.Chain) Option {
	return WithChainFactory(func(string, string) (wallet.Chain, error) { return c, nil })
}

func newTestBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()
	return newLoggingBridge(t, io.Discard, "disabled", opts...)
}

func newLoggingBridge(t *testing.T, w io.Writer, level string, opts ...Option) *Bridge {
	t.Helper()
	klog.SetOutput(w, level)
	cfg := config.DefaultTestnet()
	cfg.DataDir = t.TempDir()
	opts = append([]Option{
		WithEncryptionParams(wallet.EncryptionParams{Memory: 64, Iterations: 1, Parallelism: 1}),
		withChain(nil),
	}, opts...)
	b, err := New(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func call(t *testing.T, b *Bridge, method string, params map[string]any) string {
	t.Helper()
	req := map[string]any{"method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b.Call(string(data))
}

// decode fails the test if out is an error envelope, else unmarshals it.
func decode(t *testing.T, out string, v any) {
	t.Helper()
	var e Error
	if json.Unmarshal([]byte(out), &e) == nil && e.Kind != "" {
		t.Fatalf("unexpected error envelope: %s", out)
	}
	if v == nil {
		return
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
}

func expectError(t *testing.T, out, kind string, code int) {
	t.Helper()
	var e Error
	if err := json.Unmarshal([]byte(out), &e); err != nil {
		t.Fatalf("not an error envelope: %s", out)
	}
	if e.Kind != kind || e.Code != code {
		t.Fatalf("got %s (%d) %q, want %s (%d)", e.Kind, e.Code, e.Message, kind, code)
	}
}

func testDescriptors(t *testing.T, b *Bridge) (external, internal string) {
	t.Helper()
	var keys wallet.ExtendedKeys
	decode(t, call(t, b, "create_extended_keys", map[string]any{
		"network":  "testnet",
		"mnemonic": testMnemonic,
	}), &keys)
	return wallet.DefaultDescriptors(keys.ExtPrivKey, 0)
}

func openWallet(t *testing.T, b *Bridge, extra map[string]any) handle.Wire {
	t.Helper()
	ext, in := testDescriptors(t, b)
	params := map[string]any{
		"name":              "alice",
		"network":           "testnet",
		"path":              storage.MemoryPath,
		"descriptor":        ext,
		"change_descriptor": in,
	}
	for k, v := range extra {
		params[k] = v
	}
	var w handle.Wire
	decode(t, call(t, b, "constructor", params), &w)
	return w
}

func TestCall_Lifecycle(t *testing.T) {
	b := newTestBridge(t)
	w := openWallet(t, b, nil)
	if b.Live() != 1 {
		t.Fatalf("Live = %d after constructor, want 1", b.Live())
	}

	var first, second string
	decode(t, call(t, b, "get_new_address", map[string]any{"wallet": w}), &first)
	decode(t, call(t, b, "get_new_address", map[string]any{"wallet": w}), &second)
	if !strings.HasPrefix(first, types.TestnetHRP+"1") || first == second {
		t.Fatalf("addresses %q, %q", first, second)
	}

	tampered := w
	tampered.ID[0] ^= 0xff
	expectError(t, call(t, b, "get_new_address", map[string]any{"wallet": tampered}), KindTypeMismatch, CodeTypeMismatch)

	out := call(t, b, "destructor", map[string]any{"wallet": w})
	if out != "null" {
		t.Fatalf("destructor = %s, want null", out)
	}
	if b.Live() != 0 {
		t.Fatalf("Live = %d after destructor, want 0", b.Live())
	}
	expectError(t, call(t, b, "get_new_address", map[string]any{"wallet": w}), KindStaleHandle, CodeStaleHandle)
	expectError(t, call(t, b, "destructor", map[string]any{"wallet": w}), KindStaleHandle, CodeStaleHandle)
}

func TestCall_WireStableAcrossCalls(t *testing.T) {
	b := newTestBridge(t)
	w := openWallet(t, b, nil)
	want, _ := json.Marshal(w)
	for i := 0; i < 5; i++ {
		decode(t, call(t, b, "public_descriptors", map[string]any{"wallet": w}), nil)
	}
	// The same bytes keep working and the slot was never reallocated.
	var again handle.Wire
	if err := json.Unmarshal(want, &again); err != nil {
		t.Fatal(err)
	}
	decode(t, call(t, b, "get_balance", map[string]any{"wallet": again}), nil)
	if b.Live() != 1 {
		t.Fatalf("Live = %d, want 1", b.Live())
	}
}

func TestCall_SlotReuseIsStale(t *testing.T) {
	b := newTestBridge(t)
	old := openWallet(t, b, nil)
	call(t, b, "destructor", map[string]any{"wallet": old})
	fresh := openWallet(t, b, nil)
	if fresh == old {
		t.Fatal("reused slot issued the same wire handle")
	}
	expectError(t, call(t, b, "get_balance", map[string]any{"wallet": old}), KindStaleHandle, CodeStaleHandle)
	decode(t, call(t, b, "get_balance", map[string]any{"wallet": fresh}), nil)
}

func TestCall_ConstructorSameWalletTwice(t *testing.T) {
	b := newTestBridge(t)
	dir := t.TempDir()
	w := openWallet(t, b, map[string]any{"path": dir})

	ext, in := testDescriptors(t, b)
	params := map[string]any{
		"name":              "alice",
		"network":           "testnet",
		"path":              dir,
		"descriptor":        ext,
		"change_descriptor": in,
	}
	expectError(t, call(t, b, "constructor", params), KindOperation, CodeOperation)
	if b.Live() != 1 {
		t.Fatalf("Live = %d after rejected constructor, want 1", b.Live())
	}

	// Another name on the same path is its own wallet.
	other := openWallet(t, b, map[string]any{"path": dir, "name": "bob"})
	call(t, b, "destructor", map[string]any{"wallet": other})

	var first string
	decode(t, call(t, b, "get_new_address", map[string]any{"wallet": w}), &first)
	call(t, b, "destructor", map[string]any{"wallet": w})

	reopened := openWallet(t, b, map[string]any{"path": dir})
	var next string
	decode(t, call(t, b, "get_new_address", map[string]any{"wallet": reopened}), &next)
	if next == first {
		t.Fatalf("reopened wallet handed out %s again", next)
	}
}

func TestCall_Malformed(t *testing.T) {
	b := newTestBridge(t)
	w := openWallet(t, b, nil)
	zero := handle.Wire{ID: w.ID}

	tests := []struct {
		name    string
		request string
		kind    string
		code    int
	}{
		{"not json", `{"method":`, KindMalformedRequest, CodeMalformedRequest},
		{"unknown method", `{"method":"increment","params":{}}`, KindMalformedRequest, CodeMalformedRequest},
		{"missing params", `{"method":"get_balance"}`, KindMalformedRequest, CodeMalformedRequest},
		{"missing wallet", `{"method":"get_balance","params":{}}`, KindMalformedRequest, CodeMalformedRequest},
		{"short raw", `{"method":"get_balance","params":{"wallet":{"raw":[1,2],"id":[0,0,0,0,0,0,0,0]}}}`, KindMalformedHandle, CodeTypeMismatch},
		{"byte out of range", `{"method":"get_balance","params":{"wallet":{"raw":[0,0,0,0,0,0,0,256],"id":[0,0,0,0,0,0,0,0]}}}`, KindMalformedHandle, CodeTypeMismatch},
		{"wallet on key method", `{"method":"generate_extended_keys","params":{"network":"testnet","wallet":` + mustJSON(t, w) + `}}`, KindUnsupported, CodeUnsupported},
		{"zero slot", `{"method":"get_balance","params":{"wallet":` + mustJSON(t, zero) + `}}`, KindMalformedHandle, CodeTypeMismatch},
		{"bad amount", `{"method":"create_tx","params":{"wallet":` + mustJSON(t, w) + `,"fee_rate":1,"addressees":[{"first":"x","second":"-5"}]}}`, KindMalformedRequest, CodeMalformedRequest},
		{"bad outpoint", `{"method":"create_tx","params":{"wallet":` + mustJSON(t, w) + `,"utxos":["nope"]}}`, KindMalformedRequest, CodeMalformedRequest},
		{"bad network", `{"method":"create_extended_keys","params":{"network":"regtest","mnemonic":"x"}}`, KindMalformedRequest, CodeMalformedRequest},
		{"both descriptors", `{"method":"constructor","params":{"name":"x","network":"testnet","descriptor":"a","encrypted_descriptor":"b"}}`, KindMalformedRequest, CodeMalformedRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, b.Call(tt.request), tt.kind, tt.code)
		})
	}

	// Nothing above touched the wallet.
	decode(t, call(t, b, "get_balance", map[string]any{"wallet": w}), nil)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCall_OperationErrorReparks(t *testing.T) {
	b := newTestBridge(t)
	w := openWallet(t, b, nil)

	// Offline wallet: sync fails, the wallet stays usable.
	expectError(t, call(t, b, "sync", map[string]any{"wallet": w}), KindOperation, CodeOperation)
	expectError(t, call(t, b, "create_tx", map[string]any{
		"wallet":     w,
		"fee_rate":   1,
		"addressees": []map[string]string{{"first": "tkgx1nope", "second": "1000"}},
	}), KindOperation, CodeOperation)
	expectError(t, call(t, b, "export_descriptor", map[string]any{"wallet": w, "password": ""}), KindOperation, CodeOperation)

	var balance uint64
	decode(t, call(t, b, "get_balance", map[string]any{"wallet": w}), &balance)
	if balance != 0 || b.Live() != 1 {
		t.Fatalf("balance = %d, live = %d", balance, b.Live())
	}
}

func TestCall_Busy(t *testing.T) {
	chain := &blockingChain{
		fakeChain: newFakeChain(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	b := newTestBridge(t, withChain(chain))
	w := openWallet(t, b, nil)

	syncReq := `{"method":"sync","params":{"wallet":` + mustJSON(t, w) + `}}`
	done := make(chan string)
	go func() { done <- b.Call(syncReq) }()
	<-chain.entered

	expectError(t, call(t, b, "get_balance", map[string]any{"wallet": w}), KindHandleBusy, CodeHandleBusy)
	expectError(t, call(t, b, "destructor", map[string]any{"wallet": w}), KindHandleBusy, CodeHandleBusy)

	close(chain.release)
	var res wallet.SyncResult
	decode(t, <-done, &res)
	if res.Height != 100 {
		t.Fatalf("sync height = %d, want 100", res.Height)
	}
	// The busy rejections left the wallet in place.
	decode(t, call(t, b, "get_balance", map[string]any{"wallet": w}), nil)
}

func TestCall_DistinctWalletsConcurrently(t *testing.T) {
	b := newTestBridge(t)
	wires := make([]handle.Wire, 4)
	for i := range wires {
		wires[i] = openWallet(t, b, map[string]any{"name": "w" + string(rune('a'+i))})
	}

	var g errgroup.Group
	outs := make([]string, len(wires))
	for i, w := range wires {
		req := `{"method":"get_new_address","params":{"wallet":` + mustJSON(t, w) + `}}`
		g.Go(func() error {
			outs[i] = b.Call(req)
			return nil
		})
	}
	g.Wait()
	for i, out := range outs {
		decode(t, out, nil)
		if out != outs[0] {
			t.Fatalf("wallet %d derived %s, want %s", i, out, outs[0])
		}
	}
}

func TestCall_PanicFinalizesWallet(t *testing.T) {
	b := newTestBridge(t, withChain(panicChain{newFakeChain()}))
	w := openWallet(t, b, nil)

	expectError(t, call(t, b, "sync", map[string]any{"wallet": w}), KindPanic, CodePanic)
	if b.Live() != 0 {
		t.Fatalf("Live = %d after panic, want 0", b.Live())
	}
	expectError(t, call(t, b, "get_balance", map[string]any{"wallet": w}), KindStaleHandle, CodeStaleHandle)
}

func TestCall_LogFields(t *testing.T) {
	var buf bytes.Buffer
	b := newLoggingBridge(t, &buf, "info", withChain(panicChain{newFakeChain()}))
	w := openWallet(t, b, nil)
	expectError(t, call(t, b, "sync", map[string]any{"wallet": w}), KindPanic, CodePanic)

	var started, panicked map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		switch entry["message"] {
		case "Bridge started":
			started = entry
		case "Wallet operation panicked, closing wallet":
			panicked = entry
		}
	}
	if started == nil || started["kinds"] != float64(1) {
		t.Fatalf("startup log = %v, want kinds 1", started)
	}
	if panicked == nil {
		t.Fatal("no panic log line")
	}
	if panicked["handle"] != w.String() || panicked["wallet"] != "alice" {
		t.Fatalf("panic log = %v, want handle %s of alice", panicked, w.String())
	}
}

func TestCall_SyncSpend(t *testing.T) {
	chain := newFakeChain()
	b := newTestBridge(t, withChain(chain))
	ext, _ := testDescriptors(t, b)
	chain.fund(t, ext, 0, 0x01, 5000)
	chain.fund(t, ext, 3, 0x02, 3000)
	w := openWallet(t, b, nil)

	var res wallet.SyncResult
	decode(t, call(t, b, "sync", map[string]any{"wallet": w}), &res)
	if res.UTXOs != 2 {
		t.Fatalf("sync found %d UTXOs, want 2", res.UTXOs)
	}
	var balance uint64
	decode(t, call(t, b, "get_balance", map[string]any{"wallet": w}), &balance)
	if balance != 8000 {
		t.Fatalf("balance = %d, want 8000", balance)
	}
	var unspent []LocalUTXO
	decode(t, call(t, b, "list_unspent", map[string]any{"wallet": w}), &unspent)
	if len(unspent) != 2 || unspent[0].IsInternal || unspent[0].TxOut.ScriptPubkey[:2] != "01" {
		t.Fatalf("list_unspent = %+v", unspent)
	}

	dest, _ := types.Address{0x42}.Encode(types.TestnetHRP)
	var created CreateTxResult
	decode(t, call(t, b, "create_tx", map[string]any{
		"wallet":      w,
		"fee_rate":    1,
		"addressees":  []map[string]string{{"first": dest, "second": "4000"}},
		"unspendable": []string{unspent[1].Outpoint},
	}), &created)
	if created.Details == nil || created.Details.Fees == nil || created.PSBT == "" {
		t.Fatalf("create_tx = %+v", created)
	}

	var signed SignResult
	decode(t, call(t, b, "sign", map[string]any{"wallet": w, "psbt": created.PSBT}), &signed)
	if !signed.Finalized {
		t.Fatal("signed PSBT not finalized")
	}
	var extracted ExtractResult
	decode(t, call(t, b, "extract_psbt", map[string]any{"wallet": w, "psbt": signed.PSBT}), &extracted)
	var sent BroadcastResult
	decode(t, call(t, b, "broadcast", map[string]any{"wallet": w, "raw_tx": extracted.Transaction}), &sent)
	if sent.TxID != created.Details.TxID.String() {
		t.Fatalf("broadcast txid %s, want %s", sent.TxID, created.Details.TxID)
	}
	if len(chain.submitted) != 1 {
		t.Fatalf("node received %d transactions, want 1", len(chain.submitted))
	}

	var history []wallet.TxDetails
	decode(t, call(t, b, "list_transactions", map[string]any{"wallet": w, "include_raw": true}), &history)
	var found bool
	for _, d := range history {
		if d.TxID.String() == sent.TxID {
			found = d.Transaction != nil
		}
	}
	if !found {
		t.Fatalf("broadcast transaction missing from history: %+v", history)
	}
}

func TestCall_ExportAndReopen(t *testing.T) {
	b := newTestBridge(t)
	w := openWallet(t, b, nil)

	var pub DescriptorsResult
	decode(t, call(t, b, "public_descriptors", map[string]any{"wallet": w}), &pub)
	if !strings.HasPrefix(pub.External, "tpub") || !strings.HasPrefix(pub.Internal, "tpub") {
		t.Fatalf("public descriptors = %+v", pub)
	}

	var exported ExportResult
	decode(t, call(t, b, "export_descriptor", map[string]any{"wallet": w, "password": "hunter2"}), &exported)

	params := map[string]any{
		"name":                 "restored",
		"network":              "testnet",
		"path":                 storage.MemoryPath,
		"encrypted_descriptor": exported.EncryptedDescriptor,
		"password":             "wrong",
	}
	expectError(t, call(t, b, "constructor", params), KindOperation, CodeOperation)

	params["password"] = "hunter2"
	var restored handle.Wire
	decode(t, call(t, b, "constructor", params), &restored)
	var again DescriptorsResult
	decode(t, call(t, b, "public_descriptors", map[string]any{"wallet": restored}), &again)
	if again.External != pub.External || again.Internal != "" {
		t.Fatalf("restored descriptors = %+v, want external %s only", again, pub.External)
	}
}

func TestCall_WatchOnlySign(t *testing.T) {
	b := newTestBridge(t)
	w := openWallet(t, b, nil)
	var pub DescriptorsResult
	decode(t, call(t, b, "public_descriptors", map[string]any{"wallet": w}), &pub)

	watch := openWallet(t, b, map[string]any{
		"name":              "watch",
		"descriptor":        pub.External,
		"change_descriptor": pub.Internal,
	})
	expectError(t, call(t, b, "sign", map[string]any{"wallet": watch, "psbt": "e30="}), KindOperation, CodeOperation)
	decode(t, call(t, b, "get_new_address", map[string]any{"wallet": watch}), nil)
}

func TestCall_KeyMethods(t *testing.T) {
	b := newTestBridge(t)

	var keys wallet.ExtendedKeys
	decode(t, call(t, b, "generate_extended_keys", map[string]any{
		"network":             "mainnet",
		"mnemonic_word_count": 12,
	}), &keys)
	if len(strings.Fields(keys.Mnemonic)) != 12 || !strings.HasPrefix(keys.ExtPrivKey, "xprv") || !strings.HasPrefix(keys.ExtPubKey, "xpub") {
		t.Fatalf("generated keys = %+v", keys)
	}

	var restored wallet.ExtendedKeys
	decode(t, call(t, b, "create_extended_keys", map[string]any{
		"network":  "mainnet",
		"mnemonic": keys.Mnemonic,
	}), &restored)
	if restored != keys {
		t.Fatal("restoring the mnemonic gave different keys")
	}

	expectError(t, call(t, b, "generate_extended_keys", map[string]any{"network": "testnet", "mnemonic_word_count": 13}), KindOperation, CodeOperation)
	expectError(t, call(t, b, "create_extended_keys", map[string]any{"network": "testnet", "mnemonic": "abandon abandon"}), KindOperation, CodeOperation)
	if b.Live() != 0 {
		t.Fatal("key methods allocated handles")
	}
}

func TestClose(t *testing.T) {
	b := newTestBridge(t)
	w := openWallet(t, b, nil)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if b.Live() != 0 {
		t.Fatalf("Live = %d after Close", b.Live())
	}
	expectError(t, call(t, b, "get_balance", map[string]any{"wallet": w}), KindOperation, CodeOperation)
}

func TestErrorEncode(t *testing.T) {
	out := newError(KindStaleHandle, CodeStaleHandle, "gone").encode()
	want := `{"error":"gone","kind":"stale_handle","code":-1006}`
	if out != want {
		t.Fatalf("encode = %s, want %s", out, want)
	}
}
