// Package bridge exposes wallets to a foreign host through a single
// string-in, string-out entry point.
//
// A request is {"method": ..., "params": {...}}. Wallets live in a handle
// arena; the host only ever sees their wire handles. The method decides the
// ownership transition: constructor parks a new wallet, destructor borrows
// and destroys it, every other wallet method borrows it for the duration of
// the call and re-parks it afterwards. Every failure, including a panic,
// comes back as a JSON error envelope.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-bridge/config"
	"github.com/Klingon-tech/klingnet-bridge/internal/handle"
	klog "github.com/Klingon-tech/klingnet-bridge/internal/log"
	"github.com/Klingon-tech/klingnet-bridge/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-bridge/internal/wallet"
)

// WalletKind is the registry name of the wallet resource. Its tag is the
// "id" half of every wallet wire handle.
const WalletKind = "klingnet-bridge/wallet"

// ChainFactory connects a wallet to a node. It returns a nil Chain for an
// offline wallet.
type ChainFactory func(url, proxy string) (wallet.Chain, error)

// Option configures a Bridge.
type Option func(*Bridge)

// WithChainFactory replaces the JSON-RPC node client.
func WithChainFactory(f ChainFactory) Option {
	return func(b *Bridge) { b.newChain = f }
}

// WithEncryptionParams sets the key derivation cost of exported descriptors.
func WithEncryptionParams(p wallet.EncryptionParams) Option {
	return func(b *Bridge) { b.enc = p }
}

// Bridge dispatches host requests to wallets parked in its arena. Call is
// safe for concurrent use.
type Bridge struct {
	cfg      *config.Config
	registry *handle.Registry
	arena    *handle.Arena
	wallets  handle.Kind[*wallet.Wallet]
	newChain ChainFactory
	enc      wallet.EncryptionParams

	ctx    context.Context
	cancel context.CancelFunc

	logger zerolog.Logger
}

// New creates a bridge with an empty arena.
func New(cfg *config.Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	registry := handle.NewRegistry()
	wallets, err := handle.Register[*wallet.Wallet](registry, WalletKind)
	if err != nil {
		return nil, fmt.Errorf("register wallet kind: %w", err)
	}

	b := &Bridge{
		cfg:      cfg,
		registry: registry,
		wallets:  wallets,
		logger:   klog.Bridge,
	}
	b.newChain = b.nodeClient
	for _, opt := range opts {
		opt(b)
	}
	b.arena = handle.NewArena(
		handle.WithMaxLive(cfg.Arena.MaxHandles),
		handle.WithObserver(handleLogger{registry: registry}),
	)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.logger.Info().
		Str("network", string(cfg.Network)).
		Str("node", cfg.Node.URL).
		Str("wallet_tag", wallets.Tag().String()).
		Int("kinds", registry.Len()).
		Msg("Bridge started")
	return b, nil
}

// nodeClient is the default ChainFactory.
func (b *Bridge) nodeClient(url, proxy string) (wallet.Chain, error) {
	if url == "" {
		return nil, nil
	}
	c, err := rpcclient.New(url, rpcclient.Options{Timeout: b.cfg.Node.Timeout, Proxy: proxy})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Network returns the configured network.
func (b *Bridge) Network() config.NetworkType {
	return b.cfg.Network
}

// Live returns the number of wallets currently parked or borrowed.
func (b *Bridge) Live() int {
	return b.arena.Len()
}

// Close aborts in-flight node requests and closes every parked wallet.
// Wallets borrowed by a running call are closed when that call ends.
func (b *Bridge) Close() error {
	b.cancel()
	err := b.arena.Close()
	if err != nil {
		b.logger.Error().Err(err).Msg("Closing wallets")
	}
	b.logger.Info().Msg("Bridge stopped")
	return err
}

// Call runs one request and returns its JSON result or error envelope.
func (b *Bridge) Call(request string) (out string) {
	logger := b.logger.With().Str("call_id", uuid.NewString()).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Call panicked")
			out = newError(KindPanic, CodePanic, "panic: %v", r).encode()
		}
	}()

	var req Request
	if err := json.Unmarshal([]byte(request), &req); err != nil {
		logger.Debug().Err(err).Msg("Malformed request")
		return malformed("invalid request: %v", err).encode()
	}
	defer klog.Timer(logger.With().Str("method", req.Method).Logger(), "call")()

	result, rerr := b.dispatch(logger, &req)
	if rerr != nil {
		ev := logger.Debug()
		switch {
		case rerr.Kind == KindPanic:
			ev = logger.Error()
		case isHandleError(rerr):
			ev = logger.Warn()
		}
		ev.Str("method", req.Method).
			Str("kind", rerr.Kind).
			Int("code", rerr.Code).
			Str("error", rerr.Message).
			Msg("Call failed")
		return rerr.encode()
	}

	data, err := json.Marshal(result)
	if err != nil {
		logger.Error().Err(err).Str("method", req.Method).Msg("Result not serializable")
		return newError(KindSerialization, CodeSerialization, "encode result: %v", err).encode()
	}
	return string(data)
}

// handleLogger reports arena lifecycle events at debug.
type handleLogger struct {
	registry *handle.Registry
}

func (h handleLogger) OnHandleEvent(e handle.Event) {
	kind, _ := h.registry.Lookup(e.Tag)
	klog.Handle.Debug().
		Str("event", e.Type.String()).
		Str("kind", kind).
		Uint32("slot", e.Addr.Index).
		Uint32("generation", e.Addr.Generation).
		Msg("Handle event")
}
