// Package mobile is the binding surface for gomobile hosts. It keeps one
// process-wide bridge; every exported function takes and returns strings
// only.
package mobile

import (
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-bridge/config"
	"github.com/Klingon-tech/klingnet-bridge/internal/bridge"
	klog "github.com/Klingon-tech/klingnet-bridge/internal/log"
)

const notInitialized = `{"error":"bridge not initialized","kind":"operation","code":-1}`

var (
	initMu  sync.Mutex
	current atomic.Pointer[bridge.Bridge]
)

// Init loads the config file at configPath (the default location when
// empty) and starts the bridge. It returns an empty string on success and
// the error text otherwise. Init on a running bridge does nothing.
func Init(configPath string) string {
	initMu.Lock()
	defer initMu.Unlock()
	if current.Load() != nil {
		return ""
	}

	cfg, err := config.Load(config.Mainnet, configPath)
	if err != nil {
		return err.Error()
	}
	if err := config.Validate(cfg); err != nil {
		return err.Error()
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return err.Error()
	}
	b, err := bridge.New(cfg)
	if err != nil {
		return err.Error()
	}
	current.Store(b)
	return ""
}

// Call runs one JSON request. See package bridge for the request format.
func Call(request string) string {
	b := current.Load()
	if b == nil {
		return notInitialized
	}
	return b.Call(request)
}

// Shutdown closes every wallet. Init may be called again afterwards.
func Shutdown() {
	initMu.Lock()
	b := current.Swap(nil)
	initMu.Unlock()
	if b != nil {
		b.Close()
	}
}
