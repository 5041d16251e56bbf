// Package config resolves the core's CLI surface (spec.md §6): flags with
// environment-variable fallback, read once at startup.
package config

import (
	"fmt"
	"os"
)

// Config is the fully-resolved set of inputs the preparation pipeline and
// the debug server need.
type Config struct {
	RPCURL      string
	TxHash      string
	Block       uint64 // 0 means "resolve from the transaction itself"
	Port        int
	CacheRoot   string
	ExplorerKey string
	ExplorerURL string
}

const (
	envRPCURL      = "EDB_RPC_URL"
	envExplorerKey = "EDB_EXPLORER_KEY"
	envExplorerURL = "EDB_EXPLORER_URL"
	envCacheDir    = "EDB_CACHE_DIR"

	defaultExplorerURL = "https://api.etherscan.io/api"
)

// Flags mirrors the CLI flag surface (--rpc-url, --tx-hash, --block,
// --port, --cache-root, --explorer-key) before environment fallback is
// applied, so cmd/edb can bind cobra flags directly onto this struct.
type Flags struct {
	RPCURL      string
	TxHash      string
	Block       uint64
	Port        int
	CacheRoot   string
	ExplorerKey string
	ExplorerURL string
}

// Resolve fills in any flag left at its zero value from the matching
// environment variable, then validates the required fields are present.
func Resolve(f Flags) (*Config, error) {
	cfg := &Config{
		RPCURL:      f.RPCURL,
		TxHash:      f.TxHash,
		Block:       f.Block,
		Port:        f.Port,
		CacheRoot:   f.CacheRoot,
		ExplorerKey: f.ExplorerKey,
		ExplorerURL: f.ExplorerURL,
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = os.Getenv(envRPCURL)
	}
	if cfg.ExplorerKey == "" {
		cfg.ExplorerKey = os.Getenv(envExplorerKey)
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = os.Getenv(envExplorerURL)
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = defaultExplorerURL
	}
	if cfg.CacheRoot == "" {
		cfg.CacheRoot = os.Getenv(envCacheDir)
	}
	if cfg.CacheRoot == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.CacheRoot = home + "/.edb/cache"
		} else {
			cfg.CacheRoot = ".edb-cache"
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 8545
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("config: --rpc-url (or %s) is required", envRPCURL)
	}
	if cfg.TxHash == "" {
		return nil, fmt.Errorf("config: --tx-hash is required")
	}
	return cfg, nil
}
