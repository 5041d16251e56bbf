// Command edb is the time-travel debugger's entrypoint: given an
// upstream RPC endpoint and a transaction hash it forks chain state
// just before the transaction (C1), re-runs it under an instrumented
// EVM (C2-C7), and serves the resulting timeline over JSON-RPC (C8).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ethdbg/edb/internal/config"
	"github.com/ethdbg/edb/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("edb: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags config.Flags

	cmd := &cobra.Command{
		Use:   "edb",
		Short: "Ethereum transaction time-travel debugger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.RPCURL, "rpc-url", "", "upstream JSON-RPC endpoint (env EDB_RPC_URL)")
	f.StringVar(&flags.TxHash, "tx-hash", "", "transaction hash to debug")
	f.Uint64Var(&flags.Block, "block", 0, "block number override (0: resolve from the transaction)")
	f.IntVar(&flags.Port, "port", 0, "debug server port (default 8545)")
	f.StringVar(&flags.CacheRoot, "cache-root", "", "filesystem cache root (env EDB_CACHE_DIR)")
	f.StringVar(&flags.ExplorerKey, "explorer-key", "", "block explorer API key (env EDB_EXPLORER_KEY)")
	f.StringVar(&flags.ExplorerURL, "explorer-url", "", "block explorer API base URL (env EDB_EXPLORER_URL)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	p := newPipeline(cfg)
	svc := server.NewService(p.prepare)

	txHash := common.HexToHash(cfg.TxHash)
	log.Info("edb: preparing transaction", "tx", txHash)
	count, err := svc.Prepare(ctx, txHash)
	if err != nil {
		return fmt.Errorf("preparing %s: %w", txHash, err)
	}
	log.Info("edb: prepared", "tx", txHash, "snapshots", count)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv, err := server.NewServer(addr, svc)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println(color.GreenString("edb: serving %s on %s", txHash, addr))
	return srv.Serve(ctx, 10*time.Second)
}
