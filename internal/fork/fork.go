// Package fork implements C1, Fork & Replay: it locates the target
// transaction, seeds an in-memory state at the parent block and replays
// every transaction that preceded it in the same block, producing the
// exact pre-transaction state the rest of the pipeline debugs.
//
// This generalizes the teacher's two-pass Simulate (simulator/simulator.go):
// the teacher ran one throwaway execution to discover which
// addresses/slots a single call touches, then replayed against a state
// pre-seeded with exactly those. Historical replay has to make the same
// pre-seeding decision once per transaction in the block, and can't
// afford a discovery pass per transaction, so it reuses the same
// lazy-fetch machinery (internal/evmx) but fetches on demand during a
// single pass instead of precomputing a record.
package fork

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/ethdbg/edb/internal/cachefs"
	"github.com/ethdbg/edb/internal/chainspec"
	"github.com/ethdbg/edb/internal/evmx"
	"github.com/ethdbg/edb/internal/model"
	"github.com/ethdbg/edb/internal/rpcclient"
)

// ProgressFunc receives (transactions executed, total), per spec.md
// §4.1 step 6.
type ProgressFunc func(done, total int)

// Context is the product of C1: everything later components need to
// keep executing against the same pre-transaction world state.
type Context struct {
	Target model.TransactionTarget

	StateDB   *state.StateDB
	ChainCfg  *params.ChainConfig
	ForkTable *chainspec.Table
	ForkName  string
	Rules     params.Rules

	BlockCtx vm.BlockContext
	TxCtx    vm.TxContext

	Loader *evmx.LazyLoader

	// tx is the full decoded target transaction, kept for C2's re-run.
	tx *types.Transaction
}

// Builder owns the upstream client and disk cache used to build
// ForkContexts; one Builder is shared across every tx the server is
// asked to prepare. Build fetches all state from Upstream and does not
// read or write Cache.
type Builder struct {
	Upstream *rpcclient.Client
	Cache    *cachefs.Store
}

func NewBuilder(upstream *rpcclient.Client, cache *cachefs.Store) *Builder {
	return &Builder{Upstream: upstream, Cache: cache}
}

// Build runs the full C1 algorithm (spec.md §4.1 steps 1-6) for a single
// transaction hash.
func (b *Builder) Build(ctx context.Context, txHash common.Hash, progress ProgressFunc) (*Context, error) {
	// Step 1: locate (B, P).
	rtx, err := b.Upstream.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, &model.ForkError{Kind: model.ForkUpstreamUnavailable, Reason: err.Error()}
	}
	if rtx == nil || rtx.BlockNumber == nil || rtx.TransactionIndex == nil {
		return nil, &model.ForkError{Kind: model.ForkTxNotMined}
	}
	blockNum := rtx.BlockNumber.ToInt().Uint64()
	txIndex := uint64(*rtx.TransactionIndex)

	// Step 2: fetch block B header and transaction list.
	block, err := b.Upstream.BlockByNumber(ctx, rpcclient.BlockTag(blockNum))
	if err != nil {
		return nil, &model.ForkError{Kind: model.ForkUpstreamUnavailable, Reason: err.Error()}
	}
	if block == nil {
		return nil, &model.ForkError{Kind: model.ForkTxNotMined}
	}

	chainID, err := b.Upstream.ChainID(ctx)
	if err != nil {
		return nil, &model.ForkError{Kind: model.ForkUpstreamUnavailable, Reason: err.Error()}
	}
	chainCfg := chainConfigFor(chainID)
	table := chainspec.BuildTable(chainCfg)

	// Step 3: seed state at B-1 (lazy backing store, empty trie).
	statedb, err := newLazyStateDB()
	if err != nil {
		return nil, errors.Wrap(err, "fork: seeding state")
	}

	loader := evmx.NewLazyLoader(ctx, b.Upstream, statedb, blockNum-1)
	hooks := loader.Hooks()
	blockCtx := blockContextFrom(block, chainCfg)
	isMerge := chainCfg.TerminalTotalDifficulty != nil
	rules := table.Rules(blockNum, isMerge, uint64(block.Timestamp))

	signer := types.LatestSignerForChainID(chainID)

	// Step 4: replay every T_i with i < P against the lazy store.
	total := int(txIndex)
	for i := 0; i < total; i++ {
		rt := block.Transactions[i]
		tx, err := toTransaction(&rt, chainID)
		if err != nil {
			return nil, &model.ForkError{Kind: model.ForkReplayFailed, Index: i, Reason: err.Error()}
		}
		if err := replayOne(ctx, statedb, chainCfg, blockCtx, tx, rt.From, hooks, i); err != nil {
			return nil, &model.ForkError{Kind: model.ForkReplayFailed, Index: i, Reason: err.Error()}
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	if progress != nil && total == 0 {
		progress(0, 0)
	}

	// Step 5: build the transaction environment for H, preserving type
	// distinction (legacy / 2930 / 1559 / 4844 / ...).
	targetTx, err := toTransaction(rtx, chainID)
	if err != nil {
		return nil, &model.ForkError{Kind: model.ForkReplayFailed, Index: int(txIndex), Reason: err.Error()}
	}
	msg, err := core.TransactionToMessage(targetTx, signer, blockCtx.BaseFee)
	if err != nil {
		return nil, &model.ForkError{Kind: model.ForkReplayFailed, Index: int(txIndex), Reason: err.Error()}
	}
	txCtx := core.NewEVMTxContext(msg)

	target := model.TransactionTarget{
		ChainID:     chainID,
		BlockNumber: blockNum,
		TxHash:      txHash,
		Index:       uint(txIndex),
		From:        rtx.From,
		To:          rtx.To,
		Input:       []byte(rtx.Input),
		Gas:         uint64(rtx.Gas),
		Value:       rtx.Value.ToInt(),
	}
	target.SetType(uint8(rtx.Type))

	fc := &Context{
		Target:    target,
		StateDB:   statedb,
		ChainCfg:  chainCfg,
		ForkTable: table,
		ForkName:  table.ForkName(blockNum),
		Rules:     rules,
		BlockCtx:  blockCtx,
		TxCtx:     txCtx,
		Loader:    loader,
		tx:        targetTx,
	}
	return fc, nil
}

// Transaction returns the fully-typed target transaction built in step 5,
// ready for C2 to re-run under a tracing inspector.
func (fc *Context) Transaction() *types.Transaction { return fc.tx }

func newLazyStateDB() (*state.StateDB, error) {
	db := state.NewDatabase(rawdb.NewMemoryDatabase())
	return state.New(types.EmptyRootHash, db, nil)
}

// chainConfigFor returns the hardcoded mainnet config when the fork
// targets chain id 1, and a minimal all-hardforks-from-genesis config
// otherwise (most non-mainnet EVM chains the core targets activate every
// fork at block/time zero).
func chainConfigFor(chainID *big.Int) *params.ChainConfig {
	if chainID.Cmp(big.NewInt(1)) == 0 {
		return chainspec.MainnetConfig
	}
	cfg := *params.AllEthashProtocolChanges
	cfg.ChainID = chainID
	return &cfg
}

func blockContextFrom(b *rpcclient.RPCBlock, cfg *params.ChainConfig) vm.BlockContext {
	var baseFee *big.Int
	if b.BaseFeePerGas != nil {
		baseFee = b.BaseFeePerGas.ToInt()
	}
	var blobBaseFee *big.Int
	if b.ExcessBlobGas != nil {
		blobBaseFee = eip4844BlobBaseFee(uint64(*b.ExcessBlobGas))
	}
	var random *common.Hash
	if b.MixHash != (common.Hash{}) {
		mh := b.MixHash
		random = &mh
	}
	return vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     func(uint64) common.Hash { return b.ParentHash },
		Coinbase:    b.Miner,
		BlockNumber: new(big.Int).SetUint64(uint64(b.Number)),
		Time:        uint64(b.Timestamp),
		Difficulty:  difficultyOrZero(b),
		BaseFee:     baseFee,
		BlobBaseFee: blobBaseFee,
		GasLimit:    uint64(b.GasLimit),
		Random:      random,
	}
}

func difficultyOrZero(b *rpcclient.RPCBlock) *big.Int {
	if b.Difficulty == nil {
		return big.NewInt(0)
	}
	return b.Difficulty.ToInt()
}

func eip4844BlobBaseFee(excessBlobGas uint64) *big.Int {
	return eip4844.CalcBlobFee(excessBlobGas)
}

// toTransaction decodes an RPC transaction payload into a *types.Transaction
// using the field layout matching its declared type, preserving legacy/
// 2930/1559/4844 distinction as spec.md §4.1 step 5 requires.
func toTransaction(rt *rpcclient.RPCTransaction, chainID *big.Int) (*types.Transaction, error) {
	var to *common.Address
	if rt.To != nil {
		a := *rt.To
		to = &a
	}
	value := big.NewInt(0)
	if rt.Value != nil {
		value = rt.Value.ToInt()
	}

	switch rt.Type {
	case types.LegacyTxType:
		return types.NewTx(&types.LegacyTx{
			Nonce:    uint64(rt.Nonce),
			GasPrice: bigOrZero(rt.GasPrice),
			Gas:      uint64(rt.Gas),
			To:       to,
			Value:    value,
			Data:     []byte(rt.Input),
		}), nil
	case types.AccessListTxType:
		return types.NewTx(&types.AccessListTx{
			ChainID:    chainID,
			Nonce:      uint64(rt.Nonce),
			GasPrice:   bigOrZero(rt.GasPrice),
			Gas:        uint64(rt.Gas),
			To:         to,
			Value:      value,
			Data:       []byte(rt.Input),
			AccessList: rt.AccessList,
		}), nil
	case types.DynamicFeeTxType:
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:    chainID,
			Nonce:      uint64(rt.Nonce),
			GasTipCap:  bigOrZero(rt.MaxPriorityFee),
			GasFeeCap:  bigOrZero(rt.MaxFeePerGas),
			Gas:        uint64(rt.Gas),
			To:         to,
			Value:      value,
			Data:       []byte(rt.Input),
			AccessList: rt.AccessList,
		}), nil
	case types.BlobTxType:
		feeCap, _ := uint256.FromBig(bigOrZero(rt.MaxFeePerGas))
		tipCap, _ := uint256.FromBig(bigOrZero(rt.MaxPriorityFee))
		gasFeeCap, _ := uint256.FromBig(bigOrZero(rt.MaxFeePerBlobGas))
		val, _ := uint256.FromBig(value)
		var toAddr common.Address
		if to != nil {
			toAddr = *to
		}
		return types.NewTx(&types.BlobTx{
			ChainID:    uint256.MustFromBig(chainID),
			Nonce:      uint64(rt.Nonce),
			GasTipCap:  tipCap,
			GasFeeCap:  feeCap,
			Gas:        uint64(rt.Gas),
			To:         toAddr,
			Value:      val,
			Data:       []byte(rt.Input),
			AccessList: rt.AccessList,
			BlobFeeCap: gasFeeCap,
			BlobHashes: rt.BlobVersionedHashes,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transaction type %d", rt.Type)
	}
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToInt()
}

// replayOne applies one preceding transaction with full commit against
// the lazy-backed statedb, per spec.md §4.1 step 4: "must use the real
// interpreter... so storage writes, account creations, balance updates,
// and nonces all reflect in the fork."
func replayOne(
	ctx context.Context,
	statedb *state.StateDB,
	cfg *params.ChainConfig,
	blockCtx vm.BlockContext,
	tx *types.Transaction,
	from common.Address,
	hooks *tracing.Hooks,
	index int,
) error {
	statedb.SetTxContext(tx.Hash(), index)

	msg := &core.Message{
		To:                tx.To(),
		From:              from,
		Nonce:             tx.Nonce(),
		Value:             tx.Value(),
		GasLimit:          tx.Gas(),
		GasPrice:          effectiveGasPrice(tx, blockCtx.BaseFee),
		GasFeeCap:         tx.GasFeeCap(),
		GasTipCap:         tx.GasTipCap(),
		Data:              tx.Data(),
		AccessList:        tx.AccessList(),
		BlobHashes:        tx.BlobHashes(),
		BlobGasFeeCap:     tx.BlobGasFeeCap(),
		SkipAccountChecks: true, // the sender's signature was already checked on-chain; not re-verified here.
	}

	evm := vm.NewEVM(blockCtx, core.NewEVMTxContext(msg), statedb, cfg, vm.Config{Tracer: hooks})
	gp := new(core.GasPool).AddGas(blockCtx.GasLimit)
	result, err := core.ApplyMessage(evm, msg, gp)
	if err != nil {
		// A consensus-invalid failure (bad nonce, insufficient funds,
		// intrinsic gas) means the fork was seeded wrong upstream, not
		// that the historical tx itself failed -- reverts are fine and
		// surface inside result, not err.
		log.Warn("fork: replay failed before execution", "index", index, "err", err)
		return err
	}
	if result.Err != nil && errors.Is(result.Err, vm.ErrOutOfGas) {
		// reverts are acceptable; OutOfGas on a *preceding* tx still
		// means the fork state is now wrong for everything after it.
		return fmt.Errorf("tx %d: %w", index, result.Err)
	}
	statedb.Finalise(true)
	return nil
}

func effectiveGasPrice(tx *types.Transaction, baseFee *big.Int) *big.Int {
	if tx.Type() == types.LegacyTxType || tx.Type() == types.AccessListTxType {
		return tx.GasPrice()
	}
	if baseFee == nil {
		return tx.GasTipCap()
	}
	tip := new(big.Int).Sub(tx.GasFeeCap(), baseFee)
	if tip.Cmp(tx.GasTipCap()) > 0 {
		tip = tx.GasTipCap()
	}
	return new(big.Int).Add(baseFee, tip)
}
