// Package evmx builds the lazy, RPC-backed execution environment every
// replay in the pipeline runs against: a stock go-ethereum vm.EVM whose
// core/tracing.Hooks intercept SLOAD/CALL-family/EXTCODE* opcodes *before*
// they execute and backfill missing account/code/storage from the
// upstream node.
//
// This replaces the teacher's (Gealber/evm-simulator) forked interpreter
// loop: upstream geth's own interpreter already calls Tracer.OnOpcode
// before operation.execute, which is exactly the interception point the
// teacher hand-derived by copying the whole interpreter. Using the stock
// tracer hook gets the same lazy-fetch behavior without re-deriving the
// ~150-opcode jump table that isn't part of the retrieval pack.
package evmx

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ethdbg/edb/internal/rpcclient"
)

// Upstream is the minimal surface evmx needs from an RPC client, factored
// out so tests can substitute a fake.
type Upstream interface {
	GetCode(ctx context.Context, addr common.Address, blk string) ([]byte, error)
	GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash, blk string) (common.Hash, error)
	GetBalance(ctx context.Context, addr common.Address, blk string) (*big.Int, error)
}

var _ Upstream = (*rpcclient.Client)(nil)

// LazyLoader watches opcode execution and fetches any account/code/storage
// it references from upstream into StateDB the first time it's touched,
// mirroring the teacher's addressCodeSet/addressBalanceSet/addressStorageSet
// bookkeeping (vm/interpreter.go's EVMInterpreter fields) one for one.
type LazyLoader struct {
	ctx      context.Context
	upstream Upstream
	state    *state.StateDB
	blockTag string

	codeFetched    mapset.Set[common.Address]
	balanceFetched mapset.Set[common.Address]
	storageFetched mapset.Set[[2]common.Hash] // addr-as-hash, slot

	// Touched records every address/slot fetched, for C1's post-replay
	// access-list bookkeeping (spec.md §4.1 step 6/§4.2 touched set).
	Touched *TouchedSet
}

// TouchedSet is the lazily-grown record of what a replay actually read,
// used to build the access list and the C2 touched-address set.
type TouchedSet struct {
	Addresses mapset.Set[common.Address]
	Storage   map[common.Address]mapset.Set[common.Hash]
}

func NewTouchedSet() *TouchedSet {
	return &TouchedSet{
		Addresses: mapset.NewSet[common.Address](),
		Storage:   make(map[common.Address]mapset.Set[common.Hash]),
	}
}

func (t *TouchedSet) markStorage(addr common.Address, slot common.Hash) {
	t.Addresses.Add(addr)
	set, ok := t.Storage[addr]
	if !ok {
		set = mapset.NewSet[common.Hash]()
		t.Storage[addr] = set
	}
	set.Add(slot)
}

func NewLazyLoader(ctx context.Context, upstream Upstream, st *state.StateDB, blockNumber uint64) *LazyLoader {
	return &LazyLoader{
		ctx:            ctx,
		upstream:       upstream,
		state:          st,
		blockTag:       rpcclient.BlockTag(blockNumber),
		codeFetched:    mapset.NewSet[common.Address](),
		balanceFetched: mapset.NewSet[common.Address](),
		storageFetched: mapset.NewSet[[2]common.Hash](),
		Touched:        NewTouchedSet(),
	}
}

// Hooks returns the tracing.Hooks that must be installed as vm.Config.Tracer
// for lazy fetching to take effect. Compose with other hooks (trace
// collection, snapshotting) via Compose.
func (l *LazyLoader) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnOpcode: l.onOpcode,
	}
}

func (l *LazyLoader) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	opcode := vm.OpCode(op)
	switch opcode {
	case vm.SLOAD:
		l.handleSload(scope)
	case vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL:
		l.handleCallFamily(opcode, scope)
	case vm.EXTCODECOPY, vm.EXTCODEHASH, vm.EXTCODESIZE:
		l.handleExtCode(scope)
	}
}

func stackTop(scope tracing.OpContext, fromTop int) uint256.Int {
	data := scope.StackData()
	return data[len(data)-1-fromTop]
}

// handleSload mirrors registerAddressStorage: on SLOAD the slot being read
// is the top-of-stack operand.
func (l *LazyLoader) handleSload(scope tracing.OpContext) {
	data := scope.StackData()
	if len(data) < 1 {
		return
	}
	addr := scope.Address()
	slot := common.Hash(data[len(data)-1].Bytes32())
	key := [2]common.Hash{common.BytesToHash(addr.Bytes()), slot}
	if l.storageFetched.Contains(key) {
		return
	}
	val, err := l.upstream.GetStorageAt(l.ctx, addr, slot, l.blockTag)
	if err != nil {
		return // best effort: let the opcode proceed against zero value
	}
	l.state.SetState(addr, slot, val)
	l.storageFetched.Add(key)
	l.Touched.markStorage(addr, slot)
}

// handleCallFamily mirrors registerAddressCodeForCalls: the callee address
// is the second stack item from the top (CALL/CALLCODE/DELEGATECALL/
// STATICCALL all share that convention for the pre-EIP stack layout the
// teacher relied on), and CALL/CALLCODE's value argument may require a
// balance top-up so the call doesn't spuriously fail for insufficient
// funds that would, on the live chain, already be present.
func (l *LazyLoader) handleCallFamily(op vm.OpCode, scope tracing.OpContext) {
	data := scope.StackData()
	if len(data) < 3 {
		return
	}
	addr := common.Address(data[len(data)-2].Bytes20())
	l.ensureCode(addr)

	if op == vm.CALL || op == vm.CALLCODE {
		value := data[len(data)-3]
		if !value.IsZero() {
			l.ensureBalance(addr, &value)
		}
	}
}

// handleExtCode mirrors registerAddressCodeForExt: EXTCODECOPY/EXTCODEHASH/
// EXTCODESIZE all take the target address as the single top stack item.
func (l *LazyLoader) handleExtCode(scope tracing.OpContext) {
	data := scope.StackData()
	if len(data) < 1 {
		return
	}
	addr := common.Address(data[len(data)-1].Bytes20())
	l.ensureCode(addr)
}

func (l *LazyLoader) ensureCode(addr common.Address) {
	if l.codeFetched.Contains(addr) {
		return
	}
	code, err := l.upstream.GetCode(l.ctx, addr, l.blockTag)
	if err != nil {
		return
	}
	if !l.state.Exist(addr) {
		l.state.CreateAccount(addr)
	}
	l.state.SetCode(addr, code)
	l.codeFetched.Add(addr)
	l.Touched.Addresses.Add(addr)
}

func (l *LazyLoader) ensureBalance(addr common.Address, want *uint256.Int) {
	if l.balanceFetched.Contains(addr) {
		return
	}
	current := l.state.GetBalance(addr)
	if want.Cmp(current) <= 0 {
		return
	}
	balance, err := l.upstream.GetBalance(l.ctx, addr, l.blockTag)
	if err != nil {
		return
	}
	wanted := uint256.MustFromBig(balance)
	if wanted.Cmp(current) <= 0 {
		return
	}
	diff := new(uint256.Int).Sub(wanted, current)
	l.state.AddBalance(addr, diff, tracing.BalanceChangeUnspecified)
	l.balanceFetched.Add(addr)
	l.Touched.Addresses.Add(addr)
}

