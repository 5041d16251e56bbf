// Package snapshot implements C7, the Snapshot Engine: it re-executes
// the (possibly-tweaked) target transaction under a dual opcode/hook
// inspector and produces the merged, frame-tagged, totally-ordered
// snapshot timeline (spec.md §4.7).
//
// The two inspectors are ordinary *tracing.Hooks values combined with
// internal/evmx.Compose, the same composition point C1's lazy loader
// and C2's call collector already go through -- there is only ever one
// place in this pipeline that builds a *tracing.Hooks from more than
// one source.
package snapshot

import (
	"context"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"github.com/ethdbg/edb/internal/evmx"
	"github.com/ethdbg/edb/internal/fork"
	"github.com/ethdbg/edb/internal/model"
)

// frameTracker keeps the current frame_id (spec.md §4.7 merging policy
// rule 3: "every snapshot inherits the frame_id of the most recent
// CALL/CREATE begin that has not yet returned"). The frame ids assigned
// here follow the exact same OnEnter/OnExit pre-order this re-execution
// produces as C2's original collector did, since instrumentation only
// adds staticcalls to the hook precompile -- which do not themselves
// open a user-visible frame (filtered out by address below).
type frameTracker struct {
	stack  []int
	nextID int
	// pushed mirrors the interpreter's own call-depth stack 1:1 (one
	// entry per OnEnter/OnExit pair, including hook-precompile calls
	// that never push a frame id) so OnExit -- which carries no address
	// -- still knows whether its matching OnEnter pushed.
	pushed []bool
}

func (t *frameTracker) enter(to common.Address) {
	if to == hookPrecompileAddr {
		t.pushed = append(t.pushed, false)
		return
	}
	id := t.nextID
	t.nextID++
	t.stack = append(t.stack, id)
	t.pushed = append(t.pushed, true)
}

func (t *frameTracker) exit() {
	if len(t.pushed) == 0 {
		return
	}
	didPush := t.pushed[len(t.pushed)-1]
	t.pushed = t.pushed[:len(t.pushed)-1]
	if didPush && len(t.stack) > 0 {
		t.stack = t.stack[:len(t.stack)-1]
	}
}

func (t *frameTracker) current() int {
	if len(t.stack) == 0 {
		return -1
	}
	return t.stack[len(t.stack)-1]
}

// regionState is per-frame bookkeeping the opcode inspector needs to
// decide snapshot boundaries and database-view sharing.
type regionState struct {
	stack          *pstack
	lastMemory     []byte
	lastCalldata   []byte
	lastTransient  map[string]common.Hash
	inRegion       bool // true while walking a contiguous instrumented PC run
	dbViewID       int
	sawStateChange bool // an SSTORE/SLOAD/etc since the current DB view started
}

// Engine accumulates the merged timeline as the target transaction
// re-executes.
type Engine struct {
	artifacts map[common.Address]*model.ContractArtifact

	timeline []model.Snapshot
	nextID   int
	nextView int

	frames *frameTracker
	byAddr map[common.Address]*regionState

	storageHistory map[common.Address]map[common.Hash][]model.StorageWrite

	instrumentedCache map[*model.ContractArtifact]map[uint64]bool

	// divergence is not written anywhere in this package; Run reports
	// divergence through its second return value and
	// model.Timeline.Divergent.
	divergence string
}

// NewEngine prepares an engine over the set of contract artifacts C5/C6
// produced, keyed by address.
func NewEngine(artifacts map[common.Address]*model.ContractArtifact) *Engine {
	return &Engine{
		artifacts:         artifacts,
		frames:            &frameTracker{},
		byAddr:            make(map[common.Address]*regionState),
		storageHistory:    make(map[common.Address]map[common.Hash][]model.StorageWrite),
		instrumentedCache: make(map[*model.ContractArtifact]map[uint64]bool),
	}
}

func (e *Engine) regionFor(addr common.Address) *regionState {
	rs, ok := e.byAddr[addr]
	if !ok {
		rs = &regionState{stack: newPstack(), dbViewID: e.nextView}
		e.nextView++
		e.byAddr[addr] = rs
	}
	return rs
}

// Hooks returns the tracing.Hooks pair this engine needs installed,
// ready to be composed with internal/evmx.Compose alongside the lazy
// loader's hooks for any remaining RPC-missed account/storage.
func (e *Engine) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter:  e.onEnter,
		OnExit:   e.onExit,
		OnOpcode: e.onOpcode,
	}
}

func (e *Engine) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	e.frames.enter(to)
}

func (e *Engine) onExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	e.frames.exit()
}

// onOpcode is the opcode inspector (spec.md §4.7 point 1) combined with
// the hook inspector (point 2): a CALL whose target is the hook
// precompile is intercepted *before* it executes and decoded instead of
// being recorded as an ordinary opcode snapshot.
func (e *Engine) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	addr := scope.Address()

	if vm.OpCode(op) == vm.STATICCALL {
		if target, ok := hookCallTarget(scope); ok && target == hookPrecompileAddr {
			e.recordHookCall(addr, scope)
			return
		}
	}

	artifact := e.artifacts[addr]
	instrumented := e.instrumentedPCsCached(artifact)
	rs := e.regionFor(addr)

	if instrumented != nil && instrumented[pc] {
		if rs.inRegion {
			return // mid-region: no snapshot, per spec.md §4.7 point 1
		}
		rs.inRegion = true
	} else {
		rs.inRegion = false
	}

	e.recordOpcodeSnapshot(addr, pc, op, gas, cost, scope, depth, rs)
}

func hookCallTarget(scope tracing.OpContext) (common.Address, bool) {
	data := scope.StackData()
	if len(data) < 2 {
		return common.Address{}, false
	}
	return common.Address(data[len(data)-2].Bytes20()), true
}

func (e *Engine) recordOpcodeSnapshot(addr common.Address, pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, depth int, rs *regionState) {
	words := stackWords(scope.StackData())
	rs.stack = pstackFromWords(words)

	mem := scope.MemoryData()
	var memOut []byte
	if !bytesEqual(mem, rs.lastMemory) {
		memOut = append([]byte(nil), mem...)
		rs.lastMemory = memOut
	}
	calldata := scope.CallInput()
	var cdOut []byte
	if !bytesEqual(calldata, rs.lastCalldata) {
		cdOut = append([]byte(nil), calldata...)
		rs.lastCalldata = cdOut
	}

	if vm.OpCode(op) == vm.SSTORE && len(words) >= 2 {
		slot := common.Hash(words[len(words)-1])
		value := common.Hash(words[len(words)-2])
		e.recordStorageWrite(addr, slot, value)
	}

	if isStateMutating(vm.OpCode(op)) || vm.OpCode(op) == vm.SLOAD {
		rs.sawStateChange = true
	}
	if rs.sawStateChange {
		rs.dbViewID = e.nextView
		e.nextView++
		rs.sawStateChange = false
	}

	snap := model.Snapshot{
		ID:       e.nextID,
		FrameID:  e.frames.current(),
		PrevID:   e.prevID(),
		NextID:   -1,
		Kind:     model.SnapshotOpcode,
		DBViewID: rs.dbViewID,
		Opcode: &model.OpcodeSnapshot{
			PC:       pc,
			Op:       op,
			OpName:   vm.OpCode(op).String(),
			Stack:    words,
			Memory:   memOut,
			Calldata: cdOut,
			Gas:      gas,
			GasCost:  cost,
			Depth:    depth,
		},
	}
	e.append(snap)
}

// recordHookCall decodes the hook precompile's calldata into
// (HookKind, payload_id) (spec.md §4.7 point 2) and emits a hook
// snapshot. Local/state-variable decoding via a nested inspection-helper
// staticcall is left for the expression evaluator to perform on demand
// (see internal/snapshot/eval.go) rather than eagerly on every hook
// snapshot, to keep preparation from paying for decodes nobody queries.
func (e *Engine) recordHookCall(addr common.Address, scope tracing.OpContext) {
	input := hookCallInput(scope)
	kind, payload, ok := decodeHookCall(input)
	if !ok {
		return
	}

	artifact := e.artifacts[addr]
	var path string
	var offset, length int
	var stepID int
	if artifact != nil {
		for _, s := range artifact.Steps {
			if s.ID == payload && kind == model.HookBeforeStep {
				path, offset, length, stepID = s.Path, s.Offset, s.Length, s.ID
				break
			}
		}
	}

	snap := model.Snapshot{
		ID:      e.nextID,
		FrameID: e.frames.current(),
		PrevID:  e.prevID(),
		NextID:  -1,
		Kind:    model.SnapshotHook,
		Hook: &model.HookSnapshot{
			Path:      path,
			Offset:    offset,
			Length:    length,
			StepID:    stepID,
			Kind:      kind,
			Locals:    make(map[string]model.DecodedValue),
			StateVars: make(map[string]model.DecodedValue),
		},
	}
	// The opcode snapshot at the region's entry still got recorded by
	// onOpcode just before this STATICCALL executed; shadow it (spec.md
	// §4.7 point 2: "hidden from default navigation but retained for
	// raw inspection").
	if len(e.timeline) > 0 {
		snap.Hook.ShadowsOpcodeID = e.timeline[len(e.timeline)-1].ID
	}
	e.append(snap)
}

func hookCallInput(scope tracing.OpContext) []byte {
	// STATICCALL's calldata is exactly what CallInput reports for the
	// current scope once the interpreter has set it up for this call;
	// before the call executes (this hook fires pre-execution) the
	// memory region addressed by the stack's argsOffset/argsSize is the
	// authoritative source.
	data := scope.StackData()
	if len(data) < 4 {
		return nil
	}
	argsOffset := data[len(data)-3].Uint64()
	argsSize := data[len(data)-4].Uint64()
	mem := scope.MemoryData()
	if argsOffset+argsSize > uint64(len(mem)) {
		return nil
	}
	return mem[argsOffset : argsOffset+argsSize]
}

// decodeHookCall decodes abi.encode(uint8, uint256): a 32-byte
// left-padded kind byte followed by a 32-byte payload id.
func decodeHookCall(input []byte) (model.HookKind, int, bool) {
	if len(input) < 64 {
		return 0, 0, false
	}
	kind := model.HookKind(input[31])
	payload := int(binary.BigEndian.Uint64(input[56:64]))
	return kind, payload, true
}

func (e *Engine) recordStorageWrite(addr common.Address, slot, value common.Hash) {
	bySlot, ok := e.storageHistory[addr]
	if !ok {
		bySlot = make(map[common.Hash][]model.StorageWrite)
		e.storageHistory[addr] = bySlot
	}
	bySlot[slot] = append(bySlot[slot], model.StorageWrite{SnapshotID: e.nextID, Value: value})
}

func (e *Engine) prevID() int {
	if len(e.timeline) == 0 {
		return -1
	}
	return e.timeline[len(e.timeline)-1].ID
}

func (e *Engine) append(s model.Snapshot) {
	if len(e.timeline) > 0 {
		e.timeline[len(e.timeline)-1].NextID = s.ID
	}
	e.timeline = append(e.timeline, s)
	e.nextID++
}

func stackWords(data []uint256.Int) []model.StackWord {
	out := make([]model.StackWord, len(data))
	for i, w := range data {
		out[i] = w.Bytes32()
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isStateMutating(op vm.OpCode) bool {
	switch op {
	case vm.SSTORE, vm.TSTORE, vm.LOG0, vm.LOG1, vm.LOG2, vm.LOG3, vm.LOG4,
		vm.CREATE, vm.CREATE2, vm.SELFDESTRUCT:
		return true
	default:
		return false
	}
}

// instrumentedPCsCached memoizes instrumentedPCs per artifact so this
// engine instance doesn't rebuild the file-index/range cross-reference
// on every single opcode.
func (e *Engine) instrumentedPCsCached(artifact *model.ContractArtifact) map[uint64]bool {
	if artifact == nil {
		return nil
	}
	if cached, ok := e.instrumentedCache[artifact]; ok {
		return cached
	}
	computed := instrumentedPCs(artifact)
	e.instrumentedCache[artifact] = computed
	return computed
}

// Run re-executes fc's target transaction under this engine's hooks
// composed with fc's lazy loader, and returns the finished timeline plus
// divergence=true if the instrumented run halted in a way the original
// §4.2 trace did not (spec.md §4.7 failure behavior). A divergent run
// still returns its whole timeline, hook snapshots included, with
// Timeline.Divergent set; no opcode-only re-run is made, here or in
// cmd/edb's pipeline.
func Run(ctx context.Context, fc *fork.Context, trace *model.Trace, engine *Engine, originalHalted bool) (*model.Timeline, bool, error) {
	hooks := evmx.Compose(fc.Loader.Hooks(), engine.Hooks())
	evm := vm.NewEVM(fc.BlockCtx, fc.TxCtx, fc.StateDB, fc.ChainCfg, vm.Config{Tracer: hooks})

	msg, err := core.TransactionToMessage(fc.Transaction(), types.LatestSignerForChainID(fc.Target.ChainID), fc.BlockCtx.BaseFee)
	if err != nil {
		return nil, false, err
	}
	fc.StateDB.SetTxContext(fc.Target.TxHash, int(fc.Target.Index))
	gp := new(core.GasPool).AddGas(fc.BlockCtx.GasLimit)

	result, err := core.ApplyMessage(evm, msg, gp)
	if err != nil {
		return nil, false, err
	}

	halted := result.Err != nil && result.Err != vm.ErrExecutionReverted
	diverged := halted && !originalHalted

	return &model.Timeline{
		Trace:          trace,
		Snapshots:      engine.timeline,
		Artifacts:      engine.artifacts,
		StorageHistory: engine.storageHistory,
		Divergent:      diverged,
	}, diverged, nil
}
