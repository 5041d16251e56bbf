// Package model holds the data types shared across every pipeline stage:
// the transaction target, the reconstructed call tree, contract artifacts,
// AST-derived steps/variables, hook points and the snapshot timeline.
//
// Everything here becomes immutable once preparation (fork through
// snapshot) completes; the server only ever reads it.
package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionTarget is the immutable descriptor of the transaction being
// debugged.
type TransactionTarget struct {
	ChainID     *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	// Index is the transaction's position within the block.
	Index  uint
	From   common.Address
	To     *common.Address // nil for contract creation
	Input  []byte
	Gas    uint64
	Value  *big.Int
	txType uint8
}

func (t *TransactionTarget) SetType(typ uint8) { t.txType = typ }
func (t *TransactionTarget) Type() uint8        { return t.txType }

// CallKind enumerates the ways one frame can invoke another.
type CallKind uint8

const (
	CallRegular CallKind = iota
	CallDelegate
	CallStatic
	CallCode
	CallCreate
	CallCreate2
)

func (k CallKind) String() string {
	switch k {
	case CallRegular:
		return "call"
	case CallDelegate:
		return "delegatecall"
	case CallStatic:
		return "staticcall"
	case CallCode:
		return "callcode"
	case CallCreate:
		return "create"
	case CallCreate2:
		return "create2"
	default:
		return "unknown"
	}
}

// FrameResult is the terminal outcome of a call frame.
type FrameResult struct {
	Success bool
	Reverted bool
	Halted  bool
	GasUsed uint64
	Output  []byte
	// HaltReason is set only when Halted is true (consensus-invalid).
	HaltReason string
}

// Event is a single emitted log, kept alongside the frame that produced it.
type Event struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// CallFrame is one node of the reconstructed, pre-order-DFS-ordered call
// tree. Parent/child links are integer ids into the owning Trace's arena,
// never pointers, so the tree stays acyclic-by-construction and trivially
// shareable.
type CallFrame struct {
	ID       int
	ParentID int // -1 for the root frame
	Depth    int
	Kind     CallKind

	Caller       common.Address
	CodeAddress  common.Address // the address whose code actually ran
	StorageAddr  common.Address // the address whose storage is affected (== CodeAddress except delegatecall)
	Input        []byte
	Value        *big.Int
	Gas          uint64

	// CodeHashOnEntry is the bytecode hash observed at CodeAddress when the
	// frame began, used to decide whether an artifact/instrumentation
	// applies to this invocation.
	CodeHashOnEntry common.Hash

	// Only set for CallCreate/CallCreate2 frames.
	InitCode        []byte
	DeployedAddress common.Address
	ConstructorArgs []byte

	Result FrameResult
	Events []Event

	FirstSnapshotID int
	LastSnapshotID  int
}

// Trace is the full call tree plus the set of touched addresses, in
// pre-order DFS order (Frames[0] is always the top-level frame).
type Trace struct {
	Target  TransactionTarget
	Frames  []CallFrame
	// Touched is every address at which code executed, including CREATE
	// targets. It is read out of a set, so its order is not defined.
	Touched []common.Address
}

func (t *Trace) Root() *CallFrame {
	if len(t.Frames) == 0 {
		return nil
	}
	return &t.Frames[0]
}

func (t *Trace) Children(frameID int) []int {
	var out []int
	for i := range t.Frames {
		if t.Frames[i].ParentID == frameID {
			out = append(out, t.Frames[i].ID)
		}
	}
	return out
}

// ContractArtifact is everything C3-C5 produce for one touched address:
// source, compiler settings, ABI, storage layout and the rewrite map that
// lets C7 translate a source offset into the instrumented bytecode's
// program counter and back.
type ContractArtifact struct {
	Address           common.Address
	DeployedCodeHash  common.Hash
	ContractName      string
	Sources           map[string]string // path -> source text (post-instrumentation)
	OriginalSources   map[string]string // path -> source text (pre-instrumentation)
	AST               map[string]*ASTNode
	ABI               []byte // raw JSON ABI
	CompilerVersion   string
	CompilerSettings  map[string]interface{}
	ImmutableRefs     map[string][]ImmutableRef // path -> refs
	StorageLayout     []StorageSlot

	DeployedBytecode []byte
	InitBytecode     []byte

	// SourceMap translates an instrumented-bytecode program counter to a
	// (path, offset, length) source span, built from solc's srcmap output.
	SourceMap []SourceMapEntry

	Steps     []Step
	Variables []Variable
	HookPlan  []HookPoint

	// InstrumentedRanges is the byte-offset span of every injected hook
	// call in the rewritten (post-insertion) source, emitted by C5's
	// Rewrite. C7 cross-references these against SourceMap to decide
	// which program counters belong to an instrumented region.
	InstrumentedRanges []InstrumentedSourceRange

	// Instrumented is false when no hook plan could be compiled for this
	// contract (unsupported compiler version, no verified source, ...);
	// such contracts still execute but only produce opcode snapshots.
	Instrumented bool
	// DegradeReason records why Instrumented is false, for client reporting.
	DegradeReason string
}

// ImmutableRef is solc's immutable-reference entry: a variable assigned at
// constructor time and baked into the runtime bytecode at fixed offsets.
type ImmutableRef struct {
	ASTId   int
	Offsets []int
	Length  int
}

// StorageSlot is one entry of solc's storage layout output.
type StorageSlot struct {
	Label  string
	Slot   *big.Int
	Offset int
	Type   string
}

// InstrumentedSourceRange is one injected hook call's byte span in the
// rewritten source text C5 produced, used by C7 to recognize which
// program counters belong to an instrumented region (spec.md §4.7
// "contiguous runs of instrumented PCs").
type InstrumentedSourceRange struct {
	Path  string
	Start int
	End   int
}

// SourceMapEntry is one decoded instruction-offset entry of solc's
// `srcmap`: start byte offset, length, source file index, jump type.
type SourceMapEntry struct {
	PC     int
	Start  int
	Length int
	File   int
	Jump   byte
}

// Step is a maximal contiguous source span whose effects are atomic at the
// source level (spec.md §3/§4.4).
type Step struct {
	ID           int
	Path         string
	Offset       int
	Length       int
	FunctionID   int
	EntersScope  []int // variable ids entering scope at this step
	LeavesScope  []int // variable ids leaving scope at this step
}

// VariableKind distinguishes the different declaration forms the scope
// graph must track.
type VariableKind uint8

const (
	VarParameter VariableKind = iota
	VarLocal
	VarUnnamedReturn
	VarLoopVariable
	VarCatchParameter
	VarStateVariable
)

// Variable is one declared identifier tracked by the scope graph. Struct
// fields and mapping/array element expressions are never variables.
type Variable struct {
	ID         int
	Name       string
	Kind       VariableKind
	Type       string
	EnterStep  int // step id where this variable enters scope
	ExitStep   int // step id where this variable leaves scope
	// SlotForState is set only for VarStateVariable.
	SlotForState *big.Int
}

// HookKind enumerates the injected-call kinds of spec.md §3.
type HookKind uint8

const (
	HookBeforeStep HookKind = iota
	HookVariableInScope
	HookVariableOutOfScope
	HookVariableUpdate
)

// HookPoint is one location where a call to the reserved hook precompile
// is injected, plus the source offset it is injected at and the payload
// id (a step or variable id, per Kind) the instrumented call carries.
type HookPoint struct {
	SourceOffset int
	Kind         HookKind
	PayloadID    int
}

// SnapshotKind tags which of the two Snapshot variants is populated.
type SnapshotKind uint8

const (
	SnapshotOpcode SnapshotKind = iota
	SnapshotHook
)

// StackWord is one 32-byte stack entry. Each opcode snapshot holds its own
// copy of the stack words; the slices are not shared between snapshots.
type StackWord = [32]byte

// OpcodeSnapshot is an EVM-level point-in-time view.
type OpcodeSnapshot struct {
	PC       uint64
	Op       byte
	OpName   string
	Stack    []StackWord
	Memory   []byte // nil when unchanged from the previous opcode snapshot at the same contract address
	Calldata []byte // nil when unchanged, compared the same way
	Transient map[string]common.Hash
	Gas      uint64
	GasCost  uint64
	Depth    int
}

// DecodedValue is a Solidity value decoded for client consumption: a
// type name plus its ABI-decoded Go representation (string, *big.Int,
// common.Address, []byte, bool, or nested slices/maps of these).
type DecodedValue struct {
	Type  string
	Value interface{}
}

// HookSnapshot is a source-level point-in-time view.
type HookSnapshot struct {
	Path         string
	Offset       int
	Length       int
	StepID       int
	Kind         HookKind
	Locals       map[string]DecodedValue
	StateVars    map[string]DecodedValue
	// ShadowsOpcodeID is the opcode snapshot id this hook snapshot
	// shadows in the default-navigable projection (spec.md invariant 4).
	ShadowsOpcodeID int
}

// Snapshot is the tagged sum type of spec.md §9: exactly one of Opcode or
// Hook is populated, selected by Kind.
type Snapshot struct {
	ID       int
	FrameID  int
	PrevID   int // -1 if none
	NextID   int // -1 if none
	Kind     SnapshotKind
	Opcode   *OpcodeSnapshot
	Hook     *HookSnapshot
	// DBViewID groups snapshots that share one logical database view
	// (spec.md §4.7 "database snapshotting").
	DBViewID int
}

// StorageWrite is one SSTORE observed during C7's re-execution, ordered
// by the snapshot id it occurred at.
type StorageWrite struct {
	SnapshotID int
	Value      common.Hash
}

// Timeline is the complete, frozen, dense [0,N) snapshot sequence plus the
// call tree it was produced against. Built once by C7; read-only for C8.
type Timeline struct {
	Trace     *Trace
	Snapshots []Snapshot
	Artifacts map[common.Address]*ContractArtifact
	// StorageHistory holds, per (address, slot), every write observed
	// during re-execution in snapshot order, letting C8 answer a storage
	// read as of an arbitrary past snapshot id without re-running the EVM.
	StorageHistory map[common.Address]map[common.Hash][]StorageWrite
	// Divergent is true if instrumentation caused the transaction to halt
	// differently than the uninstrumented replay (spec.md §4.7).
	Divergent       bool
	DivergenceNote  string
}

// StorageAt returns the value slot held as of snapshotID (the latest
// write at or before it), falling back to liveValue if no write was
// observed yet at that point in the timeline.
func (tl *Timeline) StorageAt(addr common.Address, slot common.Hash, snapshotID int, liveValue common.Hash) common.Hash {
	bySlot, ok := tl.StorageHistory[addr]
	if !ok {
		return liveValue
	}
	writes, ok := bySlot[slot]
	if !ok {
		return liveValue
	}
	value := liveValue
	for _, w := range writes {
		if w.SnapshotID > snapshotID {
			break
		}
		value = w.Value
	}
	return value
}

func (tl *Timeline) Count() int { return len(tl.Snapshots) }

// ASTNode is a generic decoded solc AST node: enough structure for
// internal/ast to walk without a dedicated Solidity grammar.
type ASTNode struct {
	ID         int
	NodeType   string
	Src        string // "offset:length:fileIndex"
	Attributes map[string]interface{}
	Children   []*ASTNode
}

// AccessListFrom builds a go-ethereum AccessList from a touched-slot set,
// the way the teacher's simulator package built access lists before a
// second, gas-accurate execution pass. Nothing in this module calls it;
// C1 replays in a single pass.
func AccessListFrom(touched map[common.Address]map[common.Hash]struct{}) types.AccessList {
	var out types.AccessList
	for addr, slots := range touched {
		tuple := types.AccessTuple{Address: addr}
		for slot := range slots {
			tuple.StorageKeys = append(tuple.StorageKeys, slot)
		}
		out = append(out, tuple)
	}
	return out
}
