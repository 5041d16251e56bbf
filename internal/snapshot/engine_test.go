package snapshot

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ethdbg/edb/internal/model"
)

// mockOpContext implements tracing.OpContext for testing, following the
// go-ethereum native tracer test suite's own pattern: a hand-built scope
// that lets opcode-hook logic be exercised without a real EVM.
type mockOpContext struct {
	addr     common.Address
	memory   []byte
	stack    []uint256.Int
	contract []byte
}

func (m *mockOpContext) MemoryData() []byte       { return m.memory }
func (m *mockOpContext) StackData() []uint256.Int { return m.stack }
func (m *mockOpContext) Address() common.Address  { return m.addr }
func (m *mockOpContext) Caller() common.Address   { return common.Address{} }
func (m *mockOpContext) CallValue() *uint256.Int  { return uint256.NewInt(0) }
func (m *mockOpContext) CallInput() []byte        { return []byte{} }
func (m *mockOpContext) ContractCode() []byte     { return m.contract }

func TestOnOpcodeRecordsPlainSnapshot(t *testing.T) {
	e := NewEngine(nil)
	addr := common.HexToAddress("0x1")

	scope := &mockOpContext{
		addr:   addr,
		memory: []byte{1, 2, 3},
		stack:  []uint256.Int{*uint256.NewInt(5), *uint256.NewInt(6)},
	}

	e.onOpcode(10, byte(vm.ADD), 100, 3, scope, nil, 0, nil)

	require.Len(t, e.timeline, 1)
	snap := e.timeline[0]
	require.Equal(t, model.SnapshotOpcode, snap.Kind)
	require.NotNil(t, snap.Opcode)
	require.Equal(t, uint64(10), snap.Opcode.PC)
	require.Equal(t, "ADD", snap.Opcode.OpName)
	require.Equal(t, -1, snap.FrameID, "no OnEnter has fired, so no frame is open")
	require.Equal(t, -1, snap.PrevID)
}

func TestOnOpcodeChainsPrevNext(t *testing.T) {
	e := NewEngine(nil)
	addr := common.HexToAddress("0x1")
	scope := &mockOpContext{addr: addr, stack: []uint256.Int{*uint256.NewInt(1)}}

	e.onOpcode(1, byte(vm.PUSH1), 100, 3, scope, nil, 0, nil)
	e.onOpcode(2, byte(vm.ADD), 97, 3, scope, nil, 0, nil)

	require.Len(t, e.timeline, 2)
	require.Equal(t, e.timeline[1].ID, e.timeline[0].NextID)
	require.Equal(t, e.timeline[0].ID, e.timeline[1].PrevID)
}

func TestOnEnterOnExitTrackFrameID(t *testing.T) {
	e := NewEngine(nil)
	callee := common.HexToAddress("0x2")
	scope := &mockOpContext{addr: callee}

	e.onEnter(1, 0, common.Address{}, callee, nil, 0, nil)
	e.onOpcode(1, byte(vm.ADD), 100, 3, scope, nil, 1, nil)
	firstFrame := e.timeline[0].FrameID
	require.GreaterOrEqual(t, firstFrame, 0)

	e.onExit(1, nil, 0, nil, false)
	e.onOpcode(2, byte(vm.ADD), 100, 3, scope, nil, 0, nil)
	require.Equal(t, -1, e.timeline[1].FrameID, "after the matching OnExit no frame is open")
}

func TestOnOpcodeSkipsMidRegionInstrumentedPCs(t *testing.T) {
	addr := common.HexToAddress("0x1")
	artifact := &model.ContractArtifact{
		Sources: map[string]string{"A.sol": "contract A {}"},
		SourceMap: []model.SourceMapEntry{
			{PC: 0, File: 0, Start: 0, Length: 1},
			{PC: 1, File: 0, Start: 1, Length: 1},
			{PC: 2, File: 0, Start: 10, Length: 1},
		},
		InstrumentedRanges: []model.InstrumentedSourceRange{
			{Path: "A.sol", Start: 0, End: 2},
		},
	}
	e := NewEngine(map[common.Address]*model.ContractArtifact{addr: artifact})
	scope := &mockOpContext{addr: addr, stack: []uint256.Int{*uint256.NewInt(1)}}

	e.onOpcode(0, byte(vm.PUSH1), 100, 3, scope, nil, 0, nil)
	e.onOpcode(1, byte(vm.ADD), 97, 3, scope, nil, 0, nil)
	e.onOpcode(2, byte(vm.STOP), 94, 0, scope, nil, 0, nil)

	require.Len(t, e.timeline, 2, "pc=1 is the second instrumented pc in the same contiguous region, so it is suppressed")
	require.Equal(t, uint64(0), e.timeline[0].Opcode.PC)
	require.Equal(t, uint64(2), e.timeline[1].Opcode.PC)
}

func TestOnOpcodeInterceptsHookPrecompileCall(t *testing.T) {
	addr := common.HexToAddress("0x1")
	artifact := &model.ContractArtifact{
		Steps: []model.Step{
			{ID: 7, Path: "A.sol", Offset: 12, Length: 3},
		},
	}
	e := NewEngine(map[common.Address]*model.ContractArtifact{addr: artifact})

	// abi.encode(uint8(HookBeforeStep), uint256(7))
	input := make([]byte, 64)
	input[31] = byte(model.HookBeforeStep)
	binary.BigEndian.PutUint64(input[56:64], 7)

	mem := make([]byte, 64)
	copy(mem, input)

	// STATICCALL stack, top-down: gas, addr, argsOffset, argsSize, retOffset, retSize
	// stack slice here is bottom-to-top; hookCallTarget/hookCallInput read
	// from the end of the slice as "top of stack".
	stack := []uint256.Int{
		*uint256.NewInt(0),  // retSize
		*uint256.NewInt(0),  // retOffset
		*uint256.NewInt(64), // argsSize
		*uint256.NewInt(0),  // argsOffset
		*new(uint256.Int).SetBytes(hookPrecompileAddr.Bytes()), // addr
		*uint256.NewInt(100000),                                // gas
	}

	scope := &mockOpContext{addr: addr, memory: mem, stack: stack}

	e.onOpcode(5, byte(vm.STATICCALL), 100000, 100, scope, nil, 0, nil)

	require.Len(t, e.timeline, 1)
	snap := e.timeline[0]
	require.Equal(t, model.SnapshotHook, snap.Kind)
	require.NotNil(t, snap.Hook)
	require.Equal(t, model.HookBeforeStep, snap.Hook.Kind)
	require.Equal(t, 7, snap.Hook.StepID, "payload id 7 resolves to the matching Step in the artifact")
}

func TestOnOpcodeRecordsStorageWriteOnSSTORE(t *testing.T) {
	e := NewEngine(nil)
	addr := common.HexToAddress("0x1")

	slot := uint256.NewInt(42)
	value := uint256.NewInt(99)
	scope := &mockOpContext{addr: addr, stack: []uint256.Int{*value, *slot}}

	e.onOpcode(0, byte(vm.SSTORE), 5000, 20000, scope, nil, 0, nil)

	writes := e.storageHistory[addr][common.Hash(slot.Bytes32())]
	require.Len(t, writes, 1)
	require.Equal(t, common.Hash(value.Bytes32()), writes[0].Value)
}

func TestHookCallTargetReadsSecondFromTop(t *testing.T) {
	target := common.HexToAddress("0xdead")
	stack := []uint256.Int{
		*uint256.NewInt(1),
		*new(uint256.Int).SetBytes(target.Bytes()),
		*uint256.NewInt(2),
	}
	scope := &mockOpContext{stack: stack}

	got, ok := hookCallTarget(scope)
	require.True(t, ok)
	require.Equal(t, target, got)
}

func TestDecodeHookCall(t *testing.T) {
	input := make([]byte, 64)
	input[31] = byte(model.HookVariableInScope)
	binary.BigEndian.PutUint64(input[56:64], 123)

	kind, payload, ok := decodeHookCall(input)
	require.True(t, ok)
	require.Equal(t, model.HookVariableInScope, kind)
	require.Equal(t, 123, payload)
}

func TestDecodeHookCallRejectsShortInput(t *testing.T) {
	_, _, ok := decodeHookCall([]byte{1, 2, 3})
	require.False(t, ok)
}
