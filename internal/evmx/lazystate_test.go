package evmx

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	code    map[common.Address][]byte
	storage map[common.Address]map[common.Hash]common.Hash
	balance map[common.Address]*big.Int
	calls   int
}

func (f *fakeUpstream) GetCode(ctx context.Context, addr common.Address, blk string) ([]byte, error) {
	f.calls++
	return f.code[addr], nil
}

func (f *fakeUpstream) GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash, blk string) (common.Hash, error) {
	f.calls++
	return f.storage[addr][slot], nil
}

func (f *fakeUpstream) GetBalance(ctx context.Context, addr common.Address, blk string) (*big.Int, error) {
	f.calls++
	if b, ok := f.balance[addr]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func newTestState(t *testing.T) *state.StateDB {
	t.Helper()
	db, err := state.New(types.EmptyRootHash, state.NewDatabaseForTesting())
	require.NoError(t, err)
	return db
}

type opCtxStub struct {
	addr  common.Address
	stack []uint256.Int
}

func (o *opCtxStub) MemoryData() []byte       { return nil }
func (o *opCtxStub) StackData() []uint256.Int { return o.stack }
func (o *opCtxStub) Address() common.Address  { return o.addr }
func (o *opCtxStub) Caller() common.Address   { return common.Address{} }
func (o *opCtxStub) CallValue() *uint256.Int  { return uint256.NewInt(0) }
func (o *opCtxStub) CallInput() []byte        { return nil }
func (o *opCtxStub) ContractCode() []byte     { return nil }

var _ tracing.OpContext = (*opCtxStub)(nil)

func TestOnOpcodeSloadFetchesStorageOnce(t *testing.T) {
	addr := common.HexToAddress("0x1")
	slot := common.HexToHash("0x5")
	st := newTestState(t)
	up := &fakeUpstream{storage: map[common.Address]map[common.Hash]common.Hash{
		addr: {slot: common.HexToHash("0x42")},
	}}
	l := NewLazyLoader(context.Background(), up, st, 100)

	scope := &opCtxStub{addr: addr, stack: []uint256.Int{*new(uint256.Int).SetBytes(slot.Bytes())}}

	l.onOpcode(0, byte(vm.SLOAD), 0, 0, scope, nil, 1, nil)
	require.Equal(t, common.HexToHash("0x42"), st.GetState(addr, slot))
	require.Equal(t, 1, up.calls)

	// second SLOAD of the same slot must not hit upstream again.
	l.onOpcode(0, byte(vm.SLOAD), 0, 0, scope, nil, 1, nil)
	require.Equal(t, 1, up.calls)
	require.True(t, l.Touched.Storage[addr].Contains(slot))
}

func TestOnOpcodeCallFetchesCalleeCode(t *testing.T) {
	addr := common.HexToAddress("0x1")
	callee := common.HexToAddress("0x2")
	st := newTestState(t)
	up := &fakeUpstream{code: map[common.Address][]byte{callee: {0x60, 0x00}}}
	l := NewLazyLoader(context.Background(), up, st, 100)

	// STATICCALL stack (bottom->top): [retSize, retOffset, argsSize, argsOffset, addr, gas]
	stack := []uint256.Int{
		*uint256.NewInt(0), *uint256.NewInt(0), *uint256.NewInt(0), *uint256.NewInt(0),
		*new(uint256.Int).SetBytes(callee.Bytes()),
		*uint256.NewInt(100000),
	}
	scope := &opCtxStub{addr: addr, stack: stack}
	l.onOpcode(0, byte(vm.STATICCALL), 0, 0, scope, nil, 1, nil)

	require.Equal(t, []byte{0x60, 0x00}, st.GetCode(callee))
	require.True(t, l.Touched.Addresses.Contains(callee))
}

func TestOnOpcodeCallToppsUpBalanceWhenValueExceedsCurrent(t *testing.T) {
	addr := common.HexToAddress("0x1")
	callee := common.HexToAddress("0x2")
	st := newTestState(t)
	up := &fakeUpstream{
		code:    map[common.Address][]byte{},
		balance: map[common.Address]*big.Int{callee: big.NewInt(500)},
	}
	l := NewLazyLoader(context.Background(), up, st, 100)

	// CALL stack (bottom->top): [retSize, retOffset, argsSize, argsOffset, value, addr, gas]
	stack := []uint256.Int{
		*uint256.NewInt(0), *uint256.NewInt(0), *uint256.NewInt(0), *uint256.NewInt(0),
		*uint256.NewInt(10),
		*new(uint256.Int).SetBytes(callee.Bytes()),
		*uint256.NewInt(21000),
	}
	scope := &opCtxStub{addr: addr, stack: stack}
	l.onOpcode(0, byte(vm.CALL), 0, 0, scope, nil, 1, nil)

	require.Equal(t, big.NewInt(500), st.GetBalance(callee).ToBig())
}

func TestOnOpcodeExtcodesizeFetchesCode(t *testing.T) {
	addr := common.HexToAddress("0x1")
	target := common.HexToAddress("0x3")
	st := newTestState(t)
	up := &fakeUpstream{code: map[common.Address][]byte{target: {0x01}}}
	l := NewLazyLoader(context.Background(), up, st, 100)

	scope := &opCtxStub{addr: addr, stack: []uint256.Int{*new(uint256.Int).SetBytes(target.Bytes())}}
	l.onOpcode(0, byte(vm.EXTCODESIZE), 0, 0, scope, nil, 1, nil)

	require.Equal(t, []byte{0x01}, st.GetCode(target))
}

func TestOnOpcodeIgnoresUnrelatedOpcodes(t *testing.T) {
	st := newTestState(t)
	up := &fakeUpstream{}
	l := NewLazyLoader(context.Background(), up, st, 100)
	scope := &opCtxStub{addr: common.HexToAddress("0x1"), stack: []uint256.Int{*uint256.NewInt(1), *uint256.NewInt(2)}}
	l.onOpcode(0, byte(vm.ADD), 0, 0, scope, nil, 1, nil)
	require.Equal(t, 0, up.calls)
}

func TestHooksReturnsOnOpcodeOnly(t *testing.T) {
	l := NewLazyLoader(context.Background(), &fakeUpstream{}, newTestState(t), 1)
	h := l.Hooks()
	require.NotNil(t, h.OnOpcode)
	require.Nil(t, h.OnEnter)
}
