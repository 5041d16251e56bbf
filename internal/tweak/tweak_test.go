package tweak

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ethdbg/edb/internal/model"
)

func newTestStateDB(t *testing.T) *state.StateDB {
	t.Helper()
	db, err := state.New(types.EmptyRootHash, state.NewDatabaseForTesting())
	require.NoError(t, err)
	return db
}

func TestSnapshotLayoutSlotsCapturesPriorValues(t *testing.T) {
	db := newTestStateDB(t)
	addr := common.HexToAddress("0xabc")

	slot0 := common.BigToHash(big.NewInt(0))
	existing := common.HexToHash("0xdead")
	db.SetState(addr, slot0, existing)

	layout := []model.StorageSlot{
		{Label: "total", Slot: big.NewInt(0)},
		{Label: "owner", Slot: big.NewInt(1)},
	}

	before := snapshotLayoutSlots(db, addr, layout)

	require.Equal(t, existing, before[slot0])
	require.Equal(t, common.Hash{}, before[common.BigToHash(big.NewInt(1))])
}

func TestSnapshotLayoutSlotsSkipsNilSlots(t *testing.T) {
	db := newTestStateDB(t)
	addr := common.HexToAddress("0xabc")

	layout := []model.StorageSlot{{Label: "broken", Slot: nil}}
	before := snapshotLayoutSlots(db, addr, layout)
	require.Empty(t, before)
}

func TestInstallWithoutInitTxSetsCodeDirectly(t *testing.T) {
	db := newTestStateDB(t)
	addr := common.HexToAddress("0xabc")
	preexisting := common.HexToHash("0xcafe")
	db.SetState(addr, common.Hash{}, preexisting)

	artifact := &model.ContractArtifact{
		Address:          addr,
		DeployedBytecode: []byte{0x60, 0x00, 0x60, 0x00},
	}

	err := Install(nil, db, vm.BlockContext{}, nil, artifact, false, common.Address{})
	require.NoError(t, err)
	require.Equal(t, artifact.DeployedBytecode, db.GetCode(addr))
	// no init code ran, so existing storage is left completely untouched
	require.Equal(t, preexisting, db.GetState(addr, common.Hash{}))
}

// TestInstallWithInitTxPinsConstructorToArtifactAddress exercises the
// haveInitTx == true branch: the constructor must run against
// artifact.Address itself (not an evm.Create-derived address), its
// storage write must land there, and the installed code must be the
// constructor's own RETURN value rather than artifact.DeployedBytecode
// verbatim.
func TestInstallWithInitTxPinsConstructorToArtifactAddress(t *testing.T) {
	db := newTestStateDB(t)
	addr := common.HexToAddress("0xdef")
	creator := common.HexToAddress("0xcafe")

	// SSTORE(0, 1); return one byte of runtime code (STOP).
	initCode := []byte{
		0x60, 0x01, // PUSH1 0x01
		0x60, 0x00, // PUSH1 0x00
		0x55,       // SSTORE
		0x60, 0x00, // PUSH1 0x00 (runtime byte: STOP)
		0x60, 0x00, // PUSH1 0x00 (memory offset)
		0x53,       // MSTORE8
		0x60, 0x01, // PUSH1 0x01 (size)
		0x60, 0x00, // PUSH1 0x00 (offset)
		0xf3, // RETURN
	}

	artifact := &model.ContractArtifact{
		Address:          addr,
		InitBytecode:     initCode,
		DeployedBytecode: []byte{0xfe}, // would be INVALID if ever installed verbatim
		StorageLayout: []model.StorageSlot{
			{Label: "x", Slot: big.NewInt(0)},
		},
	}

	blockCtx := vm.BlockContext{
		Transfer: func(vm.StateDB, common.Address, common.Address, *uint256.Int) {},
		GasLimit: 10_000_000,
	}

	err := Install(nil, db, blockCtx, params.TestChainConfig, artifact, true, creator)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, db.GetCode(addr), "installed code must be the constructor's RETURN value")
	require.Equal(t, common.HexToHash("0x01"), db.GetState(addr, common.Hash{}), "constructor storage write must land at artifact.Address")
}
