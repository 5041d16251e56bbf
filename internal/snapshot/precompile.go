package snapshot

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/ethdbg/edb/internal/compile"
)

// hookPrecompileAddr is the reserved address every injected hook call
// targets, see internal/compile.HookPrecompileAddress.
var hookPrecompileAddr = common.HexToAddress(compile.HookPrecompileAddress)

// hookPrecompile is the "always returns empty, near-zero gas,
// non-state-mutating" contract spec.md §4.5/§4.7 requires at the
// reserved hook address: it lets injected calls type-check from a
// view/pure context (a staticcall target that provably can't mutate
// state) without forking the interpreter to special-case the address.
//
// Registered directly into geth's per-hardfork precompile maps at
// init(), the same map-mutation approach the ava-labs/libevm precompile
// overrides use to add a custom precompile without forking the
// interpreter's dispatch table (other_examples'
// ava-labs-libevm__libevm-precompiles-parallel-parallel.go.go), adapted
// here to stock go-ethereum's map-keyed precompile registry instead of
// libevm's hook-based override surface.
type hookPrecompile struct{}

func (hookPrecompile) RequiredGas(input []byte) uint64 { return 0 }

func (hookPrecompile) Run(input []byte) ([]byte, error) { return nil, nil }

func init() {
	registerInAll(hookPrecompileAddr, hookPrecompile{})
}

// registerInAll installs contract at addr in every hardfork's
// precompile map, so the hook call resolves identically regardless of
// which fork table entry C1 selected.
func registerInAll(addr common.Address, contract vm.PrecompiledContract) {
	maps := []vm.PrecompiledContracts{
		vm.PrecompiledContractsHomestead,
		vm.PrecompiledContractsByzantium,
		vm.PrecompiledContractsIstanbul,
		vm.PrecompiledContractsBerlin,
		vm.PrecompiledContractsCancun,
	}
	for _, m := range maps {
		m[addr] = contract
	}
}
