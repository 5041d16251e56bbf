package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/ethdbg/edb/internal/compile"
	"github.com/ethdbg/edb/internal/model"
)

// Evaluator answers expression queries for a snapshot's contract, per
// spec.md §4.7's evaluator: an expression is compiled as the body of a
// synthesized `view` function on a throwaway helper contract that
// inherits the target contract, the helper's runtime code temporarily
// replaces the target's code at the target's own address inside a
// journal snapshot of statedb that is reverted afterwards, and the
// result is read back via a staticcall. The state read is statedb as
// given, not a view reconstructed as of the snapshot (see
// EvalOnSnapshot).
type Evaluator struct {
	Compiler *compile.Compiler
	ChainCfg *params.ChainConfig
}

func NewEvaluator(c *compile.Compiler, cfg *params.ChainConfig) *Evaluator {
	return &Evaluator{Compiler: c, ChainCfg: cfg}
}

var evalHelperAddr = common.HexToAddress("0x00000000000000000000000000000000000098")

const evalHelperSelectorSig = "__edbEval()"

// EvalOnSnapshot evaluates expr against whatever storage the given
// contract address currently holds in statedb -- the final,
// post-transaction state, not a reconstructed view as of snapshot id.
// Simple slot reads get true point-in-time answers from
// model.Timeline.StorageAt; arbitrary expressions would need a second
// full re-execution stopped at the snapshot's frame to get the same
// treatment, which this evaluator does not attempt.
func (ev *Evaluator) EvalOnSnapshot(ctx context.Context, statedb *state.StateDB, blockCtx vm.BlockContext, addr common.Address, artifact *model.ContractArtifact, expr string) (*model.DecodedValue, error) {
	if artifact == nil || !artifact.Instrumented {
		return nil, &model.EvalError{Kind: model.EvalUnknownIdentifier, Detail: "contract has no instrumentation"}
	}
	contractName, helperSrc, err := synthesizeHelper(artifact, expr)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]string, len(artifact.OriginalSources)+1)
	for path, text := range artifact.OriginalSources {
		sources[path] = text
	}
	const helperPath = "__edb_eval_helper.sol"
	sources[helperPath] = helperSrc

	compiled, err := ev.Compiler.Compile(ctx, artifact.CompilerVersion, sources, artifact.CompilerSettings, helperPath, contractName)
	if err != nil {
		return nil, &model.EvalError{Kind: model.EvalParse, Detail: err.Error()}
	}

	// The helper inherits the target's layout, but its own storage at
	// evalHelperAddr starts empty; point it at the target's storage by
	// installing the helper's code at the target's own address inside a
	// dirty, discardable journal snapshot, then reverting.
	snapshotID := statedb.Snapshot()
	defer statedb.RevertToSnapshot(snapshotID)

	originalCode := statedb.GetCode(addr)
	statedb.SetCode(addr, compiled.DeployedBytecode)

	evm := vm.NewEVM(blockCtx, vm.TxContext{}, statedb, ev.ChainCfg, vm.Config{NoBaseFee: true})
	selector := functionSelector(evalHelperSelectorSig)
	ret, _, callErr := evm.StaticCall(vm.AccountRef(common.Address{}), addr, selector, 10_000_000)

	statedb.SetCode(addr, originalCode)

	if callErr != nil {
		return nil, &model.EvalError{Kind: model.EvalReverted, Detail: callErr.Error()}
	}
	return decodeEvalResult(ret), nil
}

// synthesizeHelper renders a contract, in the same source set as the
// target, that inherits the target contract by name and adds one
// external view function returning expr's ABI-encoded value. Inheriting
// (rather than reimplementing storage layout) is what lets expr resolve
// the target's own state variable names and keeps slot assignment
// identical to the deployed contract.
func synthesizeHelper(artifact *model.ContractArtifact, expr string) (string, string, error) {
	if artifact.ContractName == "" {
		return "", "", &model.EvalError{Kind: model.EvalUnknownIdentifier, Detail: "contract name unknown"}
	}
	if strings.ContainsAny(expr, "{}") {
		return "", "", &model.EvalError{Kind: model.EvalParse, Detail: "expression must not contain braces"}
	}

	const name = "__EdbEvalHelper"
	helper := fmt.Sprintf(
		"// SPDX-License-Identifier: UNLICENSED\npragma solidity >=0.5.0;\n\nimport \"./%s\" as __edb_target;\n\ncontract %s is __edb_target.%s {\n    function __edbEval() external view returns (bytes memory) {\n        return abi.encode(%s);\n    }\n}\n",
		primarySourcePath(artifact), name, artifact.ContractName, expr,
	)
	return name, helper, nil
}

func primarySourcePath(artifact *model.ContractArtifact) string {
	for path := range artifact.OriginalSources {
		return path
	}
	return ""
}

func functionSelector(sig string) []byte {
	h := crypto.Keccak256([]byte(sig))
	return h[:4]
}

func decodeEvalResult(ret []byte) *model.DecodedValue {
	return &model.DecodedValue{Type: "bytes", Value: ret}
}
