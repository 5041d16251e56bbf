package evmx

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
)

// Compose calls each non-nil hook set in argument order (spec.md §9:
// "Inspector composition... a fixed tuple of inspectors, each called in a
// documented order; no plugin registry"). A single non-nil set is returned
// unchanged; for more than one, the merged set forwards OnTxStart,
// OnTxEnd, OnEnter, OnExit, OnOpcode, OnFault, OnGasChange and OnLog, and
// leaves every other tracing.Hooks callback nil.
// It is the single place the pipeline ever builds a *tracing.Hooks from
// more than one source: C1's LazyLoader, C2's trace collector and C7's
// dual opcode/hook inspectors all produce a *tracing.Hooks and are merged
// here, never through an open-ended registry.
func Compose(hooks ...*tracing.Hooks) *tracing.Hooks {
	var live []*tracing.Hooks
	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}
	if len(live) == 1 {
		return live[0]
	}

	c := &tracing.Hooks{}

	c.OnTxStart = func(vm *tracing.VMContext, tx *types.Transaction, from common.Address) {
		for _, h := range live {
			if h.OnTxStart != nil {
				h.OnTxStart(vm, tx, from)
			}
		}
	}
	c.OnTxEnd = func(receipt *types.Receipt, err error) {
		for _, h := range live {
			if h.OnTxEnd != nil {
				h.OnTxEnd(receipt, err)
			}
		}
	}
	c.OnEnter = func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
		for _, h := range live {
			if h.OnEnter != nil {
				h.OnEnter(depth, typ, from, to, input, gas, value)
			}
		}
	}
	c.OnExit = func(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
		for _, h := range live {
			if h.OnExit != nil {
				h.OnExit(depth, output, gasUsed, err, reverted)
			}
		}
	}
	c.OnOpcode = func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
		for _, h := range live {
			if h.OnOpcode != nil {
				h.OnOpcode(pc, op, gas, cost, scope, rData, depth, err)
			}
		}
	}
	c.OnFault = func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, depth int, err error) {
		for _, h := range live {
			if h.OnFault != nil {
				h.OnFault(pc, op, gas, cost, scope, depth, err)
			}
		}
	}
	c.OnGasChange = func(old, new uint64, reason tracing.GasChangeReason) {
		for _, h := range live {
			if h.OnGasChange != nil {
				h.OnGasChange(old, new, reason)
			}
		}
	}
	c.OnLog = func(l *types.Log) {
		for _, h := range live {
			if h.OnLog != nil {
				h.OnLog(l)
			}
		}
	}
	return c
}
