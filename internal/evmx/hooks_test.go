package evmx

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestComposeSingleHookReturnedUnwrapped(t *testing.T) {
	h := &tracing.Hooks{}
	require.Same(t, h, Compose(h))
}

func TestComposeNilHooksFiltered(t *testing.T) {
	h := &tracing.Hooks{}
	require.Same(t, h, Compose(nil, h, nil))
}

func TestComposeForwardsOnOpcodeToEveryHookInOrder(t *testing.T) {
	var order []string
	h1 := &tracing.Hooks{OnOpcode: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
		order = append(order, "h1")
	}}
	h2 := &tracing.Hooks{OnOpcode: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
		order = append(order, "h2")
	}}

	c := Compose(h1, h2)
	c.OnOpcode(0, 0, 0, 0, nil, nil, 0, nil)
	require.Equal(t, []string{"h1", "h2"}, order)
}

func TestComposeSkipsNilCallbacksWithinAHookSet(t *testing.T) {
	called := false
	h1 := &tracing.Hooks{} // no OnEnter
	h2 := &tracing.Hooks{OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
		called = true
	}}
	c := Compose(h1, h2)
	require.NotPanics(t, func() {
		c.OnEnter(0, 0, common.Address{}, common.Address{}, nil, 0, big.NewInt(0))
	})
	require.True(t, called)
}

func TestComposeForwardsOnExitAndOnLog(t *testing.T) {
	var exits, logs int
	h1 := &tracing.Hooks{
		OnExit: func(depth int, output []byte, gasUsed uint64, err error, reverted bool) { exits++ },
		OnLog:  func(l *types.Log) { logs++ },
	}
	h2 := &tracing.Hooks{
		OnExit: func(depth int, output []byte, gasUsed uint64, err error, reverted bool) { exits++ },
		OnLog:  func(l *types.Log) { logs++ },
	}
	c := Compose(h1, h2)
	c.OnExit(0, nil, 0, nil, false)
	c.OnLog(nil)
	require.Equal(t, 2, exits)
	require.Equal(t, 2, logs)
}
