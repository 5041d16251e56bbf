// Package chainspec resolves a block number to the params.ChainConfig
// rules in effect, implemented as a sorted (first block of fork) -> spec
// table searched with sort.Search, per spec.md §4.1's "Spec table policy".
package chainspec

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/params"
)

// MainnetConfig is the canonical mainnet chain configuration used when the
// fork operates against chain id 1. Other chain ids supply their own
// params.ChainConfig (e.g. fetched/hardcoded per deployment); the lookup
// and binary-search mechanics below are chain-agnostic.
var MainnetConfig = params.MainnetChainConfig

// boundary is one entry of the fork table: the first block at which a
// named hardfork becomes active.
type boundary struct {
	name  string
	block uint64
}

// Table is a sorted list of fork boundaries for one chain configuration,
// built once from a params.ChainConfig and then binary-searched per block.
type Table struct {
	cfg        *params.ChainConfig
	boundaries []boundary
}

// BuildTable flattens a params.ChainConfig's block-activated forks into a
// sorted boundary table. Time-activated forks (Shanghai/Cancun onward) are
// resolved separately via cfg.Rules, which already takes a timestamp.
func BuildTable(cfg *params.ChainConfig) *Table {
	t := &Table{cfg: cfg}
	add := func(name string, b *big.Int) {
		if b == nil {
			return
		}
		t.boundaries = append(t.boundaries, boundary{name: name, block: b.Uint64()})
	}
	add("homestead", cfg.HomesteadBlock)
	add("eip150", cfg.EIP150Block)
	add("eip155", cfg.EIP155Block)
	add("eip158", cfg.EIP158Block)
	add("byzantium", cfg.ByzantiumBlock)
	add("constantinople", cfg.ConstantinopleBlock)
	// Constantinople/Petersburg coincidence: if both land on the same
	// block, Petersburg wins (spec.md §4.1's explicit policy). Achieved
	// here by inserting Petersburg's boundary *after* Constantinople's at
	// the same block number, so the resolved name for that block is
	// whichever boundary with an equal block sorts last.
	add("istanbul", cfg.IstanbulBlock)
	add("muirglacier", cfg.MuirGlacierBlock)
	add("berlin", cfg.BerlinBlock)
	add("london", cfg.LondonBlock)
	add("arrowglacier", cfg.ArrowGlacierBlock)
	add("grayglacier", cfg.GrayGlacierBlock)
	if cfg.PetersburgBlock != nil {
		t.boundaries = append(t.boundaries, boundary{name: "petersburg", block: cfg.PetersburgBlock.Uint64()})
	}

	sort.SliceStable(t.boundaries, func(i, j int) bool {
		if t.boundaries[i].block != t.boundaries[j].block {
			return t.boundaries[i].block < t.boundaries[j].block
		}
		// Equal block: Petersburg must sort after Constantinople so it is
		// the resolved name (see above).
		return t.boundaries[i].name != "petersburg" && t.boundaries[j].name == "petersburg"
	})
	return t
}

// ForkName returns the name of the highest block-activated fork whose
// boundary is <= block, using a binary search over the sorted table.
func (t *Table) ForkName(block uint64) string {
	idx := sort.Search(len(t.boundaries), func(i int) bool {
		return t.boundaries[i].block > block
	})
	if idx == 0 {
		return "frontier"
	}
	return t.boundaries[idx-1].name
}

// Rules resolves the full params.Rules (including time-activated forks)
// for the given block number, timestamp and post-merge flag.
func (t *Table) Rules(block uint64, isMerge bool, timestamp uint64) params.Rules {
	return t.cfg.Rules(new(big.Int).SetUint64(block), isMerge, timestamp)
}

func (t *Table) Config() *params.ChainConfig { return t.cfg }
