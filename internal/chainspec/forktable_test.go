package chainspec

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

func testConfig() *params.ChainConfig {
	cfg := *params.MainnetChainConfig
	return &cfg
}

func TestBuildTableAndForkNameBeforeFirstFork(t *testing.T) {
	tbl := BuildTable(testConfig())
	require.Equal(t, "frontier", tbl.ForkName(0))
}

func TestForkNameAtHomesteadBoundary(t *testing.T) {
	tbl := BuildTable(testConfig())
	cfg := tbl.Config()
	require.Equal(t, "homestead", tbl.ForkName(cfg.HomesteadBlock.Uint64()))
}

func TestForkNameAtLondon(t *testing.T) {
	tbl := BuildTable(testConfig())
	cfg := tbl.Config()
	require.Equal(t, "london", tbl.ForkName(cfg.LondonBlock.Uint64()))
}

func TestForkNameAfterLastKnownForkReturnsLastBoundary(t *testing.T) {
	tbl := BuildTable(testConfig())
	cfg := tbl.Config()
	require.Equal(t, "grayglacier", tbl.ForkName(cfg.GrayGlacierBlock.Uint64()+1_000_000))
}

func TestForkNamePetersburgWinsOverConstantinopleAtSameBlock(t *testing.T) {
	cfg := testConfig()
	same := big.NewInt(7_280_000)
	cfg.ConstantinopleBlock = same
	cfg.PetersburgBlock = same

	tbl := BuildTable(cfg)
	require.Equal(t, "petersburg", tbl.ForkName(same.Uint64()))
}

func TestForkNameConstantinopleWinsBeforePetersburgActivates(t *testing.T) {
	cfg := testConfig()
	cfg.ConstantinopleBlock = big.NewInt(100)
	cfg.PetersburgBlock = big.NewInt(200)

	tbl := BuildTable(cfg)
	require.Equal(t, "constantinople", tbl.ForkName(150))
}

func TestRulesDelegatesToChainConfig(t *testing.T) {
	tbl := BuildTable(testConfig())
	rules := tbl.Rules(20_000_000, true, 1_700_000_000)
	require.True(t, rules.IsLondon)
}

func TestConfigReturnsUnderlyingChainConfig(t *testing.T) {
	cfg := testConfig()
	tbl := BuildTable(cfg)
	require.Same(t, cfg, tbl.Config())
}
