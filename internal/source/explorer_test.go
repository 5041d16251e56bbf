package source

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ethdbg/edb/internal/cachefs"
	"github.com/ethdbg/edb/internal/model"
)

func TestParseSourcesBareSingleFile(t *testing.T) {
	got := parseSources("contract C {}")
	require.Equal(t, map[string]string{"Contract.sol": "contract C {}"}, got)
}

func TestParseSourcesStandardJSON(t *testing.T) {
	raw := `{"language":"Solidity","sources":{"A.sol":{"content":"contract A {}"}},"settings":{}}`
	got := parseSources(raw)
	require.Equal(t, map[string]string{"A.sol": "contract A {}"}, got)
}

func TestParseSourcesDoubleBraceWrapped(t *testing.T) {
	raw := `{{"language":"Solidity","sources":{"./A.sol":{"content":"contract A {}"}},"settings":{}}}`
	got := parseSources(raw)
	require.Equal(t, map[string]string{"A.sol": "contract A {}"}, got)
}

func TestParseSourcesEmpty(t *testing.T) {
	require.Nil(t, parseSources(""))
	require.Nil(t, parseSources("   "))
}

func TestNormalizePath(t *testing.T) {
	require.Equal(t, "A.sol", normalizePath("./A.sol"))
	require.Equal(t, "contracts/A.sol", normalizePath(`contracts\A.sol`))
}

func TestToArtifactSetsOptimizerSettings(t *testing.T) {
	addr := common.HexToAddress("0x1")
	codeHash := common.HexToHash("0xaa")
	r := &RawContractResult{
		SourceCode:       "contract A {}",
		ABI:              `[{"type":"function"}]`,
		CompilerVersion:  "v0.8.19+commit.7dd6d404",
		OptimizationUsed: "1",
		Runs:             "200",
		EVMVersion:       "london",
		ContractName:     "A",
	}
	artifact := toArtifact(addr, codeHash, r)
	require.Equal(t, addr, artifact.Address)
	require.Equal(t, codeHash, artifact.DeployedCodeHash)
	require.Equal(t, "A", artifact.ContractName)
	require.Equal(t, "v0.8.19+commit.7dd6d404", artifact.CompilerVersion)
	opt := artifact.CompilerSettings["optimizer"].(map[string]interface{})
	require.Equal(t, true, opt["enabled"])
	require.Equal(t, "200", opt["runs"])
	require.Equal(t, "london", artifact.CompilerSettings["evmVersion"])
}

// fakeExplorer lets acquireOne/AcquireAll be exercised without a live
// explorer endpoint.
type fakeExplorer struct {
	calls   int64
	results map[common.Address]*RawContractResult
	err     error
}

func (f *fakeExplorer) GetSourceCode(ctx context.Context, addr common.Address) (*RawContractResult, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[addr], nil
}

func TestAcquireAllPreservesOrderAndReportsUnverified(t *testing.T) {
	a1 := common.HexToAddress("0x1")
	a2 := common.HexToAddress("0x2")
	exp := &fakeExplorer{results: map[common.Address]*RawContractResult{
		a1: {SourceCode: "contract A {}", ABI: `[{"type":"function"}]`, ContractName: "A"},
		// a2 omitted: explorer reports not verified
	}}

	acq := NewAcquirer(exp, cachefs.New(t.TempDir()), 1)
	results := acq.AcquireAll(context.Background(), []common.Address{a1, a2}, nil)

	require.Len(t, results, 2)
	require.Equal(t, a1, results[0].Address)
	require.NotNil(t, results[0].Artifact)
	require.NoError(t, results[0].Err)

	require.Equal(t, a2, results[1].Address)
	require.Nil(t, results[1].Artifact)
	require.Error(t, results[1].Err)
	var serr *model.SourceError
	require.ErrorAs(t, results[1].Err, &serr)
	require.Equal(t, model.SourceNotVerified, serr.Kind)
}

func TestAcquireOneUsesCacheOnSecondCall(t *testing.T) {
	addr := common.HexToAddress("0x1")
	exp := &fakeExplorer{results: map[common.Address]*RawContractResult{
		addr: {SourceCode: "contract A {}", ABI: `[{"type":"function"}]`, ContractName: "A"},
	}}
	root := t.TempDir()
	acq := NewAcquirer(exp, cachefs.New(root), 1)

	r1 := acq.acquireOne(context.Background(), addr, common.Hash{})
	require.NoError(t, r1.Err)
	require.EqualValues(t, 1, exp.calls)

	// A fresh Acquirer sharing the same on-disk cache root should not
	// need to call the explorer again.
	acq2 := NewAcquirer(exp, cachefs.New(root), 1)
	r2 := acq2.acquireOne(context.Background(), addr, common.Hash{})
	require.NoError(t, r2.Err)
	require.EqualValues(t, 1, exp.calls, "second acquisition is served from the sources/ cache subtree")
	require.Equal(t, r1.Artifact.ContractName, r2.Artifact.ContractName)

	// sanity: the cache file really exists on disk at the expected path.
	entries, err := os.ReadDir(filepath.Join(root, "sources"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}
