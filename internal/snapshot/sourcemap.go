package snapshot

import (
	"sort"

	"github.com/ethdbg/edb/internal/model"
)

// fileIndexOf returns, for each source path in artifact.Sources, the
// file index solc assigned it. encoding/json always marshals string map
// keys in sorted order, and that is the order compile.Compiler fed
// sources to solc's --standard-json input, so file index i is simply
// the rank of path i in sorted order.
func fileIndexOf(artifact *model.ContractArtifact) map[string]int {
	paths := make([]string, 0, len(artifact.Sources))
	for p := range artifact.Sources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	idx := make(map[string]int, len(paths))
	for i, p := range paths {
		idx[p] = i
	}
	return idx
}

// instrumentedPCs returns the set of program counters that lie inside
// any of artifact's injected hook-call regions, derived by
// cross-referencing each SourceMap entry's (file, start, length) span
// against artifact.InstrumentedRanges.
func instrumentedPCs(artifact *model.ContractArtifact) map[uint64]bool {
	if len(artifact.InstrumentedRanges) == 0 || len(artifact.SourceMap) == 0 {
		return nil
	}
	fileIdx := fileIndexOf(artifact)
	byFile := make(map[int][]model.InstrumentedSourceRange)
	for _, r := range artifact.InstrumentedRanges {
		if idx, ok := fileIdx[r.Path]; ok {
			byFile[idx] = append(byFile[idx], r)
		}
	}

	out := make(map[uint64]bool)
	for _, entry := range artifact.SourceMap {
		ranges := byFile[entry.File]
		for _, r := range ranges {
			if entry.Start >= r.Start && entry.Start < r.End {
				out[uint64(entry.PC)] = true
				break
			}
		}
	}
	return out
}
