package main

import (
	"fmt"
	"os/exec"
	"strings"
)

// solcBinaryFor resolves a compiler version string, e.g.
// "v0.8.19+commit.7dd6d404", to a solc binary on PATH. It follows the
// solc-select naming convention (solc-0.8.19) before falling back to a
// plain "solc", so a machine with several pinned versions installed
// picks the exact one a contract was originally compiled with.
func solcBinaryFor(version string) (string, error) {
	v := strings.TrimPrefix(version, "v")
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	if v != "" {
		if path, err := exec.LookPath("solc-" + v); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath("solc"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("solc: no binary found for version %q (tried solc-%s, solc)", version, v)
}
