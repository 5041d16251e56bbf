package ast

import "strings"

// SupportsLegacyAST reports whether a reported solc version's AST shape
// (pre-0.5.x node field names differ enough from the 0.8.x shape this
// walker assumes) is one the analyzer can partition. Per DESIGN.md's
// Open Question resolution: unsupported versions degrade a contract to
// opcode-only snapshots (model.ContractArtifact.Instrumented = false)
// rather than fail preparation outright.
func SupportsLegacyAST(compilerVersion string) bool {
	v := strings.TrimPrefix(compilerVersion, "v")
	return strings.HasPrefix(v, "0.5.") || strings.HasPrefix(v, "0.6.") ||
		strings.HasPrefix(v, "0.7.") || strings.HasPrefix(v, "0.8.")
}

const DegradeReasonUnsupportedCompiler = "compiler version predates the supported AST node shapes (0.5.x+); contract degraded to opcode-only snapshots"
