package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethdbg/edb/internal/ast"
	"github.com/ethdbg/edb/internal/cachefs"
	"github.com/ethdbg/edb/internal/compile"
	"github.com/ethdbg/edb/internal/config"
	"github.com/ethdbg/edb/internal/fork"
	"github.com/ethdbg/edb/internal/model"
	"github.com/ethdbg/edb/internal/rpcclient"
	"github.com/ethdbg/edb/internal/server"
	"github.com/ethdbg/edb/internal/snapshot"
	"github.com/ethdbg/edb/internal/source"
	"github.com/ethdbg/edb/internal/trace"
	"github.com/ethdbg/edb/internal/tweak"
)

// pipeline wires C1 through C7 into one server.Preparer, so C8's
// Service never has to know how a Session gets built. One pipeline is
// shared across every transaction the running server is asked to
// prepare; it owns nothing transaction-specific itself.
type pipeline struct {
	upstream *rpcclient.Client
	cache    *cachefs.Store
	explorer source.Explorer
	compiler *compile.Compiler
}

func newPipeline(cfg *config.Config) *pipeline {
	cache := cachefs.New(cfg.CacheRoot)
	return &pipeline{
		upstream: rpcclient.NewClient(cfg.RPCURL),
		cache:    cache,
		explorer: source.NewEtherscanLikeExplorer(cfg.ExplorerURL, cfg.ExplorerKey),
		compiler: compile.NewCompiler(solcBinaryFor),
	}
}

// prepare implements server.Preparer: C1->C7 for one transaction hash.
func (p *pipeline) prepare(ctx context.Context, txHash common.Hash) (*server.Session, error) {
	builder := fork.NewBuilder(p.upstream, p.cache)

	fc, err := builder.Build(ctx, txHash, func(done, total int) {
		if total > 0 {
			log.Info("edb: replaying preceding transactions", "done", done, "total", total)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: C1 fork: %w", err)
	}
	chainID := fc.Target.ChainID.Uint64()

	callTrace, err := trace.Collect(ctx, fc)
	if err != nil {
		return nil, fmt.Errorf("pipeline: C2 trace: %w", err)
	}
	root := callTrace.Root()
	originalHalted := root != nil && root.Result.Halted

	codeHashes := make(map[common.Address]common.Hash, len(callTrace.Touched))
	creators := make(map[common.Address]common.Address)
	initCode := make(map[common.Address][]byte)
	for i := range callTrace.Frames {
		f := &callTrace.Frames[i]
		codeHashes[f.CodeAddress] = f.CodeHashOnEntry
		if (f.Kind == model.CallCreate || f.Kind == model.CallCreate2) && f.DeployedAddress != (common.Address{}) {
			codeHashes[f.DeployedAddress] = f.CodeHashOnEntry
			creators[f.DeployedAddress] = f.Caller
			initCode[f.DeployedAddress] = f.InitCode
		}
	}

	acquirer := source.NewAcquirer(p.explorer, p.cache, chainID)
	results := acquirer.AcquireAll(ctx, callTrace.Touched, codeHashes)

	artifacts := make(map[common.Address]*model.ContractArtifact, len(results))
	for _, r := range results {
		if r.Err != nil {
			log.Warn("edb: source acquisition degraded", "address", r.Address, "err", r.Err)
			continue
		}
		artifact := r.Artifact
		if err := p.instrument(ctx, artifact); err != nil {
			log.Warn("edb: instrumentation degraded, falling back to opcode-only", "address", r.Address, "err", err)
			artifact.Instrumented = false
			artifact.DegradeReason = err.Error()
		}
		artifacts[r.Address] = artifact
	}

	for addr, artifact := range artifacts {
		if !artifact.Instrumented {
			continue
		}
		_, haveInit := initCode[addr]
		if err := tweak.Install(ctx, fc.StateDB, fc.BlockCtx, fc.ChainCfg, artifact, haveInit, creators[addr]); err != nil {
			return nil, fmt.Errorf("pipeline: C6 tweak %s: %w", addr, err)
		}
	}

	engine := snapshot.NewEngine(artifacts)
	timeline, _, err := snapshot.Run(ctx, fc, callTrace, engine, originalHalted)
	if err != nil {
		return nil, fmt.Errorf("pipeline: C7 snapshot: %w", err)
	}

	return &server.Session{
		TxHash:   txHash,
		Timeline: timeline,
		StateDB:  fc.StateDB,
		BlockCtx: fc.BlockCtx,
		Eval:     snapshot.NewEvaluator(p.compiler, fc.ChainCfg),
	}, nil
}

// instrument runs C4 (AST analysis) and C5 (rewrite + recompile) for one
// artifact in place, populating Steps/Variables/HookPlan, the
// instrumented Sources/SourceMap/InstrumentedRanges, and the
// recompiled Deployed/InitBytecode the rest of the pipeline installs.
func (p *pipeline) instrument(ctx context.Context, artifact *model.ContractArtifact) error {
	if len(artifact.OriginalSources) == 0 {
		return fmt.Errorf("no verified source")
	}
	if !ast.SupportsLegacyAST(artifact.CompilerVersion) {
		return fmt.Errorf("%s", ast.DegradeReasonUnsupportedCompiler)
	}
	primary := primaryPath(artifact)

	first, err := p.compiler.Compile(ctx, artifact.CompilerVersion, artifact.OriginalSources, artifact.CompilerSettings, primary, artifact.ContractName)
	if err != nil {
		return fmt.Errorf("initial compile: %w", err)
	}
	artifact.StorageLayout = first.StorageLayout

	var steps []model.Step
	var variables []model.Variable
	var hooks []model.HookPoint
	hooksByPath := make(map[string][]model.HookPoint, len(first.ASTs))
	nextStepID, nextVarID := 0, 0
	for path, raw := range first.ASTs {
		root, err := ast.DecodeNode(raw)
		if err != nil {
			return fmt.Errorf("decoding ast for %s: %w", path, err)
		}
		fSteps, fVars, fHooks := ast.Analyze(path, root)
		for i := range fSteps {
			fSteps[i].ID += nextStepID
			for j := range fSteps[i].EntersScope {
				fSteps[i].EntersScope[j] += nextVarID
			}
			for j := range fSteps[i].LeavesScope {
				fSteps[i].LeavesScope[j] += nextVarID
			}
		}
		for i := range fVars {
			fVars[i].ID += nextVarID
			fVars[i].EnterStep += nextStepID
			fVars[i].ExitStep += nextStepID
		}
		for i := range fHooks {
			if fHooks[i].Kind == model.HookBeforeStep {
				fHooks[i].PayloadID += nextStepID
			} else {
				fHooks[i].PayloadID += nextVarID
			}
		}
		steps = append(steps, fSteps...)
		variables = append(variables, fVars...)
		hooks = append(hooks, fHooks...)
		hooksByPath[path] = fHooks
		nextStepID += len(fSteps)
		nextVarID += len(fVars)
	}
	artifact.Steps = steps
	artifact.Variables = variables
	artifact.HookPlan = hooks

	rewritten := make(map[string]string, len(artifact.OriginalSources))
	var ranges []model.InstrumentedSourceRange
	for path, text := range artifact.OriginalSources {
		hooksForPath := hooksByPath[path]
		if len(hooksForPath) == 0 {
			rewritten[path] = text
			continue
		}
		newText, pathRanges, err := compile.Rewrite(path, text, hooksForPath)
		if err != nil {
			return fmt.Errorf("rewriting %s: %w", path, err)
		}
		rewritten[path] = newText
		ranges = append(ranges, pathRanges...)
	}
	artifact.Sources = rewritten
	artifact.InstrumentedRanges = ranges

	second, err := p.compiler.Compile(ctx, artifact.CompilerVersion, rewritten, artifact.CompilerSettings, primary, artifact.ContractName)
	if err != nil {
		return fmt.Errorf("recompiling instrumented source: %w", err)
	}
	artifact.DeployedBytecode = second.DeployedBytecode
	artifact.InitBytecode = second.InitBytecode
	artifact.SourceMap = compile.DecodeSourceMap(second.DeployedSourceMap, second.DeployedBytecode)
	artifact.ImmutableRefs = second.ImmutableRefs
	artifact.Instrumented = true
	return nil
}

func primaryPath(artifact *model.ContractArtifact) string {
	for path := range artifact.OriginalSources {
		return path
	}
	return ""
}

