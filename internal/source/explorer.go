// Package source implements C3, the Source Acquirer: for every address
// C2 touched, it fetches verified source, compiler metadata and ABI from
// an external explorer, with a disk cache keyed by (chain, address,
// bytecode hash) and a bounded-concurrency, retry-with-backoff fetch
// policy (spec.md §5's "only network I/O points that fan out").
//
// The explorer client itself follows the teacher's rpcclient shape
// (same request/response/backoff pattern as internal/rpcclient), since
// the teacher's repo is the only thing in the pack that talks to an
// external HTTP API with retry.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"github.com/ethdbg/edb/internal/cachefs"
	"github.com/ethdbg/edb/internal/model"
)

// Explorer is the minimal surface the acquirer needs from a block
// explorer API, factored out so tests can substitute a fake and so a
// different explorer backend can be swapped in without touching the
// acquirer logic below.
type Explorer interface {
	GetSourceCode(ctx context.Context, address common.Address) (*RawContractResult, error)
}

// RawContractResult is the explorer's verified-source response, kept
// close to Etherscan's getsourcecode shape since that is the de facto
// standard response schema most explorer-compatible APIs mirror.
type RawContractResult struct {
	SourceCode      string `json:"SourceCode"`
	ABI             string `json:"ABI"`
	CompilerVersion string `json:"CompilerVersion"`
	OptimizationUsed string `json:"OptimizationUsed"`
	Runs            string `json:"Runs"`
	EVMVersion      string `json:"EVMVersion"`
	Library         string `json:"Library"`
	ContractName    string `json:"ContractName"`
}

// standardJSONInput is the shape solc's --standard-json expects and the
// shape Etherscan-compatible explorers store multi-file verified
// sources in, wrapped in an extra layer of braces by convention.
type standardJSONInput struct {
	Language string                     `json:"language"`
	Sources  map[string]sourceEntry     `json:"sources"`
	Settings map[string]interface{}     `json:"settings"`
}

type sourceEntry struct {
	Content string `json:"content"`
}

// EtherscanLikeExplorer talks to any Etherscan-API-compatible endpoint
// (module=contract&action=getsourcecode).
type EtherscanLikeExplorer struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewEtherscanLikeExplorer(baseURL, apiKey string) *EtherscanLikeExplorer {
	return &EtherscanLikeExplorer{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type etherscanEnvelope struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Result  []RawContractResult `json:"result"`
}

func (e *EtherscanLikeExplorer) GetSourceCode(ctx context.Context, address common.Address) (*RawContractResult, error) {
	q := url.Values{}
	q.Set("module", "contract")
	q.Set("action", "getsourcecode")
	q.Set("address", address.Hex())
	if e.APIKey != "" {
		q.Set("apikey", e.APIKey)
	}
	reqURL := e.BaseURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err // network-level: retryable
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("source: explorer status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("source: explorer status %d", resp.StatusCode))
	}

	var env etherscanEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("source: decoding explorer response: %w", err))
	}
	if env.Status != "1" || len(env.Result) == 0 {
		return nil, nil // not verified
	}
	r := env.Result[0]
	if r.ABI == "" || r.ABI == "Contract source code not verified" {
		return nil, nil
	}
	return &r, nil
}

// parseSources splits a raw explorer SourceCode field into path->text,
// handling the three shapes real explorers return: a bare single-file
// source, a standard-json blob, or the same wrapped in one extra pair
// of braces (Etherscan's historical quirk for multi-file submissions).
func parseSources(raw string) map[string]string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	candidate := trimmed
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		candidate = trimmed[1 : len(trimmed)-1]
	}
	var sj standardJSONInput
	if err := json.Unmarshal([]byte(candidate), &sj); err == nil && len(sj.Sources) > 0 {
		out := make(map[string]string, len(sj.Sources))
		for path, entry := range sj.Sources {
			out[normalizePath(path)] = entry.Content
		}
		return out
	}
	return map[string]string{"Contract.sol": raw}
}

// normalizePath strips one leading "./" and then turns backslashes into
// forward slashes, so paths are stable cache keys and stable AST
// source-file identifiers. Drive letters and other prefixes are kept.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.ReplaceAll(p, "\\", "/")
	return p
}

// Acquirer runs C3 over a set of touched addresses with bounded
// concurrency (spec.md §5: "C3 may dispatch multiple explorer requests
// in parallel with a bounded concurrency and retry schedule").
type Acquirer struct {
	Explorer    Explorer
	Cache       *cachefs.Store
	ChainID     uint64
	Concurrency int64
	MaxElapsed  time.Duration
}

func NewAcquirer(exp Explorer, cache *cachefs.Store, chainID uint64) *Acquirer {
	return &Acquirer{
		Explorer:    exp,
		Cache:       cache,
		ChainID:     chainID,
		Concurrency: 4,
		MaxElapsed:  time.Minute,
	}
}

// Result is one address's outcome: either an artifact or a NoSource
// reason recorded via model.SourceError.
type Result struct {
	Address  common.Address
	Artifact *model.ContractArtifact
	Err      error // a *model.SourceError, or nil on success
}

// AcquireAll fetches source for every address in addrs, fanning out up
// to a.Concurrency requests at once and preserving input order in the
// returned slice.
func (a *Acquirer) AcquireAll(ctx context.Context, addrs []common.Address, codeHashes map[common.Address]common.Hash) []Result {
	results := make([]Result, len(addrs))
	sem := semaphore.NewWeighted(a.Concurrency)
	done := make(chan struct{}, len(addrs))

	for i, addr := range addrs {
		i, addr := i, addr
		go func() {
			defer func() { done <- struct{}{} }()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{Address: addr, Err: &model.SourceError{Kind: model.SourceExplorerUnavailable}}
				return
			}
			defer sem.Release(1)
			results[i] = a.acquireOne(ctx, addr, codeHashes[addr])
		}()
	}
	for range addrs {
		<-done
	}
	return results
}

func (a *Acquirer) acquireOne(ctx context.Context, addr common.Address, codeHash common.Hash) Result {
	cacheKey := fmt.Sprintf("%s-%s", addr.Hex(), codeHash.Hex())
	sub := a.Cache.SourcesSubtree(a.ChainID, strings.ToLower(addr.Hex()))

	if raw, err := sub.Read(cacheKey + ".json"); err == nil {
		var r RawContractResult
		if json.Unmarshal(raw, &r) == nil {
			return Result{Address: addr, Artifact: toArtifact(addr, codeHash, &r)}
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = a.MaxElapsed
	var raw *RawContractResult
	op := func() error {
		r, err := a.Explorer.GetSourceCode(ctx, addr)
		if err != nil {
			return err
		}
		raw = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return Result{Address: addr, Err: &model.SourceError{Kind: model.SourceExplorerUnavailable, Address: addr.Hex()}}
	}
	if raw == nil {
		return Result{Address: addr, Err: &model.SourceError{Kind: model.SourceNotVerified, Address: addr.Hex()}}
	}

	if data, err := json.Marshal(raw); err == nil {
		_ = sub.Write(data, cacheKey+".json")
	}
	return Result{Address: addr, Artifact: toArtifact(addr, codeHash, raw)}
}

func toArtifact(addr common.Address, codeHash common.Hash, r *RawContractResult) *model.ContractArtifact {
	settings := map[string]interface{}{
		"optimizer": map[string]interface{}{
			"enabled": r.OptimizationUsed == "1",
			"runs":    r.Runs,
		},
		"evmVersion": r.EVMVersion,
	}
	return &model.ContractArtifact{
		Address:          addr,
		DeployedCodeHash: codeHash,
		ContractName:     r.ContractName,
		OriginalSources:  parseSources(r.SourceCode),
		ABI:              []byte(r.ABI),
		CompilerVersion:  r.CompilerVersion,
		CompilerSettings: settings,
	}
}
