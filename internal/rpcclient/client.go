// Package rpcclient is a small, dependency-light JSON-RPC 2.0 client for
// the upstream Ethereum node. It is adapted from the simulator's original
// rpc.Client: same request/response envelope and hex-decoding helpers,
// generalized with batching, more methods, and retry-with-backoff. C1
// (internal/fork and internal/evmx) reaches the upstream node through
// it; C3 talks to its explorer through internal/source's own client.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client talks JSON-RPC 2.0 to a single upstream endpoint over HTTP, with
// bounded exponential-backoff retry on transient failures. It assumes
// nothing about upstream monotonicity: callers decide what to cache.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	MaxElapsed time.Duration
}

func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		MaxElapsed: 2 * time.Minute,
	}
}

type rpcRequest struct {
	ID      int           `json:"id"`
	JSONRpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID      int             `json:"id"`
	JSONRpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Err     *ErrResponse    `json:"error,omitempty"`
}

type ErrResponse struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *ErrResponse) Error() string {
	return fmt.Sprintf(`{"code": %d, "message": %q}`, e.Code, e.Message)
}

func (c *Client) backoffFor(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// Call performs a single JSON-RPC call, retrying transient (network-level)
// failures with exponential backoff. RPC-level errors (the response's
// "error" field) are not retried: they are reported as-is since they
// usually indicate a malformed request, not a transient condition.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var resp *rpcResponse
	op := func() error {
		r, err := c.doPost(ctx, method, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, c.backoffFor(ctx)); err != nil {
		return nil, fmt.Errorf("rpcclient: %s: %w", method, err)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// CallBatch submits several requests in one HTTP round trip, in the order
// given; upstream is not assumed to preserve ordering so responses are
// re-sorted by id before returning.
func (c *Client) CallBatch(ctx context.Context, methods []string, paramsList [][]interface{}) ([]json.RawMessage, error) {
	if len(methods) != len(paramsList) {
		return nil, fmt.Errorf("rpcclient: CallBatch: methods/params length mismatch")
	}
	reqs := make([]rpcRequest, len(methods))
	for i := range methods {
		reqs[i] = rpcRequest{ID: i + 1, JSONRpc: "2.0", Method: methods[i], Params: paramsList[i]}
	}

	var raw []json.RawMessage
	op := func() error {
		data, err := json.Marshal(reqs)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpResp, err := c.post(ctx, data)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()
		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return err
		}
		var batch []rpcResponse
		if err := json.Unmarshal(body, &batch); err != nil {
			return backoff.Permanent(fmt.Errorf("rpcclient: decoding batch response: %w", err))
		}
		byID := make(map[int]rpcResponse, len(batch))
		for _, r := range batch {
			byID[r.ID] = r
		}
		raw = make([]json.RawMessage, len(methods))
		for i := range methods {
			r, ok := byID[i+1]
			if !ok {
				return backoff.Permanent(fmt.Errorf("rpcclient: missing response for batch item %d", i))
			}
			if r.Err != nil {
				return backoff.Permanent(r.Err)
			}
			raw[i] = r.Result
		}
		return nil
	}
	if err := backoff.Retry(op, c.backoffFor(ctx)); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) doPost(ctx context.Context, method string, params []interface{}) (*rpcResponse, error) {
	payload := rpcRequest{ID: 1, JSONRpc: "2.0", Method: method, Params: params}
	data, err := json.Marshal(&payload)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpResp, err := c.post(ctx, data)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	var result rpcResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("rpcclient: decoding response for %s: %w", method, err))
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, data []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// network-level failure: retryable
		return nil, err
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("rpcclient: upstream status %d", resp.StatusCode)
	}
	return resp, nil
}

// BlockTag formats a block number the way eth_* methods expect it, falling
// back to "latest" for non-positive numbers, mirroring the teacher's
// original block-tag handling in rpc.Client.GetCode.
func BlockTag(n uint64) string {
	if n == 0 {
		return "latest"
	}
	return hexutil.EncodeUint64(n)
}

func (c *Client) GetCode(ctx context.Context, addr common.Address, blk string) ([]byte, error) {
	raw, err := c.Call(ctx, "eth_getCode", addr.Hex(), blk)
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, err
	}
	return hexutil.Decode(hexStr)
}

func (c *Client) GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash, blk string) (common.Hash, error) {
	raw, err := c.Call(ctx, "eth_getStorageAt", addr.Hex(), slot.Hex(), blk)
	if err != nil {
		return common.Hash{}, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(hexStr), nil
}

func (c *Client) GetBalance(ctx context.Context, addr common.Address, blk string) (*big.Int, error) {
	raw, err := c.Call(ctx, "eth_getBalance", addr.Hex(), blk)
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, err
	}
	return hexutil.DecodeBig(hexStr)
}

func (c *Client) GetTransactionCount(ctx context.Context, addr common.Address, blk string) (uint64, error) {
	raw, err := c.Call(ctx, "eth_getTransactionCount", addr.Hex(), blk)
	if err != nil {
		return 0, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(hexStr)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	raw, err := c.Call(ctx, "eth_chainId")
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, err
	}
	return hexutil.DecodeBig(hexStr)
}

// TransactionByHash decodes the result of eth_getTransactionByHash into
// the fields needed to locate (block, index) and rebuild the tx
// environment; it returns nil, nil when the node reports null.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*RPCTransaction, error) {
	raw, err := c.Call(ctx, "eth_getTransactionByHash", hash.Hex())
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var tx RPCTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// RPCTransaction mirrors the subset of eth_getTransactionByHash's result
// object the core needs to rebuild a types.Transaction.
type RPCTransaction struct {
	BlockHash        *common.Hash    `json:"blockHash"`
	BlockNumber      *hexutil.Big    `json:"blockNumber"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
	Hash             common.Hash     `json:"hash"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Gas              hexutil.Uint64  `json:"gas"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas     *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFee   *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Value            *hexutil.Big    `json:"value"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	Input            hexutil.Bytes   `json:"input"`
	Type             hexutil.Uint64  `json:"type"`
	ChainID          *hexutil.Big    `json:"chainId"`
	AccessList       types.AccessList `json:"accessList"`
	BlobVersionedHashes []common.Hash `json:"blobVersionedHashes"`
	MaxFeePerBlobGas *hexutil.Big   `json:"maxFeePerBlobGas"`
	V                *hexutil.Big   `json:"v"`
	R                *hexutil.Big   `json:"r"`
	S                *hexutil.Big   `json:"s"`
}

// BlockByNumber decodes the block (requested with full transaction
// objects) for the given number, "latest", "pending", etc.; it returns
// nil, nil when the node reports null.
func (c *Client) BlockByNumber(ctx context.Context, blk string) (*RPCBlock, error) {
	raw, err := c.Call(ctx, "eth_getBlockByNumber", blk, true)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var b RPCBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// RPCBlock mirrors the header fields of eth_getBlockByNumber the block
// environment needs (spec.md §3 "Block environment").
type RPCBlock struct {
	Number          hexutil.Uint64   `json:"number"`
	Hash            common.Hash      `json:"hash"`
	ParentHash      common.Hash      `json:"parentHash"`
	Timestamp       hexutil.Uint64   `json:"timestamp"`
	Miner           common.Address   `json:"miner"`
	Difficulty      *hexutil.Big     `json:"difficulty"`
	MixHash         common.Hash      `json:"mixHash"`
	BaseFeePerGas   *hexutil.Big     `json:"baseFeePerGas"`
	BlobGasUsed     *hexutil.Uint64  `json:"blobGasUsed"`
	ExcessBlobGas   *hexutil.Uint64  `json:"excessBlobGas"`
	GasLimit        hexutil.Uint64   `json:"gasLimit"`
	Transactions    []RPCTransaction `json:"transactions"`
}

func (c *Client) GetProof(ctx context.Context, addr common.Address, slots []common.Hash, blk string) (json.RawMessage, error) {
	hexSlots := make([]string, len(slots))
	for i, s := range slots {
		hexSlots[i] = s.Hex()
	}
	return c.Call(ctx, "eth_getProof", addr.Hex(), hexSlots, blk)
}

func (c *Client) GetLogs(ctx context.Context, filter map[string]interface{}) (json.RawMessage, error) {
	return c.Call(ctx, "eth_getLogs", filter)
}
