package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/soleco-io/solana-gateway/internal/rpcerrors"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

// call issues method against the client and decodes the raw result into T,
// the generic pattern solana-exporter's getResponse follows.
func call[T any](ctx context.Context, c *Client, method string, params []any) (T, error) {
	var zero T
	raw, err := c.Call(ctx, method, params, 0)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, &rpcerrors.Retryable{Method: method, Cause: fmt.Errorf("decode %s result: %w", method, err)}
	}
	return out, nil
}

// GetHealth reports "ok" or returns an RPCError describing the node's
// unhealthy state.
func (c *Client) GetHealth(ctx context.Context) (string, error) {
	return call[string](ctx, c, "getHealth", nil)
}

// GetVersion returns the node's solana-core version and feature set.
func (c *Client) GetVersion(ctx context.Context) (solanarpc.VersionInfo, error) {
	return call[solanarpc.VersionInfo](ctx, c, "getVersion", nil)
}

// GetSlot returns the current (highest, optimistically confirmed) slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	return call[uint64](ctx, c, "getSlot", nil)
}

// GetBlockHeight returns the node's current block height.
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	return call[uint64](ctx, c, "getBlockHeight", nil)
}

// BlockOptions are the getBlock request options the query handler always
// supplies (spec §4.3): full transaction details, version-0 support, JSON
// encoding.
type BlockOptions struct {
	Encoding                       string `json:"encoding"`
	TransactionDetails             string `json:"transactionDetails"`
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
	Rewards                        bool   `json:"rewards"`
}

// DefaultBlockOptions returns the spec-mandated defaults: encoding=json,
// transactionDetails=full, maxSupportedTransactionVersion=0.
func DefaultBlockOptions() BlockOptions {
	return BlockOptions{
		Encoding:                       "json",
		TransactionDetails:             "full",
		MaxSupportedTransactionVersion: 0,
		Rewards:                        false,
	}
}

// GetBlock fetches one confirmed block by slot.
func (c *Client) GetBlock(ctx context.Context, slot uint64, opts BlockOptions) (*solanarpc.Block, error) {
	raw, err := c.Call(ctx, "getBlock", []any{slot, opts}, 0)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, &rpcerrors.SlotSkipped{Slot: slot, Cause: fmt.Errorf("getBlock returned null")}
	}
	var block solanarpc.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, &rpcerrors.Retryable{Method: "getBlock", Cause: fmt.Errorf("decode block %d: %w", slot, err)}
	}
	return &block, nil
}

// GetEpochInfo returns the current epoch's progress.
func (c *Client) GetEpochInfo(ctx context.Context) (solanarpc.EpochInfo, error) {
	return call[solanarpc.EpochInfo](ctx, c, "getEpochInfo", nil)
}

// GetVoteAccounts returns the current and delinquent validator sets.
func (c *Client) GetVoteAccounts(ctx context.Context) (solanarpc.VoteAccounts, error) {
	return call[solanarpc.VoteAccounts](ctx, c, "getVoteAccounts", nil)
}

// GetValidatorInfo is a best-effort wrapper over getClusterNodes filtered to
// a single identity; the wire protocol has no direct "get one validator"
// call, so this method fetches GetClusterNodes and filters it itself.
func (c *Client) GetValidatorInfo(ctx context.Context, identity string) (*solanarpc.ClusterNode, error) {
	nodes, err := c.GetClusterNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Pubkey == identity {
			return &n, nil
		}
	}
	return nil, &rpcerrors.ValidationError{Field: "identity", Reason: "no matching cluster node"}
}

// GetBlockProduction returns the by-identity leader slot production counts.
func (c *Client) GetBlockProduction(ctx context.Context) (solanarpc.BlockProduction, error) {
	result, err := call[solanarpc.ContextualResult[solanarpc.BlockProduction]](ctx, c, "getBlockProduction", nil)
	if err != nil {
		return solanarpc.BlockProduction{}, err
	}
	return result.Value, nil
}

// GetRecentPerformanceSamples returns up to limit recent performance
// samples, newest first.
func (c *Client) GetRecentPerformanceSamples(ctx context.Context, limit int) ([]solanarpc.PerformanceSample, error) {
	return call[[]solanarpc.PerformanceSample](ctx, c, "getRecentPerformanceSamples", []any{limit})
}

// GetClusterNodes returns every node the target endpoint's gossip view
// currently includes.
func (c *Client) GetClusterNodes(ctx context.Context) ([]solanarpc.ClusterNode, error) {
	return call[[]solanarpc.ClusterNode](ctx, c, "getClusterNodes", nil)
}

// SignatureInfo is one entry returned by getSignaturesForAddress.
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Err       any    `json:"err"`
	BlockTime *int64 `json:"blockTime"`
}

// GetSignaturesForAddress returns up to limit recent transaction signatures
// referencing address, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	return call[[]SignatureInfo](ctx, c, "getSignaturesForAddress", []any{address, map[string]any{"limit": limit}})
}

// GetTransaction fetches one confirmed transaction by signature.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*solanarpc.TxWithMeta, error) {
	opts := map[string]any{"encoding": "json", "maxSupportedTransactionVersion": 0}
	raw, err := c.Call(ctx, "getTransaction", []any{signature, opts}, 0)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var tx solanarpc.TxWithMeta
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, &rpcerrors.Retryable{Method: "getTransaction", Cause: err}
	}
	return &tx, nil
}

// AccountInfo is the decoded `value` field of getAccountInfo.
type AccountInfo struct {
	Lamports  uint64   `json:"lamports"`
	Owner     string   `json:"owner"`
	Executable bool    `json:"executable"`
	RentEpoch uint64   `json:"rentEpoch"`
	Data      []string `json:"data"`
}

// GetAccountInfo fetches account state for address with base64 encoding.
func (c *Client) GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	result, err := call[solanarpc.ContextualResult[*AccountInfo]](ctx, c, "getAccountInfo", []any{address, map[string]any{"encoding": "base64"}})
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetLatestBlockhash returns the cluster's latest blockhash and its last
// valid block height.
func (c *Client) GetLatestBlockhash(ctx context.Context) (solanarpc.Blockhash, error) {
	result, err := call[solanarpc.ContextualResult[solanarpc.Blockhash]](ctx, c, "getLatestBlockhash", nil)
	if err != nil {
		return solanarpc.Blockhash{}, err
	}
	return result.Value, nil
}

// GetRecentBlockhash is the deprecated predecessor of GetLatestBlockhash,
// kept for endpoints that have not yet removed it (spec §4.3).
func (c *Client) GetRecentBlockhash(ctx context.Context) (solanarpc.Blockhash, error) {
	result, err := call[solanarpc.ContextualResult[solanarpc.Blockhash]](ctx, c, "getRecentBlockhash", nil)
	if err != nil {
		return solanarpc.Blockhash{}, err
	}
	return result.Value, nil
}

// SimulateTransactionResult is the decoded `value` field of
// simulateTransaction.
type SimulateTransactionResult struct {
	Err    any      `json:"err"`
	Logs   []string `json:"logs"`
	Units  *uint64  `json:"unitsConsumed,omitempty"`
}

// SimulateTransaction dry-runs a base64-encoded, already-signed transaction.
func (c *Client) SimulateTransaction(ctx context.Context, txBase64 string) (SimulateTransactionResult, error) {
	opts := map[string]any{"encoding": "base64"}
	result, err := call[solanarpc.ContextualResult[SimulateTransactionResult]](ctx, c, "simulateTransaction", []any{txBase64, opts})
	if err != nil {
		return SimulateTransactionResult{}, err
	}
	return result.Value, nil
}
