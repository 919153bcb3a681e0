// Package query implements the higher-level query handler (C6): it owns no
// transport state of its own and composes over the pool (C4) and retry
// driver (C5) to provide getBlock with slot-skip fallback, parallel
// first-wins getClusterNodes, batched block iteration, and the composed
// network-status summary.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/soleco-io/solana-gateway/internal/logging"
	"github.com/soleco-io/solana-gateway/internal/pool"
	"github.com/soleco-io/solana-gateway/internal/retry"
	"github.com/soleco-io/solana-gateway/internal/rpcclient"
	"github.com/soleco-io/solana-gateway/internal/rpcerrors"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

// Handler composes the pool and retry driver into the spec's §4.6
// operations.
type Handler struct {
	Pool   *pool.Pool
	Driver *retry.Driver
}

// New constructs a query Handler.
func New(p *pool.Pool, d *retry.Driver) *Handler {
	return &Handler{Pool: p, Driver: d}
}

// GetBlock implements §4.6.1: retries up to 3 times on Retryable with
// exponential backoff capped at 60s; on SlotSkipped it advances the slot
// without consuming a retry attempt, raising MissingBlocks after 10
// consecutive skips.
func (h *Handler) GetBlock(ctx context.Context, slot uint64, opts rpcclient.BlockOptions) (*solanarpc.Block, uint64, error) {
	log := logging.Named("query")
	const maxRetries = 3
	const maxConsecutiveSkips = 10

	retries := 0
	consecutiveSkips := 0
	currentSlot := slot

	for {
		block, err := retry.Call(ctx, h.Driver, "getBlock", retry.Options{MaxRetries: 0, Timeout: 30 * time.Second}, nil,
			func(ctx context.Context, c *rpcclient.Client) (*solanarpc.Block, error) {
				return c.GetBlock(ctx, currentSlot, opts)
			})

		if err == nil {
			return block, currentSlot, nil
		}

		var skipped *rpcerrors.SlotSkipped
		if asSlotSkipped(err, &skipped) {
			consecutiveSkips++
			currentSlot++
			log.Debugw("slot skipped, advancing", "slot", skipped.Slot, "next", currentSlot)
			if consecutiveSkips >= maxConsecutiveSkips {
				return nil, currentSlot, &rpcerrors.MissingBlocks{ConsecutiveSkips: consecutiveSkips}
			}
			continue
		}

		var notSupported *rpcerrors.MethodNotSupported
		if asMethodNotSupported(err, &notSupported) {
			retries++
			if retries > maxRetries {
				return nil, currentSlot, err
			}
			continue
		}

		retries++
		if retries > maxRetries {
			return nil, currentSlot, err
		}
		backoff := time.Duration(math.Min(float64(time.Second)*math.Pow(2, float64(retries)), float64(60*time.Second)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, currentSlot, ctx.Err()
		}
	}
}

func asSlotSkipped(err error, target **rpcerrors.SlotSkipped) bool {
	v, ok := err.(*rpcerrors.SlotSkipped)
	if ok {
		*target = v
	}
	return ok
}

func asMethodNotSupported(err error, target **rpcerrors.MethodNotSupported) bool {
	v, ok := err.(*rpcerrors.MethodNotSupported)
	if ok {
		*target = v
	}
	return ok
}

// BlockResult is one entry of ProcessBlocks' per-slot outcome.
type BlockResult struct {
	Slot  uint64
	Block *solanarpc.Block
	Err   error
}

// ProcessBlocksSummary aggregates §4.6.2's statistics.
type ProcessBlocksSummary struct {
	Processed         int
	Empty             int
	ErrorBlocks       int
	TotalTransactions int
	TotalInstructions int
	ElapsedMS         int64
}

// ProcessBlocks implements §4.6.2: fetches numBlocks blocks descending from
// startSlot (or the current slot if omitted), in batches of batchSize,
// pacing 200ms between slots within a batch, tolerating per-slot failures.
func (h *Handler) ProcessBlocks(ctx context.Context, numBlocks int, startSlot *uint64, batchSize int) ([]BlockResult, ProcessBlocksSummary, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	started := time.Now()

	var from uint64
	if startSlot != nil {
		from = *startSlot
	} else {
		slot, err := retry.Call(ctx, h.Driver, "getSlot", h.Driver.DefaultOptions(), nil,
			func(ctx context.Context, c *rpcclient.Client) (uint64, error) { return c.GetSlot(ctx) })
		if err != nil {
			return nil, ProcessBlocksSummary{}, err
		}
		from = slot
	}

	slots := make([]uint64, 0, numBlocks)
	for i := 0; i < numBlocks && from >= uint64(i); i++ {
		slots = append(slots, from-uint64(i))
	}

	var results []BlockResult
	summary := ProcessBlocksSummary{}

	for batchStart := 0; batchStart < len(slots); batchStart += batchSize {
		end := batchStart + batchSize
		if end > len(slots) {
			end = len(slots)
		}
		for _, slot := range slots[batchStart:end] {
			opts := rpcclient.DefaultBlockOptions()
			block, _, err := h.GetBlock(ctx, slot, opts)
			if err != nil {
				summary.ErrorBlocks++
				results = append(results, BlockResult{Slot: slot, Err: err})
			} else {
				summary.Processed++
				if len(block.Transactions) == 0 {
					summary.Empty++
				}
				summary.TotalTransactions += len(block.Transactions)
				for _, tx := range block.Transactions {
					summary.TotalInstructions += len(tx.Transaction.Message.Instructions)
				}
				results = append(results, BlockResult{Slot: slot, Block: block})
			}

			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				summary.ElapsedMS = time.Since(started).Milliseconds()
				return results, summary, ctx.Err()
			}
		}
	}

	summary.ElapsedMS = time.Since(started).Milliseconds()
	return results, summary, nil
}

// CurrentSlot returns the cluster's current slot via getSlot. Used by the
// scan pipeline (§4.8 step 2) to compute a capped retry block count after a
// ledger-pruning "First available block" hint.
func (h *Handler) CurrentSlot(ctx context.Context) (uint64, error) {
	return retry.Call(ctx, h.Driver, "getSlot", h.Driver.DefaultOptions(), nil,
		func(ctx context.Context, c *rpcclient.Client) (uint64, error) { return c.GetSlot(ctx) })
}

type clusterNodesAttempt struct {
	endpoint string
	nodes    []solanarpc.ClusterNode
	err      error
}

// GetClusterNodes implements §4.6.3: up to three concurrent attempts
// against distinct acquired clients, each bounded at 5s, overall wait 5s;
// first non-empty well-typed result wins; losers are cancelled and
// released with success=false.
func (h *Handler) GetClusterNodes(ctx context.Context) ([]solanarpc.ClusterNode, error) {
	log := logging.Named("query")
	fanCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const fanout = 3
	results := make(chan clusterNodesAttempt, fanout)

	for i := 0; i < fanout; i++ {
		go func() {
			lease, err := h.Pool.Acquire(fanCtx)
			if err != nil {
				results <- clusterNodesAttempt{err: err}
				return
			}
			attemptCtx, attemptCancel := context.WithTimeout(fanCtx, 5*time.Second)
			defer attemptCancel()
			nodes, err := lease.Client.GetClusterNodes(attemptCtx)
			if err != nil || !nonEmptyClusterNodes(nodes) {
				lease.Release(false, false)
				results <- clusterNodesAttempt{endpoint: lease.Endpoint, err: err}
				return
			}
			lease.Release(true, false)
			results <- clusterNodesAttempt{endpoint: lease.Endpoint, nodes: nodes}
		}()
	}

	endpointErrors := make(map[string]string)
	var attempted []string
collect:
	for i := 0; i < fanout; i++ {
		select {
		case r := <-results:
			if r.err == nil && nonEmptyClusterNodes(r.nodes) {
				return r.nodes, nil
			}
			key := r.endpoint
			if key == "" {
				key = fmt.Sprintf("attempt-%d", i)
			}
			attempted = append(attempted, key)
			if r.err != nil {
				endpointErrors[key] = r.err.Error()
			}
		case <-fanCtx.Done():
			break collect
		}
	}

	log.Warnw("getClusterNodes fan-out exhausted, falling back to RPCNodeExtractor", "errors", endpointErrors)
	nodes, err := h.clusterNodesFallback(ctx)
	if err != nil {
		return nil, clusterNodesExhausted(attempted, endpointErrors, err)
	}
	return nodes, nil
}

// clusterNodesExhausted builds the §4.5/§4.6.3 diagnostic object (Testable
// Property #8) once both the fan-out and its fallback attempt have failed,
// instead of letting the failure collapse into a silent empty success.
func clusterNodesExhausted(attempted []string, endpointErrors map[string]string, fallbackErr error) error {
	merged := make(map[string]string, len(endpointErrors)+1)
	for k, v := range endpointErrors {
		merged[k] = v
	}
	merged["fallback"] = fallbackErr.Error()
	return &rpcerrors.RPCError{
		Method:  "getClusterNodes",
		Code:    -1,
		Message: "exhausted retries across all known endpoints",
		Diagnostics: &rpcerrors.Diagnostics{
			AttemptedEndpoints: append(append([]string{}, attempted...), "fallback"),
			EndpointErrors:     merged,
			Attempts:           len(attempted) + 1,
		},
	}
}

func nonEmptyClusterNodes(nodes []solanarpc.ClusterNode) bool {
	limit := len(nodes)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		if nodes[i].HasIdentifyingField() {
			return true
		}
	}
	return false
}

// clusterNodesFallback is the §4.6.3 fallback path ("RPCNodeExtractor"):
// one more attempt with a 4s budget against any client. Its caller,
// GetClusterNodes, wraps a non-nil error here into the full diagnostic
// object rather than treating it as a standalone failure.
func (h *Handler) clusterNodesFallback(ctx context.Context) ([]solanarpc.ClusterNode, error) {
	fallbackCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	lease, err := h.Pool.Acquire(fallbackCtx)
	if err != nil {
		return nil, err
	}
	nodes, err := lease.Client.GetClusterNodes(fallbackCtx)
	if err != nil {
		lease.Release(false, false)
		return nil, err
	}
	lease.Release(true, false)
	return nodes, nil
}

// GetRecentPerformance implements §4.6.4: up to five attempts at 4s each,
// each through the pool's normal client selection, so one endpoint may
// serve more than one attempt; synthesizes a single sample if every attempt
// is MethodNotSupported.
func (h *Handler) GetRecentPerformance(ctx context.Context, limit int) ([]solanarpc.PerformanceSample, error) {
	const attempts = 5
	allNotSupported := true

	for i := 0; i < attempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
		samples, err := retry.Call(attemptCtx, h.Driver, "getRecentPerformanceSamples", retry.Options{MaxRetries: 0, Timeout: 4 * time.Second}, nil,
			func(ctx context.Context, c *rpcclient.Client) ([]solanarpc.PerformanceSample, error) {
				return c.GetRecentPerformanceSamples(ctx, limit)
			})
		cancel()

		if err == nil {
			if len(samples) > 0 {
				return samples, nil
			}
			allNotSupported = false
			continue
		}
		var notSupported *rpcerrors.MethodNotSupported
		if !asMethodNotSupported(err, &notSupported) {
			allNotSupported = false
		}
	}

	if allNotSupported {
		return []solanarpc.PerformanceSample{{
			NumSlots:         120,
			NumTransactions:  1200,
			SamplePeriodSecs: 60,
			Slot:             0,
			Timestamp:        time.Now().Add(-60 * time.Second).Unix(),
			Synthetic:        true,
			Error:            "Method not supported by any endpoint",
		}}, nil
	}
	return []solanarpc.PerformanceSample{}, nil
}

// GetBlockProduction implements §4.6.5: serial fan-out preferring Helius
// first; on MethodNotSupported from every endpoint, returns a zeroed
// payload carrying a -32601 error marker.
func (h *Handler) GetBlockProduction(ctx context.Context) (solanarpc.BlockProduction, *rpcerrors.RPCError) {
	order := h.Pool.SortEndpointsByPerformance()

	for _, scored := range order {
		client, err := h.Pool.GetSpecificClient(ctx, scored.Endpoint)
		if err != nil {
			continue
		}
		production, err := client.GetBlockProduction(ctx)
		if err == nil {
			return production, nil
		}
	}

	return solanarpc.BlockProduction{ByIdentity: map[string][2]uint64{}}, &rpcerrors.RPCError{
		Method: "getBlockProduction", Code: -32601, Message: "Method not supported by any endpoint",
	}
}

// NetworkStatus is the composed result of §4.6.6.
type NetworkStatus struct {
	NodeCount               int                        `json:"node_count"`
	ActiveNodes             int                        `json:"active_nodes"`
	DelinquentNodes         int                        `json:"delinquent_nodes"`
	VersionDistribution     map[string]DistributionEntry `json:"version_distribution"`
	FeatureSetDistribution  map[string]DistributionEntry `json:"feature_set_distribution"`
	StakeDistribution       StakeDistribution          `json:"stake_distribution"`
	AverageTPS              float64                    `json:"average_tps"`
	Status                  string                     `json:"status"`
	Errors                  []string                   `json:"errors,omitempty"`
}

// DistributionEntry is one bucket of a count/percentage distribution.
type DistributionEntry struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// StakeBucket is one tier of the stake distribution.
type StakeBucket struct {
	Count           int     `json:"count"`
	Stake           uint64  `json:"stake"`
	StakePercentage float64 `json:"stake_percentage"`
}

// StakeDistribution partitions active validators into rank-based tiers
// plus a separate delinquent bucket.
type StakeDistribution struct {
	High       StakeBucket `json:"high"`
	Medium     StakeBucket `json:"medium"`
	Low        StakeBucket `json:"low"`
	Delinquent StakeBucket `json:"delinquent"`
}

// GetNetworkStatus implements §4.6.6. Every sub-failure is captured into
// Errors without aborting the whole result.
func (h *Handler) GetNetworkStatus(ctx context.Context) NetworkStatus {
	status := NetworkStatus{
		VersionDistribution:    map[string]DistributionEntry{},
		FeatureSetDistribution: map[string]DistributionEntry{},
	}

	nodes, err := h.GetClusterNodes(ctx)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("cluster nodes: %v", err))
	}
	status.NodeCount = len(nodes)
	status.VersionDistribution = versionDistribution(nodes)
	status.FeatureSetDistribution = featureSetDistribution(nodes)

	voteAccounts, err := retry.Call(ctx, h.Driver, "getVoteAccounts", h.Driver.DefaultOptions(), nil,
		func(ctx context.Context, c *rpcclient.Client) (solanarpc.VoteAccounts, error) { return c.GetVoteAccounts(ctx) })
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("vote accounts: %v", err))
	} else {
		status.ActiveNodes = len(voteAccounts.Current)
		status.DelinquentNodes = len(voteAccounts.Delinquent)
		status.StakeDistribution = stakeDistribution(voteAccounts)
	}

	samples, err := h.GetRecentPerformance(ctx, 5)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("performance samples: %v", err))
	} else {
		status.AverageTPS = averageTPS(samples)
	}

	total := status.ActiveNodes + status.DelinquentNodes
	switch {
	case total == 0:
		status.Status = "unhealthy"
	case float64(status.ActiveNodes)/float64(total) >= 0.95:
		status.Status = "healthy"
	case float64(status.ActiveNodes)/float64(total) >= 0.80:
		status.Status = "degraded"
	default:
		status.Status = "unhealthy"
	}

	return status
}

func versionDistribution(nodes []solanarpc.ClusterNode) map[string]DistributionEntry {
	counts := map[string]int{}
	for _, n := range nodes {
		v := n.Version
		if v == "" {
			v = "unknown"
		}
		counts[v]++
	}
	return toDistribution(counts, len(nodes))
}

func featureSetDistribution(nodes []solanarpc.ClusterNode) map[string]DistributionEntry {
	counts := map[string]int{}
	for _, n := range nodes {
		key := "unknown"
		if n.FeatureSet != nil {
			key = fmt.Sprintf("%d", *n.FeatureSet)
		}
		counts[key]++
	}
	return toDistribution(counts, len(nodes))
}

func toDistribution(counts map[string]int, total int) map[string]DistributionEntry {
	out := make(map[string]DistributionEntry, len(counts))
	for k, c := range counts {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(c) / float64(total)
		}
		out[k] = DistributionEntry{Count: c, Percentage: pct}
	}
	return out
}

func averageTPS(samples []solanarpc.PerformanceSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	limit := len(samples)
	if limit > 5 {
		limit = 5
	}
	var totalTPS float64
	for _, s := range samples[:limit] {
		if s.SamplePeriodSecs > 0 {
			totalTPS += float64(s.NumTransactions) / float64(s.SamplePeriodSecs)
		}
	}
	return totalTPS / float64(limit)
}

func stakeDistribution(accounts solanarpc.VoteAccounts) StakeDistribution {
	sorted := append([]solanarpc.VoteAccountInfo{}, accounts.Current...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ActivatedStake > sorted[j].ActivatedStake })

	var totalStake uint64
	for _, v := range sorted {
		totalStake += v.ActivatedStake
	}

	n := len(sorted)
	highCut := int(math.Ceil(float64(n) * 0.10))
	mediumCut := int(math.Ceil(float64(n) * 0.50))

	var dist StakeDistribution
	for i, v := range sorted {
		switch {
		case i < highCut:
			dist.High.Count++
			dist.High.Stake += v.ActivatedStake
		case i < mediumCut:
			dist.Medium.Count++
			dist.Medium.Stake += v.ActivatedStake
		default:
			dist.Low.Count++
			dist.Low.Stake += v.ActivatedStake
		}
	}
	for _, v := range accounts.Delinquent {
		dist.Delinquent.Count++
		dist.Delinquent.Stake += v.ActivatedStake
	}

	if totalStake > 0 {
		dist.High.StakePercentage = 100 * float64(dist.High.Stake) / float64(totalStake)
		dist.Medium.StakePercentage = 100 * float64(dist.Medium.Stake) / float64(totalStake)
		dist.Low.StakePercentage = 100 * float64(dist.Low.Stake) / float64(totalStake)
	}
	delinquentTotal := totalStake + dist.Delinquent.Stake
	if delinquentTotal > 0 {
		dist.Delinquent.StakePercentage = 100 * float64(dist.Delinquent.Stake) / float64(delinquentTotal)
	}

	return dist
}
