// Package scan implements the block-scan pipeline (C8): it walks the N most
// recent finalized blocks via the query handler, feeds each transaction to
// the mint extractor, and aggregates per-block and cumulative summaries.
package scan

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/soleco-io/solana-gateway/internal/logging"
	"github.com/soleco-io/solana-gateway/internal/mint"
	"github.com/soleco-io/solana-gateway/internal/query"
)

// BlockSummary is one block's contribution to a scan, spec §4.8 step 4.
type BlockSummary struct {
	Slot               uint64   `json:"slot"`
	TotalTransactions  int      `json:"total_transactions"`
	NewMintAddresses   []string `json:"new_mint_addresses"`
	AllMintAddresses   []string `json:"mint_addresses"`
	PumpTokenAddresses []string `json:"pump_token_addresses"`
	ProcessingTimeMS   int64    `json:"processing_time_ms"`
	Error              string   `json:"error,omitempty"`
}

// ScanSummary is the cumulative aggregation of spec §4.8 step 5.
type ScanSummary struct {
	TotalBlocksScanned     int `json:"total_blocks_scanned"`
	TotalTransactions      int `json:"total_transactions"`
	TotalNewMintAddresses  int `json:"total_new_mint_addresses"`
	TotalPumpTokens        int `json:"total_pump_tokens"`
	UniqueMints            int `json:"unique_mints"`
	ErrorBlocks            int `json:"error_blocks"`
	ProcessingTimeMS       int64 `json:"processing_time_ms"`
}

// Result is the full Block-Scan Pipeline output.
type Result struct {
	Blocks  []BlockSummary `json:"blocks"`
	Summary ScanSummary    `json:"summary"`
}

// Pipeline composes the query Handler and a fresh mint Extractor per scan.
type Pipeline struct {
	Query *query.Handler
}

// New constructs a scan Pipeline.
func New(q *query.Handler) *Pipeline {
	return &Pipeline{Query: q}
}

// ExtractMints implements §4.8's entry point: scan the numBlocks most
// recent finalized blocks (1..10) for new mints and tagged pump tokens.
func (p *Pipeline) ExtractMints(ctx context.Context, numBlocks int) (Result, error) {
	if numBlocks < 1 {
		numBlocks = 1
	}
	if numBlocks > 10 {
		numBlocks = 10
	}
	started := time.Now()

	results, _, err := p.Query.ProcessBlocks(ctx, numBlocks, nil, numBlocks)
	if err != nil {
		if firstAvailable, ok := firstAvailableBlockHint(err); ok {
			count, capErr := p.cappedRetryCount(ctx, numBlocks, firstAvailable)
			if capErr == nil {
				start := firstAvailable
				results, _, err = p.Query.ProcessBlocks(ctx, count, &start, count)
			}
		}
		if err != nil {
			return Result{}, err
		}
	} else if firstAvailable, ok := firstBlockResultHint(results); ok {
		// Ledger pruning can surface as a per-slot error inside an
		// otherwise-successful batch (spec §4.8 step 2); re-run the batch
		// starting from the hinted slot, capped to the blocks actually
		// available between it and the current tip rather than keeping
		// the partial, pre-pruning results.
		count, capErr := p.cappedRetryCount(ctx, numBlocks, firstAvailable)
		if capErr == nil {
			start := firstAvailable
			if retried, _, retryErr := p.Query.ProcessBlocks(ctx, count, &start, count); retryErr == nil {
				results = retried
			}
		}
	}

	cumulative := mint.New()
	var blocks []BlockSummary
	summary := ScanSummary{}

	for _, r := range results {
		blockStarted := time.Now()
		if r.Err != nil {
			summary.ErrorBlocks++
			blocks = append(blocks, BlockSummary{Slot: r.Slot, Error: r.Err.Error()})
			continue
		}

		perBlock := mint.New()
		for _, tx := range r.Block.Transactions {
			perBlock.ProcessTransaction(tx)
			cumulative.ProcessTransaction(tx)
		}

		blockResults := perBlock.GetResults()
		summary.TotalBlocksScanned++
		summary.TotalTransactions += len(r.Block.Transactions)

		blocks = append(blocks, BlockSummary{
			Slot:               r.Slot,
			TotalTransactions:  len(r.Block.Transactions),
			NewMintAddresses:   blockResults.NewMints,
			AllMintAddresses:   blockResults.AllMints,
			PumpTokenAddresses: blockResults.PumpTokens,
			ProcessingTimeMS:   time.Since(blockStarted).Milliseconds(),
		})
	}

	cumulativeResults := cumulative.GetResults()
	summary.TotalNewMintAddresses = cumulativeResults.Stats.TotalNewMints
	summary.TotalPumpTokens = cumulativeResults.Stats.TotalPumpTokens
	summary.UniqueMints = cumulativeResults.Stats.TotalAllMints
	summary.ProcessingTimeMS = time.Since(started).Milliseconds()

	return Result{Blocks: blocks, Summary: summary}, nil
}

// cappedRetryCount implements spec §4.8 step 2's
// blocks_to_process = min(limit, latest_block - first_available + 1),
// fetching a fresh current slot at retry time exactly as
// original_source's solana_mint_extractor_modular.py does (it re-reads
// get_block_height rather than reusing the slot the original batch started
// from).
func (p *Pipeline) cappedRetryCount(ctx context.Context, limit int, firstAvailable uint64) (int, error) {
	latest, err := p.Query.CurrentSlot(ctx)
	if err != nil {
		return 0, err
	}
	if latest < firstAvailable {
		return 1, nil
	}
	count := int(latest-firstAvailable) + 1
	if count > limit {
		count = limit
	}
	if count < 1 {
		count = 1
	}
	return count, nil
}

// firstBlockResultHint scans a batch's per-slot errors for the first
// "First available block: K" hint, the form a pruning failure normally
// takes since ProcessBlocks absorbs per-slot errors rather than aborting.
func firstBlockResultHint(results []query.BlockResult) (uint64, bool) {
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if n, ok := firstAvailableBlockHint(r.Err); ok {
			return n, true
		}
	}
	return 0, false
}

// firstAvailableBlockHint parses a "block cleaned up ... First available
// block: K" error message, the ledger-pruning failure mode of spec §4.8
// step 2.
func firstAvailableBlockHint(err error) (uint64, bool) {
	msg := strings.ToLower(err.Error())
	marker := "first available block:"
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(msg[idx+len(marker):])
	fields := strings.FieldsFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if len(fields) == 0 {
		return 0, false
	}
	n, parseErr := strconv.ParseUint(fields[0], 10, 64)
	if parseErr != nil {
		return 0, false
	}
	logging.Named("scan").Infow("re-invoking scan from first available block", "first_available_block", n)
	return n, true
}
