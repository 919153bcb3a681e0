// Package mint implements the mint extractor (C9): a per-transaction state
// machine identifying newly created token mints and tagged pump mints
// across instructions, inner instructions, token-balance deltas, and log
// messages. Grounded directly on the original Python MintExtractor
// (original_source/backend/app/utils/handlers/mint_extractor.py),
// re-expressed as Go sets (deckarep/golang-set) and base58 validation
// (mr-tron/base58), the libraries the rest of the Solana-facing examples in
// the pack use for the same concerns.
package mint

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mr-tron/base58"

	"github.com/soleco-io/solana-gateway/internal/metrics"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

// TokenPrograms are the well-known base58 SPL token program IDs.
var TokenPrograms = mapset.NewSet(
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
	"TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBxvf9Ss623VQ5DA",
)

// MetadataProgramID is the Metaplex Token Metadata program.
const MetadataProgramID = "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s"

// KnownExcludedMints are well-known token mints never treated as "new".
var KnownExcludedMints = mapset.NewSet(
	"So11111111111111111111111111111111111111112", // wrapped SOL
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", // USDT
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", // BONK
	"7i5KKsX2weiTkry7jA4ZwSJ4zRWqW2PPkiupCAMMQCLQ", // PYTH
)

// SystemProgramIDs are system/utility programs never treated as mints.
var SystemProgramIDs = mapset.NewSet(
	"11111111111111111111111111111111",
	"Vote111111111111111111111111111111111111111",
	"Config1111111111111111111111111111111111111",
	"ComputeBudget111111111111111111111111111111",
	"MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr",
)

// discriminator is the leading base58 character of a token-program
// instruction's data field the original extractor keys off of.
const (
	discriminatorInitializeMint  = "0"
	discriminatorInitializeMint2 = "8"
	discriminatorCreateMetadata  = "b"
)

// Stats mirrors get_results()'s stats block.
type Stats struct {
	TotalAllMints   int `json:"total_all_mints"`
	TotalNewMints   int `json:"total_new_mints"`
	TotalPumpTokens int `json:"total_pump_tokens"`
	MintOperations  int `json:"mint_operations"`
	TokenOperations int `json:"token_operations"`
}

// Results is the observable output of get_results().
type Results struct {
	AllMints   []string `json:"all_mints"`
	NewMints   []string `json:"new_mints"`
	PumpTokens []string `json:"pump_tokens"`
	Stats      Stats    `json:"stats"`
}

// Extractor is one scan invocation's extraction state (spec §3). It is not
// safe for concurrent use; the block-scan pipeline owns one per scan.
type Extractor struct {
	allMints   mapset.Set[string]
	newMints   mapset.Set[string]
	pumpTokens mapset.Set[string]

	mintOperations  int
	tokenOperations int
}

// New constructs an empty Extractor.
func New() *Extractor {
	return &Extractor{
		allMints:   mapset.NewSet[string](),
		newMints:   mapset.NewSet[string](),
		pumpTokens: mapset.NewSet[string](),
	}
}

// IsValidBase58Mint reports whether address decodes to exactly 32 bytes of
// base58 using only the base58 alphabet, with length in [32, 44] (spec
// §4.9 candidate validation).
func IsValidBase58Mint(address string) bool {
	if len(address) < 32 || len(address) > 44 {
		return false
	}
	for _, r := range address {
		if !isBase58Rune(r) {
			return false
		}
	}
	decoded, err := base58.Decode(address)
	if err != nil {
		return false
	}
	return len(decoded) == 32
}

func isBase58Rune(r rune) bool {
	switch {
	case r >= '1' && r <= '9':
		return true
	case r >= 'A' && r <= 'H', r >= 'J' && r <= 'N', r >= 'P' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'k', r >= 'm' && r <= 'z':
		return true
	default:
		return false
	}
}

func (e *Extractor) isValidCandidate(address string) bool {
	return IsValidBase58Mint(address) && !KnownExcludedMints.Contains(address) && !SystemProgramIDs.Contains(address)
}

// register implements spec §4.9 registration: add to all_mints; if not
// previously present in new_mints, add it there too and count the
// operation; if the address ends with "pump" (case-insensitive), add to
// pump_tokens and count.
func (e *Extractor) register(address string) {
	if !e.isValidCandidate(address) {
		return
	}
	e.allMints.Add(address)

	if !e.newMints.Contains(address) {
		e.newMints.Add(address)
		e.mintOperations++
		metrics.MintsExtractedTotal.WithLabelValues("new").Inc()
	}

	if strings.HasSuffix(strings.ToLower(address), "pump") {
		e.pumpTokens.Add(address)
		metrics.MintsExtractedTotal.WithLabelValues("pump").Inc()
	}
}

// ProcessTransaction runs the per-transaction algorithm of spec §4.9 over
// one decoded transaction entry.
func (e *Extractor) ProcessTransaction(tx solanarpc.TxWithMeta) {
	accountKeys := fullAccountKeys(tx)
	if accountKeys == nil {
		return
	}

	processInstruction := func(ix solanarpc.Instruction) {
		if ix.ProgramIDIndex < 0 || ix.ProgramIDIndex >= len(accountKeys) {
			return
		}
		programID := accountKeys[ix.ProgramIDIndex]
		if !TokenPrograms.Contains(programID) {
			return
		}
		if !isInitializeMintInstruction(ix) {
			return
		}
		if len(ix.Accounts) == 0 {
			return
		}
		mintAccountIndex := ix.Accounts[0]
		if mintAccountIndex < 0 || mintAccountIndex >= len(accountKeys) {
			return
		}
		e.tokenOperations++
		e.register(accountKeys[mintAccountIndex])
	}

	for _, ix := range tx.Transaction.Message.Instructions {
		processInstruction(ix)
	}
	for _, group := range tx.Meta.InnerInstructions {
		for _, ix := range group.Instructions {
			processInstruction(ix)
		}
	}

	// Every mint field in either balance array is a candidate (spec §4.9
	// step 3), not just ones whose balance actually changed.
	for _, balance := range tx.Meta.PreTokenBalances {
		e.register(balance.Mint)
	}
	for _, balance := range tx.Meta.PostTokenBalances {
		e.register(balance.Mint)
	}

	// Logs are scanned unconditionally; a Metaplex-metadata instruction
	// elsewhere in the transaction is covered by the same scan rather than
	// a second pass, since the candidate position only depends on which
	// marker the log line itself contains.
	if candidate := extractFromLogs(tx.Meta.LogMessages); candidate != "" {
		e.register(candidate)
	}
}

// fullAccountKeys concatenates message.accountKeys with the writable then
// readonly address-lookup-table-resolved accounts (spec §4.9 step 1).
// Returns nil if the message's account keys are absent.
func fullAccountKeys(tx solanarpc.TxWithMeta) []string {
	base := tx.Transaction.Message.AccountKeys
	if base == nil {
		return nil
	}
	keys := make([]string, 0, len(base)+len(tx.Meta.LoadedAddresses.Writable)+len(tx.Meta.LoadedAddresses.Readonly))
	keys = append(keys, base...)
	keys = append(keys, tx.Meta.LoadedAddresses.Writable...)
	keys = append(keys, tx.Meta.LoadedAddresses.Readonly...)
	return keys
}

func isInitializeMintInstruction(ix solanarpc.Instruction) bool {
	if ix.Data == "" {
		return false
	}
	discriminator := string(ix.Data[0])
	return discriminator == discriminatorInitializeMint || discriminator == discriminatorInitializeMint2
}

// extractFromLogs parses log messages for a whitespace-delimited mint
// token at the position the original client observes: index 2 for
// "initializeMint" messages, index 3 for "createMetadata" messages.
func extractFromLogs(logMessages []string) string {
	for _, log := range logMessages {
		switch {
		case strings.Contains(log, "initializeMint"):
			if candidate := tokenAt(log, 2); candidate != "" && IsValidBase58Mint(candidate) {
				return candidate
			}
		case strings.Contains(log, discriminatorCreateMetadataMarker):
			if candidate := tokenAt(log, 3); candidate != "" && IsValidBase58Mint(candidate) {
				return candidate
			}
		}
	}
	return ""
}

const discriminatorCreateMetadataMarker = "createMetadata"

func tokenAt(log string, index int) string {
	parts := strings.Fields(log)
	if index >= len(parts) {
		return ""
	}
	return parts[index]
}

// GetResults returns the observable output of one scan invocation.
func (e *Extractor) GetResults() Results {
	return Results{
		AllMints:   e.allMints.ToSlice(),
		NewMints:   e.newMints.ToSlice(),
		PumpTokens: e.pumpTokens.ToSlice(),
		Stats: Stats{
			TotalAllMints:   e.allMints.Cardinality(),
			TotalNewMints:   e.newMints.Cardinality(),
			TotalPumpTokens: e.pumpTokens.Cardinality(),
			MintOperations:  e.mintOperations,
			TokenOperations: e.tokenOperations,
		},
	}
}
