// Package solanarpc holds the decoded shapes of JSON-RPC 2.0 responses from
// a Solana-compatible RPC node. Per the source's dynamic-attribute-probing
// replacement (spec §9), every result type here is concrete: the wire
// format is self-describing and decoded directly into typed structs, never
// interrogated through reflection.
package solanarpc

import "encoding/json"

// Envelope is the JSON-RPC 2.0 request envelope sent to an endpoint. The id
// is always a fresh UUID string (spec §4.3 step 2), not a sequential
// integer.
type Envelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// RawResponse is the outer JSON-RPC 2.0 response shape, decoded before the
// Result field is unmarshalled into a request-specific type.
type RawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *WireError      `json:"error"`
}

// WireError is the JSON-RPC 2.0 error object.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ContextualResult wraps a result the server returns alongside a slot
// context, e.g. getBalance / getBlockProduction.
type ContextualResult[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

// Block is the decoded result of getBlock with transactionDetails=full.
type Block struct {
	ParentSlot    uint64        `json:"parentSlot"`
	BlockHeight   *uint64       `json:"blockHeight"`
	BlockTime     *int64        `json:"blockTime"`
	Blockhash     string        `json:"blockhash"`
	Transactions  []TxWithMeta  `json:"transactions"`
}

// TxWithMeta is one entry of Block.Transactions: the raw transaction plus
// its execution metadata.
type TxWithMeta struct {
	Transaction Transaction      `json:"transaction"`
	Meta        TransactionMeta  `json:"meta"`
}

// Transaction is the decoded `transaction` field of a transaction entry.
type Transaction struct {
	Message Message `json:"message"`
}

// Message carries the account-key vector and ordered instruction list.
type Message struct {
	AccountKeys  []string      `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

// Instruction is one top-level (outer) instruction.
type Instruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
}

// InnerInstructionGroup is one entry of meta.innerInstructions.
type InnerInstructionGroup struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

// TokenBalance is one entry of meta.preTokenBalances / postTokenBalances.
type TokenBalance struct {
	AccountIndex int    `json:"accountIndex"`
	Mint         string `json:"mint"`
	Owner        string `json:"owner,omitempty"`
}

// LoadedAddresses carries the address-lookup-table-resolved accounts
// (writable then readonly) that are appended to message.accountKeys.
type LoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

// TransactionMeta is the decoded `meta` field of a transaction entry.
type TransactionMeta struct {
	Err               any                     `json:"err"`
	LogMessages       []string                `json:"logMessages"`
	InnerInstructions []InnerInstructionGroup `json:"innerInstructions"`
	PreTokenBalances  []TokenBalance          `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance          `json:"postTokenBalances"`
	LoadedAddresses   LoadedAddresses         `json:"loadedAddresses"`
}

// ClusterNode is one entry returned by getClusterNodes.
type ClusterNode struct {
	Pubkey  string `json:"pubkey"`
	Gossip  string `json:"gossip,omitempty"`
	TPU     string `json:"tpu,omitempty"`
	RPC     string `json:"rpc,omitempty"`
	Version string `json:"version,omitempty"`
	FeatureSet *uint32 `json:"featureSet,omitempty"`
	ShredVersion *uint16 `json:"shredVersion,omitempty"`
}

// HasIdentifyingField reports whether the node has at least one of the
// fields spec §4.6.3 treats as "identifying" (pubkey/gossip/tpu/rpc).
func (n ClusterNode) HasIdentifyingField() bool {
	return n.Pubkey != "" || n.Gossip != "" || n.TPU != "" || n.RPC != ""
}

// VoteAccountInfo is one entry of VoteAccounts.Current / .Delinquent.
type VoteAccountInfo struct {
	VotePubkey       string `json:"votePubkey"`
	NodePubkey       string `json:"nodePubkey"`
	ActivatedStake   uint64 `json:"activatedStake"`
	EpochCredits     [][]uint64 `json:"epochCredits"`
	Commission       int    `json:"commission"`
	LastVote         uint64 `json:"lastVote"`
}

// VoteAccounts is the decoded result of getVoteAccounts.
type VoteAccounts struct {
	Current    []VoteAccountInfo `json:"current"`
	Delinquent []VoteAccountInfo `json:"delinquent"`
}

// PerformanceSample is one entry returned by getRecentPerformanceSamples.
type PerformanceSample struct {
	Slot              uint64  `json:"slot"`
	NumTransactions   uint64  `json:"numTransactions"`
	NumSlots          uint64  `json:"numSlots"`
	SamplePeriodSecs  uint32  `json:"samplePeriodSecs"`
	Timestamp         int64   `json:"timestamp,omitempty"`
	Synthetic         bool    `json:"synthetic,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// BlockProductionRange carries the firstSlot/lastSlot the sample covers.
type BlockProductionRange struct {
	FirstSlot uint64 `json:"firstSlot"`
	LastSlot  uint64 `json:"lastSlot"`
}

// BlockProduction is the decoded `value` field of getBlockProduction.
type BlockProduction struct {
	ByIdentity map[string][2]uint64 `json:"byIdentity"`
	Range      BlockProductionRange `json:"range"`
}

// EpochInfo is the decoded result of getEpochInfo.
type EpochInfo struct {
	Epoch                uint64 `json:"epoch"`
	SlotIndex            uint64 `json:"slotIndex"`
	SlotsInEpoch         uint64 `json:"slotsInEpoch"`
	AbsoluteSlot         uint64 `json:"absoluteSlot"`
	BlockHeight          uint64 `json:"blockHeight"`
	TransactionCount     *uint64 `json:"transactionCount,omitempty"`
}

// VersionInfo is the decoded result of getVersion.
type VersionInfo struct {
	SolanaCore string `json:"solana-core"`
	FeatureSet uint32 `json:"feature-set"`
}

// Blockhash is the decoded `value` field of getLatestBlockhash.
type Blockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}
