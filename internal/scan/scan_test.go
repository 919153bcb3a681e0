package scan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soleco-io/solana-gateway/internal/pool"
	"github.com/soleco-io/solana-gateway/internal/query"
	"github.com/soleco-io/solana-gateway/internal/retry"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

const tokenProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
const newMint = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

func newPipeline(t *testing.T, dispatch func(method string, params []any) (any, *solanarpc.WireError)) (*Pipeline, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(func(w http.ResponseWriter, r *http.Request) {
		var env solanarpc.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		result, rpcErr := dispatch(env.Method, env.Params)
		resp := solanarpc.RawResponse{JSONRPC: "2.0", ID: env.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, _ := json.Marshal(result)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	p := pool.New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))
	handler := query.New(p, retry.New(p, sslpolicy.New()))
	return New(handler), srv
}

func blockWithMintTx() solanarpc.Block {
	return solanarpc.Block{
		Transactions: []solanarpc.TxWithMeta{
			{
				Transaction: solanarpc.Transaction{
					Message: solanarpc.Message{
						AccountKeys: []string{tokenProgram, newMint, "payer"},
						Instructions: []solanarpc.Instruction{
							{ProgramIDIndex: 0, Accounts: []int{1}, Data: "0"},
						},
					},
				},
			},
		},
	}
}

func TestExtractMintsAggregatesAcrossBlocks(t *testing.T) {
	p, srv := newPipeline(t, func(method string, params []any) (any, *solanarpc.WireError) {
		switch method {
		case "getSlot":
			return 1000, nil
		case "getBlock":
			slot := uint64(params[0].(float64))
			return blockAtSlot(slot), nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected method"}
	})
	defer srv.Close()

	result, err := p.ExtractMints(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, result.Blocks, 3)
	require.Equal(t, 3, result.Summary.TotalBlocksScanned)
	require.Equal(t, 1, result.Summary.TotalNewMintAddresses)
	require.Equal(t, 1, result.Summary.UniqueMints)
	require.Zero(t, result.Summary.ErrorBlocks)
}

func blockAtSlot(slot uint64) solanarpc.Block {
	b := blockWithMintTx()
	b.ParentSlot = slot - 1
	return b
}

func TestExtractMintsClampsBlockCount(t *testing.T) {
	p, srv := newPipeline(t, func(method string, params []any) (any, *solanarpc.WireError) {
		switch method {
		case "getSlot":
			return 100, nil
		case "getBlock":
			return solanarpc.Block{}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	})
	defer srv.Close()

	result, err := p.ExtractMints(context.Background(), 50)
	require.NoError(t, err)
	require.LessOrEqual(t, result.Summary.TotalBlocksScanned, 10)
}

func TestCappedRetryCountAppliesMinFormula(t *testing.T) {
	p, srv := newPipeline(t, func(method string, params []any) (any, *solanarpc.WireError) {
		if method == "getSlot" {
			return 1000, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	})
	defer srv.Close()

	// min(10, 1000-995+1) = 6: the batch is trimmed to what's actually
	// available between the pruning boundary and the current tip.
	count, err := p.cappedRetryCount(context.Background(), 10, 995)
	require.NoError(t, err)
	require.Equal(t, 6, count)

	// min(3, 6) = 3: the original limit still wins when it's the smaller
	// bound.
	count, err = p.cappedRetryCount(context.Background(), 3, 995)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestFirstAvailableBlockHintParsesMessage(t *testing.T) {
	n, ok := firstAvailableBlockHint(wireErr("Block cleaned up. First available block: 12345"))
	require.True(t, ok)
	require.Equal(t, uint64(12345), n)

	_, ok = firstAvailableBlockHint(wireErr("some other failure"))
	require.False(t, ok)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func wireErr(msg string) error { return simpleErr(msg) }
