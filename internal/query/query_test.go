package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soleco-io/solana-gateway/internal/pool"
	"github.com/soleco-io/solana-gateway/internal/retry"
	"github.com/soleco-io/solana-gateway/internal/rpcclient"
	"github.com/soleco-io/solana-gateway/internal/rpcerrors"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

func newHandler(t *testing.T, handler http.HandlerFunc) (*Handler, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	p := pool.New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))
	return New(p, retry.New(p, sslpolicy.New())), srv
}

func jsonHandler(t *testing.T, dispatch func(method string, params []any) (any, *solanarpc.WireError)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
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
	}
}

func TestGetBlockSlotSkipAdvances(t *testing.T) {
	h, srv := newHandler(t, jsonHandler(t, func(method string, params []any) (any, *solanarpc.WireError) {
		switch method {
		case "getBlock":
			slot := uint64(params[0].(float64))
			if slot == 500 {
				return nil, &solanarpc.WireError{Code: -32007, Message: "Slot 500 was skipped"}
			}
			return solanarpc.Block{ParentSlot: slot - 1}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected method"}
	}))
	defer srv.Close()

	block, slot, err := h.GetBlock(context.Background(), 500, rpcclient.DefaultBlockOptions())
	require.NoError(t, err)
	require.Equal(t, uint64(501), slot)
	require.NotNil(t, block)
}

func TestGetBlockMissingBlocksAfterTenSkips(t *testing.T) {
	h, srv := newHandler(t, jsonHandler(t, func(method string, params []any) (any, *solanarpc.WireError) {
		return nil, &solanarpc.WireError{Code: -32007, Message: "was skipped"}
	}))
	defer srv.Close()

	_, _, err := h.GetBlock(context.Background(), 1, rpcclient.DefaultBlockOptions())
	require.Error(t, err)
}

func TestGetRecentPerformanceSynthesizesOnMethodNotSupported(t *testing.T) {
	h, srv := newHandler(t, jsonHandler(t, func(method string, params []any) (any, *solanarpc.WireError) {
		return nil, &solanarpc.WireError{Code: -32601, Message: "Method not found"}
	}))
	defer srv.Close()

	samples, err := h.GetRecentPerformance(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.True(t, samples[0].Synthetic)
}

func TestGetClusterNodesReturnsNonEmptyResult(t *testing.T) {
	h, srv := newHandler(t, jsonHandler(t, func(method string, params []any) (any, *solanarpc.WireError) {
		if method == "getClusterNodes" {
			return []solanarpc.ClusterNode{{Pubkey: "abc"}}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	}))
	defer srv.Close()

	nodes, err := h.GetClusterNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestGetClusterNodesExhaustionSurfacesDiagnostics(t *testing.T) {
	h, srv := newHandler(t, jsonHandler(t, func(method string, params []any) (any, *solanarpc.WireError) {
		if method == "getClusterNodes" {
			return nil, &solanarpc.WireError{Code: -32601, Message: "Method not found"}
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	}))
	defer srv.Close()

	nodes, err := h.GetClusterNodes(context.Background())
	require.Nil(t, nodes)
	require.Error(t, err)

	var rpcErr *rpcerrors.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.NotNil(t, rpcErr.Diagnostics)
	require.NotEmpty(t, rpcErr.Diagnostics.AttemptedEndpoints)
	require.NotEmpty(t, rpcErr.Diagnostics.EndpointErrors)
	require.Contains(t, rpcErr.Diagnostics.EndpointErrors, "fallback")
}

func TestGetNetworkStatusAggregatesWithoutAborting(t *testing.T) {
	h, srv := newHandler(t, jsonHandler(t, func(method string, params []any) (any, *solanarpc.WireError) {
		switch method {
		case "getClusterNodes":
			return []solanarpc.ClusterNode{{Pubkey: "abc", Version: "1.18.0"}}, nil
		case "getVoteAccounts":
			return solanarpc.VoteAccounts{
				Current: []solanarpc.VoteAccountInfo{{VotePubkey: "v1", ActivatedStake: 1000}},
			}, nil
		case "getRecentPerformanceSamples":
			return []solanarpc.PerformanceSample{{NumTransactions: 600, SamplePeriodSecs: 60}}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	}))
	defer srv.Close()

	status := h.GetNetworkStatus(context.Background())
	require.Equal(t, 1, status.NodeCount)
	require.Equal(t, 1, status.ActiveNodes)
	require.Equal(t, "healthy", status.Status)
}
