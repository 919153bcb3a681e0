package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soleco-io/solana-gateway/internal/cache"
	"github.com/soleco-io/solana-gateway/internal/pool"
	"github.com/soleco-io/solana-gateway/internal/query"
	"github.com/soleco-io/solana-gateway/internal/retry"
	"github.com/soleco-io/solana-gateway/internal/scan"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

func newTestServer(t *testing.T, dispatch func(method string, params []any) (any, *solanarpc.WireError)) (*Server, *httptest.Server) {
	t.Helper()
	rpcSrv := httptest.NewServer(func(w http.ResponseWriter, r *http.Request) {
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
	t.Cleanup(rpcSrv.Close)

	p := pool.New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{rpcSrv.URL}))
	driver := retry.New(p, sslpolicy.New())
	handler := query.New(p, driver)
	pipeline := scan.New(handler)

	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return New(handler, pipeline, p, c), rpcSrv
}

func TestHandleNetworkStatusReturns200(t *testing.T) {
	srv, _ := newTestServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		switch method {
		case "getClusterNodes":
			return []solanarpc.ClusterNode{{Pubkey: "abc", Version: "1.18.0"}}, nil
		case "getVoteAccounts":
			return solanarpc.VoteAccounts{Current: []solanarpc.VoteAccountInfo{{VotePubkey: "v1", ActivatedStake: 100}}}, nil
		case "getRecentPerformanceSamples":
			return []solanarpc.PerformanceSample{{NumTransactions: 600, SamplePeriodSecs: 60}}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	})

	req := httptest.NewRequest(http.MethodGet, "/solana/network/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
}

func TestHandleNetworkStatusServesFromCacheOnSecondCall(t *testing.T) {
	var voteAccountCalls atomic.Int32
	srv, _ := newTestServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		switch method {
		case "getClusterNodes":
			return []solanarpc.ClusterNode{{Pubkey: "abc"}}, nil
		case "getVoteAccounts":
			voteAccountCalls.Add(1)
			return solanarpc.VoteAccounts{}, nil
		case "getRecentPerformanceSamples":
			return []solanarpc.PerformanceSample{}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/solana/network/status", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Equal(t, int32(1), voteAccountCalls.Load())
}

func TestHandleMintsExtractReturns200(t *testing.T) {
	srv, _ := newTestServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		switch method {
		case "getSlot":
			return 500, nil
		case "getBlock":
			return solanarpc.Block{}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	})

	req := httptest.NewRequest(http.MethodGet, "/mints/extract?num_blocks=2", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
}

func TestHandleMintsNewReturns200(t *testing.T) {
	srv, _ := newTestServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		switch method {
		case "getSlot":
			return 500, nil
		case "getBlock":
			return solanarpc.Block{}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	})

	req := httptest.NewRequest(http.MethodGet, "/mints/new", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRPCNodesReturns200(t *testing.T) {
	srv, _ := newTestServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		if method == "getClusterNodes" {
			return []solanarpc.ClusterNode{{Pubkey: "abc"}}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	})

	req := httptest.NewRequest(http.MethodGet, "/solana/network/rpc-nodes", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePerformanceMetricsReturns200(t *testing.T) {
	srv, _ := newTestServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		if method == "getRecentPerformanceSamples" {
			return []solanarpc.PerformanceSample{{NumTransactions: 60, SamplePeriodSecs: 60}}, nil
		}
		return nil, &solanarpc.WireError{Code: -1, Message: "unexpected"}
	})

	req := httptest.NewRequest(http.MethodGet, "/solana/performance/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
