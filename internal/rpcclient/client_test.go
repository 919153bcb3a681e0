package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soleco-io/solana-gateway/internal/rpcerrors"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

func jsonRPCServer(t *testing.T, handler func(method string, params []any) (any, *solanarpc.WireError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env solanarpc.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))

		result, rpcErr := handler(env.Method, env.Params)
		resp := solanarpc.RawResponse{JSONRPC: "2.0", ID: env.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestGetSlotSuccess(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		require.Equal(t, "getSlot", method)
		return uint64(123456), nil
	})
	defer srv.Close()

	client := New(srv.URL)
	defer client.Close()

	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(123456), slot)
	require.Len(t, client.RecentLatencies(), 1)
}

func TestClassifyRateLimitError(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		return nil, &solanarpc.WireError{Code: -32005, Message: "Too many requests for a specific RPC call"}
	})
	defer srv.Close()

	client := New(srv.URL)
	defer client.Close()

	_, err := client.GetSlot(context.Background())
	var rateLimit *rpcerrors.RateLimit
	require.ErrorAs(t, err, &rateLimit)
}

func TestClassifyMethodNotSupported(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		return nil, &solanarpc.WireError{Code: -32601, Message: "Method not found"}
	})
	defer srv.Close()

	client := New(srv.URL)
	defer client.Close()

	_, err := client.GetBlockHeight(context.Background())
	var notSupported *rpcerrors.MethodNotSupported
	require.ErrorAs(t, err, &notSupported)
}

func TestGetBlockSlotSkipped(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		return nil, &solanarpc.WireError{Code: -32007, Message: "Slot 42 was skipped, or missing due to ledger jump to recent snapshot"}
	})
	defer srv.Close()

	client := New(srv.URL)
	defer client.Close()

	_, err := client.GetBlock(context.Background(), 42, DefaultBlockOptions())
	var skipped *rpcerrors.SlotSkipped
	require.ErrorAs(t, err, &skipped)
	require.Equal(t, uint64(42), skipped.Slot)
}

func TestGetBlockNullResultIsSlotSkipped(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []any) (any, *solanarpc.WireError) {
		return nil, nil
	})
	defer srv.Close()

	client := New(srv.URL)
	defer client.Close()

	_, err := client.GetBlock(context.Background(), 7, DefaultBlockOptions())
	var skipped *rpcerrors.SlotSkipped
	require.ErrorAs(t, err, &skipped)
}

func TestHTTPTooManyRequestsIsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(srv.URL)
	defer client.Close()

	_, err := client.GetSlot(context.Background())
	var rateLimit *rpcerrors.RateLimit
	require.ErrorAs(t, err, &rateLimit)
}

func TestConnectIsIdempotent(t *testing.T) {
	client := New("https://example.invalid")
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestHostReturnsParsedHost(t *testing.T) {
	client := New("https://mainnet.helius-rpc.com/?api-key=abc")
	require.Equal(t, "mainnet.helius-rpc.com", client.Host())
}
