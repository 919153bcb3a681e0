package retry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soleco-io/solana-gateway/internal/pool"
	"github.com/soleco-io/solana-gateway/internal/rpcclient"
	"github.com/soleco-io/solana-gateway/internal/rpcerrors"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

func rpcServer(t *testing.T, handler func(attempt int32) (any, *solanarpc.WireError)) (*httptest.Server, *int32) {
	t.Helper()
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		var env solanarpc.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		result, rpcErr := handler(n)
		resp := solanarpc.RawResponse{JSONRPC: "2.0", ID: env.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, _ := json.Marshal(result)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	return srv, &attempts
}

func TestCallSucceedsFirstAttempt(t *testing.T) {
	srv, _ := rpcServer(t, func(attempt int32) (any, *solanarpc.WireError) {
		return uint64(99), nil
	})
	defer srv.Close()

	p := pool.New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))
	d := New(p, sslpolicy.New())

	result, err := Call(context.Background(), d, "getSlot", DefaultOptions(), nil, func(ctx context.Context, c *rpcclient.Client) (uint64, error) {
		return c.GetSlot(ctx)
	})
	require.NoError(t, err)
	require.Equal(t, uint64(99), result)
}

func TestCallRetriesOnRetryableThenSucceeds(t *testing.T) {
	srv, _ := rpcServer(t, func(attempt int32) (any, *solanarpc.WireError) {
		if attempt < 2 {
			return nil, &solanarpc.WireError{Code: -32603, Message: "internal error"}
		}
		return uint64(7), nil
	})
	defer srv.Close()

	p := pool.New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))
	d := New(p, sslpolicy.New())

	opts := DefaultOptions()
	opts.RetryDelay = time.Millisecond
	result, err := Call(context.Background(), d, "getSlot", opts, nil, func(ctx context.Context, c *rpcclient.Client) (uint64, error) {
		return c.GetSlot(ctx)
	})
	require.NoError(t, err)
	require.Equal(t, uint64(7), result)
}

func TestCallValidatorRejectsEmptyResult(t *testing.T) {
	srv, _ := rpcServer(t, func(attempt int32) (any, *solanarpc.WireError) {
		return []solanarpc.ClusterNode{}, nil
	})
	defer srv.Close()

	p := pool.New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))
	d := New(p, sslpolicy.New())

	opts := DefaultOptions()
	opts.MaxRetries = 1
	opts.RetryDelay = time.Millisecond
	nonEmpty := func(result any) bool {
		nodes, ok := result.([]solanarpc.ClusterNode)
		return ok && len(nodes) > 0
	}

	_, err := Call(context.Background(), d, "getClusterNodes", opts, nonEmpty, func(ctx context.Context, c *rpcclient.Client) ([]solanarpc.ClusterNode, error) {
		return c.GetClusterNodes(ctx)
	})
	require.Error(t, err)
}

func TestCallExhaustsAndReturnsRPCError(t *testing.T) {
	srv, _ := rpcServer(t, func(attempt int32) (any, *solanarpc.WireError) {
		return nil, &solanarpc.WireError{Code: -32603, Message: "internal error"}
	})
	defer srv.Close()

	p := pool.New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))
	d := New(p, sslpolicy.New())

	opts := DefaultOptions()
	opts.MaxRetries = 2
	opts.RetryDelay = time.Millisecond
	_, err := Call(context.Background(), d, "getSlot", opts, nil, func(ctx context.Context, c *rpcclient.Client) (uint64, error) {
		return c.GetSlot(ctx)
	})
	require.Error(t, err)

	var rpcErr *rpcerrors.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.NotNil(t, rpcErr.Diagnostics)
	require.Equal(t, opts.MaxRetries+1, rpcErr.Diagnostics.Attempts)
	require.NotEmpty(t, rpcErr.Diagnostics.AttemptedEndpoints)
	require.Contains(t, rpcErr.Diagnostics.EndpointErrors, srv.URL)
}
