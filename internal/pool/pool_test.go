package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soleco-io/solana-gateway/internal/rpcerrors"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env solanarpc.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		resp := solanarpc.RawResponse{JSONRPC: "2.0", ID: env.ID}
		switch env.Method {
		case "getVersion":
			raw, _ := json.Marshal(solanarpc.VersionInfo{SolanaCore: "1.18.0", FeatureSet: 1})
			resp.Result = raw
		default:
			raw, _ := json.Marshal(uint64(1))
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestInitializeDedupesAndFilters(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	p := New(sslpolicy.New(), 10, 5)
	err := p.Initialize(context.Background(), []string{srv.URL, srv.URL, "not-a-url", "ftp://bad.example"})
	require.NoError(t, err)
	require.Len(t, p.Stats(), 1)
}

func TestInitializeFailsWithZeroClients(t *testing.T) {
	p := New(sslpolicy.New(), 10, 5)
	err := p.Initialize(context.Background(), []string{"not-a-url"})
	var noClients *rpcerrors.NoClientsAvailable
	require.ErrorAs(t, err, &noClients)
}

func TestAcquireReleaseTracksFailures(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	p := New(sslpolicy.New(), 10, 2)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, srv.URL, lease.Endpoint)
	lease.Release(false, false)
	lease.Release(false, false) // second call is a no-op

	stats := p.Stats()
	require.Equal(t, 1, stats[srv.URL].FailureCount)
}

func TestReleaseRateLimitedSetsCooldown(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	p := New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(false, true)

	p.mu.Lock()
	until, ok := p.rateLimitedUntil[srv.URL]
	p.mu.Unlock()
	require.True(t, ok)
	require.True(t, until.After(time.Now()))
}

func TestCheckEndpointHealthSucceeds(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	p := New(sslpolicy.New(), 10, 5)
	require.NoError(t, p.Initialize(context.Background(), []string{srv.URL}))
	require.True(t, p.CheckEndpointHealth(context.Background(), srv.URL))
}

func TestFilteredStatsExcludesHeliusAndAPIKeys(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	p := New(sslpolicy.New(), 10, 5)
	endpoints := []string{srv.URL, "https://mainnet.helius-rpc.com/?api-key=abc"}
	require.NoError(t, p.Initialize(context.Background(), endpoints))

	filtered := p.FilteredStats()
	_, heliusPresent := filtered["https://mainnet.helius-rpc.com/?api-key=abc"]
	require.False(t, heliusPresent)
}
