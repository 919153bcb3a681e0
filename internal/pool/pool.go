// Package pool implements the connection pool (C4): a registry of
// rpcclient.Client instances keyed by endpoint URL, with performance
// scoring, acquire/release failure tracking, and endpoint rotation.
// Grounded on PayRpc's BulletproofConnectionManager (a mutex-guarded
// registry of named connections with health stats) and the teacher's
// ethclient.DialContext reuse pattern, generalized from one Ethereum
// connection to many Solana RPC endpoints.
package pool

import (
	"context"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/sync/errgroup"

	"github.com/soleco-io/solana-gateway/internal/config"
	"github.com/soleco-io/solana-gateway/internal/logging"
	"github.com/soleco-io/solana-gateway/internal/metrics"
	"github.com/soleco-io/solana-gateway/internal/rpcclient"
	"github.com/soleco-io/solana-gateway/internal/rpcerrors"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
)

const (
	defaultPoolSize               = 10
	defaultMaxConsecutiveFailures = 5
	minAttemptsForSuccessRateCull = 10
	successRateCullThreshold      = 0.5
	topNCandidates                = 3
	latencyEMAWeight              = 0.3
)

// HealthTransition is broadcast on the pool's event feed on an endpoint's
// first recorded outcome and whenever it crosses the healthy/unhealthy
// boundary, additive instrumentation beyond spec.md's own tracked state.
type HealthTransition struct {
	Endpoint string
	Healthy  bool
	At       time.Time
}

// EndpointStats is the per-endpoint statistics record of spec §3.
type EndpointStats struct {
	SuccessCount      int
	FailureCount      int
	RateLimitedCount  int
	AvgLatency        time.Duration
	CurrentFailures   int
	LastRateLimited   time.Time
	lastHealthy       bool
	healthKnown       bool
}

// SuccessRate returns success/(success+failure), or 1.0 with no attempts.
func (s EndpointStats) SuccessRate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(s.SuccessCount) / float64(total)
}

// Attempts is the total number of completed requests recorded.
func (s EndpointStats) Attempts() int { return s.SuccessCount + s.FailureCount }

type pooledClient struct {
	client              *rpcclient.Client
	consecutiveFailures int
}

// Pool is the connection pool of spec §4.4. All mutations of its maps and
// cursor serialize through mu, matching the single pool-wide mutex spec §3
// requires.
type Pool struct {
	mu                     sync.Mutex
	clients                map[string]*pooledClient
	stats                  map[string]*EndpointStats
	rateLimitedUntil       map[string]time.Time
	currentIndex           int
	poolSize               int
	maxConsecutiveFailures int

	ssl    *sslpolicy.Policy
	health event.Feed
}

// New constructs an empty Pool. Call Initialize before acquiring clients.
func New(ssl *sslpolicy.Policy, poolSize, maxConsecutiveFailures int) *Pool {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	return &Pool{
		clients:                make(map[string]*pooledClient),
		stats:                  make(map[string]*EndpointStats),
		rateLimitedUntil:       make(map[string]time.Time),
		poolSize:               poolSize,
		maxConsecutiveFailures: maxConsecutiveFailures,
		ssl:                    ssl,
	}
}

// SubscribeHealth registers ch to receive HealthTransition events.
func (p *Pool) SubscribeHealth(ch chan<- HealthTransition) event.Subscription {
	return p.health.Subscribe(ch)
}

// Initialize dedupes and filters endpoints to well-formed http(s):// URLs,
// connects a Client for each candidate concurrently, registers the first
// poolSize that connected (in candidate order), and fails if zero clients
// connect.
func (p *Pool) Initialize(ctx context.Context, endpoints []string) error {
	seen := make(map[string]struct{}, len(endpoints))
	var candidates []string
	for _, e := range endpoints {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		u, err := url.Parse(e)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		candidates = append(candidates, e)
	}

	// Connect candidates concurrently (bounded) since each connect is an
	// independent socket/TLS handshake; a single slow or unreachable
	// endpoint must not serialize startup behind it.
	type connected struct {
		endpoint string
		client   *rpcclient.Client
	}
	results := make([]connected, len(candidates))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i, endpoint := range candidates {
		i, endpoint := i, endpoint
		group.Go(func() error {
			client := rpcclient.New(endpoint, rpcclient.WithSSLPolicy(p.ssl))
			if err := client.Connect(groupCtx); err != nil {
				logging.Get().Warnw("endpoint connect failed", "endpoint", endpoint, "error", err)
				return nil
			}
			results[i] = connected{endpoint: endpoint, client: client}
			return nil
		})
	}
	_ = group.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	successCount := 0
	for _, r := range results {
		if successCount >= p.poolSize {
			break
		}
		if r.client == nil {
			continue
		}
		p.clients[r.endpoint] = &pooledClient{client: r.client}
		p.stats[r.endpoint] = &EndpointStats{}
		successCount++
	}

	if successCount == 0 {
		return &rpcerrors.NoClientsAvailable{Reason: "no candidate endpoint connected during initialization"}
	}
	return nil
}

// Lease is an acquired Client plus the bookkeeping Release needs to record
// outcome statistics, the Go analogue of spec §4.4's async context manager.
type Lease struct {
	pool      *Pool
	Client    *rpcclient.Client
	Endpoint  string
	acquiredAt time.Time
	released  bool
}

// Release records the call outcome against the pool's statistics. Safe to
// call at most once; subsequent calls are no-ops, matching idempotent
// release semantics elsewhere in the gateway.
func (l *Lease) Release(success bool, rateLimited bool) {
	if l.released {
		return
	}
	l.released = true
	l.pool.release(l.Endpoint, success, time.Since(l.acquiredAt), rateLimited)
}

// Acquire selects a Client per the scoring policy of spec §4.4 and returns
// a Lease. Callers must call Lease.Release exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	endpoint, client, err := p.getClient()
	if err != nil {
		return nil, err
	}
	return &Lease{pool: p, Client: client, Endpoint: endpoint, acquiredAt: time.Now()}, nil
}

// getClient implements get_client: filter to healthy, non-cooled-down,
// non-culled endpoints; sort by current failures; return one of the top
// three uniformly at random. Falls back to any client if the filtered set
// is empty.
func (p *Pool) getClient() (string, *rpcclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.clients) == 0 {
		return "", nil, &rpcerrors.NoClientsAvailable{Reason: "pool has no registered clients"}
	}

	now := time.Now()
	type candidate struct {
		endpoint string
		failures int
	}
	var eligible []candidate
	for endpoint, pc := range p.clients {
		if until, ok := p.rateLimitedUntil[endpoint]; ok && until.After(now) {
			continue
		}
		if pc.consecutiveFailures >= p.maxConsecutiveFailures {
			continue
		}
		if st := p.stats[endpoint]; st != nil && st.Attempts() >= minAttemptsForSuccessRateCull && st.SuccessRate() < successRateCullThreshold {
			continue
		}
		eligible = append(eligible, candidate{endpoint: endpoint, failures: pc.consecutiveFailures})
	}

	if len(eligible) == 0 {
		// Fall back to whichever client map iteration yields first (its
		// order is unspecified; acceptable here: this path only triggers
		// when every endpoint is cooling down or failing, an
		// already-degraded state).
		for endpoint, pc := range p.clients {
			return endpoint, pc.client, nil
		}
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].failures < eligible[j].failures })
	top := eligible
	if len(top) > topNCandidates {
		top = top[:topNCandidates]
	}
	chosen := top[rand.Intn(len(top))]
	return chosen.endpoint, p.clients[chosen.endpoint].client, nil
}

// GetSpecificClient resolves exactly the requested endpoint, treating
// differing Helius API-key suffixes as equivalent by host match. If no
// match exists, it constructs, connects, and registers a new Client.
func (p *Pool) GetSpecificClient(ctx context.Context, endpoint string) (*rpcclient.Client, error) {
	p.mu.Lock()
	if pc, ok := p.clients[endpoint]; ok {
		p.mu.Unlock()
		return pc.client, nil
	}

	if config.IsHeliusEndpoint(endpoint) {
		requestedHost := hostOf(endpoint)
		for candidateURL, pc := range p.clients {
			if config.IsHeliusEndpoint(candidateURL) && hostOf(candidateURL) == requestedHost {
				p.mu.Unlock()
				return pc.client, nil
			}
		}
	}
	p.mu.Unlock()

	client := rpcclient.New(endpoint, rpcclient.WithSSLPolicy(p.ssl))
	if err := client.Connect(ctx); err != nil {
		return nil, &rpcerrors.Retryable{Method: "connect", Cause: err}
	}

	p.mu.Lock()
	p.clients[endpoint] = &pooledClient{client: client}
	if _, ok := p.stats[endpoint]; !ok {
		p.stats[endpoint] = &EndpointStats{}
	}
	p.mu.Unlock()
	return client, nil
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Host
}

// release implements spec §4.4 release(): cooldown on rate-limit,
// failure-counter maintenance, and EMA latency/statistics update.
func (p *Pool) release(endpoint string, success bool, latency time.Duration, rateLimited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rateLimited {
		p.rateLimitedUntil[endpoint] = time.Now().Add(jitterDuration(30*time.Second, 60*time.Second))
	}

	pc, ok := p.clients[endpoint]
	if !ok {
		return
	}
	st := p.stats[endpoint]
	if st == nil {
		st = &EndpointStats{}
		p.stats[endpoint] = st
	}

	wasHealthy := pc.consecutiveFailures < p.maxConsecutiveFailures
	if success {
		pc.consecutiveFailures = 0
		st.SuccessCount++
	} else {
		pc.consecutiveFailures++
		st.FailureCount++
		if pc.consecutiveFailures == p.maxConsecutiveFailures {
			logging.Get().Warnw("endpoint crossed max consecutive failures", "endpoint", endpoint, "failures", pc.consecutiveFailures)
		}
	}
	st.CurrentFailures = pc.consecutiveFailures
	if rateLimited {
		st.RateLimitedCount++
		st.LastRateLimited = time.Now()
	}
	if st.AvgLatency == 0 {
		st.AvgLatency = latency
	} else {
		st.AvgLatency = time.Duration(float64(st.AvgLatency)*(1-latencyEMAWeight) + float64(latency)*latencyEMAWeight)
	}

	nowHealthy := pc.consecutiveFailures < p.maxConsecutiveFailures
	if !st.healthKnown || nowHealthy != wasHealthy {
		st.healthKnown = true
		st.lastHealthy = nowHealthy
		p.health.Send(HealthTransition{Endpoint: endpoint, Healthy: nowHealthy, At: time.Now()})
	}

	filtered := "false"
	if config.IsHeliusEndpoint(endpoint) || strings.Contains(endpoint, "api-key") {
		filtered = "true"
	}
	healthyGauge := 0.0
	if nowHealthy {
		healthyGauge = 1.0
	}
	metrics.EndpointHealthy.WithLabelValues(endpoint, filtered).Set(healthyGauge)
	metrics.EndpointCurrentRate.WithLabelValues(endpoint).Set(pc.client.Limiter.CurrentRate())
}

// CheckEndpointHealth issues a short-lived getVersion probe against
// endpoint with a dedicated 5s-timeout Client that is always closed before
// returning, per spec §4.4.
func (p *Pool) CheckEndpointHealth(ctx context.Context, endpoint string) bool {
	probe := rpcclient.New(endpoint, rpcclient.WithTimeout(5*time.Second), rpcclient.WithSSLPolicy(p.ssl))
	defer probe.Close()

	if err := probe.Connect(ctx); err != nil {
		p.release(endpoint, false, 0, false)
		return false
	}

	start := time.Now()
	_, err := probe.GetVersion(ctx)
	latency := time.Since(start)

	if err == nil {
		p.release(endpoint, true, latency, false)
		return true
	}

	var rateLimit *rpcerrors.RateLimit
	if asRateLimit(err, &rateLimit) {
		p.release(endpoint, false, latency, true)
		return false
	}
	p.release(endpoint, false, latency, false)
	return false
}

func asRateLimit(err error, target **rpcerrors.RateLimit) bool {
	rl, ok := err.(*rpcerrors.RateLimit)
	if ok {
		*target = rl
	}
	return ok
}

// ScoredEndpoint is one entry of SortEndpointsByPerformance's output.
type ScoredEndpoint struct {
	Endpoint string
	Score    float64
}

// SortEndpointsByPerformance composes the preference order of spec §4.4:
// the Helius endpoint (if present) is pinned first, the remainder ordered
// by score = 100*success_rate - 10*avg_latency_seconds - 5*current_failures,
// descending.
func (p *Pool) SortEndpointsByPerformance() []ScoredEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	var helius []ScoredEndpoint
	var rest []ScoredEndpoint
	for endpoint, pc := range p.clients {
		st := p.stats[endpoint]
		score := 100*st.SuccessRate() - 10*st.AvgLatency.Seconds() - 5*float64(pc.consecutiveFailures)
		entry := ScoredEndpoint{Endpoint: endpoint, Score: score}
		if config.IsHeliusEndpoint(endpoint) {
			helius = append(helius, entry)
		} else {
			rest = append(rest, entry)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Score > rest[j].Score })
	return append(helius, rest...)
}

// UpdateEndpoints closes the existing pool and re-initializes over the union
// of newList followed by the endpoints already in the pool, duplicates
// dropped. The union is not ranked by performance: newList keeps its order
// and the prior endpoints follow in map iteration order.
func (p *Pool) UpdateEndpoints(ctx context.Context, newList []string) error {
	p.mu.Lock()
	existing := make([]string, 0, len(p.clients))
	for endpoint, pc := range p.clients {
		existing = append(existing, endpoint)
		pc.client.Close()
	}
	p.clients = make(map[string]*pooledClient)
	p.stats = make(map[string]*EndpointStats)
	p.rateLimitedUntil = make(map[string]time.Time)
	p.mu.Unlock()

	union := make(map[string]struct{})
	var ordered []string
	for _, e := range append(append([]string{}, newList...), existing...) {
		if _, ok := union[e]; ok {
			continue
		}
		union[e] = struct{}{}
		ordered = append(ordered, e)
	}
	return p.Initialize(ctx, ordered)
}

// Stats returns a read-only snapshot of every endpoint's statistics.
func (p *Pool) Stats() map[string]EndpointStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]EndpointStats, len(p.stats))
	for endpoint, st := range p.stats {
		out[endpoint] = *st
	}
	return out
}

// FilteredStats is Stats() with Helius-hosted URLs and any URL carrying an
// API-key query parameter excluded, for external-facing dashboards.
func (p *Pool) FilteredStats() map[string]EndpointStats {
	out := p.Stats()
	for endpoint := range out {
		if config.IsHeliusEndpoint(endpoint) || strings.Contains(endpoint, "api-key") {
			delete(out, endpoint)
		}
	}
	return out
}

func jitterDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Close shuts down every Client in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.clients {
		pc.client.Close()
	}
}
