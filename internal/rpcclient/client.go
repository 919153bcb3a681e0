// Package rpcclient implements the single-endpoint JSON-RPC transport of
// spec §4.3 (C3): one Client binds to exactly one upstream endpoint, posts
// one request at a time, classifies the outcome into the rpcerrors
// taxonomy, and records per-call latency in a bounded ring buffer.
package rpcclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soleco-io/solana-gateway/internal/logging"
	"github.com/soleco-io/solana-gateway/internal/metrics"
	"github.com/soleco-io/solana-gateway/internal/ratelimiter"
	"github.com/soleco-io/solana-gateway/internal/rpcerrors"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
	"github.com/soleco-io/solana-gateway/pkg/solanarpc"
)

const maxLatencySamples = 100

// Client is a single-endpoint JSON-RPC transport, spec §3's "Client":
// one HTTP connection-reuse session bound to exactly one Endpoint, a
// bounded ring buffer of recent latencies, and its own Limiter.
type Client struct {
	Endpoint string

	timeout time.Duration
	ssl     *sslpolicy.Policy
	log     *zap.SugaredLogger

	mu        sync.Mutex
	http      *http.Client
	connected bool
	closed    bool

	Limiter *ratelimiter.Limiter

	latMu      sync.Mutex
	latencies  []time.Duration
	latencyPos int
}

// Option configures a new Client.
type Option func(*Client)

// WithTimeout overrides the default 10s overall call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithSSLPolicy attaches a shared SSL bypass policy (spec §4.1).
func WithSSLPolicy(p *sslpolicy.Policy) Option {
	return func(c *Client) { c.ssl = p }
}

// WithRateLimiterConfig overrides the limiter's adaptive-rate configuration.
func WithRateLimiterConfig(cfg ratelimiter.Config) Option {
	return func(c *Client) { c.Limiter = ratelimiter.New(cfg) }
}

// New constructs a Client for endpoint. It does not connect; call Connect
// (or let the first RPC call connect lazily) before issuing requests.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		Endpoint: endpoint,
		timeout:  10 * time.Second,
		ssl:      sslpolicy.New(),
		Limiter:  ratelimiter.New(ratelimiter.DefaultConfig()),
		log:      logging.Named("rpcclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect builds the reusable HTTP session for this endpoint. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	connectTimeout := c.timeout / 2
	if connectTimeout > 5*time.Second {
		connectTimeout = 5 * time.Second
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if c.ssl.ShouldBypass(c.Endpoint) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit per-endpoint opt-in, spec §4.1
	}

	c.http = &http.Client{Transport: transport, Timeout: c.timeout}
	c.connected = true
	return nil
}

// Close releases the underlying HTTP transport's idle connections. Safe to
// call more than once, including from a finalizer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
	return nil
}

// Host returns the parsed host of this client's endpoint, for Helius
// host-matching in the pool (spec §4.4 get_specific_client).
func (c *Client) Host() string {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}

// RecentLatencies returns a snapshot of the last (up to 100) recorded call
// latencies, oldest first.
func (c *Client) RecentLatencies() []time.Duration {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	out := make([]time.Duration, len(c.latencies))
	copy(out, c.latencies)
	return out
}

func (c *Client) recordLatency(d time.Duration) {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	if len(c.latencies) < maxLatencySamples {
		c.latencies = append(c.latencies, d)
		return
	}
	c.latencies[c.latencyPos] = d
	c.latencyPos = (c.latencyPos + 1) % maxLatencySamples
}

// Call issues a single JSON-RPC call and decodes its result into a
// solanarpc.RawResponse. It is the sole call site every method wrapper in
// methods.go funnels through (spec §4.3).
func (c *Client) Call(ctx context.Context, method string, params []any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	envelope := solanarpc.Envelope{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, &rpcerrors.ValidationError{Field: "params", Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &rpcerrors.Retryable{Method: method, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	c.recordLatency(latency)
	metrics.RPCCallDuration.WithLabelValues(method).Observe(latency.Seconds())
	metrics.RPCCallsTotal.WithLabelValues(method, c.Endpoint).Inc()

	if err != nil {
		classified := c.classifyTransportError(method, err)
		c.updateLimiterForError(classified)
		return nil, classified
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		classified := &rpcerrors.Retryable{Method: method, Cause: err}
		c.Limiter.Update(false, false)
		return nil, classified
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wrapped := &rpcerrors.RateLimit{Method: method, Cause: fmt.Errorf("http %d", resp.StatusCode)}
		c.Limiter.Update(false, true)
		return nil, wrapped
	}
	if resp.StatusCode >= 400 {
		wrapped := &rpcerrors.Retryable{Method: method, Cause: fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))}
		c.Limiter.Update(false, false)
		return nil, wrapped
	}

	var decoded solanarpc.RawResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		wrapped := &rpcerrors.Retryable{Method: method, Cause: fmt.Errorf("decode response: %w", err)}
		c.Limiter.Update(false, false)
		return nil, wrapped
	}

	if decoded.Error != nil {
		classified := c.classifyRPCError(method, params, decoded.Error)
		rateLimited := false
		if _, ok := classified.(*rpcerrors.RateLimit); ok {
			rateLimited = true
		}
		if _, ok := classified.(*rpcerrors.MethodNotSupported); !ok {
			// endpoint-local MethodNotSupported is not a health signal for
			// this endpoint's general reliability; everything else is.
			c.Limiter.Update(false, rateLimited)
		}
		return nil, classified
	}

	c.Limiter.Update(true, false)
	return decoded.Result, nil
}

func (c *Client) classifyTransportError(method string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "context canceled") {
		return &rpcerrors.Retryable{Method: method, Cause: err}
	}
	return &rpcerrors.Retryable{Method: method, Cause: err}
}

// classifyRPCError implements the taxonomy translation of spec §4.3 step 4.
func (c *Client) classifyRPCError(method string, params []any, wireErr *solanarpc.WireError) error {
	msg := strings.ToLower(wireErr.Message)

	switch {
	case wireErr.Code == -32005 || strings.Contains(msg, "rate limit"):
		return &rpcerrors.RateLimit{Method: method, Cause: &rpcerrors.JSONRPCError{Code: wireErr.Code, Message: wireErr.Message}}
	case wireErr.Code == -32601 || strings.Contains(msg, "method not found"):
		return &rpcerrors.MethodNotSupported{Method: method, Cause: &rpcerrors.JSONRPCError{Code: wireErr.Code, Message: wireErr.Message}}
	case method == "getBlock" && (strings.Contains(msg, "slot skipped") || strings.Contains(msg, "block not available") || strings.Contains(msg, "was skipped")):
		return &rpcerrors.SlotSkipped{Slot: slotFromParams(params), Cause: &rpcerrors.JSONRPCError{Code: wireErr.Code, Message: wireErr.Message}}
	case wireErr.Code == -32603 || wireErr.Code == -32002 || strings.Contains(msg, "internal error"):
		return &rpcerrors.Retryable{Method: method, Cause: &rpcerrors.JSONRPCError{Code: wireErr.Code, Message: wireErr.Message}}
	default:
		return &rpcerrors.RPCError{Method: method, Code: wireErr.Code, Message: wireErr.Message}
	}
}

// slotFromParams extracts the leading uint64 slot argument getBlock and
// similar slot-keyed methods always pass as params[0].
func slotFromParams(params []any) uint64 {
	if len(params) == 0 {
		return 0
	}
	switch v := params[0].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	default:
		return 0
	}
}

func (c *Client) updateLimiterForError(err error) {
	rateLimited := false
	if _, ok := err.(*rpcerrors.RateLimit); ok {
		rateLimited = true
	}
	c.Limiter.Update(false, rateLimited)
}
