// Package cache implements the response cache (C7): a TTL-keyed key-value
// store plus append-only history tables, backed by an embedded sqlite
// database in WAL mode. Grounded on the teacher's geth-17-indexer lesson
// (`sql.Open("sqlite", path)`, `CREATE TABLE IF NOT EXISTS`, plain
// `database/sql` calls) generalized from one transfers table to the
// cache+history schema of spec §6.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/soleco-io/solana-gateway/internal/metrics"
)

// TTL is the named table of default time-to-live values from spec §6,
// seconds.
var TTL = map[string]time.Duration{
	"MARKET_OVERVIEW":      600 * time.Second,
	"SOL_PRICE":            600 * time.Second,
	"LATEST_TOKENS":        900 * time.Second,
	"TOKEN_DETAILS":        1800 * time.Second,
	"LATEST_TRADES":        600 * time.Second,
	"TOP_PERFORMERS":       900 * time.Second,
	"KING_OF_THE_HILL":     900 * time.Second,
	"SEARCH_TOKENS":        900 * time.Second,
	"TOKEN_PRICE_CHART":    900 * time.Second,
	"TOKEN_HOLDERS":        3600 * time.Second,
	"TOKEN_SOCIAL_METRICS": 1800 * time.Second,
	"NETWORK_STATUS":       300 * time.Second,
	"PERFORMANCE_METRICS":  180 * time.Second,
	"RPC_NODES":            600 * time.Second,
	"TOKEN_INFO":           900 * time.Second,
	"SYSTEM_RESOURCES":     3600 * time.Second,
	"RECENT_BLOCKS":        180 * time.Second,
	"VALIDATOR_INFO":       1800 * time.Second,
	"EPOCH_INFO":           600 * time.Second,
	"VOTE_ACCOUNTS":        600 * time.Second,
	"DEFAULT":              300 * time.Second,
	"SHORT":                60 * time.Second,
	"LONG":                 1800 * time.Second,
	"VERY_LONG":            3600 * time.Second,
}

const historyTables = `
CREATE TABLE IF NOT EXISTS cache (
	key       TEXT PRIMARY KEY,
	data      TEXT NOT NULL,
	params    TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	ttl       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS network_status_history (
	timestamp TEXT NOT NULL,
	data      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS mint_analytics_history (
	timestamp TEXT NOT NULL,
	blocks    INTEGER NOT NULL,
	data      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pump_tokens_history (
	timestamp TEXT NOT NULL,
	data      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rpc_nodes_history (
	timestamp TEXT NOT NULL,
	data      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS performance_metrics_history (
	timestamp TEXT NOT NULL,
	data      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS token_performance_history (
	timestamp   TEXT NOT NULL,
	sort_metric TEXT NOT NULL,
	data        TEXT NOT NULL
);
`

// Cache is the embedded sqlite-backed response cache.
type Cache struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path in
// WAL mode with synchronous=NORMAL, and ensures its schema.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set synchronous: %w", err)
	}
	if _, err := db.Exec(historyTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

func canonicalKey(key string, params any) (string, string, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", "", fmt.Errorf("cache: marshal params: %w", err)
	}
	return fmt.Sprintf("%s:%s", key, paramsJSON), string(paramsJSON), nil
}

// Get returns the stored payload for (key, params) if it was written no
// more than maxAge ago; otherwise it returns ok=false. A negative maxAge
// falls back to the entry's own stored ttl. A cache hit is never an
// authoritative answer — callers must still treat a miss as "unknown,
// fetch upstream".
func (c *Cache) Get(ctx context.Context, key string, params any, maxAge time.Duration) (json.RawMessage, bool, error) {
	compositeKey, _, err := canonicalKey(key, params)
	if err != nil {
		return nil, false, err
	}

	var data, timestampStr string
	var ttlSeconds int64
	row := c.db.QueryRowContext(ctx, `SELECT data, timestamp, ttl FROM cache WHERE key = ?`, compositeKey)
	if err := row.Scan(&data, &timestampStr, &ttlSeconds); err != nil {
		if err == sql.ErrNoRows {
			metrics.CacheHits.WithLabelValues("miss").Inc()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}

	timestamp, err := time.Parse(time.RFC3339, timestampStr)
	if err != nil {
		return nil, false, fmt.Errorf("cache: parse timestamp: %w", err)
	}

	effectiveMaxAge := maxAge
	if effectiveMaxAge < 0 {
		effectiveMaxAge = time.Duration(ttlSeconds) * time.Second
	}
	if time.Since(timestamp) > effectiveMaxAge {
		metrics.CacheHits.WithLabelValues("miss").Inc()
		return nil, false, nil
	}

	metrics.CacheHits.WithLabelValues("hit").Inc()
	return json.RawMessage(data), true, nil
}

// Put upserts (key, params) → payload with ttl, overwriting any prior
// entry atomically.
func (c *Cache) Put(ctx context.Context, key string, payload any, params any, ttl time.Duration) error {
	compositeKey, paramsJSON, err := canonicalKey(key, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal payload: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache (key, data, params, timestamp, ttl) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, params = excluded.params,
			timestamp = excluded.timestamp, ttl = excluded.ttl`,
		compositeKey, string(data), paramsJSON, time.Now().UTC().Format(time.RFC3339), int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}
	return nil
}

// AppendNetworkStatus appends one network-status history row.
func (c *Cache) AppendNetworkStatus(ctx context.Context, payload any) error {
	return c.appendSimple(ctx, "network_status_history", payload)
}

// AppendMintAnalytics appends one mint-analytics history row, indexed by
// the number of blocks the scan covered.
func (c *Cache) AppendMintAnalytics(ctx context.Context, blocks int, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal mint analytics: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO mint_analytics_history (timestamp, blocks, data) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), blocks, string(data))
	if err != nil {
		return fmt.Errorf("cache: append mint analytics: %w", err)
	}
	return nil
}

// AppendPumpTokens appends one pump-token observation history row.
func (c *Cache) AppendPumpTokens(ctx context.Context, payload any) error {
	return c.appendSimple(ctx, "pump_tokens_history", payload)
}

// AppendRPCNodes appends one rpc-nodes snapshot history row.
func (c *Cache) AppendRPCNodes(ctx context.Context, payload any) error {
	return c.appendSimple(ctx, "rpc_nodes_history", payload)
}

// AppendPerformanceMetrics appends one performance-metrics history row.
func (c *Cache) AppendPerformanceMetrics(ctx context.Context, payload any) error {
	return c.appendSimple(ctx, "performance_metrics_history", payload)
}

// AppendTokenPerformance appends one token-performance history row, indexed
// by the sort metric the snapshot was ranked by.
func (c *Cache) AppendTokenPerformance(ctx context.Context, sortMetric string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal token performance: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO token_performance_history (timestamp, sort_metric, data) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), sortMetric, string(data))
	if err != nil {
		return fmt.Errorf("cache: append token performance: %w", err)
	}
	return nil
}

func (c *Cache) appendSimple(ctx context.Context, table string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal %s payload: %w", table, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (timestamp, data) VALUES (?, ?)`, table)
	if _, err := c.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339), string(data)); err != nil {
		return fmt.Errorf("cache: append %s: %w", table, err)
	}
	return nil
}

// HistoryRow is one generic row returned by a history time-window query.
type HistoryRow struct {
	Timestamp time.Time
	Data      json.RawMessage
}

// History reads rows from table written within window, newest first,
// capped at limit (default window 24h, default limit 24 per spec §4.7).
func (c *Cache) History(ctx context.Context, table string, window time.Duration, limit int) ([]HistoryRow, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 24
	}
	since := time.Now().Add(-window).UTC().Format(time.RFC3339)

	query := fmt.Sprintf(`SELECT timestamp, data FROM %s WHERE timestamp >= ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`, table)
	rows, err := c.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("cache: history %s: %w", table, err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var timestampStr, data string
		if err := rows.Scan(&timestampStr, &data); err != nil {
			return nil, fmt.Errorf("cache: scan history %s: %w", table, err)
		}
		timestamp, err := time.Parse(time.RFC3339, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("cache: parse history timestamp: %w", err)
		}
		out = append(out, HistoryRow{Timestamp: timestamp, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate history %s: %w", table, err)
	}
	return out, nil
}
