package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutThenGetRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	type payload struct{ Slot uint64 }
	require.NoError(t, c.Put(ctx, "getSlot", payload{Slot: 123}, nil, time.Minute))

	raw, ok, err := c.Get(ctx, "getSlot", nil, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	var got payload
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, uint64(123), got.Slot)
}

func TestGetMissesUnknownKey(t *testing.T) {
	c := openTestCache(t)
	_, ok, err := c.Get(context.Background(), "missing", nil, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetExpiresAfterMaxAge(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "getSlot", 1, nil, time.Hour))

	_, ok, err := c.Get(ctx, "getSlot", nil, 0) // maxAge 0: nothing is fresh enough
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutOverwritesExistingEntry(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "key", 1, nil, time.Minute))
	require.NoError(t, c.Put(ctx, "key", 2, nil, time.Minute))

	raw, ok, err := c.Get(ctx, "key", nil, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	var got int
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 2, got)
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.AppendNetworkStatus(ctx, map[string]string{"status": "healthy"}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.AppendNetworkStatus(ctx, map[string]string{"status": "degraded"}))

	rows, err := c.History(ctx, "network_status_history", time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var latest map[string]string
	require.NoError(t, json.Unmarshal(rows[0].Data, &latest))
	require.Equal(t, "degraded", latest["status"])
}

func TestAppendMintAnalyticsIndexedByBlocks(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.AppendMintAnalytics(ctx, 5, map[string]int{"new_mints": 2}))

	rows, err := c.History(ctx, "mint_analytics_history", time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
