package cache

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

func key(level uint32, x, y uint64) tile.Key {
	return tile.NewKey("roads", "EPSG:4326", level, x, y, "image/png", nil)
}

func object(k tile.Key, size int) *tile.Object {
	return tile.NewObject(k, bytes.Repeat([]byte{'x'}, size))
}

func TestLocalProviderGetPut(t *testing.T) {
	c := NewLocalProvider(1024, nil)

	_, ok := c.Get(key(0, 0, 0))
	assert.False(t, ok)

	c.Put(tile.NewObject(key(0, 0, 0), []byte("PNGDATA")))
	got, ok := c.Get(key(0, 0, 0))
	require.True(t, ok)
	assert.Equal(t, "PNGDATA", string(got.Blob))

	stats := c.Stats()
	assert.Equal(t, "local", stats.Provider)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(7), stats.Bytes)
	assert.Equal(t, int64(1024), stats.Capacity)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestLocalProviderEvictsLeastRecentlyUsed(t *testing.T) {
	const n = 4
	c := NewLocalProvider(n*10, nil)

	for i := 0; i < n; i++ {
		c.Put(object(key(1, uint64(i), 0), 10))
	}
	// Touch the oldest entry so the second one becomes the eviction candidate.
	_, ok := c.Get(key(1, 0, 0))
	require.True(t, ok)

	c.Put(object(key(1, n, 0), 10))

	_, ok = c.Get(key(1, 1, 0))
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, x := range []uint64{0, 2, 3, n} {
		_, ok := c.Get(key(1, x, 0))
		assert.True(t, ok, "entry %d", x)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestLocalProviderStaysWithinCapacity(t *testing.T) {
	c := NewLocalProvider(100, nil)

	for i := 0; i < 50; i++ {
		c.Put(object(key(2, uint64(i), 0), 7+i%13))
		assert.LessOrEqual(t, c.Stats().Bytes, int64(100))
	}
}

func TestLocalProviderSkipsOversizedPayload(t *testing.T) {
	c := NewLocalProvider(10, nil)
	c.Put(object(key(0, 0, 0), 5))
	c.Put(object(key(0, 1, 0), 11))

	_, ok := c.Get(key(0, 1, 0))
	assert.False(t, ok)
	_, ok = c.Get(key(0, 0, 0))
	assert.True(t, ok, "an uncacheable payload must not evict others")
}

func TestLocalProviderReplaceAccountsBytes(t *testing.T) {
	c := NewLocalProvider(100, nil)
	c.Put(object(key(0, 0, 0), 40))
	c.Put(object(key(0, 0, 0), 10))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(10), stats.Bytes)
}

func TestLocalProviderReturnsCopies(t *testing.T) {
	c := NewLocalProvider(100, nil)
	blob := []byte("PNGDATA")
	c.Put(tile.NewObject(key(0, 0, 0), blob))
	blob[0] = 'X'

	got, _ := c.Get(key(0, 0, 0))
	assert.Equal(t, "PNGDATA", string(got.Blob))
	got.Blob[0] = 'Y'

	again, _ := c.Get(key(0, 0, 0))
	assert.Equal(t, "PNGDATA", string(again.Blob))
}

func TestLocalProviderRemove(t *testing.T) {
	c := NewLocalProvider(100, nil)
	c.Put(object(key(0, 0, 0), 10))

	assert.True(t, c.Remove(key(0, 0, 0)))
	assert.False(t, c.Remove(key(0, 0, 0)))
	assert.Equal(t, int64(0), c.Stats().Bytes)
}

func TestLocalProviderRemoveMatching(t *testing.T) {
	c := NewLocalProvider(1000, nil)
	alt := map[string]string{"style": "alt"}
	c.Put(object(key(3, 0, 0), 10))
	c.Put(object(tile.NewKey("roads", "EPSG:4326", 3, 1, 0, "image/png", alt), 10))
	c.Put(object(key(4, 0, 0), 10))
	c.Put(object(tile.NewKey("rivers", "EPSG:4326", 3, 0, 0, "image/png", nil), 10))

	removed := c.RemoveMatching(tile.LayerPattern("roads").WithLevel(3))
	assert.Equal(t, 2, removed)

	_, ok := c.Get(key(4, 0, 0))
	assert.True(t, ok)
	_, ok = c.Get(tile.NewKey("rivers", "EPSG:4326", 3, 0, 0, "image/png", nil))
	assert.True(t, ok)
	assert.Equal(t, int64(20), c.Stats().Bytes)
}

func TestLocalProviderClear(t *testing.T) {
	c := NewLocalProvider(100, nil)
	c.Put(object(key(0, 0, 0), 10))
	c.Clear()

	stats := c.Stats()
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Bytes)
}

func TestLocalProviderConcurrentAccess(t *testing.T) {
	c := NewLocalProvider(64*10, nil)

	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			for i := 0; i < 200; i++ {
				k := key(5, uint64(i%100), uint64(w))
				c.Put(object(k, 10))
				if got, ok := c.Get(k); ok && len(got.Blob) != 10 {
					return fmt.Errorf("unexpected payload size %d", len(got.Blob))
				}
				if i%17 == 0 {
					c.RemoveMatching(tile.LayerPattern("roads").WithLevel(6))
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.LessOrEqual(t, c.Stats().Bytes, int64(640))
}

func TestLocalProviderRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewLocalProvider(10, metrics.NewPromMetrics(reg))

	c.Put(object(key(0, 0, 0), 10))
	c.Put(object(key(0, 1, 0), 10))
	c.Get(key(0, 1, 0))
	c.Get(key(0, 0, 0))

	// one hit and one miss series, one eviction series
	n, err := testutil.GatherAndCount(reg, "tilecache_provider_lookups_total", "tilecache_provider_evictions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(Config{Provider: KindLocal, MaxBytes: 1 << 20}, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), p.Stats().Capacity)

	p, err = NewProvider(Config{Provider: KindDistributed, Servers: []string{"127.0.0.1:11211"}}, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, "distributed", p.Stats().Provider)

	_, err = NewProvider(Config{Provider: "disk"}, zap.NewNop(), nil)
	assert.Error(t, err)

	_, err = NewProvider(Config{Provider: KindDistributed}, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestConfigCapacity(t *testing.T) {
	assert.Equal(t, int64(42), Config{MaxBytes: 42}.Capacity())
	assert.Equal(t, DefaultMaxBytes, Config{}.Capacity())
	assert.Greater(t, Config{MemoryFraction: 0.01}.Capacity(), int64(0))
}

func TestConfigEqual(t *testing.T) {
	a := Config{Provider: KindDistributed, Servers: []string{"a:1", "b:1"}, Replicas: 2}
	b := Config{Provider: KindDistributed, Servers: []string{"a:1", "b:1"}, Replicas: 2}
	assert.True(t, a.Equal(b))

	b.Servers = []string{"a:1"}
	assert.False(t, a.Equal(b))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Provider: KindLocal}.Validate())
	assert.Error(t, Config{Provider: KindLocal, MaxBytes: -1}.Validate())
	assert.Error(t, Config{Provider: KindLocal, MemoryFraction: 1.5}.Validate())
	assert.Error(t, Config{Provider: KindDistributed, Servers: []string{"a:1"}, Replicas: -1}.Validate())
}
