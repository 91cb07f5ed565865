package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

// fakeMemcache is an in-memory memcached member.
type fakeMemcache struct {
	mu    sync.Mutex
	items map[string][]byte
	down  bool
}

func newFakeMemcache() *fakeMemcache {
	return &fakeMemcache{items: make(map[string][]byte)}
}

var errDown = errors.New("connection refused")

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errDown
	}
	v, ok := f.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: append([]byte(nil), v...)}, nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	f.items[item.Key] = append([]byte(nil), item.Value...)
	return nil
}

func (f *fakeMemcache) Add(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	if _, ok := f.items[item.Key]; ok {
		return memcache.ErrNotStored
	}
	f.items[item.Key] = append([]byte(nil), item.Value...)
	return nil
}

func (f *fakeMemcache) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	if _, ok := f.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.items, key)
	return nil
}

func (f *fakeMemcache) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeMemcache) corruptTiles() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.items {
		if strings.HasPrefix(k, "tile:") && len(v) > headerSize {
			v[len(v)-1] ^= 0xff
			f.items[k] = v
		}
	}
}

func newTestCluster(size, replicas int) (*DistributedProvider, []*fakeMemcache) {
	fakes := make([]*fakeMemcache, size)
	nodes := make([]node, size)
	for i := range fakes {
		fakes[i] = newFakeMemcache()
		nodes[i] = node{addr: fmt.Sprintf("mc%d:11211", i), client: fakes[i]}
	}
	return newDistributedProvider(nodes, replicas, 0, zap.NewNop(), nil), fakes
}

func TestDistributedProviderRoundTrip(t *testing.T) {
	d, _ := newTestCluster(3, 2)
	k := key(2, 3, 5)

	_, ok := d.Get(k)
	assert.False(t, ok)

	obj := tile.NewObject(k, []byte("PNGDATA"))
	d.Put(obj)

	got, ok := d.Get(k)
	require.True(t, ok)
	assert.Equal(t, "PNGDATA", string(got.Blob))
	assert.True(t, got.Key.Equal(k))
	assert.Equal(t, obj.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestDistributedProviderSurvivesReplicaLoss(t *testing.T) {
	d, fakes := newTestCluster(3, 2)
	k := key(4, 1, 1)
	d.Put(tile.NewObject(k, []byte("PNGDATA")))

	ik, err := d.itemKey(k)
	require.NoError(t, err)
	primary := d.owners(ik)[0]
	for i, f := range fakes {
		if fmt.Sprintf("mc%d:11211", i) == primary.addr {
			f.setDown(true)
		}
	}

	got, ok := d.Get(k)
	require.True(t, ok)
	assert.Equal(t, "PNGDATA", string(got.Blob))
}

func TestDistributedProviderOwnersAreStable(t *testing.T) {
	d, _ := newTestCluster(5, 3)

	first := d.owners("tile:abc")
	second := d.owners("tile:abc")
	require.Len(t, first, 3)
	assert.Equal(t, first, second)

	seen := map[string]bool{}
	for _, n := range first {
		assert.False(t, seen[n.addr], "replicas must be distinct")
		seen[n.addr] = true
	}
}

func TestDistributedProviderReplicasCappedByClusterSize(t *testing.T) {
	d, _ := newTestCluster(1, 3)
	assert.Len(t, d.owners("k"), 1)
}

func TestDistributedProviderCorruptValueIsMiss(t *testing.T) {
	d, fakes := newTestCluster(2, 2)
	k := key(1, 0, 0)
	d.Put(tile.NewObject(k, []byte("PNGDATA")))

	for _, f := range fakes {
		f.corruptTiles()
	}

	_, ok := d.Get(k)
	assert.False(t, ok)
}

func TestDistributedProviderSkipsOversizedItems(t *testing.T) {
	fake := newFakeMemcache()
	d := newDistributedProvider([]node{{addr: "mc0:11211", client: fake}}, 1, 64, zap.NewNop(), nil)

	d.Put(object(key(0, 0, 0), 100))
	_, ok := d.Get(key(0, 0, 0))
	assert.False(t, ok)

	d.Put(object(key(0, 0, 0), 10))
	_, ok = d.Get(key(0, 0, 0))
	assert.True(t, ok)
}

func TestDistributedProviderRemove(t *testing.T) {
	d, _ := newTestCluster(3, 2)
	k := key(1, 1, 1)
	d.Put(tile.NewObject(k, []byte("x")))

	assert.True(t, d.Remove(k))
	assert.False(t, d.Remove(k))
	_, ok := d.Get(k)
	assert.False(t, ok)
}

func TestDistributedProviderRemoveMatchingInvalidatesLayer(t *testing.T) {
	d, _ := newTestCluster(3, 2)
	roads := key(3, 0, 0)
	rivers := tile.NewKey("rivers", "EPSG:4326", 3, 0, 0, "image/png", nil)
	d.Put(tile.NewObject(roads, []byte("roads")))
	d.Put(tile.NewObject(rivers, []byte("rivers")))

	d.RemoveMatching(tile.LayerPattern("roads").WithLevel(3))

	_, ok := d.Get(roads)
	assert.False(t, ok)
	got, ok := d.Get(rivers)
	require.True(t, ok)
	assert.Equal(t, "rivers", string(got.Blob))

	d.Put(tile.NewObject(roads, []byte("roads again")))
	got, ok = d.Get(roads)
	require.True(t, ok)
	assert.Equal(t, "roads again", string(got.Blob))
}

func TestDistributedProviderClear(t *testing.T) {
	d, _ := newTestCluster(3, 2)
	d.Put(tile.NewObject(key(0, 0, 0), []byte("a")))
	d.Put(tile.NewObject(tile.NewKey("rivers", "EPSG:4326", 0, 0, 0, "image/png", nil), []byte("b")))

	d.Clear()

	_, ok := d.Get(key(0, 0, 0))
	assert.False(t, ok)
	_, ok = d.Get(tile.NewKey("rivers", "EPSG:4326", 0, 0, 0, "image/png", nil))
	assert.False(t, ok)
}

func TestDistributedProviderUnavailableClusterIsMiss(t *testing.T) {
	d, fakes := newTestCluster(2, 2)
	for _, f := range fakes {
		f.setDown(true)
	}

	d.Put(tile.NewObject(key(0, 0, 0), []byte("a")))
	_, ok := d.Get(key(0, 0, 0))
	assert.False(t, ok)
	assert.False(t, d.Remove(key(0, 0, 0)))
}

func TestDecodeValueRejectsShortInput(t *testing.T) {
	_, err := decodeValue(key(0, 0, 0), []byte{1, 2, 3})
	assert.ErrorIs(t, err, errCorruptValue)
}
