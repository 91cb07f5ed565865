package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilecache/internal/blobstore"
	"tilecache/internal/cache"
	"tilecache/internal/tile"
)

var styleDefault = map[string]string{"style": "default"}

func roadsKey(level uint32, x, y uint64, params map[string]string) tile.Key {
	return tile.NewKey("roads", "EPSG:4326", level, x, y, "image/png", params)
}

// countingStore wraps a memory store and counts calls.
type countingStore struct {
	*blobstore.MemoryStore
	gets    atomic.Int32
	failGet error
	failPut error

	// afterGet runs between reading an object and returning it, beforeDelete
	// before any delete touches the map.
	afterGet     func()
	beforeDelete func()
}

func (c *countingStore) Get(ctx context.Context, key tile.Key) (*tile.Object, error) {
	c.gets.Add(1)
	if c.failGet != nil {
		return nil, c.failGet
	}
	obj, err := c.MemoryStore.Get(ctx, key)
	if c.afterGet != nil {
		c.afterGet()
	}
	return obj, err
}

func (c *countingStore) Delete(ctx context.Context, key tile.Key) (bool, error) {
	if c.beforeDelete != nil {
		c.beforeDelete()
	}
	return c.MemoryStore.Delete(ctx, key)
}

func (c *countingStore) DeleteMatching(ctx context.Context, p tile.Pattern) (bool, error) {
	if c.beforeDelete != nil {
		c.beforeDelete()
	}
	return c.MemoryStore.DeleteMatching(ctx, p)
}

func (c *countingStore) Put(ctx context.Context, obj *tile.Object) error {
	if c.failPut != nil {
		return c.failPut
	}
	return c.MemoryStore.Put(ctx, obj)
}

type fixture struct {
	backends  map[blobstore.Kind]*countingStore
	opened    int
	providers int
}

func newFixture() *fixture {
	return &fixture{backends: map[blobstore.Kind]*countingStore{}}
}

func (f *fixture) options() []Option {
	return []Option{
		WithBackendFactory(func(_ context.Context, cfg Configuration) (blobstore.Store, error) {
			f.opened++
			if cfg.Backend == blobstore.KindDiscard {
				return blobstore.NewDiscardStore(), nil
			}
			b := &countingStore{MemoryStore: blobstore.NewMemoryStore()}
			f.backends[cfg.Backend] = b
			return b, nil
		}),
		WithProviderFactory(func(cfg cache.Config) (cache.Provider, error) {
			f.providers++
			return cache.NewLocalProvider(cfg.Capacity(), nil), nil
		}),
	}
}

func persistedWithCache() Configuration {
	return Configuration{
		Backend:      blobstore.KindFile,
		FileDir:      "/tiles",
		CacheEnabled: true,
		Cache:        cache.Config{Provider: cache.KindLocal, MaxBytes: 1 << 20},
	}
}

func newStore(t *testing.T, f *fixture, cfg Configuration) *ConfigurableStore {
	s, err := New(context.Background(), cfg, zap.NewNop(), nil, f.options()...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newFixture(), persistedWithCache())

	require.NoError(t, s.Put(ctx, tile.NewObject(roadsKey(2, 3, 5, styleDefault), []byte("PNGDATA"))))

	got, err := s.Get(ctx, roadsKey(2, 3, 5, map[string]string{"style": "default"}))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PNGDATA", string(got.Blob))

	got, err = s.Get(ctx, roadsKey(2, 3, 5, map[string]string{"style": "alt"}))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadThroughPopulatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	backend := f.backends[blobstore.KindFile]

	key := roadsKey(1, 0, 0, nil)
	require.NoError(t, backend.MemoryStore.Put(ctx, tile.NewObject(key, []byte("x"))))

	first, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int32(1), backend.gets.Load())

	second, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, int32(1), backend.gets.Load(), "second read must be served by the cache")
}

func TestWithoutCacheEveryReadHitsBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	cfg := persistedWithCache()
	cfg.CacheEnabled = false
	s := newStore(t, f, cfg)
	assert.Equal(t, StatePersisted, s.State())

	key := roadsKey(1, 0, 0, nil)
	require.NoError(t, s.Put(ctx, tile.NewObject(key, []byte("x"))))
	s.Get(ctx, key)
	s.Get(ctx, key)
	assert.Equal(t, int32(2), f.backends[blobstore.KindFile].gets.Load())
}

func TestDeletePropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	key := roadsKey(2, 1, 1, nil)

	require.NoError(t, s.Put(ctx, tile.NewObject(key, []byte("x"))))
	_, err := s.Get(ctx, key)
	require.NoError(t, err)

	removed, err := s.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := f.backends[blobstore.KindFile].MemoryStore.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestDeleteMatchingPropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())

	for x := uint64(0); x < 3; x++ {
		require.NoError(t, s.Put(ctx, tile.NewObject(roadsKey(4, x, 0, nil), []byte("x"))))
	}
	keep := tile.NewKey("rivers", "EPSG:4326", 4, 0, 0, "image/png", nil)
	require.NoError(t, s.Put(ctx, tile.NewObject(keep, []byte("y"))))

	removed, err := s.DeleteMatching(ctx, tile.LayerPattern("roads"))
	require.NoError(t, err)
	assert.True(t, removed)

	for x := uint64(0); x < 3; x++ {
		got, err := s.Get(ctx, roadsKey(4, x, 0, nil))
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	got, err := s.Get(ctx, keep)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestDeleteWinsOverReadDuringBackendDelete(t *testing.T) {
	tests := []struct {
		name   string
		delete func(context.Context, *ConfigurableStore, tile.Key) error
	}{
		{"Delete", func(ctx context.Context, s *ConfigurableStore, k tile.Key) error {
			_, err := s.Delete(ctx, k)
			return err
		}},
		{"DeleteMatching", func(ctx context.Context, s *ConfigurableStore, _ tile.Key) error {
			_, err := s.DeleteMatching(ctx, tile.LayerPattern("roads"))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture()
			s := newStore(t, f, persistedWithCache())
			backend := f.backends[blobstore.KindFile]
			key := roadsKey(3, 1, 1, nil)
			require.NoError(t, backend.MemoryStore.Put(ctx, tile.NewObject(key, []byte("old"))))

			deleting := make(chan struct{})
			release := make(chan struct{})
			backend.beforeDelete = func() {
				close(deleting)
				<-release
			}
			done := make(chan error, 1)
			go func() { done <- tt.delete(ctx, s, key) }()

			<-deleting
			// the backend still holds the tile, so this read caches it
			got, err := s.Get(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, got)

			close(release)
			require.NoError(t, <-done)

			got, err = s.Get(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestReadStartedBeforeDeleteDoesNotRefillCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	backend := f.backends[blobstore.KindFile]
	key := roadsKey(3, 2, 1, nil)
	require.NoError(t, backend.MemoryStore.Put(ctx, tile.NewObject(key, []byte("old"))))

	var once sync.Once
	reading := make(chan struct{})
	resume := make(chan struct{})
	backend.afterGet = func() {
		once.Do(func() {
			close(reading)
			<-resume
		})
	}

	done := make(chan *tile.Object, 1)
	go func() {
		obj, _ := s.Get(ctx, key)
		done <- obj
	}()
	<-reading

	removed, err := s.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, removed)
	close(resume)
	assert.NotNil(t, <-done, "the in-flight read still answers with what it read")

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheOnlyMode(t *testing.T) {
	ctx := context.Background()
	cfg := Configuration{
		Backend:      blobstore.KindDiscard,
		CacheEnabled: true,
		Cache:        cache.Config{Provider: cache.KindLocal, MaxBytes: 1024},
	}
	s := newStore(t, newFixture(), cfg)
	assert.Equal(t, StateMemoryOnly, s.State())

	key := roadsKey(0, 0, 0, nil)
	require.NoError(t, s.Put(ctx, tile.NewObject(key, []byte("x"))))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)

	stats := s.Stats()
	assert.True(t, stats.CacheOnly)
	require.NotNil(t, stats.Cache)
	assert.Equal(t, 1, stats.Cache.Entries)
}

func TestDisabledStoresNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newFixture(), Configuration{Backend: blobstore.KindDiscard})
	assert.Equal(t, StateDisabled, s.State())

	key := roadsKey(0, 0, 0, nil)
	require.NoError(t, s.Put(ctx, tile.NewObject(key, []byte("x"))))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, s.Stats().Cache)
}

func TestBackendReadFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	f.backends[blobstore.KindFile].failGet = errors.New("disk on fire")

	got, err := s.Get(ctx, roadsKey(0, 0, 0, nil))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBackendWriteFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	boom := &blobstore.StoreError{Op: "put", Err: errors.New("disk full")}
	f.backends[blobstore.KindFile].failPut = boom

	key := roadsKey(0, 0, 0, nil)
	err := s.Put(ctx, tile.NewObject(key, []byte("x")))
	var serr *blobstore.StoreError
	require.ErrorAs(t, err, &serr)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, got, "the cache still holds the tile")
}

func TestPutRejectsInvalidKey(t *testing.T) {
	s := newStore(t, newFixture(), Configuration{Backend: blobstore.KindDiscard, CacheEnabled: true, Cache: cache.Config{Provider: cache.KindLocal}})
	err := s.Put(context.Background(), tile.NewObject(tile.NewKey("", "g", 0, 0, 0, "image/png", nil), nil))
	assert.ErrorIs(t, err, tile.ErrInvalidKey)
}

func TestApplyKeepsCacheWhenBackendUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	key := roadsKey(1, 1, 1, nil)
	require.NoError(t, s.Put(ctx, tile.NewObject(key, []byte("x"))))

	require.NoError(t, s.Apply(ctx, persistedWithCache()))
	assert.Equal(t, 1, f.opened)
	assert.Equal(t, 1, f.providers)
	assert.Equal(t, 1, s.Stats().Cache.Entries)
}

func TestApplyTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	key := roadsKey(1, 1, 1, nil)
	require.NoError(t, s.Put(ctx, tile.NewObject(key, []byte("x"))))

	// detach the cache: the backend still has the tile
	cfg := persistedWithCache()
	cfg.CacheEnabled = false
	require.NoError(t, s.Apply(ctx, cfg))
	assert.Equal(t, StatePersisted, s.State())
	assert.Equal(t, 1, f.opened)
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// reattach: a fresh provider
	require.NoError(t, s.Apply(ctx, persistedWithCache()))
	assert.Equal(t, StatePersistedWithCache, s.State())
	assert.Equal(t, 2, f.providers)

	// switch to discard: nothing is migrated
	require.NoError(t, s.Apply(ctx, Configuration{Backend: blobstore.KindDiscard}))
	assert.Equal(t, StateDisabled, s.State())
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApplyBackendChangeClearsReusedCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	require.NoError(t, s.Put(ctx, tile.NewObject(roadsKey(0, 0, 0, nil), []byte("x"))))

	cfg := persistedWithCache()
	cfg.FileDir = "/elsewhere"
	require.NoError(t, s.Apply(ctx, cfg))
	assert.Equal(t, 2, f.opened)
	assert.Equal(t, 1, f.providers)
	assert.Equal(t, 0, s.Stats().Cache.Entries)
}

func TestApplyBackendChangeTurnsAwayOldRouteFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := newStore(t, f, persistedWithCache())
	old := f.backends[blobstore.KindFile]
	key := roadsKey(0, 0, 0, nil)
	require.NoError(t, old.MemoryStore.Put(ctx, tile.NewObject(key, []byte("old"))))

	var once sync.Once
	reading := make(chan struct{})
	resume := make(chan struct{})
	old.afterGet = func() {
		once.Do(func() {
			close(reading)
			<-resume
		})
	}
	done := make(chan struct{})
	go func() {
		s.Get(ctx, key)
		close(done)
	}()
	<-reading

	cfg := persistedWithCache()
	cfg.FileDir = "/elsewhere"
	require.NoError(t, s.Apply(ctx, cfg))
	close(resume)
	<-done

	assert.Equal(t, 1, f.providers)
	assert.Equal(t, 0, s.Stats().Cache.Entries)
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApplyRejectsInvalidConfiguration(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newFixture(), persistedWithCache())

	tests := []struct {
		name  string
		cfg   Configuration
		field string
	}{
		{"unknown backend", Configuration{Backend: "tape"}, "backend"},
		{"file without dir", Configuration{Backend: blobstore.KindFile}, "fileDir"},
		{"s3 without bucket", Configuration{Backend: blobstore.KindS3, S3: blobstore.S3Config{Endpoint: "minio:9000"}}, "s3"},
		{"unknown cache", Configuration{Backend: blobstore.KindMemory, CacheEnabled: true, Cache: cache.Config{Provider: "disk"}}, "cache"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Apply(ctx, tc.cfg)
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
			assert.Equal(t, StatePersistedWithCache, s.State(), "previous configuration stays active")
		})
	}
}

func TestApplyKeepsPreviousOnFactoryFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	opts := append(f.options(), WithProviderFactory(func(cache.Config) (cache.Provider, error) {
		return nil, errors.New("no memcached")
	}))
	s, err := New(ctx, Configuration{Backend: blobstore.KindMemory}, zap.NewNop(), nil, opts...)
	require.NoError(t, err)

	err = s.Apply(ctx, Configuration{
		Backend:      blobstore.KindMemory,
		CacheEnabled: true,
		Cache:        cache.Config{Provider: cache.KindDistributed, Servers: []string{"mc:11211"}},
	})
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, s.Configuration().CacheEnabled)
}

func TestConfigurationState(t *testing.T) {
	tests := []struct {
		backend blobstore.Kind
		cache   bool
		want    State
	}{
		{blobstore.KindDiscard, false, StateDisabled},
		{blobstore.KindDiscard, true, StateMemoryOnly},
		{blobstore.KindMemory, false, StateMemoryOnly},
		{blobstore.KindMemory, true, StateMemoryOnly},
		{blobstore.KindFile, false, StatePersisted},
		{blobstore.KindS3, true, StatePersistedWithCache},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Configuration{Backend: tc.backend, CacheEnabled: tc.cache}.State(), "%s cache=%v", tc.backend, tc.cache)
	}
}

func TestDefaultBackendFactory(t *testing.T) {
	open := DefaultBackendFactory(zap.NewNop())

	b, err := open(context.Background(), Configuration{Backend: blobstore.KindFile, FileDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &blobstore.FileStore{}, b)

	b, err = open(context.Background(), Configuration{Backend: blobstore.KindMemory})
	require.NoError(t, err)
	assert.IsType(t, &blobstore.MemoryStore{}, b)

	b, err = open(context.Background(), Configuration{Backend: blobstore.KindDiscard})
	require.NoError(t, err)
	assert.IsType(t, blobstore.DiscardStore{}, b)
}
