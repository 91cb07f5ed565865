// Package store routes tile reads and writes through an optional cache provider to
// one of the durable backends, and swaps that routing when the configuration changes.
package store

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tilecache/internal/blobstore"
	"tilecache/internal/cache"
	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

// BackendFactory opens the durable backend a configuration selects.
type BackendFactory func(ctx context.Context, cfg Configuration) (blobstore.Store, error)

// ProviderFactory builds a cache provider.
type ProviderFactory func(cfg cache.Config) (cache.Provider, error)

type Option func(*ConfigurableStore)

// WithBackendFactory replaces the factory used to open durable backends.
func WithBackendFactory(f BackendFactory) Option {
	return func(s *ConfigurableStore) { s.newBackend = f }
}

// WithProviderFactory replaces the factory used to build cache providers.
func WithProviderFactory(f ProviderFactory) Option {
	return func(s *ConfigurableStore) { s.newProvider = f }
}

// route is one immutable routing decision. Requests load it once and use it to the end.
type route struct {
	cfg      Configuration
	state    State
	backend  blobstore.Store
	provider cache.Provider
}

// ConfigurableStore is a blobstore.Store whose backend and cache can be replaced at
// runtime. Reads go through the cache when one is attached, writes reach both, and
// deletes are propagated to both.
type ConfigurableStore struct {
	applyMu sync.Mutex
	current atomic.Pointer[route]

	// invalidations counts deletes and cache clears. A read-through fill only
	// lands in the cache when no invalidation happened since its route was loaded,
	// so a fill racing a delete cannot resurrect the deleted tile.
	fillMu        sync.RWMutex
	invalidations atomic.Uint64

	newBackend  BackendFactory
	newProvider ProviderFactory
	log         *zap.Logger
	metrics     metrics.Metrics
}

var _ blobstore.Store = &ConfigurableStore{}

// New applies cfg and returns the store, or the configuration error that prevented it.
func New(ctx context.Context, cfg Configuration, log *zap.Logger, m metrics.Metrics, opts ...Option) (*ConfigurableStore, error) {
	if m == nil {
		m = metrics.Nop()
	}
	s := &ConfigurableStore{
		log:     log.Named("store"),
		metrics: m,
	}
	s.newBackend = DefaultBackendFactory(s.log)
	s.newProvider = func(c cache.Config) (cache.Provider, error) {
		return cache.NewProvider(c, s.log, s.metrics)
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Apply(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultBackendFactory opens the backends shipped in blobstore.
func DefaultBackendFactory(log *zap.Logger) BackendFactory {
	return func(ctx context.Context, cfg Configuration) (blobstore.Store, error) {
		switch cfg.Backend {
		case blobstore.KindFile:
			return blobstore.NewFileStore(cfg.FileDir, log)
		case blobstore.KindMemory:
			return blobstore.NewMemoryStore(), nil
		case blobstore.KindS3:
			return blobstore.NewS3Store(ctx, cfg.S3, log)
		default:
			return blobstore.NewDiscardStore(), nil
		}
	}
}

// Apply validates cfg and swaps the routing to it. On any error the previous
// configuration remains active. The backend is kept when cfg addresses the same
// content, and the cache provider is kept when its settings are unchanged; a
// detached provider is dropped without flushing.
func (s *ConfigurableStore) Apply(ctx context.Context, cfg Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	prev := s.current.Load()
	next := &route{cfg: cfg, state: cfg.State()}

	backendChanged := prev == nil || !prev.cfg.sameBackend(cfg)
	if backendChanged {
		b, err := s.newBackend(ctx, cfg)
		if err != nil {
			return &ConfigurationError{Field: "backend", Reason: "cannot open " + string(cfg.Backend) + " backend", Err: err}
		}
		next.backend = blobstore.Instrument(b, string(cfg.Backend), s.metrics)
	} else {
		next.backend = prev.backend
	}

	var reused cache.Provider
	if cfg.CacheEnabled {
		if prev != nil && prev.provider != nil && prev.cfg.Cache.Equal(cfg.Cache) {
			reused = prev.provider
			next.provider = reused
		} else {
			p, err := s.newProvider(cfg.Cache)
			if err != nil {
				return &ConfigurationError{Field: "cache", Reason: "cannot build " + string(cfg.Cache.Provider) + " provider", Err: err}
			}
			next.provider = p
		}
	}

	s.current.Store(next)

	if reused != nil && backendChanged {
		// entries came from content that is no longer addressed
		s.invalidate(reused.Clear)
	}

	if prev != nil && prev.provider != nil && prev.provider != reused {
		if err := prev.provider.Close(); err != nil {
			s.log.Warn("Failed to close detached cache provider", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("state", string(next.state)),
		zap.String("backend", string(cfg.Backend)),
		zap.Bool("backend_reused", !backendChanged),
	}
	if next.provider != nil {
		fields = append(fields, zap.String("cache", string(cfg.Cache.Provider)), zap.Bool("cache_reused", reused != nil))
	}
	s.log.Info("Store configuration applied", fields...)
	return nil
}

// Configuration returns the active configuration.
func (s *ConfigurableStore) Configuration() Configuration {
	return s.current.Load().cfg
}

func (s *ConfigurableStore) State() State {
	return s.current.Load().state
}

// Get serves from the cache when possible, otherwise reads the backend and populates
// the cache with what it found. Backend failures degrade to a miss.
func (s *ConfigurableStore) Get(ctx context.Context, key tile.Key) (*tile.Object, error) {
	seen := s.invalidations.Load()
	r := s.current.Load()

	if r.provider != nil {
		if obj, ok := r.provider.Get(key); ok {
			return obj, nil
		}
	}

	obj, err := r.backend.Get(ctx, key)
	if err != nil {
		s.log.Warn("Backend read failed, treating as miss", zap.String("tile", key.String()), zap.Error(err))
		return nil, nil
	}
	if obj != nil && r.provider != nil {
		s.fill(r.provider, obj, seen)
	}
	return obj, nil
}

func (s *ConfigurableStore) fill(p cache.Provider, obj *tile.Object, seen uint64) {
	s.fillMu.RLock()
	defer s.fillMu.RUnlock()
	if s.invalidations.Load() == seen {
		p.Put(obj)
	}
}

// invalidate runs drop once no read-through fill is in progress and turns away
// fills that started before it.
func (s *ConfigurableStore) invalidate(drop func()) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.invalidations.Add(1)
	drop()
}

// Put writes the backend first, then the cache. The cache is updated even when the
// backend write fails so the tile stays servable; the backend error is returned.
// Over the discard backend this makes the cache the only store.
func (s *ConfigurableStore) Put(ctx context.Context, obj *tile.Object) error {
	if err := obj.Key.Validate(); err != nil {
		return err
	}
	r := s.current.Load()

	err := r.backend.Put(ctx, obj)
	if r.provider != nil {
		r.provider.Put(obj)
	}
	return err
}

// Delete removes key from the backend, then from the cache, so no read running
// alongside the backend delete can leave the tile cached.
func (s *ConfigurableStore) Delete(ctx context.Context, key tile.Key) (bool, error) {
	r := s.current.Load()

	stored, err := r.backend.Delete(ctx, key)
	cached := false
	if r.provider != nil {
		s.invalidate(func() { cached = r.provider.Remove(key) })
	}
	return cached || stored, err
}

func (s *ConfigurableStore) DeleteMatching(ctx context.Context, p tile.Pattern) (bool, error) {
	r := s.current.Load()

	stored, err := r.backend.DeleteMatching(ctx, p)
	cached := false
	if r.provider != nil {
		s.invalidate(func() { cached = r.provider.RemoveMatching(p) > 0 })
	}
	return cached || stored, err
}

// Stats describes the active routing.
type Stats struct {
	State     State          `json:"state"`
	Backend   blobstore.Kind `json:"backend"`
	CacheOnly bool           `json:"cacheOnly"`
	Cache     *cache.Stats   `json:"cache,omitempty"`
}

func (s *ConfigurableStore) Stats() Stats {
	r := s.current.Load()
	st := Stats{
		State:     r.state,
		Backend:   r.cfg.Backend,
		CacheOnly: r.provider != nil && r.cfg.Backend == blobstore.KindDiscard,
	}
	if r.provider != nil {
		ps := r.provider.Stats()
		st.Cache = &ps
	}
	return st
}

// Close detaches the cache provider.
func (s *ConfigurableStore) Close() error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if r := s.current.Load(); r.provider != nil {
		return r.provider.Close()
	}
	return nil
}
