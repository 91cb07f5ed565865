package cache

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

// headerSize is the framing prepended to each value: creation time in unix
// nanoseconds followed by a CRC-32 of the payload, both big-endian.
const headerSize = 12

const globalGeneration = "*"

var errCorruptValue = errors.New("corrupt cache value")

// memcacheClient is the subset of *memcache.Client used here.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	Delete(key string) error
}

type node struct {
	addr   string
	client memcacheClient
}

// DistributedProvider spreads tiles over a memcached cluster. Each tile is written to
// Replicas members chosen by rendezvous hashing and can be read from any of them.
// Eviction is memcached's own LRU, configured on the servers.
//
// Bulk removal cannot enumerate keys, so every item key embeds a generation token
// for its layer and a global one. Removing by pattern replaces the token, which makes
// older items unreachable until memcached evicts them. A pattern narrower than a
// layer invalidates the whole layer.
type DistributedProvider struct {
	nodes        []node
	replicas     int
	maxItemBytes int
	log          *zap.Logger
	metrics      metrics.Metrics

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Provider = &DistributedProvider{}

// NewDistributedProvider connects to a fixed list of memcached servers.
func NewDistributedProvider(cfg Config, log *zap.Logger, m metrics.Metrics) (*DistributedProvider, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("distributed provider needs at least one server")
	}

	timeout := time.Duration(cfg.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMillis * time.Millisecond
	}

	nodes := make([]node, 0, len(cfg.Servers))
	for _, addr := range cfg.Servers {
		client := memcache.New(addr)
		client.Timeout = timeout
		client.MaxIdleConns = 8
		nodes = append(nodes, node{addr: addr, client: client})
	}

	return newDistributedProvider(nodes, cfg.Replicas, cfg.MaxItemBytes, log, m), nil
}

func newDistributedProvider(nodes []node, replicas, maxItemBytes int, log *zap.Logger, m metrics.Metrics) *DistributedProvider {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if replicas > len(nodes) {
		replicas = len(nodes)
	}
	if maxItemBytes <= 0 {
		maxItemBytes = DefaultMaxItemBytes
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &DistributedProvider{
		nodes:        nodes,
		replicas:     replicas,
		maxItemBytes: maxItemBytes,
		log:          log.Named("distributed"),
		metrics:      m,
	}
}

// owners returns the replica set for key, highest rendezvous score first.
func (d *DistributedProvider) owners(key string) []node {
	type scored struct {
		n     node
		score uint64
	}
	ranked := make([]scored, len(d.nodes))
	for i, n := range d.nodes {
		h := fnv.New64a()
		h.Write([]byte(n.addr))
		h.Write([]byte{0})
		h.Write([]byte(key))
		ranked[i] = scored{n: n, score: h.Sum64()}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].n.addr < ranked[j].n.addr
		}
		return ranked[i].score > ranked[j].score
	})

	out := make([]node, d.replicas)
	for i := range out {
		out[i] = ranked[i].n
	}
	return out
}

func hashKey(prefix string, parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return prefix + hex.EncodeToString(h.Sum(nil))
}

func generationKey(scope string) string {
	return hashKey("gen:", scope)
}

// generation reads the current token for scope, creating one when no replica has it.
// Creating rather than assuming a fixed initial value keeps items written before an
// evicted token unreachable.
func (d *DistributedProvider) generation(scope string) (string, error) {
	key := generationKey(scope)
	owners := d.owners(key)

	var lastErr error
	for _, n := range owners {
		item, err := n.client.Get(key)
		if err == nil {
			return string(item.Value), nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", lastErr
	}

	token := uuid.New().String()
	primary := owners[0]
	if err := primary.client.Add(&memcache.Item{Key: key, Value: []byte(token)}); err != nil {
		if !errors.Is(err, memcache.ErrNotStored) {
			return "", err
		}
		item, err := primary.client.Get(key)
		if err != nil {
			return "", err
		}
		token = string(item.Value)
	}
	for _, n := range owners[1:] {
		if err := n.client.Set(&memcache.Item{Key: key, Value: []byte(token)}); err != nil {
			d.log.Debug("Failed to replicate generation", zap.String("node", n.addr), zap.Error(err))
		}
	}
	return token, nil
}

func (d *DistributedProvider) bumpGeneration(scope string) error {
	key := generationKey(scope)
	token := uuid.New().String()

	var firstErr error
	stored := false
	for _, n := range d.owners(key) {
		if err := n.client.Set(&memcache.Item{Key: key, Value: []byte(token)}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored = true
	}
	if !stored {
		return firstErr
	}
	return nil
}

func (d *DistributedProvider) itemKey(key tile.Key) (string, error) {
	global, err := d.generation(globalGeneration)
	if err != nil {
		return "", err
	}
	layer, err := d.generation("layer:" + key.Layer)
	if err != nil {
		return "", err
	}
	return hashKey("tile:", global, layer, key.CanonicalPath()), nil
}

func encodeValue(obj *tile.Object) []byte {
	buf := make([]byte, headerSize+len(obj.Blob))
	binary.BigEndian.PutUint64(buf[0:8], uint64(obj.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(obj.Blob))
	copy(buf[headerSize:], obj.Blob)
	return buf
}

func decodeValue(key tile.Key, value []byte) (*tile.Object, error) {
	if len(value) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", errCorruptValue, len(value))
	}
	blob := make([]byte, len(value)-headerSize)
	copy(blob, value[headerSize:])
	if crc32.ChecksumIEEE(blob) != binary.BigEndian.Uint32(value[8:12]) {
		return nil, fmt.Errorf("%w: checksum mismatch", errCorruptValue)
	}
	created := time.Unix(0, int64(binary.BigEndian.Uint64(value[0:8])))
	return &tile.Object{Key: key, Blob: blob, CreatedAt: created}, nil
}

func (d *DistributedProvider) miss() (*tile.Object, bool) {
	d.misses.Add(1)
	d.metrics.RecordCacheLookup(string(KindDistributed), false)
	return nil, false
}

// Get asks each replica in turn. Network failures and corrupt values count as misses.
func (d *DistributedProvider) Get(key tile.Key) (*tile.Object, bool) {
	ik, err := d.itemKey(key)
	if err != nil {
		d.log.Warn("Cache lookup failed", zap.String("tile", key.String()), zap.Error(err))
		return d.miss()
	}

	for _, n := range d.owners(ik) {
		item, err := n.client.Get(ik)
		if err != nil {
			if !errors.Is(err, memcache.ErrCacheMiss) {
				d.log.Debug("Replica lookup failed", zap.String("node", n.addr), zap.Error(err))
			}
			continue
		}

		obj, err := decodeValue(key, item.Value)
		if err != nil {
			d.log.Warn("Corrupt cache entry treated as miss", zap.String("tile", key.String()), zap.String("node", n.addr), zap.Error(err))
			n.client.Delete(ik)
			continue
		}

		d.hits.Add(1)
		d.metrics.RecordCacheLookup(string(KindDistributed), true)
		return obj, true
	}
	return d.miss()
}

// Put writes to every replica concurrently. Failures are logged only; a missing
// replica degrades to a miss on that member.
func (d *DistributedProvider) Put(obj *tile.Object) {
	if headerSize+len(obj.Blob) > d.maxItemBytes {
		d.log.Debug("Tile too large for distributed cache", zap.String("tile", obj.Key.String()), zap.Int("bytes", len(obj.Blob)))
		return
	}

	ik, err := d.itemKey(obj.Key)
	if err != nil {
		d.log.Warn("Cache store failed", zap.String("tile", obj.Key.String()), zap.Error(err))
		return
	}
	value := encodeValue(obj)

	var wg sync.WaitGroup
	for _, n := range d.owners(ik) {
		wg.Add(1)
		go func(n node) {
			defer wg.Done()
			if err := n.client.Set(&memcache.Item{Key: ik, Value: value}); err != nil {
				d.log.Warn("Replica store failed", zap.String("node", n.addr), zap.Error(err))
			}
		}(n)
	}
	wg.Wait()
}

func (d *DistributedProvider) Remove(key tile.Key) bool {
	ik, err := d.itemKey(key)
	if err != nil {
		d.log.Warn("Cache remove failed", zap.String("tile", key.String()), zap.Error(err))
		return false
	}

	removed := false
	for _, n := range d.owners(ik) {
		err := n.client.Delete(ik)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, memcache.ErrCacheMiss):
		default:
			d.log.Warn("Replica remove failed", zap.String("node", n.addr), zap.Error(err))
		}
	}
	return removed
}

func (d *DistributedProvider) RemoveMatching(p tile.Pattern) int {
	scope := globalGeneration
	if p.Layer != "" {
		scope = "layer:" + p.Layer
	}
	if err := d.bumpGeneration(scope); err != nil {
		d.log.Warn("Cache invalidation failed", zap.String("scope", scope), zap.Error(err))
	}
	return 0
}

func (d *DistributedProvider) Clear() {
	if err := d.bumpGeneration(globalGeneration); err != nil {
		d.log.Warn("Cache clear failed", zap.Error(err))
	}
}

func (d *DistributedProvider) Stats() Stats {
	return Stats{
		Provider: string(KindDistributed),
		Hits:     d.hits.Load(),
		Misses:   d.misses.Load(),
	}
}

func (d *DistributedProvider) Close() error {
	return nil
}
