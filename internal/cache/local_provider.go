package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

type entry struct {
	path string
	obj  *tile.Object
	size int64
}

// LocalProvider is an in-process LRU cache bounded by payload bytes. All
// operations share one lock; hits reorder the LRU list.
type LocalProvider struct {
	mu       sync.Mutex
	capacity int64
	items    map[string]*list.Element
	lruList  *list.List

	used      atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	metrics metrics.Metrics
}

var _ Provider = &LocalProvider{}

// NewLocalProvider creates an LRU cache holding at most capacity payload bytes.
func NewLocalProvider(capacity int64, m metrics.Metrics) *LocalProvider {
	if m == nil {
		m = metrics.Nop()
	}
	return &LocalProvider{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
		metrics:  m,
	}
}

func (c *LocalProvider) Get(key tile.Key) (*tile.Object, bool) {
	c.mu.Lock()
	elem, ok := c.items[key.CanonicalPath()]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		c.metrics.RecordCacheLookup(string(KindLocal), false)
		return nil, false
	}
	c.lruList.MoveToFront(elem)
	obj := elem.Value.(*entry).obj
	c.mu.Unlock()

	c.hits.Add(1)
	c.metrics.RecordCacheLookup(string(KindLocal), true)
	return obj.Clone(), true
}

// Put inserts or replaces an entry, evicting least recently used entries until the
// new one fits. Payloads larger than the whole capacity are not cached.
func (c *LocalProvider) Put(obj *tile.Object) {
	stored := obj.Clone()
	size := stored.Size()
	path := stored.Key.CanonicalPath()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[path]; ok {
		c.removeElement(elem)
	}
	if size > c.capacity {
		return
	}

	evicted := 0
	for c.used.Load()+size > c.capacity {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		evicted++
	}
	if evicted > 0 {
		c.evictions.Add(int64(evicted))
		c.metrics.RecordEviction(string(KindLocal), evicted)
	}

	elem := c.lruList.PushFront(&entry{path: path, obj: stored, size: size})
	c.items[path] = elem
	c.used.Add(size)
}

// removeElement must be called with mu held.
func (c *LocalProvider) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(c.items, ent.path)
	c.lruList.Remove(elem)
	c.used.Add(-ent.size)
}

func (c *LocalProvider) Remove(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key.CanonicalPath()]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

func (c *LocalProvider) RemoveMatching(p tile.Pattern) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.lruList.Front(); elem != nil; {
		next := elem.Next()
		if p.Matches(elem.Value.(*entry).obj.Key) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed
}

func (c *LocalProvider) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lruList = list.New()
	c.used.Store(0)
}

func (c *LocalProvider) Stats() Stats {
	c.mu.Lock()
	entries := c.lruList.Len()
	c.mu.Unlock()

	return Stats{
		Provider:  string(KindLocal),
		Entries:   entries,
		Bytes:     c.used.Load(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *LocalProvider) Close() error {
	c.Clear()
	return nil
}
