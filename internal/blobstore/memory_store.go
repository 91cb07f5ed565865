package blobstore

import (
	"context"
	"sync"

	"tilecache/internal/tile"
)

// MemoryStore is an unbounded, process-local backend. Unlike a cache provider it
// never evicts; entries leave only through Delete and DeleteMatching.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*tile.Object
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*tile.Object),
	}
}

func (s *MemoryStore) Get(_ context.Context, key tile.Key) (*tile.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key.CanonicalPath()]
	if !ok {
		return nil, nil
	}
	return obj.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, obj *tile.Object) error {
	if err := obj.Key.Validate(); err != nil {
		return storeError("put", "", err)
	}

	stored := obj.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[obj.Key.CanonicalPath()] = stored
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key tile.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := key.CanonicalPath()
	if _, ok := s.objects[p]; !ok {
		return false, nil
	}
	delete(s.objects, p)
	return true, nil
}

func (s *MemoryStore) DeleteMatching(_ context.Context, p tile.Pattern) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for path, obj := range s.objects {
		if p.Matches(obj.Key) {
			delete(s.objects, path)
			removed = true
		}
	}
	return removed, nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
