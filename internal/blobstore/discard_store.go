package blobstore

import (
	"context"

	"tilecache/internal/tile"
)

// DiscardStore accepts every write and never returns anything.
type DiscardStore struct{}

var _ Store = DiscardStore{}

func NewDiscardStore() DiscardStore {
	return DiscardStore{}
}

func (DiscardStore) Get(context.Context, tile.Key) (*tile.Object, error) {
	return nil, nil
}

func (DiscardStore) Put(context.Context, *tile.Object) error {
	return nil
}

func (DiscardStore) Delete(context.Context, tile.Key) (bool, error) {
	return false, nil
}

func (DiscardStore) DeleteMatching(context.Context, tile.Pattern) (bool, error) {
	return false, nil
}
