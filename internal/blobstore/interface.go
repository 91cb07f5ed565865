package blobstore

import (
	"context"

	"tilecache/internal/tile"
)

// Kind names a durable backend variant.
type Kind string

const (
	KindFile    Kind = "file"
	KindMemory  Kind = "memory"
	KindS3      Kind = "s3"
	KindDiscard Kind = "discard"
)

// Kinds lists every supported backend.
var Kinds = []Kind{KindFile, KindMemory, KindS3, KindDiscard}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Store maps tile keys to payloads.
//
// Get returns (nil, nil) when the key is absent. Entries that cannot be read back
// are logged and reported as absent. Put replaces any existing object and readers
// never observe a partial write.
type Store interface {
	Put(ctx context.Context, obj *tile.Object) error
	Get(ctx context.Context, key tile.Key) (*tile.Object, error)

	// Delete removes one object and reports whether it existed.
	Delete(ctx context.Context, key tile.Key) (bool, error)

	// DeleteMatching removes every object matching p and reports whether anything was removed.
	DeleteMatching(ctx context.Context, p tile.Pattern) (bool, error)
}
