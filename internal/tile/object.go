package tile

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Object is a tile key with its payload.
type Object struct {
	Key       Key
	Blob      []byte
	CreatedAt time.Time
}

func NewObject(key Key, blob []byte) *Object {
	return &Object{Key: key, Blob: blob, CreatedAt: time.Now()}
}

// Clone returns a deep copy so the payload is never shared between stores.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	blob := make([]byte, len(o.Blob))
	copy(blob, o.Blob)
	return &Object{Key: o.Key, Blob: blob, CreatedAt: o.CreatedAt}
}

func (o *Object) Size() int64 {
	return int64(len(o.Blob))
}

// ETag returns a content hash of the payload, suitable as an HTTP entity tag value.
func (o *Object) ETag() string {
	return ContentETag(o.Blob)
}

// ContentETag hashes an arbitrary payload the same way Object.ETag does.
func ContentETag(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])[:32]
}
