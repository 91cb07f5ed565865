package blobstore

import (
	"context"
	"time"

	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

type instrumentedStore struct {
	next    Store
	backend string
	metrics metrics.Metrics
}

// Instrument times every call to next under the given backend label.
func Instrument(next Store, backend string, m metrics.Metrics) Store {
	return &instrumentedStore{next: next, backend: backend, metrics: m}
}

func (i *instrumentedStore) observe(op string, begin time.Time, err error) {
	i.metrics.RecordStoreOperation(i.backend, op, err == nil, time.Since(begin).Seconds())
}

func (i *instrumentedStore) Get(ctx context.Context, key tile.Key) (_ *tile.Object, err error) {
	defer func(begin time.Time) { i.observe("get", begin, err) }(time.Now())
	return i.next.Get(ctx, key)
}

func (i *instrumentedStore) Put(ctx context.Context, obj *tile.Object) (err error) {
	defer func(begin time.Time) { i.observe("put", begin, err) }(time.Now())
	return i.next.Put(ctx, obj)
}

func (i *instrumentedStore) Delete(ctx context.Context, key tile.Key) (_ bool, err error) {
	defer func(begin time.Time) { i.observe("delete", begin, err) }(time.Now())
	return i.next.Delete(ctx, key)
}

func (i *instrumentedStore) DeleteMatching(ctx context.Context, p tile.Pattern) (_ bool, err error) {
	defer func(begin time.Time) { i.observe("delete_matching", begin, err) }(time.Now())
	return i.next.DeleteMatching(ctx, p)
}
