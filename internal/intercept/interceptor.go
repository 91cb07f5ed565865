// Package intercept sits in front of the map renderer: it answers requests from the
// tile store when every tile they cover is cached, and stores what the renderer
// produces when they are not.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tilecache/internal/blobstore"
	"tilecache/internal/gridset"
	"tilecache/internal/metatile"
	"tilecache/internal/metrics"
	"tilecache/internal/render"
	"tilecache/internal/tile"
)

// ErrNotCacheable marks a request the cache cannot address as tiles.
var ErrNotCacheable = errors.New("request is not cacheable")

// maxRequestTiles bounds how many tiles one request may decompose into.
const maxRequestTiles = 64

type Options struct {
	// MetaCols and MetaRows size the metatile rendered for a single-tile miss.
	MetaCols int
	MetaRows int

	// MaxAge is advertised to clients on cacheable responses.
	MaxAge time.Duration
}

// Interceptor is the cache in front of the renderer. It is safe for concurrent use.
type Interceptor struct {
	store   blobstore.Store
	grids   *gridset.Registry
	codec   metatile.Codec
	opts    Options
	logger  *zap.Logger
	metrics metrics.Metrics

	renders singleflight.Group
}

// New builds an Interceptor. codec may be nil, in which case only single-tile
// requests are cached and no metatiles are rendered.
func New(store blobstore.Store, grids *gridset.Registry, codec metatile.Codec, opts Options, logger *zap.Logger, m metrics.Metrics) *Interceptor {
	if opts.MetaCols <= 0 {
		opts.MetaCols = 1
	}
	if opts.MetaRows <= 0 {
		opts.MetaRows = 1
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Interceptor{
		store:   store,
		grids:   grids,
		codec:   codec,
		opts:    opts,
		logger:  logger.Named("intercept"),
		metrics: m,
	}
}

// plan is a request resolved to tiles. keys are row-major over rng.
type plan struct {
	grid *gridset.GridSet
	rng  gridset.Range
	keys []tile.Key
}

func (p *plan) single() bool {
	return len(p.keys) == 1
}

func (i *Interceptor) plan(req Request) (*plan, error) {
	gridID := req.GridSet
	if gridID == "" {
		gridID = req.Map.SRS
	}
	grid, err := i.grids.Get(gridID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCacheable, err)
	}

	rng, err := grid.TileRange(req.Map.BBox, req.Map.Width, req.Map.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCacheable, err)
	}
	if rng.Count() > maxRequestTiles {
		return nil, fmt.Errorf("%w: %d tiles in one request", ErrNotCacheable, rng.Count())
	}
	if rng.Count() > 1 && (i.codec == nil || !metatile.Supported(req.Map.Format)) {
		return nil, fmt.Errorf("%w: cannot assemble %s from several tiles", ErrNotCacheable, req.Map.Format)
	}

	keys := make([]tile.Key, 0, rng.Count())
	for y := rng.MinY; y <= rng.MaxY; y++ {
		for x := rng.MinX; x <= rng.MaxX; x++ {
			keys = append(keys, tile.NewKey(req.Map.Layer, grid.ID, rng.Level, x, y, req.Map.Format, req.Map.Params))
		}
	}
	return &plan{grid: grid, rng: rng, keys: keys}, nil
}

// Intercept answers req from the store. It reports false when the request must be
// rendered: a tile is missing, the request cannot be addressed as tiles, or the
// request is a seeding request. Store failures count as misses.
func (i *Interceptor) Intercept(ctx context.Context, req Request) (*Response, bool) {
	if req.Mode == ModeSeed {
		return nil, false
	}
	p, err := i.plan(req)
	if err != nil {
		i.logger.Debug("Request passed through", zap.String("layer", req.Map.Layer), zap.Error(err))
		return nil, false
	}
	return i.lookup(ctx, req, p)
}

func (i *Interceptor) lookup(ctx context.Context, req Request, p *plan) (*Response, bool) {
	objs := make([]*tile.Object, 0, len(p.keys))
	var lastModified time.Time
	for _, k := range p.keys {
		obj, err := i.store.Get(ctx, k)
		if err != nil {
			i.logger.Warn("Tile lookup failed", zap.String("tile", k.String()), zap.Error(err))
			return nil, false
		}
		if obj == nil {
			return nil, false
		}
		objs = append(objs, obj)
		if obj.CreatedAt.After(lastModified) {
			lastModified = obj.CreatedAt
		}
	}

	var data []byte
	if p.single() {
		data = objs[0].Blob
	} else {
		blobs := make([][]byte, len(objs))
		for n, obj := range objs {
			blobs[n] = obj.Blob
		}
		assembled, err := i.codec.Assemble(blobs, int(p.rng.Cols()), int(p.rng.Rows()), req.Map.Format)
		if err != nil {
			i.logger.Warn("Failed to assemble cached tiles", zap.String("layer", req.Map.Layer), zap.Error(err))
			return nil, false
		}
		data = assembled
	}

	return i.respond(req, OutcomeHit, data, lastModified), true
}

// respond builds a cacheable response, downgrading it to not-modified when the
// client already holds the bytes.
func (i *Interceptor) respond(req Request, outcome Outcome, data []byte, lastModified time.Time) *Response {
	resp := &Response{
		Outcome:      outcome,
		Data:         data,
		ContentType:  req.Map.Format,
		ETag:         tile.ContentETag(data),
		LastModified: lastModified,
		MaxAge:       i.opts.MaxAge,
	}
	if etagMatches(req.IfNoneMatch, resp.ETag) {
		resp.Outcome = OutcomeNotModified
		resp.Data = nil
	}
	i.metrics.RecordIntercept(string(resp.Outcome))
	return resp
}

// StoreAside stores what the renderer produced for req. A rendering covering
// several tiles is sliced first. It makes a single attempt and only logs failures;
// it returns how many tiles were stored.
func (i *Interceptor) StoreAside(ctx context.Context, req Request, res *render.Result) int {
	p, err := i.plan(req)
	if err != nil {
		return 0
	}
	tiles, err := i.split(req.Map, p, res)
	if err != nil {
		i.logger.Warn("Rendered map not stored", zap.String("layer", req.Map.Layer), zap.Error(err))
		return 0
	}
	return i.storeTiles(ctx, p, tiles, time.Now())
}

func (i *Interceptor) split(m render.MapRequest, p *plan, res *render.Result) ([][]byte, error) {
	if res.ContentType != m.Format {
		return nil, fmt.Errorf("renderer returned %s for a %s request", res.ContentType, m.Format)
	}
	if p.single() {
		return [][]byte{res.Data}, nil
	}
	return i.codec.Slice(res.Data, int(p.rng.Cols()), int(p.rng.Rows()), p.grid.TileWidth, p.grid.TileHeight, m.Format)
}

func (i *Interceptor) storeTiles(ctx context.Context, p *plan, tiles [][]byte, created time.Time) int {
	// the client may be gone; the rendering is still worth keeping
	ctx = context.WithoutCancel(ctx)

	stored := 0
	for n, k := range p.keys {
		obj := &tile.Object{Key: k, Blob: tiles[n], CreatedAt: created}
		if err := i.store.Put(ctx, obj); err != nil {
			i.logger.Warn("Failed to store tile", zap.String("tile", k.String()), zap.Error(err))
			continue
		}
		stored++
	}
	return stored
}
