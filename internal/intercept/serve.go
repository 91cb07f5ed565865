package intercept

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tilecache/internal/gridset"
	"tilecache/internal/render"
	"tilecache/internal/tile"
)

// rendering is one renderer call split into tiles, shared by every caller that
// waited on it.
type rendering struct {
	rng     gridset.Range
	image   []byte
	tiles   [][]byte
	created time.Time
}

func (r *rendering) tile(x, y uint64) []byte {
	if !r.rng.Contains(x, y) || r.tiles == nil {
		return nil
	}
	return r.tiles[(y-r.rng.MinY)*r.rng.Cols()+(x-r.rng.MinX)]
}

// Serve answers req from the cache or, on a miss, from renderer, storing what was
// rendered. A single-tile miss renders the whole metatile around the tile so its
// neighbours are cached by the same renderer call. Concurrent misses on the same
// metatile share one render.
//
// Requests that cannot be addressed as tiles are rendered and returned with
// OutcomePass; in seeding mode they are an error.
func (i *Interceptor) Serve(ctx context.Context, req Request, renderer render.Renderer) (*Response, error) {
	p, err := i.plan(req)
	if err != nil {
		if req.Mode == ModeSeed {
			return nil, err
		}
		return i.pass(ctx, req, renderer)
	}

	if req.Mode == ModeServe {
		if resp, ok := i.lookup(ctx, req, p); ok {
			return resp, nil
		}
	}

	r, err := i.renderPlan(ctx, req, p, renderer)
	if err != nil {
		return nil, err
	}

	if req.Mode == ModeSeed {
		if r.tiles == nil {
			return nil, fmt.Errorf("rendered %s could not be stored as tiles", req.Map.Format)
		}
		i.metrics.RecordIntercept(string(OutcomeSeeded))
		return &Response{Outcome: OutcomeSeeded, ContentType: req.Map.Format}, nil
	}

	return i.respond(req, OutcomeMiss, i.missBody(req, p, r), r.created), nil
}

// missBody returns the bytes a later hit on p would serve, so both carry the same
// ETag. Renderings that were not stored as tiles are served as rendered.
func (i *Interceptor) missBody(req Request, p *plan, r *rendering) []byte {
	switch {
	case r.tiles == nil:
		return r.image
	case p.single():
		if r.rng.Count() > 1 {
			return r.tile(p.rng.MinX, p.rng.MinY)
		}
		return r.image
	}
	assembled, err := i.codec.Assemble(r.tiles, int(r.rng.Cols()), int(r.rng.Rows()), req.Map.Format)
	if err != nil {
		i.logger.Warn("Failed to assemble rendered tiles", zap.String("layer", req.Map.Layer), zap.Error(err))
		return r.image
	}
	return assembled
}

func (i *Interceptor) pass(ctx context.Context, req Request, renderer render.Renderer) (*Response, error) {
	res, err := renderer.Render(ctx, req.Map)
	if err != nil {
		return nil, err
	}
	i.metrics.RecordIntercept(string(OutcomePass))
	return &Response{Outcome: OutcomePass, Data: res.Data, ContentType: res.ContentType}, nil
}

// renderPlan renders the tiles of p, widened to a metatile for a single tile,
// and stores them.
func (i *Interceptor) renderPlan(ctx context.Context, req Request, p *plan, renderer render.Renderer) (*rendering, error) {
	target := p
	if p.single() && i.codec != nil && i.opts.MetaCols*i.opts.MetaRows > 1 {
		meta, err := i.metaPlan(p)
		if err != nil {
			i.logger.Debug("Metatile unavailable, rendering single tile", zap.Error(err))
		} else {
			target = meta
		}
	}

	r, err := i.renderShared(ctx, req, target, renderer)
	if target != p && (err != nil || r.tiles == nil) {
		// a metatile that cannot be sliced still leaves the tile itself renderable
		i.logger.Warn("Metatile render failed, rendering single tile", zap.String("tile", p.keys[0].String()), zap.Error(err))
		return i.renderShared(ctx, req, p, renderer)
	}
	return r, err
}

func (i *Interceptor) metaPlan(p *plan) (*plan, error) {
	k := p.keys[0]
	rng, err := p.grid.MetaTile(k.Level, k.X, k.Y, i.opts.MetaCols, i.opts.MetaRows)
	if err != nil {
		return nil, err
	}
	if rng.Count() == 1 {
		return p, nil
	}

	keys := make([]tile.Key, 0, rng.Count())
	for y := rng.MinY; y <= rng.MaxY; y++ {
		for x := rng.MinX; x <= rng.MaxX; x++ {
			keys = append(keys, k.WithCoords(rng.Level, x, y))
		}
	}
	return &plan{grid: p.grid, rng: rng, keys: keys}, nil
}

func flightKey(p *plan) string {
	return fmt.Sprintf("%s+%dx%d", p.keys[0].CanonicalPath(), p.rng.Cols(), p.rng.Rows())
}

func (i *Interceptor) renderShared(ctx context.Context, req Request, p *plan, renderer render.Renderer) (*rendering, error) {
	v, err, shared := i.renders.Do(flightKey(p), func() (any, error) {
		return i.renderAndStore(ctx, req, p, renderer)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		i.logger.Debug("Joined in-flight render", zap.String("tile", p.keys[0].String()))
	}
	return v.(*rendering), nil
}

func (i *Interceptor) renderAndStore(ctx context.Context, req Request, p *plan, renderer render.Renderer) (*rendering, error) {
	// Ask for the exact grid extent so every caller of this range sends the same request.
	bounds, err := p.grid.RangeBounds(p.rng)
	if err != nil {
		return nil, err
	}
	m := req.Map.WithExtent(bounds, int(p.rng.Cols())*p.grid.TileWidth, int(p.rng.Rows())*p.grid.TileHeight)

	// Callers sharing this render may outlive the one that started it.
	res, err := renderer.Render(context.WithoutCancel(ctx), m)
	if err != nil {
		return nil, err
	}

	r := &rendering{rng: p.rng, image: res.Data, created: time.Now()}
	tiles, err := i.split(m, p, res)
	if err != nil {
		// the renderer answered, the bytes are just not storable as tiles
		i.logger.Warn("Rendered map not stored", zap.String("tile", p.keys[0].String()), zap.Error(err))
		return r, nil
	}
	r.tiles = tiles

	stored := i.storeTiles(ctx, p, tiles, r.created)
	i.logger.Debug("Stored rendered tiles",
		zap.String("tile", p.keys[0].String()),
		zap.Uint64("tiles", p.rng.Count()),
		zap.Int("stored", stored),
	)
	return r, nil
}

// IsNotCacheable reports whether err means the request could not be addressed as tiles.
func IsNotCacheable(err error) bool {
	return errors.Is(err, ErrNotCacheable)
}
