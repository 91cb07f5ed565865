// Package seed pre-populates and truncates the tile store in bulk.
package seed

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tilecache/internal/blobstore"
	"tilecache/internal/gridset"
	"tilecache/internal/intercept"
	"tilecache/internal/render"
	"tilecache/internal/tile"
)

// MaxJobTiles bounds the number of tiles one job may cover.
const MaxJobTiles = 10_000_000

var (
	ErrInvalidJob  = errors.New("invalid seed job")
	ErrJobNotFound = errors.New("seed job not found")
)

// Job describes tiles to render ahead of requests.
type Job struct {
	Layer   string            `json:"layer"`
	GridSet string            `json:"gridSet"`
	Format  string            `json:"format"`
	Params  map[string]string `json:"params,omitempty"`

	MinLevel uint32 `json:"minLevel"`
	MaxLevel uint32 `json:"maxLevel"`

	// BBox limits seeding to tiles intersecting it, in the grid set's SRS.
	BBox *gridset.BBox `json:"bbox,omitempty"`
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Progress is a snapshot of a job.
type Progress struct {
	ID         string    `json:"id"`
	Job        Job       `json:"job"`
	Status     Status    `json:"status"`
	Total      uint64    `json:"total"`
	Done       uint64    `json:"done"`
	Failed     uint64    `json:"failed"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Error      string    `json:"error,omitempty"`
}

type tracker struct {
	id      string
	job     Job
	total   uint64
	started time.Time

	done   atomic.Uint64
	failed atomic.Uint64

	mu       sync.Mutex
	status   Status
	finished time.Time
	err      error
	cancel   context.CancelFunc
}

func (t *tracker) finish(status Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.err = err
	t.finished = time.Now()
}

func (t *tracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := Progress{
		ID:         t.id,
		Job:        t.job,
		Status:     t.status,
		Total:      t.total,
		Done:       t.done.Load(),
		Failed:     t.failed.Load(),
		StartedAt:  t.started,
		FinishedAt: t.finished,
	}
	if t.err != nil {
		p.Error = t.err.Error()
	}
	return p
}

type Options struct {
	Workers  int
	MetaCols int
	MetaRows int
}

// Seeder runs seed jobs through the interceptor's seeding mode.
type Seeder struct {
	interceptor *intercept.Interceptor
	grids       *gridset.Registry
	renderer    render.Renderer
	store       blobstore.Store
	opts        Options
	logger      *zap.Logger

	mu   sync.Mutex
	jobs map[string]*tracker
	wg   sync.WaitGroup
}

func New(ic *intercept.Interceptor, grids *gridset.Registry, renderer render.Renderer, store blobstore.Store, opts Options, logger *zap.Logger) *Seeder {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MetaCols <= 0 {
		opts.MetaCols = 1
	}
	if opts.MetaRows <= 0 {
		opts.MetaRows = 1
	}
	return &Seeder{
		interceptor: ic,
		grids:       grids,
		renderer:    renderer,
		store:       store,
		opts:        opts,
		logger:      logger.Named("seed"),
		jobs:        make(map[string]*tracker),
	}
}

// ranges returns the tiles a job covers, one range per level.
func (s *Seeder) ranges(job Job) (*gridset.GridSet, []gridset.Range, uint64, error) {
	if job.Layer == "" || job.Format == "" {
		return nil, nil, 0, fmt.Errorf("%w: layer and format are required", ErrInvalidJob)
	}
	if job.MaxLevel < job.MinLevel {
		return nil, nil, 0, fmt.Errorf("%w: maxLevel %d is below minLevel %d", ErrInvalidJob, job.MaxLevel, job.MinLevel)
	}
	grid, err := s.grids.Get(job.GridSet)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if int(job.MaxLevel) >= grid.Levels() {
		return nil, nil, 0, fmt.Errorf("%w: grid set %s has %d levels", ErrInvalidJob, grid.ID, grid.Levels())
	}

	var (
		out   []gridset.Range
		total uint64
	)
	for level := job.MinLevel; level <= job.MaxLevel; level++ {
		var rng gridset.Range
		if job.BBox != nil {
			rng, err = grid.Covering(level, *job.BBox)
		} else {
			rng, err = grid.Full(level)
		}
		if err != nil {
			return nil, nil, 0, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		total += rng.Count()
		if total > MaxJobTiles {
			return nil, nil, 0, fmt.Errorf("%w: more than %d tiles", ErrInvalidJob, MaxJobTiles)
		}
		out = append(out, rng)
	}
	return grid, out, total, nil
}

// lowerNames returns params with lower-cased names, the form map requests carry.
func lowerNames(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Submit validates job and runs it in the background. The returned id can be
// passed to Status.
func (s *Seeder) Submit(job Job) (string, error) {
	job.Params = lowerNames(job.Params)
	grid, ranges, total, err := s.ranges(job)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &tracker{
		id:      uuid.New().String(),
		job:     job,
		total:   total,
		started: time.Now(),
		status:  StatusRunning,
		cancel:  cancel,
	}

	s.mu.Lock()
	s.jobs[t.id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, t, grid, ranges)
	}()

	s.logger.Info("Seed job submitted", zap.String("id", t.id), zap.String("layer", job.Layer), zap.Uint64("tiles", total))
	return t.id, nil
}

// Seed runs job to completion on the calling goroutine.
func (s *Seeder) Seed(ctx context.Context, job Job) (Progress, error) {
	job.Params = lowerNames(job.Params)
	grid, ranges, total, err := s.ranges(job)
	if err != nil {
		return Progress{}, err
	}
	t := &tracker{id: uuid.New().String(), job: job, total: total, started: time.Now(), status: StatusRunning}
	s.run(ctx, t, grid, ranges)

	p := t.snapshot()
	if p.Status != StatusDone {
		return p, t.err
	}
	return p, nil
}

func (s *Seeder) run(ctx context.Context, t *tracker, grid *gridset.GridSet, ranges []gridset.Range) {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.Workers)

	for _, rng := range ranges {
		for _, meta := range s.metatiles(grid, rng) {
			if ctx.Err() != nil {
				break
			}
			eg.Go(func() error {
				s.seedMetatile(ctx, t, grid, meta, rng)
				return nil
			})
		}
	}
	eg.Wait()

	switch {
	case ctx.Err() != nil:
		t.finish(StatusCancelled, ctx.Err())
	case t.failed.Load() > 0:
		t.finish(StatusFailed, fmt.Errorf("%d tiles failed to render", t.failed.Load()))
	default:
		t.finish(StatusDone, nil)
	}

	p := t.snapshot()
	s.logger.Info("Seed job finished",
		zap.String("id", p.ID),
		zap.String("status", string(p.Status)),
		zap.Uint64("done", p.Done),
		zap.Uint64("failed", p.Failed),
		zap.Duration("duration", p.FinishedAt.Sub(p.StartedAt)),
	)
}

// metatiles covers rng with metatiles aligned to the grid.
func (s *Seeder) metatiles(grid *gridset.GridSet, rng gridset.Range) []gridset.Range {
	cols, rows := uint64(s.opts.MetaCols), uint64(s.opts.MetaRows)
	var out []gridset.Range
	for y := rng.MinY / rows * rows; y <= rng.MaxY; y += rows {
		for x := rng.MinX / cols * cols; x <= rng.MaxX; x += cols {
			meta, err := grid.MetaTile(rng.Level, x, y, s.opts.MetaCols, s.opts.MetaRows)
			if err != nil {
				continue
			}
			out = append(out, meta)
		}
	}
	return out
}

func (s *Seeder) seedMetatile(ctx context.Context, t *tracker, grid *gridset.GridSet, meta, within gridset.Range) {
	if ctx.Err() != nil {
		return
	}

	// count only the tiles the job asked for
	var wanted uint64
	for y := meta.MinY; y <= meta.MaxY; y++ {
		for x := meta.MinX; x <= meta.MaxX; x++ {
			if within.Contains(x, y) {
				wanted++
			}
		}
	}

	bounds, err := grid.RangeBounds(meta)
	if err != nil {
		t.failed.Add(wanted)
		return
	}
	req := intercept.Request{
		Map: render.MapRequest{
			Layer:  t.job.Layer,
			SRS:    grid.SRS,
			BBox:   bounds,
			Width:  int(meta.Cols()) * grid.TileWidth,
			Height: int(meta.Rows()) * grid.TileHeight,
			Format: t.job.Format,
			Params: maps.Clone(t.job.Params),
		},
		GridSet: grid.ID,
		Mode:    intercept.ModeSeed,
	}

	if _, err := s.interceptor.Serve(ctx, req, s.renderer); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Failed to seed metatile",
				zap.String("job", t.id),
				zap.Uint32("level", meta.Level),
				zap.Uint64("x", meta.MinX),
				zap.Uint64("y", meta.MinY),
				zap.Error(err),
			)
		}
		t.failed.Add(wanted)
		return
	}
	t.done.Add(wanted)
}

func (s *Seeder) Status(id string) (Progress, error) {
	s.mu.Lock()
	t, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return t.snapshot(), nil
}

// Jobs lists every job submitted since start.
func (s *Seeder) Jobs() []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Progress, 0, len(s.jobs))
	for _, t := range s.jobs {
		out = append(out, t.snapshot())
	}
	return out
}

// Cancel stops a running job. Tiles already stored stay stored.
func (s *Seeder) Cancel(id string) error {
	s.mu.Lock()
	t, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	t.cancel()
	return nil
}

// TruncateRequest selects tiles to delete. Empty fields match everything.
type TruncateRequest struct {
	Layer   string            `json:"layer"`
	GridSet string            `json:"gridSet,omitempty"`
	Format  string            `json:"format,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Level   *uint32           `json:"level,omitempty"`
}

// Truncate deletes matching tiles from the cache and the durable backend.
func (s *Seeder) Truncate(ctx context.Context, req TruncateRequest) (bool, error) {
	if req.Layer == "" {
		return false, fmt.Errorf("%w: layer is required", ErrInvalidJob)
	}
	if req.Level != nil && req.GridSet == "" {
		return false, fmt.Errorf("%w: level requires a grid set", ErrInvalidJob)
	}
	p := tile.Pattern{Layer: req.Layer, Format: req.Format, Level: req.Level}
	if req.GridSet != "" {
		grid, err := s.grids.Get(req.GridSet)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		p.GridSet = grid.ID
	}
	if req.Params != nil {
		p = p.WithParameters(lowerNames(req.Params))
	}

	removed, err := s.store.DeleteMatching(ctx, p)
	if err != nil {
		return removed, err
	}
	s.logger.Info("Truncated tiles", zap.String("layer", req.Layer), zap.Bool("removed", removed))
	return removed, nil
}

// Close cancels running jobs and waits for them to stop.
func (s *Seeder) Close() {
	s.mu.Lock()
	for _, t := range s.jobs {
		t.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
