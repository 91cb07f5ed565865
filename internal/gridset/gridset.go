// Package gridset describes tiling schemes and maps requested map extents onto tile
// coordinates.
package gridset

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrNotAligned   = errors.New("request is not aligned to the grid")
	ErrOutOfRange   = errors.New("tile outside the grid")
	ErrUnknownLevel = errors.New("unknown zoom level")
)

const (
	// resolutions closer than this relative distance are the same level
	resolutionTolerance = 1e-6
	// offsets within this fraction of a tile snap to the tile edge
	alignmentTolerance = 1e-3
)

// BBox is an extent in the grid set's coordinate reference system.
type BBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

func (b BBox) Width() float64  { return b.MaxX - b.MinX }
func (b BBox) Height() float64 { return b.MaxY - b.MinY }

func (b BBox) Valid() bool {
	return b.MaxX > b.MinX && b.MaxY > b.MinY
}

// Intersects reports whether b and o overlap by more than an edge.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX < o.MaxX && o.MinX < b.MaxX && b.MinY < o.MaxY && o.MinY < b.MaxY
}

// GridSet is a tiling scheme. Tiles are numbered from the top-left corner of the
// extent, x growing east and y growing south.
type GridSet struct {
	ID          string
	SRS         string
	Extent      BBox
	Resolutions []float64
	TileWidth   int
	TileHeight  int
}

// Range is an inclusive block of tiles on one level.
type Range struct {
	Level uint32
	MinX  uint64
	MinY  uint64
	MaxX  uint64
	MaxY  uint64
}

func (r Range) Cols() uint64 { return r.MaxX - r.MinX + 1 }
func (r Range) Rows() uint64 { return r.MaxY - r.MinY + 1 }

func (r Range) Count() uint64 {
	return r.Cols() * r.Rows()
}

func (r Range) Contains(x, y uint64) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

func (g *GridSet) Validate() error {
	switch {
	case g.ID == "":
		return errors.New("grid set id is required")
	case !g.Extent.Valid():
		return fmt.Errorf("grid set %s: empty extent", g.ID)
	case g.TileWidth <= 0 || g.TileHeight <= 0:
		return fmt.Errorf("grid set %s: tile size must be positive", g.ID)
	case len(g.Resolutions) == 0:
		return fmt.Errorf("grid set %s: no resolutions", g.ID)
	}
	for i, res := range g.Resolutions {
		if res <= 0 {
			return fmt.Errorf("grid set %s: resolution %d is not positive", g.ID, i)
		}
		if i > 0 && res >= g.Resolutions[i-1] {
			return fmt.Errorf("grid set %s: resolutions must decrease", g.ID)
		}
	}
	return nil
}

func (g *GridSet) Levels() int {
	return len(g.Resolutions)
}

func (g *GridSet) resolution(level uint32) (float64, error) {
	if int(level) >= len(g.Resolutions) {
		return 0, fmt.Errorf("%w: %d (grid set %s has %d levels)", ErrUnknownLevel, level, g.ID, len(g.Resolutions))
	}
	return g.Resolutions[level], nil
}

// GridSize returns the number of tile columns and rows on a level. Partial tiles at
// the east and south edges count.
func (g *GridSet) GridSize(level uint32) (cols, rows uint64, err error) {
	res, err := g.resolution(level)
	if err != nil {
		return 0, 0, err
	}
	cols = uint64(math.Ceil(g.Extent.Width()/(res*float64(g.TileWidth)) - alignmentTolerance))
	rows = uint64(math.Ceil(g.Extent.Height()/(res*float64(g.TileHeight)) - alignmentTolerance))
	return max(cols, 1), max(rows, 1), nil
}

// TileBounds returns the extent covered by one tile.
func (g *GridSet) TileBounds(level uint32, x, y uint64) (BBox, error) {
	cols, rows, err := g.GridSize(level)
	if err != nil {
		return BBox{}, err
	}
	if x >= cols || y >= rows {
		return BBox{}, fmt.Errorf("%w: %d/%d/%d", ErrOutOfRange, level, x, y)
	}
	return g.rangeBounds(Range{Level: level, MinX: x, MinY: y, MaxX: x, MaxY: y}), nil
}

// RangeBounds returns the extent covered by a block of tiles.
func (g *GridSet) RangeBounds(r Range) (BBox, error) {
	if _, err := g.resolution(r.Level); err != nil {
		return BBox{}, err
	}
	return g.rangeBounds(r), nil
}

func (g *GridSet) rangeBounds(r Range) BBox {
	res := g.Resolutions[r.Level]
	tw := res * float64(g.TileWidth)
	th := res * float64(g.TileHeight)
	return BBox{
		MinX: g.Extent.MinX + float64(r.MinX)*tw,
		MaxX: g.Extent.MinX + float64(r.MaxX+1)*tw,
		MaxY: g.Extent.MaxY - float64(r.MinY)*th,
		MinY: g.Extent.MaxY - float64(r.MaxY+1)*th,
	}
}

// LevelFor returns the level whose resolution matches res.
func (g *GridSet) LevelFor(res float64) (uint32, bool) {
	for i, r := range g.Resolutions {
		if math.Abs(r-res)/r < resolutionTolerance {
			return uint32(i), true
		}
	}
	return 0, false
}

// TileRange resolves a map request of width x height pixels over bbox to the tiles
// it covers. The request must sit on tile boundaries at one of the grid's
// resolutions, otherwise ErrNotAligned is returned.
func (g *GridSet) TileRange(bbox BBox, width, height int) (Range, error) {
	if !bbox.Valid() || width <= 0 || height <= 0 {
		return Range{}, fmt.Errorf("%w: empty request", ErrNotAligned)
	}
	if width%g.TileWidth != 0 || height%g.TileHeight != 0 {
		return Range{}, fmt.Errorf("%w: %dx%d is not a multiple of the %dx%d tile size", ErrNotAligned, width, height, g.TileWidth, g.TileHeight)
	}

	resX := bbox.Width() / float64(width)
	resY := bbox.Height() / float64(height)
	if math.Abs(resX-resY)/resX > resolutionTolerance {
		return Range{}, fmt.Errorf("%w: anisotropic resolution", ErrNotAligned)
	}
	level, ok := g.LevelFor(resX)
	if !ok {
		return Range{}, fmt.Errorf("%w: resolution %g matches no level", ErrNotAligned, resX)
	}

	res := g.Resolutions[level]
	x0, ok := snap((bbox.MinX - g.Extent.MinX) / (res * float64(g.TileWidth)))
	if !ok {
		return Range{}, fmt.Errorf("%w: west edge falls inside a tile", ErrNotAligned)
	}
	y0, ok := snap((g.Extent.MaxY - bbox.MaxY) / (res * float64(g.TileHeight)))
	if !ok {
		return Range{}, fmt.Errorf("%w: north edge falls inside a tile", ErrNotAligned)
	}
	if x0 < 0 || y0 < 0 {
		return Range{}, fmt.Errorf("%w: request starts outside the grid", ErrOutOfRange)
	}

	r := Range{
		Level: level,
		MinX:  uint64(x0),
		MinY:  uint64(y0),
		MaxX:  uint64(x0) + uint64(width/g.TileWidth) - 1,
		MaxY:  uint64(y0) + uint64(height/g.TileHeight) - 1,
	}
	cols, rows, _ := g.GridSize(level)
	if r.MaxX >= cols || r.MaxY >= rows {
		return Range{}, fmt.Errorf("%w: request extends past the grid", ErrOutOfRange)
	}
	return r, nil
}

func snap(v float64) (int64, bool) {
	n := math.Round(v)
	if math.Abs(v-n) > alignmentTolerance {
		return 0, false
	}
	return int64(n), true
}

// MetaTile returns the block of cols x rows tiles that contains tile x,y, clipped
// to the grid. Metatiles are aligned to multiples of their size.
func (g *GridSet) MetaTile(level uint32, x, y uint64, cols, rows int) (Range, error) {
	gridCols, gridRows, err := g.GridSize(level)
	if err != nil {
		return Range{}, err
	}
	if x >= gridCols || y >= gridRows {
		return Range{}, fmt.Errorf("%w: %d/%d/%d", ErrOutOfRange, level, x, y)
	}
	if cols <= 0 || rows <= 0 {
		return Range{}, fmt.Errorf("metatile size %dx%d must be positive", cols, rows)
	}

	mx := x / uint64(cols) * uint64(cols)
	my := y / uint64(rows) * uint64(rows)
	return Range{
		Level: level,
		MinX:  mx,
		MinY:  my,
		MaxX:  min(mx+uint64(cols), gridCols) - 1,
		MaxY:  min(my+uint64(rows), gridRows) - 1,
	}, nil
}

// Covering returns the tiles on level that intersect bbox, clipped to the grid.
func (g *GridSet) Covering(level uint32, bbox BBox) (Range, error) {
	cols, rows, err := g.GridSize(level)
	if err != nil {
		return Range{}, err
	}
	if !bbox.Intersects(g.Extent) {
		return Range{}, fmt.Errorf("%w: bbox does not intersect grid set %s", ErrOutOfRange, g.ID)
	}

	res := g.Resolutions[level]
	tw := res * float64(g.TileWidth)
	th := res * float64(g.TileHeight)

	clamp := func(v float64, n uint64) uint64 {
		if v < 0 {
			return 0
		}
		if uint64(v) >= n {
			return n - 1
		}
		return uint64(v)
	}
	return Range{
		Level: level,
		MinX:  clamp(math.Floor((bbox.MinX-g.Extent.MinX)/tw), cols),
		MaxX:  clamp(math.Ceil((bbox.MaxX-g.Extent.MinX)/tw)-1, cols),
		MinY:  clamp(math.Floor((g.Extent.MaxY-bbox.MaxY)/th), rows),
		MaxY:  clamp(math.Ceil((g.Extent.MaxY-bbox.MinY)/th)-1, rows),
	}, nil
}

// Full returns every tile on a level.
func (g *GridSet) Full(level uint32) (Range, error) {
	cols, rows, err := g.GridSize(level)
	if err != nil {
		return Range{}, err
	}
	return Range{Level: level, MaxX: cols - 1, MaxY: rows - 1}, nil
}
