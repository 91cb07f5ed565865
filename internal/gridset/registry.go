package gridset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownGridSet = errors.New("unknown grid set")

const (
	WorldEPSG4326   = "EPSG:4326"
	WorldEPSG900913 = "EPSG:900913"
	WorldEPSG3857   = "EPSG:3857"

	webMercatorHalfWidth = 20037508.342789244
)

// halving returns n resolutions starting at first, each half the previous one.
func halving(first float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = first
		first /= 2
	}
	return out
}

// Geographic is the plate carree world grid: two 256px tiles at level 0.
func Geographic() *GridSet {
	return &GridSet{
		ID:          WorldEPSG4326,
		SRS:         "EPSG:4326",
		Extent:      BBox{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90},
		Resolutions: halving(180.0/256, 22),
		TileWidth:   256,
		TileHeight:  256,
	}
}

// WebMercator is the spherical mercator world grid: one 256px tile at level 0.
func WebMercator() *GridSet {
	return &GridSet{
		ID:          WorldEPSG900913,
		SRS:         "EPSG:900913",
		Extent:      BBox{MinX: -webMercatorHalfWidth, MinY: -webMercatorHalfWidth, MaxX: webMercatorHalfWidth, MaxY: webMercatorHalfWidth},
		Resolutions: halving(2*webMercatorHalfWidth/256, 25),
		TileWidth:   256,
		TileHeight:  256,
	}
}

// Registry holds grid sets by id. Aliases resolve to a registered id.
type Registry struct {
	mu      sync.RWMutex
	sets    map[string]*GridSet
	aliases map[string]string
}

// NewRegistry returns a registry with the built-in world grids.
func NewRegistry() *Registry {
	r := &Registry{
		sets:    make(map[string]*GridSet),
		aliases: make(map[string]string),
	}
	r.sets[WorldEPSG4326] = Geographic()
	r.sets[WorldEPSG900913] = WebMercator()
	r.aliases[WorldEPSG3857] = WorldEPSG900913
	return r
}

// Register adds or replaces a grid set.
func (r *Registry) Register(g *GridSet) error {
	if err := g.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[g.ID] = g
	delete(r.aliases, g.ID)
	return nil
}

// Alias makes alias resolve to the registered grid set id.
func (r *Registry) Alias(alias, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGridSet, id)
	}
	r.aliases[alias] = id
	return nil
}

func (r *Registry) Get(id string) (*GridSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[id]; ok {
		id = target
	}
	g, ok := r.sets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGridSet, id)
	}
	return g, nil
}

// IDs lists registered grid set ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sets))
	for id := range r.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
