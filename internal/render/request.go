// Package render describes map requests and reaches the upstream map server that
// renders them.
package render

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"

	"tilecache/internal/gridset"
)

var ErrBadRequest = errors.New("malformed map request")

// MapRequest is a WMS GetMap request reduced to what affects the rendered bytes.
type MapRequest struct {
	Layer  string
	SRS    string
	BBox   gridset.BBox
	Width  int
	Height int
	Format string

	// Params holds every other request parameter, with lower-cased names.
	// Blank values are dropped.
	Params map[string]string
}

// spatial parameters are carried by the other fields
var reserved = map[string]bool{
	"service":    true,
	"version":    true,
	"request":    true,
	"layers":     true,
	"srs":        true,
	"crs":        true,
	"bbox":       true,
	"width":      true,
	"height":     true,
	"format":     true,
	"exceptions": true,
}

// ParseGetMap reads a GetMap query string. Parameter names are case-insensitive.
// A WMS 1.3.0 request in EPSG:4326 carries latitude first and is reordered.
func ParseGetMap(query url.Values) (MapRequest, error) {
	get := func(name string) string {
		for k, v := range query {
			if strings.EqualFold(k, name) && len(v) > 0 {
				return v[0]
			}
		}
		return ""
	}

	if r := get("request"); r != "" && !strings.EqualFold(r, "GetMap") {
		return MapRequest{}, fmt.Errorf("%w: unsupported request %q", ErrBadRequest, r)
	}

	req := MapRequest{
		Layer:  get("layers"),
		SRS:    get("srs"),
		Format: get("format"),
		Params: map[string]string{},
	}
	if req.SRS == "" {
		req.SRS = get("crs")
	}
	switch {
	case req.Layer == "":
		return MapRequest{}, fmt.Errorf("%w: missing LAYERS", ErrBadRequest)
	case strings.Contains(req.Layer, ","):
		return MapRequest{}, fmt.Errorf("%w: only one layer per request is supported", ErrBadRequest)
	case req.SRS == "":
		return MapRequest{}, fmt.Errorf("%w: missing SRS", ErrBadRequest)
	case req.Format == "":
		return MapRequest{}, fmt.Errorf("%w: missing FORMAT", ErrBadRequest)
	}

	var err error
	if req.Width, err = strconv.Atoi(get("width")); err != nil || req.Width <= 0 {
		return MapRequest{}, fmt.Errorf("%w: bad WIDTH", ErrBadRequest)
	}
	if req.Height, err = strconv.Atoi(get("height")); err != nil || req.Height <= 0 {
		return MapRequest{}, fmt.Errorf("%w: bad HEIGHT", ErrBadRequest)
	}
	if req.BBox, err = parseBBox(get("bbox")); err != nil {
		return MapRequest{}, err
	}
	if get("version") == "1.3.0" && strings.EqualFold(req.SRS, "EPSG:4326") {
		b := req.BBox
		req.BBox = gridset.BBox{MinX: b.MinY, MinY: b.MinX, MaxX: b.MaxY, MaxY: b.MaxX}
	}

	for k, v := range query {
		name := strings.ToLower(k)
		if reserved[name] || len(v) == 0 || v[0] == "" {
			continue
		}
		req.Params[name] = v[0]
	}
	return req, nil
}

func parseBBox(s string) (gridset.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return gridset.BBox{}, fmt.Errorf("%w: BBOX needs four values", ErrBadRequest)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return gridset.BBox{}, fmt.Errorf("%w: bad BBOX value %q", ErrBadRequest, p)
		}
		v[i] = f
	}
	b := gridset.BBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}
	if !b.Valid() {
		return gridset.BBox{}, fmt.Errorf("%w: empty BBOX", ErrBadRequest)
	}
	return b, nil
}

// Query encodes the request as a WMS 1.1.1 GetMap query.
func (r MapRequest) Query() url.Values {
	q := url.Values{}
	for k, v := range r.Params {
		q.Set(strings.ToUpper(k), v)
	}
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", "1.1.1")
	q.Set("REQUEST", "GetMap")
	q.Set("LAYERS", r.Layer)
	q.Set("SRS", r.SRS)
	q.Set("BBOX", formatBBox(r.BBox))
	q.Set("WIDTH", strconv.Itoa(r.Width))
	q.Set("HEIGHT", strconv.Itoa(r.Height))
	q.Set("FORMAT", r.Format)
	if _, ok := r.Params["styles"]; !ok {
		q.Set("STYLES", "")
	}
	return q
}

// WithExtent returns a copy of r covering bbox at width x height pixels.
func (r MapRequest) WithExtent(bbox gridset.BBox, width, height int) MapRequest {
	out := r
	out.BBox = bbox
	out.Width = width
	out.Height = height
	out.Params = maps.Clone(r.Params)
	return out
}

func formatBBox(b gridset.BBox) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(b.MinX) + "," + f(b.MinY) + "," + f(b.MaxX) + "," + f(b.MaxY)
}
