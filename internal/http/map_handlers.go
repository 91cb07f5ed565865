package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tilecache/internal/intercept"
	"tilecache/internal/render"
	"tilecache/internal/tile"
)

// HandleWMS answers a WMS GetMap request through the tile cache.
func (h *Handlers) HandleWMS(w http.ResponseWriter, r *http.Request) {
	m, err := render.ParseGetMap(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := intercept.Request{
		Map:         m,
		IfNoneMatch: r.Header.Get("If-None-Match"),
	}
	if seeding, _ := strconv.ParseBool(r.Header.Get(SeedHeader)); seeding {
		req.Mode = intercept.ModeSeed
	}
	h.serve(w, r, req)
}

// HandleTile answers a single tile addressed by grid coordinates. Query parameters
// other than the coordinates become tile parameters.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	ext := vars["ext"]
	if ext == "jpg" {
		ext = "jpeg"
	}
	format, ok := tile.FormatFromExtension(ext)
	if !ok {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}

	grid, err := h.grids.Get(vars["gridset"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	z, errZ := strconv.ParseUint(vars["z"], 10, 32)
	x, errX := strconv.ParseUint(vars["x"], 10, 64)
	y, errY := strconv.ParseUint(vars["y"], 10, 64)
	if errZ != nil || errX != nil || errY != nil {
		http.Error(w, "Invalid tile coordinates", http.StatusBadRequest)
		return
	}
	bounds, err := grid.TileBounds(uint32(z), x, y)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	req := intercept.Request{
		Map: render.MapRequest{
			Layer:  vars["layer"],
			SRS:    grid.SRS,
			BBox:   bounds,
			Width:  grid.TileWidth,
			Height: grid.TileHeight,
			Format: format,
			Params: tileParams(r.URL.Query()),
		},
		GridSet:     grid.ID,
		IfNoneMatch: r.Header.Get("If-None-Match"),
	}
	h.serve(w, r, req)
}

func tileParams(q url.Values) map[string]string {
	params := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			continue
		}
		params[strings.ToLower(k)] = v[0]
	}
	return params
}

func (h *Handlers) serve(w http.ResponseWriter, r *http.Request, req intercept.Request) {
	resp, err := h.interceptor.Serve(r.Context(), req, h.renderer)
	if err != nil {
		h.writeServeError(w, r, req, err)
		return
	}
	h.writeResponse(w, r, resp)
}

func (h *Handlers) writeServeError(w http.ResponseWriter, r *http.Request, req intercept.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// client went away
		return
	case intercept.IsNotCacheable(err), errors.Is(err, render.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, render.ErrUpstream):
		h.logger.Warn("Upstream render failed", zap.String("layer", req.Map.Layer), zap.Error(err))
		http.Error(w, "Upstream map server failed", http.StatusBadGateway)
	default:
		h.logger.Error("Failed to serve map", zap.String("layer", req.Map.Layer), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handlers) writeResponse(w http.ResponseWriter, r *http.Request, resp *intercept.Response) {
	header := w.Header()

	if resp.Outcome == intercept.OutcomeSeeded {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if resp.Cacheable() {
		header.Set("ETag", `"`+resp.ETag+`"`)
		if !resp.LastModified.IsZero() {
			header.Set("Last-Modified", resp.LastModified.UTC().Format(http.TimeFormat))
		}
		header.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(resp.MaxAge.Seconds())))
	}

	switch resp.Outcome {
	case intercept.OutcomeNotModified:
		header.Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusNotModified)
		return
	case intercept.OutcomeHit:
		header.Set("X-Cache", "HIT")
	case intercept.OutcomeMiss:
		header.Set("X-Cache", "MISS")
	default:
		header.Set("X-Cache", "PASS")
		header.Set("Cache-Control", "no-store")
	}

	header.Set("Content-Type", resp.ContentType)
	header.Set("Content-Length", strconv.Itoa(len(resp.Data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(resp.Data)
}
