package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tilecache/internal/config"
	"tilecache/internal/gridset"
	"tilecache/internal/intercept"
	"tilecache/internal/metrics"
	"tilecache/internal/render"
	"tilecache/internal/seed"
	"tilecache/internal/store"
)

// SeedHeader selects seeding mode on a WMS request.
const SeedHeader = "X-Tilecache-Seed"

type Handlers struct {
	config      *config.Config
	logger      *zap.Logger
	interceptor *intercept.Interceptor
	renderer    render.Renderer
	seeder      *seed.Seeder
	store       *store.ConfigurableStore
	grids       *gridset.Registry
	metrics     metrics.Metrics
	gatherer    prometheus.Gatherer
}

func New(
	config *config.Config,
	logger *zap.Logger,
	interceptor *intercept.Interceptor,
	renderer render.Renderer,
	seeder *seed.Seeder,
	store *store.ConfigurableStore,
	grids *gridset.Registry,
	m metrics.Metrics,
	gatherer prometheus.Gatherer,
) *Handlers {
	if m == nil {
		m = metrics.Nop()
	}
	return &Handlers{
		config:      config,
		logger:      logger.Named("http"),
		interceptor: interceptor,
		renderer:    renderer,
		seeder:      seeder,
		store:       store,
		grids:       grids,
		metrics:     m,
		gatherer:    gatherer,
	}
}

// Router wires every route behind the logging and CORS middleware.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.RequestLoggingMiddleware, h.CORSMiddleware)

	r.HandleFunc("/wms", h.HandleWMS).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	r.HandleFunc("/tiles/{layer}/{gridset}/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}.{ext}", h.HandleTile).
		Methods(http.MethodGet, http.MethodHead, http.MethodOptions)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/seed", h.HandleListSeeds).Methods(http.MethodGet)
	api.HandleFunc("/seed", h.HandleSeed).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/seed/{id}", h.HandleSeedStatus).Methods(http.MethodGet)
	api.HandleFunc("/seed/{id}", h.HandleSeedCancel).Methods(http.MethodDelete)
	api.HandleFunc("/truncate", h.HandleTruncate).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/store/config", h.HandleGetStoreConfig).Methods(http.MethodGet)
	api.HandleFunc("/store/config", h.HandlePutStoreConfig).Methods(http.MethodPut, http.MethodOptions)
	api.HandleFunc("/store/stats", h.HandleStoreStats).Methods(http.MethodGet)

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", h.HandleHealthz).Methods(http.MethodGet)
	return r
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.metrics.RecordRequest(r.Method, route, duration.Seconds())

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match, "+SeedHeader)
			w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Cache")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// decodeJSON reads a bounded JSON body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
