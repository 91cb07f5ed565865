package http

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tilecache/internal/seed"
	"tilecache/internal/store"
)

func (h *Handlers) HandleSeed(w http.ResponseWriter, r *http.Request) {
	var job seed.Job
	if err := decodeJSON(w, r, &job); err != nil {
		http.Error(w, "Invalid seed job: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.seeder.Submit(job)
	if err != nil {
		if errors.Is(err, seed.ErrInvalidJob) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to submit seed job", zap.Error(err))
		http.Error(w, "Failed to submit seed job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/api/seed/"+id)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handlers) HandleListSeeds(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.seeder.Jobs())
}

func (h *Handlers) HandleSeedStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.seeder.Status(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) HandleSeedCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.seeder.Cancel(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleTruncate(w http.ResponseWriter, r *http.Request) {
	var req seed.TruncateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid truncate request: "+err.Error(), http.StatusBadRequest)
		return
	}

	removed, err := h.seeder.Truncate(r.Context(), req)
	if err != nil {
		if errors.Is(err, seed.ErrInvalidJob) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to truncate tiles", zap.String("layer", req.Layer), zap.Error(err))
		http.Error(w, "Failed to truncate tiles", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

type storeConfigResponse struct {
	State         store.State         `json:"state"`
	Configuration store.Configuration `json:"configuration"`
}

func (h *Handlers) HandleGetStoreConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, storeConfigResponse{
		State:         h.store.State(),
		Configuration: h.store.Configuration(),
	})
}

// HandlePutStoreConfig replaces the store configuration as a whole. The object
// storage secret never travels over the API; the active one is kept.
func (h *Handlers) HandlePutStoreConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.Configuration
	if err := decodeJSON(w, r, &cfg); err != nil {
		http.Error(w, "Invalid store configuration: "+err.Error(), http.StatusBadRequest)
		return
	}
	cfg.S3.SecretKey = h.store.Configuration().S3.SecretKey

	if err := h.store.Apply(r.Context(), cfg); err != nil {
		var cfgErr *store.ConfigurationError
		if errors.As(err, &cfgErr) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to apply store configuration", zap.Error(err))
		http.Error(w, "Failed to apply store configuration", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, storeConfigResponse{
		State:         h.store.State(),
		Configuration: h.store.Configuration(),
	})
}

func (h *Handlers) HandleStoreStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Stats())
}
