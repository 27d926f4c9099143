package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matchcache"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matcher"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/logger"
)

const maxQueryBody = 1 << 20

// BuildDefaults apply to rebuild requests that omit the query parameters.
type BuildDefaults struct {
	IDField   string
	BatchSize int
	Workers   int
}

type Handler struct {
	service  *matcher.Service
	cache    *matchcache.Cache
	defaults BuildDefaults
	logger   *slog.Logger
}

func New(svc *matcher.Service, cache *matchcache.Cache, defaults BuildDefaults) *Handler {
	return &Handler{
		service:  svc,
		cache:    cache,
		defaults: defaults,
		logger:   slog.Default().With("component", "matcher-handler"),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/matches", h.Match)
	mux.HandleFunc("POST /api/v1/matches/explain", h.Explain)
	mux.HandleFunc("POST /api/v1/statistics/rebuild", h.Rebuild)
	mux.HandleFunc("POST /api/v1/statistics/reload", h.Reload)
	mux.HandleFunc("GET /api/v1/statistics", h.Statistics)
	mux.HandleFunc("DELETE /api/v1/records/{id}", h.DeleteRecord)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

type matchRequest struct {
	Fields      map[string]string `json:"fields"`
	Limit       int               `json:"limit"`
	CandidateID string            `json:"candidate_id,omitempty"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*matchRequest, bool) {
	var req matchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if len(req.Fields) == 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"fields": "at least one field is required"},
		})
		return nil, false
	}
	return &req, true
}

func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	result, err := h.service.Find(r.Context(), req.Fields, req.Limit)
	if err != nil {
		h.fail(w, r, "match query failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.CandidateID == "" {
		h.writeError(w, http.StatusBadRequest, "candidate_id is required")
		return
	}
	br, err := h.service.Explain(r.Context(), req.Fields, req.CandidateID)
	if err != nil {
		h.fail(w, r, "explain failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, br)
}

// Rebuild reads a JSON-lines body and replaces the corpus with it.
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	q := r.URL.Query()
	idField := h.defaults.IDField
	if v := q.Get("id_field"); v != "" {
		idField = v
	}
	batchSize, err := intParam(q.Get("batch_size"), h.defaults.BatchSize, 1)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "batch_size must be a positive integer")
		return
	}
	workers, err := intParam(q.Get("workers"), h.defaults.Workers, 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "workers must be a non-negative integer")
		return
	}

	report, err := h.service.BuildOrReplaceStatistics(ctx, ingestion.NewJSONLinesSource(r.Body, idField), batchSize, workers)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		log.Error("statistics rebuild failed", "error", err, "status_code", status)
		body := map[string]any{"error": err.Error()}
		var be *apperrors.BuildError
		if errors.As(err, &be) {
			body["build_id"] = be.BuildID
			body["batch_index"] = be.BatchIndex
			body["batches_failed"] = be.BatchesFailed
			body["batches_total"] = be.BatchesTotal
			body["records_processed"] = be.RecordsProcessed
		}
		h.writeJSON(w, status, body)
		return
	}
	log.Info("statistics rebuilt",
		"build_id", report.BuildID,
		"records_processed", report.RecordsProcessed,
		"batches_failed", report.BatchesFailed,
	)
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	meta, err := h.service.ReloadStatistics(r.Context())
	if err != nil {
		h.fail(w, r, "statistics reload failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, meta)
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"statistics": h.service.Statistics(),
		"building":   h.service.Building(),
	})
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.service.DeleteRecord(r.Context(), id); err != nil {
		h.fail(w, r, "record delete failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	var ve *apperrors.ValidationError
	if errors.As(err, &ve) {
		h.writeJSON(w, status, map[string]any{
			"error":  "validation failed",
			"fields": ve.Fields,
		})
		return
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(msg, "error", err, "status_code", status)
		h.writeError(w, status, msg)
		return
	}
	h.writeError(w, status, err.Error())
}

func intParam(raw string, def, min int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid value %q", raw)
	}
	return n, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
