package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/imgdex/internal/dedup"
	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxBatchPaths      = 1000
)

type SearchRequest struct {
	Path   string    `json:"path"`
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k"`
}

type SearchResponse struct {
	Results []index.Result `json:"results"`
}

type BatchSearchRequest struct {
	Paths []string `json:"paths"`
	TopK  int      `json:"top_k"`
}

type BatchSearchResponse struct {
	Results map[string][]index.Result `json:"results"`
}

type RebuildRequest struct {
	ApplyFilter bool `json:"apply_filter"`
}

// NewAppHandler returns the JSON API. Bearer auth is enforced on every
// route except /health when deps.Token is set.
func NewAppHandler(svc *Service) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(svc))

	r.Group(func(r chi.Router) {
		if svc.deps.Token != "" {
			r.Use(BearerAuth(svc.deps.Token))
		}
		r.Get("/stats", handleStats(svc))
		r.Post("/search", handleSearch(svc))
		r.Post("/search/batch", handleBatchSearch(svc))
		r.Post("/duplicates", handleDuplicates(svc))
		r.Post("/index/rebuild", handleRebuild(svc))
	})

	return r
}

func handleHealth(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"index":  svc.indexStatus(),
		})
	}
}

func handleStats(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleSearch(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if (req.Path == "") == (len(req.Vector) == 0) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "exactly one of path or vector is required")
			return
		}

		k := svc.topK(req.TopK)
		var results []index.Result
		if req.Path != "" {
			results = svc.deps.Search.SearchByImage(r.Context(), req.Path, k)
		} else {
			results = svc.deps.Search.SearchByVector(r.Context(), req.Vector, k)
		}
		if results == nil {
			results = []index.Result{}
		}
		writeJSON(w, http.StatusOK, SearchResponse{Results: results})
	}
}

func handleBatchSearch(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchSearchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Paths) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "paths is required")
			return
		}
		if len(req.Paths) > maxBatchPaths {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d paths per batch", maxBatchPaths)
			return
		}
		results := svc.deps.Search.SearchMany(r.Context(), req.Paths, svc.topK(req.TopK))
		writeJSON(w, http.StatusOK, BatchSearchResponse{Results: results})
	}
}

func handleDuplicates(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DuplicatesRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := svc.Duplicates(r.Context(), req)
		if err != nil {
			writeStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res.Report())
	}
}

func handleRebuild(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RebuildRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		resp, err := svc.Rebuild(r.Context(), req.ApplyFilter)
		if err != nil {
			writeStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeStateError maps engine sentinels to HTTP statuses.
func writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dedup.ErrInvalidThreshold), errors.Is(err, dedup.ErrUnknownStrategy):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case isStateError(err):
		httpError(w, http.StatusConflict, "state_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

// isStateError reports whether err describes missing or unusable index or
// feature data rather than a bad request or an internal failure.
func isStateError(err error) bool {
	return errors.Is(err, index.ErrNoIndex) ||
		errors.Is(err, index.ErrEmpty) ||
		errors.Is(err, index.ErrIncompleteSnapshot) ||
		errors.Is(err, index.ErrDimensionMismatch) ||
		errors.Is(err, storage.ErrCorrupt)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
