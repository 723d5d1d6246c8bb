package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"corpora/internal/middleware"
	"corpora/internal/retrieval"
)

type Searcher interface {
	Search(ctx context.Context, query string, opts *retrieval.SearchOptions) (*retrieval.Result, error)
}

type Handler struct {
	searcher Searcher
}

func NewHandler(s Searcher) *Handler {
	return &Handler{searcher: s}
}

// Search runs the retrieval gate over the knowledge base. A declined
// query still returns 200: the verdict is the payload.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Query string `json:"query"`
		TopK  *int   `json:"top_k,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "query is required", http.StatusBadRequest)
		return
	}
	if req.TopK != nil && *req.TopK < 1 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "top_k must be positive", http.StatusBadRequest)
		return
	}

	var opts *retrieval.SearchOptions
	if req.TopK != nil {
		opts = &retrieval.SearchOptions{Limit: req.TopK}
	}

	result, err := h.searcher.Search(ctx, req.Query, opts)
	if err != nil {
		slog.ErrorContext(ctx, "search failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": result}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
