package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"corpora/features/document"
	"corpora/internal/middleware"
)

type DocumentRepo interface {
	CountByState(ctx context.Context) (map[document.State]int, error)
}

type ChunkRepo interface {
	Count(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type VectorIndex interface {
	CountRecords(ctx context.Context) (int, error)
}

type Handler struct {
	docRepo   DocumentRepo
	chunkRepo ChunkRepo
	jobRepo   JobRepo
	index     VectorIndex
}

func NewHandler(d DocumentRepo, c ChunkRepo, j JobRepo, v VectorIndex) *Handler {
	return &Handler{docRepo: d, chunkRepo: c, jobRepo: j, index: v}
}

type StatsResponse struct {
	Documents        int                    `json:"documents"`
	DocumentsByState map[document.State]int `json:"documents_by_state"`
	Chunks           int                    `json:"chunks"`
	IndexedVectors   int                    `json:"indexed_vectors"`
	FailedJobs       int                    `json:"failed_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	byState, err := h.docRepo.CountByState(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count documents", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count documents", http.StatusInternalServerError)
		return
	}
	total := 0
	for _, n := range byState {
		total += n
	}

	cCount, err := h.chunkRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	jCount, err := h.jobRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	// The index count can lag the durable store; it is reported as-is
	// so drift is visible, not hidden.
	vCount, err := h.index.CountRecords(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to count indexed vectors", "error", err)
		vCount = -1
	}

	resp := StatsResponse{
		Documents:        total,
		DocumentsByState: byState,
		Chunks:           cCount,
		IndexedVectors:   vCount,
		FailedJobs:       jCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
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
