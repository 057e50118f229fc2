package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/chronosearch/backend/internal/auth"
	"github.com/chronosearch/backend/internal/logging"
	"github.com/chronosearch/backend/internal/models"
	"github.com/chronosearch/backend/internal/repositories"
	"github.com/chronosearch/backend/internal/search"
)

const defaultInVideoResults = 5

// SearchHandler implements the in-video and global search endpoints.
type SearchHandler struct {
	Engine Searcher
}

type searchHitResponse struct {
	VideoID   string  `json:"video_id"`
	Title     string  `json:"title,omitempty"`
	Timestamp float64 `json:"timestamp"`
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type"`
}

// InVideo handles GET /api/search?query=...&video_id=...; hits are moments
// inside one video ordered best first.
func (h SearchHandler) InVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	query := searchQuery(r)
	if query == "" {
		respondError(ctx, w, http.StatusBadRequest, "query parameter is required")
		return
	}

	videoID := requestVideoID(r)
	if videoID == "" {
		respondError(ctx, w, http.StatusBadRequest, "video_id parameter is required")
		return
	}
	k := queryInt(r, "k", defaultInVideoResults)

	hits, err := h.Engine.InVideo(ctx, auth.UserIDFromContext(ctx), videoID, query, k)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			respondError(ctx, w, http.StatusNotFound, "video not found")
		case errors.Is(err, search.ErrNotIndexed):
			respondError(ctx, w, http.StatusConflict, "video is not indexed yet")
		default:
			logger.Error("in-video search", "error", err, "videoId", videoID)
			respondError(ctx, w, http.StatusInternalServerError, "search failed")
		}
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]any{"results": toHitResponses(hits)})
}

// Global handles GET /api/search_global?query=..., blending title and visual
// matches across every video the caller may see.
func (h SearchHandler) Global(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	query := searchQuery(r)
	if query == "" {
		respondError(ctx, w, http.StatusBadRequest, "query parameter is required")
		return
	}

	hits, err := h.Engine.Global(ctx, auth.UserIDFromContext(ctx), query)
	if err != nil {
		logger.Error("global search", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "search failed")
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]any{"results": toHitResponses(hits)})
}

// searchQuery reads the search text; `query` is the documented parameter, `q`
// is kept as an alias.
func searchQuery(r *http.Request) string {
	if q := strings.TrimSpace(r.URL.Query().Get("query")); q != "" {
		return q
	}
	return strings.TrimSpace(r.URL.Query().Get("q"))
}

func toHitResponses(hits []models.SearchHit) []searchHitResponse {
	out := make([]searchHitResponse, 0, len(hits))
	for _, hit := range hits {
		out = append(out, searchHitResponse{
			VideoID:   hit.VideoID,
			Title:     hit.Title,
			Timestamp: hit.Timestamp,
			Score:     hit.Score,
			MatchType: hit.MatchType,
		})
	}
	return out
}
