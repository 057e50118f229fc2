package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/chronosearch/backend/internal/auth"
	"github.com/chronosearch/backend/internal/logging"
	"github.com/chronosearch/backend/internal/models"
	"github.com/chronosearch/backend/internal/pipeline"
	"github.com/chronosearch/backend/internal/repositories"
	"github.com/chronosearch/backend/internal/storage"
)

const defaultFeedLimit = 50

var contentTypeByExt = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// VideoHandler implements upload, catalog and streaming endpoints.
type VideoHandler struct {
	Videos         VideoCatalog
	Objects        storage.ObjectStore
	Index          IndexScheduler
	Frames         FrameCounter
	UploadLimiter  RateLimiter
	ReindexLimiter RateLimiter
	MaxUploadBytes int64
	NowFunc        func() time.Time
}

type videoResponse struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Title      string    `json:"title"`
	Tags       string    `json:"tags,omitempty"`
	Visibility string    `json:"visibility"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Upload handles POST /api/upload. The video bytes are persisted to the
// object store and an indexing run is queued; the response returns before
// indexing completes.
func (h VideoHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	ownerID := auth.UserIDFromContext(ctx)
	if ownerID == "" {
		respondError(ctx, w, http.StatusUnauthorized, "authentication required")
		return
	}

	if !allowRequest(h.UploadLimiter, r, "upload") {
		logger.Warn("upload rate limited", "userId", ownerID)
		respondError(ctx, w, http.StatusTooManyRequests, "too many uploads, slow down")
		return
	}

	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		logger.Warn("invalid upload form", "error", err)
		respondError(ctx, w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(ctx, w, http.StatusBadRequest, "video file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := contentTypeByExt[ext]; !ok {
		respondError(ctx, w, http.StatusBadRequest, "unsupported video format")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = strings.TrimSuffix(header.Filename, ext)
	}

	visibility := strings.TrimSpace(r.FormValue("visibility"))
	switch visibility {
	case "":
		visibility = models.VisibilityPublic
	case models.VisibilityPublic, models.VisibilityPrivate:
	default:
		respondError(ctx, w, http.StatusBadRequest, "visibility must be public or private")
		return
	}

	videoID := uuid.NewString()
	storageKey := fmt.Sprintf("videos/%s%s", videoID, ext)

	if _, err := h.Objects.Save(ctx, storageKey, file); err != nil {
		logger.Error("store upload", "error", err, "videoId", videoID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to store video")
		return
	}

	video := models.Video{
		ID:         videoID,
		OwnerID:    ownerID,
		Filename:   header.Filename,
		Title:      title,
		Tags:       strings.TrimSpace(r.FormValue("tags")),
		Visibility: visibility,
		Status:     models.StatusPending,
		StorageKey: storageKey,
		CreatedAt:  h.now(),
	}

	if err := h.Videos.Create(ctx, video); err != nil {
		logger.Error("create video record", "error", err, "videoId", videoID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to save video")
		return
	}

	if err := h.Index.Enqueue(ctx, video); err != nil {
		// The record stays pending; a later reindex can repair it.
		logger.Error("queue indexing", "error", err, "videoId", videoID)
	}

	respondJSON(ctx, w, http.StatusAccepted, map[string]string{
		"status":   "success",
		"video_id": videoID,
	})
}

// Feed handles GET /api/feed, listing public videos newest first.
func (h VideoHandler) Feed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	limit := queryInt(r, "limit", defaultFeedLimit)
	offset := queryInt(r, "offset", 0)

	videos, err := h.Videos.ListFeed(ctx, limit, offset)
	if err != nil {
		logger.Error("list feed", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "failed to load feed")
		return
	}

	respondJSON(ctx, w, http.StatusOK, toVideoResponses(videos))
}

// MyVideos handles GET /api/my_videos, listing everything the caller owns
// regardless of visibility.
func (h VideoHandler) MyVideos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	ownerID := auth.UserIDFromContext(ctx)
	if ownerID == "" {
		respondError(ctx, w, http.StatusUnauthorized, "authentication required")
		return
	}

	videos, err := h.Videos.ListByOwner(ctx, ownerID)
	if err != nil {
		logger.Error("list owned videos", "error", err, "userId", ownerID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to load videos")
		return
	}

	respondJSON(ctx, w, http.StatusOK, toVideoResponses(videos))
}

// Status handles GET /api/status?video_id=..., reporting indexing progress.
func (h VideoHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	video, ok := h.visibleVideo(w, r)
	if !ok {
		return
	}

	frameCount := 0
	if h.Frames != nil {
		count, err := h.Frames.FrameCount(ctx, video.ID)
		if err != nil {
			logger.Error("count frames", "error", err, "videoId", video.ID)
		} else {
			frameCount = count
		}
	}

	respondJSON(ctx, w, http.StatusOK, map[string]any{
		"video_id":    video.ID,
		"status":      video.Status,
		"indexed":     video.Status == models.StatusIndexed,
		"frame_count": frameCount,
	})
}

// Stream handles GET /api/stream/{video_id}, serving the raw video bytes.
func (h VideoHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	video, ok := h.visibleVideo(w, r)
	if !ok {
		return
	}

	body, size, err := h.Objects.Open(ctx, video.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			respondError(ctx, w, http.StatusNotFound, "video not found")
			return
		}
		logger.Error("open video object", "error", err, "videoId", video.ID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to open video")
		return
	}
	defer body.Close()

	contentType := contentTypeByExt[strings.ToLower(filepath.Ext(video.Filename))]
	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}

	if _, err := io.Copy(w, body); err != nil {
		logger.Warn("stream interrupted", "error", err, "videoId", video.ID)
	}
}

// Reindex handles POST /api/reindex?video_id=..., queueing a repair run.
func (h VideoHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	ownerID := auth.UserIDFromContext(ctx)
	if ownerID == "" {
		respondError(ctx, w, http.StatusUnauthorized, "authentication required")
		return
	}

	if !allowRequest(h.ReindexLimiter, r, "reindex") {
		logger.Warn("reindex rate limited", "userId", ownerID)
		respondError(ctx, w, http.StatusTooManyRequests, "too many reindex requests")
		return
	}

	video, ok := h.visibleVideo(w, r)
	if !ok {
		return
	}
	if video.OwnerID != ownerID {
		respondError(ctx, w, http.StatusForbidden, "only the owner can reindex a video")
		return
	}

	if err := h.Index.Reindex(ctx, video); err != nil {
		var cooldown *pipeline.CooldownError
		if errors.As(err, &cooldown) {
			retryAfter := int(cooldown.Remaining.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(ctx, w, http.StatusTooManyRequests, "reindex cooldown active")
			return
		}
		logger.Error("queue reindex", "error", err, "videoId", video.ID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to queue reindex")
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{
		"status":   "reindexing_started",
		"video_id": video.ID,
	})
}

// Update handles PATCH /api/videos/{video_id}, changing visibility.
func (h VideoHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	ownerID := auth.UserIDFromContext(ctx)
	if ownerID == "" {
		respondError(ctx, w, http.StatusUnauthorized, "authentication required")
		return
	}

	visibility := strings.TrimSpace(r.FormValue("visibility"))
	if visibility != models.VisibilityPublic && visibility != models.VisibilityPrivate {
		respondError(ctx, w, http.StatusBadRequest, "visibility must be public or private")
		return
	}

	videoID := requestVideoID(r)
	if err := h.Videos.UpdateVisibility(ctx, videoID, ownerID, visibility); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, "video not found")
			return
		}
		logger.Error("update visibility", "error", err, "videoId", videoID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to update video")
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "updated"})
}

// Delete handles DELETE /api/videos/{video_id}. The catalog row goes first so
// the video disappears immediately; the stored object is removed best effort.
func (h VideoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	ownerID := auth.UserIDFromContext(ctx)
	if ownerID == "" {
		respondError(ctx, w, http.StatusUnauthorized, "authentication required")
		return
	}

	videoID := requestVideoID(r)
	video, err := h.Videos.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, "video not found")
			return
		}
		logger.Error("load video", "error", err, "videoId", videoID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to delete video")
		return
	}

	if err := h.Videos.Delete(ctx, videoID, ownerID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, "video not found")
			return
		}
		logger.Error("delete video", "error", err, "videoId", videoID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to delete video")
		return
	}

	if err := h.Objects.Remove(ctx, video.StorageKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		logger.Warn("remove stored object", "error", err, "videoId", videoID)
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "deleted"})
}

// requestVideoID resolves the target video from either a path variable or the
// video_id query parameter; clients use both forms.
func requestVideoID(r *http.Request) string {
	if id := strings.TrimSpace(mux.Vars(r)["video_id"]); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("video_id"))
}

// visibleVideo loads the requested video and enforces the visibility boundary:
// private videos of other owners are indistinguishable from missing ones.
func (h VideoHandler) visibleVideo(w http.ResponseWriter, r *http.Request) (models.Video, bool) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	videoID := requestVideoID(r)
	if videoID == "" {
		respondError(ctx, w, http.StatusBadRequest, "video id is required")
		return models.Video{}, false
	}

	video, err := h.Videos.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, "video not found")
			return models.Video{}, false
		}
		logger.Error("load video", "error", err, "videoId", videoID)
		respondError(ctx, w, http.StatusInternalServerError, "failed to load video")
		return models.Video{}, false
	}

	if video.Visibility != models.VisibilityPublic && video.OwnerID != auth.UserIDFromContext(ctx) {
		respondError(ctx, w, http.StatusNotFound, "video not found")
		return models.Video{}, false
	}

	return video, true
}

func (h VideoHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}

func toVideoResponses(videos []models.Video) []videoResponse {
	out := make([]videoResponse, 0, len(videos))
	for _, v := range videos {
		out = append(out, videoResponse{
			ID:         v.ID,
			OwnerID:    v.OwnerID,
			Title:      v.Title,
			Tags:       v.Tags,
			Visibility: v.Visibility,
			Status:     v.Status,
			CreatedAt:  v.CreatedAt,
		})
	}
	return out
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
