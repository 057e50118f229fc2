package handlers

import (
	"context"

	"github.com/chronosearch/backend/internal/models"
)

// UserStore captures the persistence operations required by the auth handlers.
type UserStore interface {
	Create(ctx context.Context, user models.User) error
	FindByUsername(ctx context.Context, username string) (models.User, error)
}

// SessionManager issues, refreshes and validates authentication tokens.
type SessionManager interface {
	Issue(ctx context.Context, userID string) (models.SessionTokens, error)
	Refresh(ctx context.Context, refreshToken string) (models.SessionTokens, error)
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// VideoCatalog captures persistence for the video catalog used by HTTP handlers.
type VideoCatalog interface {
	Create(ctx context.Context, video models.Video) error
	Get(ctx context.Context, videoID string) (models.Video, error)
	ListFeed(ctx context.Context, limit, offset int) ([]models.Video, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Video, error)
	UpdateVisibility(ctx context.Context, videoID, ownerID, visibility string) error
	Delete(ctx context.Context, videoID, ownerID string) error
}

// FrameCounter reports how many frames are committed for a video.
type FrameCounter interface {
	FrameCount(ctx context.Context, videoID string) (int, error)
}

// Searcher resolves text queries against the frame index.
type Searcher interface {
	InVideo(ctx context.Context, requesterID, videoID, query string, k int) ([]models.SearchHit, error)
	Global(ctx context.Context, requesterID, query string) ([]models.SearchHit, error)
}

// IndexScheduler enqueues background indexing runs.
type IndexScheduler interface {
	Enqueue(ctx context.Context, video models.Video) error
	Reindex(ctx context.Context, video models.Video) error
}
