package repositories

import (
	"context"

	"github.com/chronosearch/backend/internal/models"
)

// VideoRepository exposes data access for the video catalog. Status mutations
// are reserved for the indexing pipeline.
type VideoRepository interface {
	Create(ctx context.Context, video models.Video) error
	Get(ctx context.Context, videoID string) (models.Video, error)
	ListFeed(ctx context.Context, limit, offset int) ([]models.Video, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Video, error)
	SearchTitles(ctx context.Context, query, requesterID string, limit int) ([]models.Video, error)
	UpdateStatus(ctx context.Context, videoID, status string) error
	UpdateVisibility(ctx context.Context, videoID, ownerID, visibility string) error
	Delete(ctx context.Context, videoID, ownerID string) error
}
