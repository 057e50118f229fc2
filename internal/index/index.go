package index

import (
	"context"
	"errors"

	"github.com/chronosearch/backend/internal/models"
)

// ErrStaleGeneration indicates a frame set was produced by an indexing run
// that has since been superseded; the write is discarded, never merged.
var ErrStaleGeneration = errors.New("stale index generation")

// Entry is the store's retrieval unit: a frame match plus the video fields
// needed for visibility filtering and result display.
type Entry struct {
	VideoID    string
	Title      string
	OwnerID    string
	Timestamp  float64
	Similarity float64
}

// Scope restricts a nearest-neighbor query. A non-empty VideoID confines the
// search to that video; otherwise the search spans every video visible to
// RequesterID (public, or owned by the requester).
type Scope struct {
	VideoID     string
	RequesterID string
}

// Store persists per-video frame embeddings and title/tag embeddings and
// serves nearest-neighbor retrieval over them.
//
// ReplaceFrames swaps a video's full frame set in one atomic step: readers
// observe either the previous set or the new one, never a mix. The
// generation guard makes superseded runs no-ops — a write tagged with a
// generation at or below the last committed one fails with
// ErrStaleGeneration and leaves the committed set untouched.
// CommittedGeneration reports the generation of the last committed frame set,
// or zero when nothing has been committed yet. New runs derive their own
// generation from it so the guard survives process restarts.
type Store interface {
	ReplaceFrames(ctx context.Context, video models.Video, generation int64, frames []models.FrameRecord, metaVector []float32) error
	QueryNearestFrames(ctx context.Context, vector []float32, scope Scope, k int) ([]Entry, error)
	QueryNearestMeta(ctx context.Context, vector []float32, requesterID string, k int) ([]Entry, error)
	FrameCount(ctx context.Context, videoID string) (int, error)
	CommittedGeneration(ctx context.Context, videoID string) (int64, error)
}
