package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chronosearch/backend/internal/embedding"
	"github.com/chronosearch/backend/internal/models"
)

type indexedVideo struct {
	video      models.Video
	generation int64
	frames     []models.FrameRecord
	metaVector []float32
	createdAt  time.Time
}

// MemoryStore implements Store with in-process maps. Used by tests and local
// development without a pgvector database.
type MemoryStore struct {
	mu     sync.RWMutex
	videos map[string]*indexedVideo
}

// NewMemoryStore returns an empty in-memory index store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{videos: make(map[string]*indexedVideo)}
}

// ReplaceFrames swaps the video's frame set under the store lock, honoring
// the same generation guard as the PostgreSQL implementation.
func (s *MemoryStore) ReplaceFrames(_ context.Context, video models.Video, generation int64, frames []models.FrameRecord, metaVector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.videos[video.ID]; ok && generation <= existing.generation {
		return ErrStaleGeneration
	}

	copied := make([]models.FrameRecord, len(frames))
	copy(copied, frames)

	s.videos[video.ID] = &indexedVideo{
		video:      video,
		generation: generation,
		frames:     copied,
		metaVector: metaVector,
		createdAt:  video.CreatedAt,
	}
	return nil
}

// QueryNearestFrames scans all in-scope frames and ranks them by cosine
// similarity, breaking ties on earlier timestamp then newer video.
func (s *MemoryStore) QueryNearestFrames(_ context.Context, vector []float32, scope Scope, k int) ([]Entry, error) {
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	created := make(map[string]time.Time)
	for id, iv := range s.videos {
		if scope.VideoID != "" {
			if id != scope.VideoID {
				continue
			}
		} else if !visibleTo(iv.video, scope.RequesterID) {
			continue
		}

		created[id] = iv.createdAt
		for _, frame := range iv.frames {
			entries = append(entries, Entry{
				VideoID:    id,
				Title:      iv.video.Title,
				OwnerID:    iv.video.OwnerID,
				Timestamp:  frame.Timestamp,
				Similarity: embedding.Cosine(vector, frame.Embedding),
			})
		}
	}

	sortEntries(entries, created)
	if len(entries) > k {
		entries = entries[:k]
	}
	return entries, nil
}

// QueryNearestMeta ranks videos by title/tags embedding similarity.
func (s *MemoryStore) QueryNearestMeta(_ context.Context, vector []float32, requesterID string, k int) ([]Entry, error) {
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	created := make(map[string]time.Time)
	for id, iv := range s.videos {
		if len(iv.metaVector) == 0 || !visibleTo(iv.video, requesterID) {
			continue
		}
		created[id] = iv.createdAt
		entries = append(entries, Entry{
			VideoID:    id,
			Title:      iv.video.Title,
			OwnerID:    iv.video.OwnerID,
			Similarity: embedding.Cosine(vector, iv.metaVector),
		})
	}

	sortEntries(entries, created)
	if len(entries) > k {
		entries = entries[:k]
	}
	return entries, nil
}

// FrameCount reports the number of committed frames for a video.
func (s *MemoryStore) FrameCount(_ context.Context, videoID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if iv, ok := s.videos[videoID]; ok {
		return len(iv.frames), nil
	}
	return 0, nil
}

// CommittedGeneration reports the generation of the last committed frame set.
func (s *MemoryStore) CommittedGeneration(_ context.Context, videoID string) (int64, error) {
	return s.Generation(videoID), nil
}

// Generation reports the last committed generation for a video. Useful for tests.
func (s *MemoryStore) Generation(videoID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if iv, ok := s.videos[videoID]; ok {
		return iv.generation
	}
	return 0
}

func visibleTo(video models.Video, requesterID string) bool {
	return video.Visibility == models.VisibilityPublic || video.OwnerID == requesterID
}

func sortEntries(entries []Entry, created map[string]time.Time) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Similarity != entries[j].Similarity {
			return entries[i].Similarity > entries[j].Similarity
		}
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return created[entries[i].VideoID].After(created[entries[j].VideoID])
	})
}
