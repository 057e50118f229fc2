package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/chronosearch/backend/internal/config"
	"github.com/chronosearch/backend/internal/embedding"
	"github.com/chronosearch/backend/internal/index"
	"github.com/chronosearch/backend/internal/models"
	"github.com/chronosearch/backend/internal/repositories"
)

// ErrNotIndexed indicates an in-video search arrived before the video's
// frame set was committed.
var ErrNotIndexed = errors.New("video is not indexed yet")

// VideoCatalog is the slice of the video repository the search engine reads.
type VideoCatalog interface {
	Get(ctx context.Context, videoID string) (models.Video, error)
	SearchTitles(ctx context.Context, query, requesterID string, limit int) ([]models.Video, error)
}

// Engine resolves text queries against the frame index. All paths are pure
// reads against the latest committed frame sets and never block on indexing.
type Engine struct {
	embedder embedding.Engine
	store    index.Store
	videos   VideoCatalog
	cfg      config.SearchConfig
}

// NewEngine constructs a search engine with the provided blending knobs.
func NewEngine(embedder embedding.Engine, store index.Store, videos VideoCatalog, cfg config.SearchConfig) *Engine {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	if cfg.TitleBoost <= 0 {
		cfg.TitleBoost = 1
	}
	return &Engine{embedder: embedder, store: store, videos: videos, cfg: cfg}
}

// InVideo finds the moments inside one video that best match the query.
// Unknown videos and private videos of other owners report the same
// not-found error; a video that has not finished indexing reports
// ErrNotIndexed.
func (e *Engine) InVideo(ctx context.Context, requesterID, videoID, query string, k int) ([]models.SearchHit, error) {
	video, err := e.videos.Get(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video.Visibility != models.VisibilityPublic && video.OwnerID != requesterID {
		return nil, repositories.ErrNotFound
	}
	if video.Status != models.StatusIndexed {
		return nil, ErrNotIndexed
	}

	vec, err := e.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	entries, err := e.store.QueryNearestFrames(ctx, vec, index.Scope{VideoID: videoID}, k)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}

	hits := make([]models.SearchHit, 0, len(entries))
	for _, entry := range entries {
		hits = append(hits, models.SearchHit{
			VideoID:   entry.VideoID,
			Title:     entry.Title,
			Timestamp: entry.Timestamp,
			Score:     displayScore(entry.Similarity * 100),
			MatchType: models.MatchTypeVisual,
		})
	}

	return hits, nil
}

// Global runs the hybrid search: a title/tags retrieval (lexical substring
// plus title-embedding similarity) and a visual retrieval over all in-scope
// frames, in parallel. Results are merged per video, keeping the
// highest-scoring hit; ties favor the title match, and a video matched by
// both modalities earns a small bonus.
func (e *Engine) Global(ctx context.Context, requesterID, query string) ([]models.SearchHit, error) {
	vec, err := e.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var (
		wg        sync.WaitGroup
		titleHits map[string]models.SearchHit
		titleErr  error
		visual    map[string]models.SearchHit
		visualErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		titleHits, titleErr = e.titleRetrieval(ctx, vec, requesterID, query)
	}()
	go func() {
		defer wg.Done()
		visual, visualErr = e.visualRetrieval(ctx, vec, requesterID)
	}()
	wg.Wait()

	if titleErr != nil {
		return nil, titleErr
	}
	if visualErr != nil {
		return nil, visualErr
	}

	merged := make(map[string]models.SearchHit, len(titleHits)+len(visual))
	for id, hit := range titleHits {
		merged[id] = hit
	}
	for id, hit := range visual {
		existing, ok := merged[id]
		if !ok {
			merged[id] = hit
			continue
		}
		best := existing
		if hit.Score > existing.Score {
			best = hit
		}
		best.Score = displayScore(best.Score + e.cfg.BothMatchBonus)
		merged[id] = best
	}

	hits := make([]models.SearchHit, 0, len(merged))
	for _, hit := range merged {
		hits = append(hits, hit)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].MatchType != hits[j].MatchType {
			return hits[i].MatchType == models.MatchTypeTitle
		}
		return hits[i].Timestamp < hits[j].Timestamp
	})

	if len(hits) > e.cfg.MaxResults {
		hits = hits[:e.cfg.MaxResults]
	}
	return hits, nil
}

// titleRetrieval combines the lexical substring match (forced to the
// configured title score) with the semantic title-embedding match.
func (e *Engine) titleRetrieval(ctx context.Context, vec []float32, requesterID, query string) (map[string]models.SearchHit, error) {
	hits := make(map[string]models.SearchHit)

	if strings.TrimSpace(query) != "" {
		videos, err := e.videos.SearchTitles(ctx, query, requesterID, e.cfg.MaxResults)
		if err != nil {
			return nil, fmt.Errorf("lexical title search: %w", err)
		}
		for _, video := range videos {
			hits[video.ID] = models.SearchHit{
				VideoID:   video.ID,
				Title:     video.Title,
				Score:     displayScore(e.cfg.TitleMatchScore),
				MatchType: models.MatchTypeTitle,
			}
		}
	}

	entries, err := e.store.QueryNearestMeta(ctx, vec, requesterID, e.cfg.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("semantic title search: %w", err)
	}
	for _, entry := range entries {
		if entry.Similarity < e.cfg.TitleThreshold {
			continue
		}
		score := displayScore(entry.Similarity * e.cfg.TitleBoost * 100)
		if existing, ok := hits[entry.VideoID]; ok && existing.Score >= score {
			continue
		}
		hits[entry.VideoID] = models.SearchHit{
			VideoID:   entry.VideoID,
			Title:     entry.Title,
			Score:     score,
			MatchType: models.MatchTypeTitle,
		}
	}

	return hits, nil
}

// visualRetrieval keeps only the best-scoring frame per video.
func (e *Engine) visualRetrieval(ctx context.Context, vec []float32, requesterID string) (map[string]models.SearchHit, error) {
	entries, err := e.store.QueryNearestFrames(ctx, vec, index.Scope{RequesterID: requesterID}, e.cfg.MaxResults*3)
	if err != nil {
		return nil, fmt.Errorf("visual search: %w", err)
	}

	hits := make(map[string]models.SearchHit)
	for _, entry := range entries {
		if entry.Similarity < e.cfg.VisualThreshold {
			continue
		}
		score := displayScore(entry.Similarity * 100)
		if existing, ok := hits[entry.VideoID]; ok && existing.Score >= score {
			continue
		}
		hits[entry.VideoID] = models.SearchHit{
			VideoID:   entry.VideoID,
			Title:     entry.Title,
			Timestamp: entry.Timestamp,
			Score:     score,
			MatchType: models.MatchTypeVisual,
		}
	}

	return hits, nil
}

// displayScore rounds to one decimal and clamps to the 0-100 display band.
func displayScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return math.Round(score*10) / 10
}
