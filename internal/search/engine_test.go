package search

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/chronosearch/backend/internal/config"
	"github.com/chronosearch/backend/internal/index"
	"github.com/chronosearch/backend/internal/models"
	"github.com/chronosearch/backend/internal/repositories"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (e *stubEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

func (e *stubEmbedder) EmbedImage(context.Context, string) ([]float32, error) {
	return e.vec, nil
}

func (e *stubEmbedder) Dimension() int { return len(e.vec) }

type stubCatalog struct {
	videos map[string]models.Video
}

func (c *stubCatalog) Get(_ context.Context, videoID string) (models.Video, error) {
	v, ok := c.videos[videoID]
	if !ok {
		return models.Video{}, repositories.ErrNotFound
	}
	return v, nil
}

func (c *stubCatalog) SearchTitles(_ context.Context, query, requesterID string, _ int) ([]models.Video, error) {
	var out []models.Video
	needle := strings.ToLower(query)
	for _, v := range c.videos {
		if v.Visibility != models.VisibilityPublic && v.OwnerID != requesterID {
			continue
		}
		if strings.Contains(strings.ToLower(v.Title), needle) || strings.Contains(strings.ToLower(v.Tags), needle) {
			out = append(out, v)
		}
	}
	return out, nil
}

func defaultSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		TitleMatchScore: 75,
		TitleBoost:      1.2,
		BothMatchBonus:  5,
		TitleThreshold:  0.10,
		VisualThreshold: 0.15,
		MaxResults:      20,
	}
}

func indexedVideo(id, owner, title, visibility string) models.Video {
	return models.Video{
		ID:         id,
		OwnerID:    owner,
		Title:      title,
		Visibility: visibility,
		Status:     models.StatusIndexed,
		CreatedAt:  time.Now(),
	}
}

// unit returns the 2d unit vector whose cosine against {1,0} equals c.
func unit(c float64) []float32 {
	s := math.Sqrt(1 - c*c)
	return []float32{float32(c), float32(s)}
}

func approx(t *testing.T, got, want, tol float64, label string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s: expected %v, got %v", label, want, got)
	}
}

func TestInVideoScoresAndOrders(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemoryStore()
	video := indexedVideo("v1", "alice", "Beach day", models.VisibilityPublic)
	catalog := &stubCatalog{videos: map[string]models.Video{"v1": video}}

	frames := []models.FrameRecord{
		{VideoID: "v1", Timestamp: 0, Embedding: unit(0.3)},
		{VideoID: "v1", Timestamp: 4, Embedding: unit(0.9)},
		{VideoID: "v1", Timestamp: 8, Embedding: unit(0.6)},
	}
	if err := store.ReplaceFrames(ctx, video, 1, frames, nil); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, store, catalog, defaultSearchConfig())

	hits, err := engine.InVideo(ctx, "", "v1", "waves", 2)
	if err != nil {
		t.Fatalf("in-video search: %v", err)
	}

	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Timestamp != 4 || hits[1].Timestamp != 8 {
		t.Fatalf("unexpected hit order: %+v", hits)
	}
	approx(t, hits[0].Score, 90, 0.2, "best hit score")
	if hits[0].MatchType != models.MatchTypeVisual {
		t.Fatalf("expected visual match type, got %s", hits[0].MatchType)
	}
}

func TestInVideoUnknownVideo(t *testing.T) {
	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, index.NewMemoryStore(), &stubCatalog{videos: map[string]models.Video{}}, defaultSearchConfig())

	if _, err := engine.InVideo(context.Background(), "", "missing", "query", 5); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInVideoPrivateCollapsesToNotFound(t *testing.T) {
	video := indexedVideo("v1", "alice", "Secret", models.VisibilityPrivate)
	catalog := &stubCatalog{videos: map[string]models.Video{"v1": video}}
	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, index.NewMemoryStore(), catalog, defaultSearchConfig())

	// A stranger must not learn the video exists.
	if _, err := engine.InVideo(context.Background(), "bob", "v1", "query", 5); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stranger, got %v", err)
	}
}

func TestInVideoOwnerSeesPrivate(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemoryStore()
	video := indexedVideo("v1", "alice", "Secret", models.VisibilityPrivate)
	catalog := &stubCatalog{videos: map[string]models.Video{"v1": video}}

	if err := store.ReplaceFrames(ctx, video, 1, []models.FrameRecord{{VideoID: "v1", Timestamp: 0, Embedding: unit(0.8)}}, nil); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, store, catalog, defaultSearchConfig())

	hits, err := engine.InVideo(ctx, "alice", "v1", "query", 5)
	if err != nil {
		t.Fatalf("owner search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit for owner, got %d", len(hits))
	}
}

func TestInVideoNotIndexed(t *testing.T) {
	video := indexedVideo("v1", "alice", "Pending", models.VisibilityPublic)
	video.Status = models.StatusIndexing
	catalog := &stubCatalog{videos: map[string]models.Video{"v1": video}}
	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, index.NewMemoryStore(), catalog, defaultSearchConfig())

	if _, err := engine.InVideo(context.Background(), "", "v1", "query", 5); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("expected ErrNotIndexed, got %v", err)
	}
}

func TestGlobalMergesTitleAndVisual(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemoryStore()

	both := indexedVideo("both", "alice", "red car chase", models.VisibilityPublic)
	visualOnly := indexedVideo("visual", "alice", "untitled clip", models.VisibilityPublic)
	titleOnly := indexedVideo("title", "alice", "my red car", models.VisibilityPublic)
	weak := indexedVideo("weak", "alice", "unrelated", models.VisibilityPublic)

	catalog := &stubCatalog{videos: map[string]models.Video{
		"both": both, "visual": visualOnly, "title": titleOnly, "weak": weak,
	}}

	seed := func(v models.Video, frameSim float64) {
		t.Helper()
		var frames []models.FrameRecord
		if frameSim > 0 {
			frames = []models.FrameRecord{{VideoID: v.ID, Timestamp: 1, Embedding: unit(frameSim)}}
		}
		if err := store.ReplaceFrames(ctx, v, 1, frames, nil); err != nil {
			t.Fatalf("seed %s: %v", v.ID, err)
		}
	}

	seed(both, 0.5)       // lexical title hit 75 beats visual 50, then +5 bonus
	seed(visualOnly, 0.9) // visual only, 90
	seed(titleOnly, 0)    // lexical only, 75
	seed(weak, 0.1)       // below the visual threshold, dropped

	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, store, catalog, defaultSearchConfig())

	hits, err := engine.Global(ctx, "", "red car")
	if err != nil {
		t.Fatalf("global search: %v", err)
	}

	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d: %+v", len(hits), hits)
	}

	if hits[0].VideoID != "visual" {
		t.Fatalf("expected visual-only video first, got %+v", hits[0])
	}
	approx(t, hits[0].Score, 90, 0.2, "visual-only score")

	if hits[1].VideoID != "both" {
		t.Fatalf("expected dual-match video second, got %+v", hits[1])
	}
	approx(t, hits[1].Score, 80, 0.2, "dual-match score with bonus")
	if hits[1].MatchType != models.MatchTypeTitle {
		t.Fatalf("expected the stronger title hit to win the merge, got %s", hits[1].MatchType)
	}

	if hits[2].VideoID != "title" {
		t.Fatalf("expected title-only video third, got %+v", hits[2])
	}
	approx(t, hits[2].Score, 75, 0.01, "title-only score")

	for _, hit := range hits {
		if hit.VideoID == "weak" {
			t.Fatalf("below-threshold video leaked into results: %+v", hit)
		}
	}
}

func TestGlobalSemanticTitleMatch(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemoryStore()

	video := indexedVideo("sem", "alice", "vacation footage", models.VisibilityPublic)
	catalog := &stubCatalog{videos: map[string]models.Video{"sem": video}}

	// No lexical overlap with the query; only the title embedding matches.
	if err := store.ReplaceFrames(ctx, video, 1, nil, unit(0.5)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, store, catalog, defaultSearchConfig())

	hits, err := engine.Global(ctx, "", "beach holiday")
	if err != nil {
		t.Fatalf("global search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 semantic title hit, got %d", len(hits))
	}
	// 0.5 similarity with the 1.2 title boost.
	approx(t, hits[0].Score, 60, 0.2, "boosted semantic title score")
	if hits[0].MatchType != models.MatchTypeTitle {
		t.Fatalf("expected title match type, got %s", hits[0].MatchType)
	}
}

func TestGlobalKeepsBestFramePerVideo(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemoryStore()

	video := indexedVideo("v1", "alice", "untitled", models.VisibilityPublic)
	catalog := &stubCatalog{videos: map[string]models.Video{"v1": video}}

	frames := []models.FrameRecord{
		{VideoID: "v1", Timestamp: 0, Embedding: unit(0.4)},
		{VideoID: "v1", Timestamp: 3, Embedding: unit(0.8)},
		{VideoID: "v1", Timestamp: 6, Embedding: unit(0.6)},
	}
	if err := store.ReplaceFrames(ctx, video, 1, frames, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, store, catalog, defaultSearchConfig())

	hits, err := engine.Global(ctx, "", "query")
	if err != nil {
		t.Fatalf("global search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one hit per video, got %d", len(hits))
	}
	if hits[0].Timestamp != 3 {
		t.Fatalf("expected the best frame's timestamp, got %v", hits[0].Timestamp)
	}
	approx(t, hits[0].Score, 80, 0.2, "best frame score")
}

func TestGlobalTruncatesToMaxResults(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemoryStore()
	catalog := &stubCatalog{videos: map[string]models.Video{}}

	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		v := indexedVideo(id, "alice", "clip "+id, models.VisibilityPublic)
		catalog.videos[id] = v
		sim := 0.9 - float64(i)*0.05
		if err := store.ReplaceFrames(ctx, v, 1, []models.FrameRecord{{VideoID: id, Timestamp: 0, Embedding: unit(sim)}}, nil); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	cfg := defaultSearchConfig()
	cfg.MaxResults = 3
	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, store, catalog, cfg)

	hits, err := engine.Global(ctx, "", "query")
	if err != nil {
		t.Fatalf("global search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected results truncated to 3, got %d", len(hits))
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatalf("results not sorted by score: %+v", hits)
		}
	}
}

func TestGlobalVisibilityBoundary(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemoryStore()

	private := indexedVideo("priv", "alice", "secret red car", models.VisibilityPrivate)
	catalog := &stubCatalog{videos: map[string]models.Video{"priv": private}}

	if err := store.ReplaceFrames(ctx, private, 1, []models.FrameRecord{{VideoID: "priv", Timestamp: 0, Embedding: unit(0.9)}}, unit(0.9)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	engine := NewEngine(&stubEmbedder{vec: []float32{1, 0}}, store, catalog, defaultSearchConfig())

	hits, err := engine.Global(ctx, "stranger", "red car")
	if err != nil {
		t.Fatalf("global search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("stranger must not see private videos, got %+v", hits)
	}

	hits, err = engine.Global(ctx, "alice", "red car")
	if err != nil {
		t.Fatalf("owner search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("owner should see their private video, got %+v", hits)
	}
}
