package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronosearch/backend/internal/auth"
	"github.com/chronosearch/backend/internal/config"
	"github.com/chronosearch/backend/internal/db"
	"github.com/chronosearch/backend/internal/embedding"
	"github.com/chronosearch/backend/internal/handlers"
	"github.com/chronosearch/backend/internal/index"
	"github.com/chronosearch/backend/internal/middleware"
	"github.com/chronosearch/backend/internal/pipeline"
	"github.com/chronosearch/backend/internal/repositories"
	"github.com/chronosearch/backend/internal/sampler"
	"github.com/chronosearch/backend/internal/search"
	"github.com/chronosearch/backend/internal/storage"
)

// limiterTTL bounds how long an idle rate-limit bucket is remembered.
const limiterTTL = 10 * time.Minute

// dependencies holds the wired object graph plus the background components
// that need an orderly shutdown.
type dependencies struct {
	handlers handlers.Dependencies
	indexer  *pipeline.Indexer
}

// buildDependencies wires together concrete implementations used by the HTTP
// handlers and the indexing pipeline.
func buildDependencies(ctx context.Context, pool db.Pool, cfg config.Config, logger *slog.Logger) (*dependencies, error) {
	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	videoRepo := repositories.NewPostgresVideoRepository(pool)
	indexStore := index.NewPostgresStore(pool)
	embedder := embedding.NewClient(cfg.Embedding)
	frameSampler := sampler.NewFFmpegSampler(cfg.FFmpegPath, cfg.FFprobePath, cfg.FrameWidth, cfg.SampleTimeout)

	indexer := pipeline.New(videoRepo, indexStore, objects, frameSampler, embedder, pipeline.Config{
		Workers:         cfg.PipelineWorkers,
		QueueSize:       cfg.PipelineQueueSize,
		SampleInterval:  cfg.SampleInterval,
		ReindexCooldown: cfg.ReindexCooldown,
	}, logger)

	engine := search.NewEngine(embedder, indexStore, videoRepo, cfg.Search)
	sessionStore := repositories.NewPostgresSessionStore(pool)

	deps := handlers.Dependencies{
		Users:          repositories.NewPostgresUserRepository(pool),
		Sessions:       auth.NewManager(cfg.AccessTokenTTL, cfg.RefreshTokenTTL, sessionStore),
		Videos:         videoRepo,
		Objects:        objects,
		Index:          indexer,
		Frames:         indexStore,
		Search:         engine,
		UploadLimiter:  middleware.NewIPRateLimiter(cfg.UploadRateLimit.Requests, cfg.UploadRateLimit.Window, cfg.UploadRateLimit.Burst, limiterTTL),
		ReindexLimiter: middleware.NewIPRateLimiter(cfg.ReindexRateLimit.Requests, cfg.ReindexRateLimit.Window, cfg.ReindexRateLimit.Burst, limiterTTL),
		MaxUploadBytes: cfg.MaxUploadBytes,
	}

	return &dependencies{handlers: deps, indexer: indexer}, nil
}

func buildObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3Storage(ctx, cfg.ObjectStore)
	case "fs", "":
		return storage.NewFileStorage(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
