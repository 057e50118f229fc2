package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chronosearch/backend/internal/embedding"
	"github.com/chronosearch/backend/internal/index"
	"github.com/chronosearch/backend/internal/logging"
	"github.com/chronosearch/backend/internal/models"
	"github.com/chronosearch/backend/internal/sampler"
	"github.com/chronosearch/backend/internal/storage"
)

var errIndexerClosed = errors.New("indexer closed")

// CooldownError reports that a reindex request arrived before the per-video
// cooldown elapsed.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("reindex cooldown active, retry in %s", e.Remaining.Round(time.Second))
}

// VideoCatalog is the slice of the video repository the pipeline mutates.
type VideoCatalog interface {
	Get(ctx context.Context, videoID string) (models.Video, error)
	UpdateStatus(ctx context.Context, videoID, status string) error
}

// FrameSampler extracts timestamped frames from a video file.
type FrameSampler interface {
	Sample(ctx context.Context, videoPath string, interval time.Duration, outputDir string) ([]sampler.Frame, error)
}

// Config controls the concurrency and retry characteristics of the indexer.
type Config struct {
	Workers         int
	QueueSize       int
	SampleInterval  time.Duration
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	ReindexCooldown time.Duration
	WorkDir         string
}

// Indexer orchestrates sampling, embedding and index commits on a background
// worker pool. Per-video runs are serialized: an enqueue for a video already
// in flight joins that run instead of spawning a duplicate. Each run carries
// a generation number; the index store discards commits from superseded runs.
type Indexer struct {
	catalog  VideoCatalog
	store    index.Store
	objects  storage.ObjectStore
	sampler  FrameSampler
	embedder embedding.Engine
	logger   *slog.Logger
	cfg      Config

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu       sync.Mutex
	inflight map[string]bool
	lastRun  map[string]time.Time

	now func() time.Time
}

type job struct {
	video      models.Video
	generation int64
}

// New constructs an indexer and starts its worker pool.
func New(catalog VideoCatalog, store index.Store, objects storage.ObjectStore, frameSampler FrameSampler, embedder embedding.Engine, cfg Config, logger *slog.Logger) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	idx := &Indexer{
		catalog:  catalog,
		store:    store,
		objects:  objects,
		sampler:  frameSampler,
		embedder: embedder,
		logger:   logger,
		cfg:      cfg,
		jobs:     make(chan job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
		lastRun:  make(map[string]time.Time),
		now:      time.Now,
	}

	idx.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go idx.worker()
	}

	return idx
}

// Enqueue schedules an indexing run for a freshly uploaded video. If a run
// for the same video is already in flight the request joins it and no new
// run is spawned.
func (i *Indexer) Enqueue(ctx context.Context, video models.Video) error {
	return i.schedule(ctx, video)
}

// Reindex schedules a repair run for an already-processed video. It behaves
// like Enqueue but additionally enforces a per-video cooldown. Videos in
// `indexed` and `failed` state are accepted identically. The cooldown is
// armed only once the run is actually queued, so a rejected request can be
// retried immediately.
func (i *Indexer) Reindex(ctx context.Context, video models.Video) error {
	i.mu.Lock()
	if i.inflight[video.ID] {
		i.mu.Unlock()
		return nil
	}
	if last, ok := i.lastRun[video.ID]; ok {
		if elapsed := i.now().Sub(last); elapsed < i.cfg.ReindexCooldown {
			i.mu.Unlock()
			return &CooldownError{Remaining: i.cfg.ReindexCooldown - elapsed}
		}
	}
	i.mu.Unlock()

	if err := i.schedule(ctx, video); err != nil {
		return err
	}

	i.mu.Lock()
	i.lastRun[video.ID] = i.now()
	i.mu.Unlock()
	return nil
}

func (i *Indexer) schedule(ctx context.Context, video models.Video) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.ctx.Done():
		return errIndexerClosed
	default:
	}

	// The run's generation continues from the last committed one, which the
	// store persists, so the guard keeps working across process restarts.
	committed, err := i.store.CommittedGeneration(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("read committed generation: %w", err)
	}

	i.mu.Lock()
	if i.inflight[video.ID] {
		i.mu.Unlock()
		return nil
	}
	j := job{video: video, generation: committed + 1}
	i.inflight[video.ID] = true
	i.mu.Unlock()

	select {
	case <-ctx.Done():
		i.clearInflight(video.ID)
		return ctx.Err()
	case <-i.ctx.Done():
		i.clearInflight(video.ID)
		return errIndexerClosed
	case i.jobs <- j:
		return nil
	}
}

// InFlight reports whether an indexing run for the video is queued or running.
func (i *Indexer) InFlight(videoID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inflight[videoID]
}

// Shutdown waits for the worker pool to drain outstanding jobs.
func (i *Indexer) Shutdown(ctx context.Context) error {
	i.once.Do(func() {
		i.cancel()
		close(i.jobs)
	})

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (i *Indexer) worker() {
	defer i.wg.Done()

	for {
		select {
		case <-i.ctx.Done():
			return
		case j, ok := <-i.jobs:
			if !ok {
				return
			}
			i.handleJob(j)
			i.clearInflight(j.video.ID)
		}
	}
}

func (i *Indexer) clearInflight(videoID string) {
	i.mu.Lock()
	delete(i.inflight, videoID)
	i.mu.Unlock()
}

func (i *Indexer) handleJob(j job) {
	ctx, span := logging.StartSpan(context.Background(), "index_video")
	defer span.End()

	logger := i.logger.With(slog.String("video_id", j.video.ID), slog.Int64("generation", j.generation))

	if err := i.catalog.UpdateStatus(ctx, j.video.ID, models.StatusIndexing); err != nil {
		logger.Error("mark indexing", "error", err)
	}

	if err := i.runIndex(ctx, j, logger); err != nil {
		if errors.Is(err, index.ErrStaleGeneration) {
			// A concurrent run committed a newer frame set; that set stands,
			// so the video is indexed rather than stuck in `indexing`.
			logger.Info("superseded indexing run discarded")
			i.recordStatus(j.video.ID, models.StatusIndexed, logger)
			return
		}
		logger.Error("indexing failed", "error", err)
		i.recordStatus(j.video.ID, models.StatusFailed, logger)
		return
	}

	i.recordStatus(j.video.ID, models.StatusIndexed, logger)
	logger.Info("indexing completed")
}

func (i *Indexer) runIndex(ctx context.Context, j job, logger *slog.Logger) error {
	workDir, err := os.MkdirTemp(i.cfg.WorkDir, "chrono-index-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	videoPath := filepath.Join(workDir, "source"+filepath.Ext(j.video.Filename))
	if err := i.withRetry(ctx, "fetch video", func() error {
		return i.materialize(ctx, j.video.StorageKey, videoPath)
	}); err != nil {
		return err
	}

	framesDir := filepath.Join(workDir, "frames")
	var frames []sampler.Frame
	if err := i.withRetry(ctx, "sample frames", func() error {
		var sampleErr error
		frames, sampleErr = i.sampler.Sample(ctx, videoPath, i.cfg.SampleInterval, framesDir)
		return sampleErr
	}); err != nil {
		return err
	}

	logger.Info("frames sampled", slog.Int("count", len(frames)))

	records := make([]models.FrameRecord, 0, len(frames))
	for _, frame := range frames {
		var vec []float32
		if err := i.withRetry(ctx, "embed frame", func() error {
			var embedErr error
			vec, embedErr = i.embedder.EmbedImage(ctx, frame.Path)
			return embedErr
		}); err != nil {
			return fmt.Errorf("frame at %.2fs: %w", frame.Timestamp, err)
		}
		records = append(records, models.FrameRecord{
			VideoID:   j.video.ID,
			Timestamp: frame.Timestamp,
			Embedding: vec,
		})
	}

	var metaVec []float32
	if err := i.withRetry(ctx, "embed metadata", func() error {
		var embedErr error
		metaVec, embedErr = i.embedder.EmbedText(ctx, j.video.Title+" "+j.video.Tags)
		return embedErr
	}); err != nil {
		return err
	}

	return i.withRetry(ctx, "commit frames", func() error {
		return i.store.ReplaceFrames(ctx, j.video, j.generation, records, metaVec)
	})
}

func (i *Indexer) materialize(ctx context.Context, storageKey, dest string) error {
	src, _, err := i.objects.Open(ctx, storageKey)
	if err != nil {
		return fmt.Errorf("open stored video: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("copy video bytes: %w", err)
	}

	return out.Close()
}

// recordStatus persists a terminal state on a fresh context so a canceled run
// still leaves an accurate status behind.
func (i *Indexer) recordStatus(videoID, status string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := i.catalog.UpdateStatus(ctx, videoID, status); err != nil {
		logger.Error("record status", "status", status, "error", err)
	}
}

// withRetry runs fn, retrying transient failures with bounded exponential
// backoff. Fatal pipeline errors (decode, empty video, embedding rejection,
// stale generation) are returned immediately.
func (i *Indexer) withRetry(ctx context.Context, step string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < i.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * i.cfg.BaseBackoff
			if backoff > i.cfg.MaxBackoff {
				backoff = i.cfg.MaxBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			timer.Stop()
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isFatal(lastErr) {
			return fmt.Errorf("%s: %w", step, lastErr)
		}
	}

	return fmt.Errorf("%s: exceeded %d attempts: %w", step, i.cfg.MaxAttempts, lastErr)
}

func isFatal(err error) bool {
	return errors.Is(err, sampler.ErrDecode) ||
		errors.Is(err, sampler.ErrEmptyVideo) ||
		errors.Is(err, embedding.ErrEmbedding) ||
		errors.Is(err, index.ErrStaleGeneration)
}
