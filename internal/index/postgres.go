package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/chronosearch/backend/internal/db"
	"github.com/chronosearch/backend/internal/models"
)

// PostgresStore persists frame embeddings in a pgvector-enabled PostgreSQL
// database. Frame vectors live in video_frames; the title/tags embedding
// lives on the videos row itself.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore constructs an index store backed by PostgreSQL.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ReplaceFrames atomically swaps the video's frame set. The whole exchange
// runs in one transaction: the row lock on videos serializes writers, the
// generation check discards superseded runs, and readers keep seeing the old
// set until commit.
func (s *PostgresStore) ReplaceFrames(ctx context.Context, video models.Video, generation int64, frames []models.FrameRecord, metaVector []float32) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin replace frames: %w", err)
	}
	defer tx.Rollback(ctx)

	var committed int64
	row := tx.QueryRow(ctx, `SELECT index_generation FROM videos WHERE id = $1 FOR UPDATE`, video.ID)
	if err := row.Scan(&committed); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("replace frames: video %s not found", video.ID)
		}
		return fmt.Errorf("lock video row: %w", err)
	}

	if generation <= committed {
		return ErrStaleGeneration
	}

	if _, err := tx.Exec(ctx, `DELETE FROM video_frames WHERE video_id = $1`, video.ID); err != nil {
		return fmt.Errorf("delete old frames: %w", err)
	}

	for _, frame := range frames {
		_, err := tx.Exec(ctx, `
            INSERT INTO video_frames (video_id, ts, embedding)
            VALUES ($1, $2, $3)
        `, video.ID, frame.Timestamp, pgvector.NewVector(frame.Embedding))
		if err != nil {
			return fmt.Errorf("insert frame at %.2fs: %w", frame.Timestamp, err)
		}
	}

	var meta any
	if len(metaVector) > 0 {
		meta = pgvector.NewVector(metaVector)
	}

	if _, err := tx.Exec(ctx, `
        UPDATE videos SET index_generation = $2, meta_embedding = $3 WHERE id = $1
    `, video.ID, generation, meta); err != nil {
		return fmt.Errorf("record generation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace frames: %w", err)
	}

	return nil
}

// QueryNearestFrames returns the k frames closest to the query vector by
// cosine similarity, within the provided scope. Ties break on earlier
// timestamp, then on newer video.
func (s *PostgresStore) QueryNearestFrames(ctx context.Context, vector []float32, scope Scope, k int) ([]Entry, error) {
	if k <= 0 {
		k = 10
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	vec := pgvector.NewVector(vector)

	var rows pgx.Rows
	if scope.VideoID != "" {
		rows, err = conn.Query(ctx, `
            SELECT f.video_id, v.title, v.owner_id, f.ts, 1 - (f.embedding <=> $1) AS similarity
            FROM video_frames f
            JOIN videos v ON v.id = f.video_id
            WHERE f.video_id = $2
            ORDER BY f.embedding <=> $1, f.ts ASC
            LIMIT $3
        `, vec, scope.VideoID, k)
	} else {
		rows, err = conn.Query(ctx, `
            SELECT f.video_id, v.title, v.owner_id, f.ts, 1 - (f.embedding <=> $1) AS similarity
            FROM video_frames f
            JOIN videos v ON v.id = f.video_id
            WHERE v.visibility = $2 OR v.owner_id = $3
            ORDER BY f.embedding <=> $1, f.ts ASC, v.created_at DESC
            LIMIT $4
        `, vec, models.VisibilityPublic, scope.RequesterID, k)
	}
	if err != nil {
		return nil, fmt.Errorf("query nearest frames: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// QueryNearestMeta returns videos whose title/tags embedding is closest to
// the query vector, restricted to the requester-visible set.
func (s *PostgresStore) QueryNearestMeta(ctx context.Context, vector []float32, requesterID string, k int) ([]Entry, error) {
	if k <= 0 {
		k = 10
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, title, owner_id, 0::float8 AS ts, 1 - (meta_embedding <=> $1) AS similarity
        FROM videos
        WHERE meta_embedding IS NOT NULL
          AND (visibility = $2 OR owner_id = $3)
        ORDER BY meta_embedding <=> $1, created_at DESC
        LIMIT $4
    `, pgvector.NewVector(vector), models.VisibilityPublic, requesterID, k)
	if err != nil {
		return nil, fmt.Errorf("query nearest meta: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// FrameCount reports the number of committed frames for a video.
func (s *PostgresStore) FrameCount(ctx context.Context, videoID string) (int, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var count int
	row := conn.QueryRow(ctx, `SELECT COUNT(*) FROM video_frames WHERE video_id = $1`, videoID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count frames: %w", err)
	}

	return count, nil
}

// CommittedGeneration reads the persisted generation counter for a video.
// Unknown videos report zero.
func (s *PostgresStore) CommittedGeneration(ctx context.Context, videoID string) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var generation int64
	row := conn.QueryRow(ctx, `SELECT index_generation FROM videos WHERE id = $1`, videoID)
	if err := row.Scan(&generation); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("read committed generation: %w", err)
	}

	return generation, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.VideoID, &e.Title, &e.OwnerID, &e.Timestamp, &e.Similarity); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index entries: %w", err)
	}
	return entries, nil
}
