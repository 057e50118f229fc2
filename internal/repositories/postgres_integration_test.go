package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chronosearch/backend/internal/auth"
	"github.com/chronosearch/backend/internal/models"
)

var testPool *pgxpool.Pool

// testSchema mirrors the relational part of the migrations. The embedded test
// server has no pgvector, so the embedding columns are omitted; vector paths
// are covered by the in-memory index store tests.
const testSchema = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sessions (
    refresh_token TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    access_expires_at TIMESTAMPTZ NOT NULL,
    refresh_expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS videos (
    id UUID PRIMARY KEY,
    owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    title TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '',
    visibility TEXT NOT NULL DEFAULT 'public',
    status TEXT NOT NULL DEFAULT 'pending',
    storage_key TEXT NOT NULL,
    index_generation BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if _, err := pool.Exec(ctx, testSchema); err != nil {
		fmt.Fprintf(os.Stderr, "apply test schema: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresUserRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	repo := NewPostgresUserRepository(testPool)

	user := models.User{
		ID:        uuid.NewString(),
		Username:  "alice",
		Password:  "secret-hash",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	dup := models.User{
		ID:        uuid.NewString(),
		Username:  user.Username,
		Password:  "another-hash",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict creating duplicate username, got %v", err)
	}

	fetched, err := repo.FindByUsername(ctx, user.Username)
	if err != nil {
		t.Fatalf("find by username: %v", err)
	}

	if fetched.ID != user.ID || fetched.Username != user.Username || fetched.Password != user.Password {
		t.Fatalf("unexpected user fetched: %+v", fetched)
	}

	if _, err := repo.FindByUsername(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}
}

func TestPostgresSessionStore_SaveFindAndDelete(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	userRepo := NewPostgresUserRepository(testPool)
	user := createTestUser(t, userRepo, "owner")

	store := NewPostgresSessionStore(testPool)
	now := time.Now().UTC()
	session := auth.Session{
		RefreshToken:     uuid.NewString(),
		AccessToken:      uuid.NewString(),
		UserID:           user.ID,
		AccessExpiresAt:  now.Add(time.Hour),
		RefreshExpiresAt: now.Add(24 * time.Hour),
	}

	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save session: %v", err)
	}

	byAccess, err := store.FindByAccess(ctx, session.AccessToken)
	if err != nil {
		t.Fatalf("find by access: %v", err)
	}
	if byAccess.UserID != user.ID {
		t.Fatalf("unexpected session by access token: %+v", byAccess)
	}

	byRefresh, err := store.FindByRefresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("find by refresh: %v", err)
	}
	if !timesClose(byRefresh.RefreshExpiresAt, session.RefreshExpiresAt, time.Millisecond) {
		t.Fatalf("unexpected refresh expiry: %v", byRefresh.RefreshExpiresAt)
	}

	// Re-saving the same refresh token rotates the access token.
	rotated := session
	rotated.AccessToken = uuid.NewString()
	if err := store.Save(ctx, rotated); err != nil {
		t.Fatalf("rotate session: %v", err)
	}

	if _, err := store.FindByAccess(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("find rotated access token: %v", err)
	}

	if err := store.Delete(ctx, session.RefreshToken); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, err := store.FindByRefresh(ctx, session.RefreshToken); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestPostgresVideoRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	userRepo := NewPostgresUserRepository(testPool)
	alice := createTestUser(t, userRepo, "alice")
	bob := createTestUser(t, userRepo, "bob")

	repo := NewPostgresVideoRepository(testPool)

	base := time.Now().UTC().Add(-time.Hour)
	public := models.Video{
		ID:         uuid.NewString(),
		OwnerID:    alice.ID,
		Filename:   "beach.mp4",
		Title:      "Beach day",
		Tags:       "beach,summer",
		Visibility: models.VisibilityPublic,
		Status:     models.StatusPending,
		StorageKey: "videos/beach.mp4",
		CreatedAt:  base,
	}
	private := models.Video{
		ID:         uuid.NewString(),
		OwnerID:    alice.ID,
		Filename:   "diary.mp4",
		Title:      "Private diary",
		Visibility: models.VisibilityPrivate,
		Status:     models.StatusPending,
		StorageKey: "videos/diary.mp4",
		CreatedAt:  base.Add(time.Minute),
	}

	for _, v := range []models.Video{public, private} {
		if err := repo.Create(ctx, v); err != nil {
			t.Fatalf("create video %s: %v", v.ID, err)
		}
	}

	feed, err := repo.ListFeed(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list feed: %v", err)
	}
	if len(feed) != 1 || feed[0].ID != public.ID {
		t.Fatalf("expected only the public video in feed, got %+v", feed)
	}

	owned, err := repo.ListByOwner(ctx, alice.ID)
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("expected both owned videos, got %d", len(owned))
	}
	if owned[0].ID != private.ID {
		t.Fatalf("expected newest first, got %+v", owned)
	}

	// Title search respects the visibility boundary.
	found, err := repo.SearchTitles(ctx, "diary", bob.ID, 10)
	if err != nil {
		t.Fatalf("search titles as bob: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("bob must not find alice's private video, got %+v", found)
	}

	found, err = repo.SearchTitles(ctx, "diary", alice.ID, 10)
	if err != nil {
		t.Fatalf("search titles as alice: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("alice should find her private video, got %+v", found)
	}

	// LIKE metacharacters in the query match literally, not as wildcards.
	for _, wildcard := range []string{"%", "_", `\`} {
		found, err = repo.SearchTitles(ctx, wildcard, alice.ID, 10)
		if err != nil {
			t.Fatalf("search titles for %q: %v", wildcard, err)
		}
		if len(found) != 0 {
			t.Fatalf("query %q must not act as a wildcard, got %+v", wildcard, found)
		}
	}

	if err := repo.UpdateStatus(ctx, public.ID, models.StatusIndexed); err != nil {
		t.Fatalf("update status: %v", err)
	}
	fetched, err := repo.Get(ctx, public.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if fetched.Status != models.StatusIndexed {
		t.Fatalf("expected indexed status, got %s", fetched.Status)
	}

	if err := repo.UpdateStatus(ctx, uuid.NewString(), models.StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown video, got %v", err)
	}

	// Only the owner can change visibility or delete.
	if err := repo.UpdateVisibility(ctx, public.ID, bob.ID, models.VisibilityPrivate); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner visibility change, got %v", err)
	}
	if err := repo.UpdateVisibility(ctx, public.ID, alice.ID, models.VisibilityPrivate); err != nil {
		t.Fatalf("owner visibility change: %v", err)
	}

	if err := repo.Delete(ctx, private.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner delete, got %v", err)
	}
	if err := repo.Delete(ctx, private.ID, alice.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := repo.Get(ctx, private.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected video gone, got %v", err)
	}
}

func resetDatabase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := testPool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "TRUNCATE TABLE videos, sessions, users CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func createTestUser(t *testing.T, repo *PostgresUserRepository, username string) models.User {
	t.Helper()
	user := models.User{
		ID:        uuid.NewString(),
		Username:  username,
		Password:  "password-hash",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return user
}

func timesClose(a, b time.Time, delta time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= delta
}
