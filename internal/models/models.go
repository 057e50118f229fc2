package models

import "time"

// User represents an account within the ChronoSearch platform.
type User struct {
	ID        string
	Username  string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Video describes an uploaded video and its indexing lifecycle.
type Video struct {
	ID         string
	OwnerID    string
	Filename   string
	Title      string
	Tags       string
	Visibility string
	Status     string
	StorageKey string
	CreatedAt  time.Time
}

// Indexing lifecycle states. Only the indexing pipeline mutates Status.
// StatusIndexing may be re-entered from StatusIndexed or StatusFailed via an
// explicit reindex request.
const (
	StatusPending  = "pending"
	StatusIndexing = "indexing"
	StatusIndexed  = "indexed"
	StatusFailed   = "failed"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// FrameRecord is a single sampled frame embedding belonging to a video.
// Timestamps are strictly increasing within one video's frame set.
type FrameRecord struct {
	VideoID   string
	Timestamp float64
	Embedding []float32
}

// SearchHit is a transient query result. Score is normalized to 0-100 for
// display; Timestamp is zero for title-only matches.
type SearchHit struct {
	VideoID   string
	Title     string
	Timestamp float64
	Score     float64
	MatchType string
}

const (
	MatchTypeVisual = "visual"
	MatchTypeTitle  = "title"
)

// SessionTokens groups the bearer credentials issued to authenticated users.
type SessionTokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}
