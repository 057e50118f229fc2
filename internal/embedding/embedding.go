package embedding

import (
	"context"
	"errors"
)

// ErrEmbedding indicates the engine could not produce a vector for the input.
var ErrEmbedding = errors.New("embedding failed")

// Engine converts text queries and frame images into vectors in one shared,
// L2-normalized space. This is the single coupling point between visual and
// textual search: both methods must emit vectors of the same dimension with
// unit norm so cosine similarity is meaningful across modalities.
type Engine interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, imagePath string) ([]float32, error)
	Dimension() int
}
