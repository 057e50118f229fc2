package repositories

import (
	"context"

	"github.com/chronosearch/backend/internal/models"
)

// UserRepository exposes data access for platform accounts.
type UserRepository interface {
	Create(ctx context.Context, user models.User) error
	FindByUsername(ctx context.Context, username string) (models.User, error)
}
