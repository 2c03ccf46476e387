package repository

import (
	"context"
	"fmt"
	"time"

	"collabsync/internal/models"

	"gorm.io/gorm"
)

// UserRepositoryImpl resolves username-only identities
type UserRepositoryImpl struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB) *UserRepositoryImpl {
	return &UserRepositoryImpl{db: db}
}

// UpsertByUsername returns the user with username, creating it on first use.
// It also bumps LastActive.
func (r *UserRepositoryImpl) UpsertByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User

	err := r.db.WithContext(ctx).
		Where(models.User{Username: username}).
		Assign(models.User{LastActive: time.Now()}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	return &user, nil
}
