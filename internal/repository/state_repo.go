package repository

import (
	"context"
	"errors"
	"fmt"

	"collabsync/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: REPLICA STATE PERSISTENCE

The server keeps one encoded snapshot of the full replica per document
instead of an append log of deltas. A snapshot is idempotent to apply, so a
new room hydrates from a single row and the row never grows with edit count.

Query patterns:
- LoadState: hydrate a room on first join
- SaveState: debounced full-state upsert from the persistence gate
*/

// StateRepositoryImpl reads and writes replica snapshots
type StateRepositoryImpl struct {
	db *gorm.DB
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *gorm.DB) *StateRepositoryImpl {
	return &StateRepositoryImpl{db: db}
}

// LoadState returns the stored snapshot, nil when the document has none
func (r *StateRepositoryImpl) LoadState(ctx context.Context, documentID string) ([]byte, error) {
	var doc models.Document

	err := r.db.WithContext(ctx).
		Select("id", "state").
		First(&doc, "id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return doc.State, nil
}

// SaveState overwrites the snapshot and its plain-text projection
func (r *StateRepositoryImpl) SaveState(ctx context.Context, documentID string, state []byte, content string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"state":   state,
			"content": content,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to save state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}

	return nil
}
