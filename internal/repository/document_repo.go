package repository

import (
	"context"
	"errors"
	"fmt"

	"collabsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DocumentRepositoryImpl handles all database operations for documents using GORM
// Learning: This is the IMPLEMENTATION. It doesn't know about any interface.
// The api and collaboration packages declare the interfaces they need.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// Create inserts an empty document owned by authorID
func (r *DocumentRepositoryImpl) Create(ctx context.Context, title, authorID string) (*models.Document, error) {
	document := &models.Document{
		Title:    title,
		AuthorID: authorID,
	}

	if err := r.db.WithContext(ctx).Create(document).Error; err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	return document, nil
}

// GetByID retrieves a document with its author
func (r *DocumentRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document

	err := r.db.WithContext(ctx).Preload("Author").First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return &doc, nil
}

// List returns documents authored or edited by userID, recently updated first
func (r *DocumentRepositoryImpl) List(ctx context.Context, userID string) ([]*models.Document, error) {
	var documents []*models.Document

	edited := r.db.Model(&models.DocEditor{}).Select("document_id").Where("user_id = ?", userID)
	err := r.db.WithContext(ctx).
		Preload("Author").
		Where("author_id = ? OR id IN (?)", userID, edited).
		Order("updated_at DESC").
		Find(&documents).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return documents, nil
}

// Update modifies an existing document
// Learning: GORM's Updates() with a map only touches the listed columns
func (r *DocumentRepositoryImpl) Update(ctx context.Context, id string, update *models.DocumentUpdate) (*models.Document, error) {
	var doc models.Document

	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find document: %w", err)
	}

	updates := make(map[string]interface{})
	if update.Title != nil {
		updates["title"] = *update.Title
	}
	if update.Content != nil {
		updates["content"] = *update.Content
	}
	if update.State != nil {
		updates["state"] = update.State
	}
	if len(updates) == 0 {
		return &doc, nil
	}

	if err := r.db.WithContext(ctx).Model(&doc).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	return &doc, nil
}

// IsEditor reports whether userID was already recorded as an editor
func (r *DocumentRepositoryImpl) IsEditor(ctx context.Context, docID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.DocEditor{}).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check editor: %w", err)
	}
	return count > 0, nil
}

// AddEditor records userID as an editor of docID; repeated calls are no-ops
func (r *DocumentRepositoryImpl) AddEditor(ctx context.Context, docID, userID string) error {
	editor := &models.DocEditor{DocumentID: docID, UserID: userID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(editor).Error
	if err != nil {
		return fmt.Errorf("failed to add editor: %w", err)
	}
	return nil
}
