package repository

import (
	"context"
	"fmt"

	"collabsync/internal/models"

	"gorm.io/gorm"
)

// ChatRepositoryImpl stores append-only chat messages
type ChatRepositoryImpl struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) *ChatRepositoryImpl {
	return &ChatRepositoryImpl{db: db}
}

// Append persists a message and returns it with the server id, timestamp
// and sender loaded
func (r *ChatRepositoryImpl) Append(ctx context.Context, documentID, userID, message string) (*models.ChatMessage, error) {
	msg := &models.ChatMessage{
		DocumentID: documentID,
		UserID:     userID,
		Message:    message,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Preload("User").First(msg, "id = ?", msg.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append chat message: %w", err)
	}

	return msg, nil
}

// List returns the newest limit messages, newest first
func (r *ChatRepositoryImpl) List(ctx context.Context, documentID string, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 {
		limit = models.ChatMessageLimit
	}

	var messages []*models.ChatMessage
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}

	return messages, nil
}
