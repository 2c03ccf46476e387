package api

import (
	"context"

	"collabsync/internal/models"
	"collabsync/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of the repositories, the
presence store and the hub, so the interfaces it needs live HERE.

The handler only declares the methods it calls. The gorm repositories
satisfy these without knowing they exist, and tests swap in fakes.
*/

// DocumentService is what handlers need from the document repository
type DocumentService interface {
	Create(ctx context.Context, title, authorID string) (*models.Document, error)
	GetByID(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context, userID string) ([]*models.Document, error)
	Update(ctx context.Context, id string, update *models.DocumentUpdate) (*models.Document, error)
	IsEditor(ctx context.Context, docID, userID string) (bool, error)
	AddEditor(ctx context.Context, docID, userID string) error
}

// ChatService returns recent messages, newest first
type ChatService interface {
	List(ctx context.Context, documentID string, limit int) ([]*models.ChatMessage, error)
}

// UserService backs the username-only login
type UserService interface {
	UpsertByUsername(ctx context.Context, username string) (*models.User, error)
}

// PresenceCounter reports live member counts per document
type PresenceCounter interface {
	Counts(ctx context.Context, docIDs []string) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// StatsReporter exposes hub counters for the health endpoint
type StatsReporter interface {
	Stats() collaboration.HubStats
}
