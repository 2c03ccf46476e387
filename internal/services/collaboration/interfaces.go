package collaboration

import (
	"context"

	"collabsync/internal/bus"
	"collabsync/internal/models"
	"collabsync/internal/services"
)

// Learning: consumer-driven interfaces again. The repository, presence and
// bus packages return concrete types; this package names only what it calls.

// StateStore loads and saves encoded replica snapshots.
type StateStore interface {
	LoadState(ctx context.Context, documentID string) ([]byte, error)
	SaveState(ctx context.Context, documentID string, state []byte, content string) error
}

// ChatStore persists chat messages.
type ChatStore interface {
	Append(ctx context.Context, documentID, userID, message string) (*models.ChatMessage, error)
}

// PresenceStore is the shared TTL membership set.
type PresenceStore interface {
	Join(ctx context.Context, docID, member string) (int64, error)
	Touch(ctx context.Context, docID, member string) error
	Leave(ctx context.Context, docID, member string) (int64, error)
	LocalMembers(ctx context.Context, docID, node string) ([]string, error)
}

// Broadcaster fans events out to other processes.
type Broadcaster interface {
	Publish(ctx context.Context, ev bus.Event) error
	Subscribe(ctx context.Context, docID string) error
	Unsubscribe(ctx context.Context, docID string) error
}

// Writer runs durable writes off the connection goroutines.
type Writer interface {
	Submit(ctx context.Context, job services.WriteJob) error
}
