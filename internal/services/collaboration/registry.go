package collaboration

import (
	"context"
	"errors"
	"sort"
	"sync"

	"collabsync/internal/middleware"
	"collabsync/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

/*
LEARNING: ROOM LIFECYCLE

GetOrCreate serializes creation per document with singleflight, so two
connections racing to open the same document share one hydration and one
Room.

Evict is flush-then-evict. The room stays in the map while its final write
runs; a connection that joins during that window attaches to the live room
and the removal is abandoned. No client can hydrate from storage that is
missing writes still held in memory.
*/

// Registry owns the rooms of this process.
type Registry struct {
	store  StateStore
	gate   *PersistenceGate
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*Room
	group singleflight.Group
}

// NewRegistry creates an empty registry hydrating from store.
func NewRegistry(store StateStore, gate *PersistenceGate, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		gate:   gate,
		logger: logger.With(zap.String("module", "registry")),
		rooms:  make(map[string]*Room),
	}
}

// Lookup returns the live room of docID, if any.
func (r *Registry) Lookup(docID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[docID]
	return room, ok
}

// GetOrCreate returns the room of docID, creating and hydrating it on first
// access. Hydration failures leave the room empty and never fail the call.
func (r *Registry) GetOrCreate(ctx context.Context, docID string) *Room {
	if room, ok := r.Lookup(docID); ok {
		return room
	}

	v, _, _ := r.group.Do(docID, func() (interface{}, error) {
		if room, ok := r.Lookup(docID); ok {
			return room, nil
		}

		room := newRoom(docID)
		r.hydrate(ctx, room)

		r.mu.Lock()
		r.rooms[docID] = room
		r.mu.Unlock()
		return room, nil
	})
	return v.(*Room)
}

// Attach adds c to the room of docID and returns the room. The room is
// guaranteed to still be registered when c is added.
func (r *Registry) Attach(ctx context.Context, docID string, c *Connection) *Room {
	for {
		room := r.GetOrCreate(ctx, docID)

		r.mu.Lock()
		if r.rooms[docID] == room {
			room.add(c)
			r.mu.Unlock()
			return room
		}
		r.mu.Unlock()
	}
}

// Detach removes c from room and returns the local connections left.
func (r *Registry) Detach(room *Room, c *Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return room.remove(c)
}

// Evict flushes room of docID and removes it when no local connection
// rejoined meanwhile. It reports whether the room was removed.
func (r *Registry) Evict(ctx context.Context, docID string) (bool, error) {
	room, ok := r.Lookup(docID)
	if !ok {
		return false, nil
	}

	ctx, span := middleware.StartSpan(ctx, "Registry.Evict",
		attribute.String("document.id", docID),
	)
	defer span.End()

	flushErr := r.gate.Flush(ctx, room)
	if flushErr != nil {
		middleware.AddSpanError(ctx, flushErr)
		r.logger.Warn("doc:final_flush_failed", zap.String("doc", docID), zap.Error(flushErr))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[docID] != room {
		return false, flushErr
	}
	if room.Len() > 0 {
		r.logger.Debug("doc:eviction_abandoned", zap.String("doc", docID), zap.Int("connections", room.Len()))
		return false, flushErr
	}

	delete(r.rooms, docID)
	// remote edits applied during the flush are persisted by their origin
	r.gate.Cancel(room)
	r.logger.Info("doc:room_cleaned", zap.String("doc", docID))
	return true, flushErr
}

// DocIDs returns the ids of every live room, sorted.
func (r *Registry) DocIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) hydrate(ctx context.Context, room *Room) {
	ctx, span := middleware.StartSpan(ctx, "Registry.Hydrate",
		attribute.String("document.id", room.DocID),
	)
	defer span.End()

	state, err := r.store.LoadState(ctx, room.DocID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		r.logger.Debug("doc:hydrate_missing", zap.String("doc", room.DocID))
		return
	case err != nil:
		middleware.AddSpanError(ctx, err)
		r.logger.Warn("doc:hydrate_failed", zap.String("doc", room.DocID), zap.Error(err))
		return
	case len(state) == 0:
		return
	}

	if err := room.Doc.ApplyUpdate(state); err != nil {
		middleware.AddSpanError(ctx, err)
		r.logger.Warn("doc:hydrate_failed", zap.String("doc", room.DocID), zap.Error(err))
		return
	}
	r.logger.Info("doc:hydrated",
		zap.String("doc", room.DocID),
		zap.Int("bytes", len(state)),
		zap.Int("length", room.Doc.Len()),
	)
}
