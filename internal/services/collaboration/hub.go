package collaboration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"collabsync/internal/awareness"
	"collabsync/internal/bus"
	"collabsync/internal/middleware"
	"collabsync/internal/models"
	"collabsync/internal/presence"
	"collabsync/internal/protocol"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

/*
LEARNING: CONNECTION PROTOCOL HANDLER

Every connection walks Disconnected → Connected → Joined(doc) →
Disconnecting → Disconnected. The Hub drives the frames of that lifecycle
against the registry, presence store, bus and persistence gate.

Concurrency: each connection handles its own frames on its read goroutine.
Replica and awareness apply are safe for concurrent use and commutative, so
two connections editing one room need no ordering between them.
*/

// presenceTimeout bounds every presence call. Presence is best effort.
const presenceTimeout = 2 * time.Second

// finalFlushTimeout bounds the flush of rooms left over at shutdown.
const finalFlushTimeout = 5 * time.Second

// HubStats is a snapshot for health reporting.
type HubStats struct {
	Connections int       `json:"connections"`
	Rooms       int       `json:"rooms"`
	Persistence GateStats `json:"persistence"`
}

// Hub is the per-process connection protocol handler.
type Hub struct {
	nodeID   string
	registry *Registry
	gate     *PersistenceGate
	presence PresenceStore
	bus      Broadcaster
	chats    ChatStore
	logger   *zap.Logger

	awarenessTimeout time.Duration

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

// HubConfig groups the collaborators of a Hub.
type HubConfig struct {
	NodeID   string
	Registry *Registry
	Gate     *PersistenceGate
	Presence PresenceStore
	Bus      Broadcaster
	Chats    ChatStore
	Logger   *zap.Logger

	// AwarenessTimeout expires awareness entries that were not renewed,
	// such as those of a crashed process. Zero means
	// awareness.OutdatedTimeout.
	AwarenessTimeout time.Duration
}

// NewHub creates a hub. Registry and gate are owned by the caller so
// several independent hubs can run in one process.
func NewHub(cfg HubConfig) *Hub {
	if cfg.AwarenessTimeout <= 0 {
		cfg.AwarenessTimeout = awareness.OutdatedTimeout
	}
	return &Hub{
		nodeID:   cfg.NodeID,
		registry: cfg.Registry,
		gate:     cfg.Gate,
		presence: cfg.Presence,
		bus:      cfg.Bus,
		chats:    cfg.Chats,
		logger:   cfg.Logger.With(zap.String("module", "hub"), zap.String("node", cfg.NodeID)),
		conns:    make(map[*Connection]struct{}),

		awarenessTimeout: cfg.AwarenessTimeout,
	}
}

// Run sweeps outdated awareness entries until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(max(h.awarenessTimeout/10, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.expireAwareness()
		}
	}
}

// expireAwareness drops entries whose owner stopped renewing them and tells
// the local connections. Every process sweeps its own rooms, so removals are
// not published.
func (h *Hub) expireAwareness() {
	for _, docID := range h.registry.DocIDs() {
		room, ok := h.registry.Lookup(docID)
		if !ok {
			continue
		}
		change := room.Awareness.RemoveOutdated(h.awarenessTimeout)
		if change.Empty() {
			continue
		}
		h.logger.Info("awareness:expired", zap.String("doc", docID), zap.Int("entries", len(change.Removed)))
		room.broadcast(protocol.Encode(protocol.AwarenessUpdate(docID, room.Awareness.Encode(change.Removed...))), nil)
	}
}

// Registry returns the room registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Connect registers a new transport. It returns nil once Shutdown started.
func (h *Hub) Connect(session *models.Session, ws *websocket.Conn) *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil
	}

	c := newConnection(h, session, ws)
	h.conns[c] = struct{}{}
	h.wg.Add(1)

	h.logger.Info("socket:connected",
		zap.String("conn", session.ID),
		zap.String("user", session.UserID),
	)
	return c
}

// HandleFrame decodes and dispatches one inbound frame. Frames that fail
// validation are dropped and logged.
func (h *Hub) HandleFrame(ctx context.Context, c *Connection, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		h.logger.Warn("payload:malformed",
			zap.String("conn", c.ID),
			zap.Int("size", len(frame)),
			zap.Error(err),
		)
		return
	}

	switch env.Event {
	case protocol.EventJoin:
		h.Join(ctx, c, env.DocID, env.ClientID)
	case protocol.EventDocumentUpdate:
		h.DocumentUpdate(ctx, c, env.DocID, env.Payload)
	case protocol.EventAwarenessUpdate:
		h.AwarenessUpdate(ctx, c, env.DocID, env.Payload)
	case protocol.EventChatSend:
		h.ChatSend(ctx, c, env.DocID, *env.Chat)
	default:
		h.logger.Warn("payload:unexpected_event", zap.String("conn", c.ID), zap.String("event", string(env.Event)))
	}
}

// Join attaches c to docID and sends it the full replica and awareness
// snapshots. Joining another document first leaves the current one.
func (h *Hub) Join(ctx context.Context, c *Connection, docID string, clientID uint64) {
	ctx, span := middleware.StartSpan(ctx, "Hub.Join",
		attribute.String("document.id", docID),
		attribute.String("connection.id", c.ID),
	)
	defer span.End()

	if room := c.Room(); room != nil {
		if room.DocID != docID {
			h.leave(ctx, c)
		} else {
			room.sendSnapshots(c)
			return
		}
	}

	if err := h.bus.Subscribe(ctx, docID); err != nil {
		middleware.AddSpanError(ctx, err)
		h.logger.Warn("bus:subscribe_failed", zap.String("doc", docID), zap.Error(err))
	}

	// Attach queues the snapshots before any relay can reach c
	room := h.registry.Attach(ctx, docID, c)
	c.joined(room, clientID)

	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	count, err := h.presence.Join(pctx, docID, c.Member())
	if err != nil {
		h.logger.Warn("presence:error", zap.String("doc", docID), zap.Error(err))
		return
	}
	h.logger.Info("presence:count", zap.String("doc", docID), zap.Int64("count", count))
}

// DocumentUpdate applies a delta, relays it to local peers and other
// processes, and schedules persistence.
func (h *Hub) DocumentUpdate(ctx context.Context, c *Connection, docID string, update []byte) {
	room, ok := h.roomFor(c, docID)
	if !ok {
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Hub.DocumentUpdate",
		attribute.String("document.id", docID),
		attribute.Int("update.size", len(update)),
	)
	defer span.End()

	if err := room.Doc.ApplyUpdate(update); err != nil {
		middleware.AddSpanError(ctx, err)
		h.logger.Warn("payload:malformed", zap.String("conn", c.ID), zap.String("doc", docID), zap.Error(err))
		return
	}

	room.broadcast(protocol.Encode(protocol.DocumentUpdate(docID, update)), c)
	h.publish(ctx, bus.Event{Kind: protocol.EventDocumentUpdate, DocID: docID, Sender: c.ID, Payload: update})
	h.gate.Schedule(room)
	h.touch(ctx, c)
}

// AwarenessUpdate applies an awareness delta, relays it and refreshes the
// presence TTL.
func (h *Hub) AwarenessUpdate(ctx context.Context, c *Connection, docID string, update []byte) {
	room, ok := h.roomFor(c, docID)
	if !ok {
		return
	}

	change, err := room.Awareness.Apply(update)
	if err != nil {
		h.logger.Warn("payload:malformed", zap.String("conn", c.ID), zap.String("doc", docID), zap.Error(err))
		return
	}
	c.trackAwareness(change.Added)
	c.trackAwareness(change.Updated)

	room.broadcast(protocol.Encode(protocol.AwarenessUpdate(docID, update)), c)
	h.publish(ctx, bus.Event{Kind: protocol.EventAwarenessUpdate, DocID: docID, Sender: c.ID, Payload: update})
	h.touch(ctx, c)
}

// ChatSend persists a chat message and, only when that succeeded, delivers
// it to the whole room including the sender.
func (h *Hub) ChatSend(ctx context.Context, c *Connection, docID string, chat protocol.ChatSend) {
	room, ok := h.roomFor(c, docID)
	if !ok {
		return
	}

	text := strings.TrimSpace(chat.Message)
	if text == "" {
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Hub.ChatSend",
		attribute.String("document.id", docID),
	)
	defer span.End()

	userID := chat.User.ID
	if userID == "" {
		userID = c.UserID
	}

	stored, err := h.chats.Append(ctx, docID, userID, text)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		h.logger.Error("chat:persist_failed", zap.String("doc", docID), zap.String("user", userID), zap.Error(err))
		return
	}

	msg := protocol.ChatMessage{
		ID:        stored.ID,
		Message:   stored.Message,
		CreatedAt: stored.CreatedAt,
		User: protocol.ChatUser{
			ID:       userID,
			Username: chat.User.Username,
			Color:    chat.User.Color,
		},
	}
	if stored.User != nil {
		msg.User.Username = stored.User.Username
	}
	if msg.User.Username == "" {
		msg.User.Username = c.UserName
	}
	if msg.User.Color == "" {
		msg.User.Color = c.Color
	}

	room.broadcast(protocol.Encode(protocol.ChatNew(docID, msg)), nil)
	h.publish(ctx, bus.Event{Kind: protocol.EventChatNew, DocID: docID, Sender: c.ID, Message: &msg})
}

// Disconnect runs the disconnecting transition for c and unregisters it.
func (h *Hub) Disconnect(ctx context.Context, c *Connection) {
	h.logger.Info("socket:disconnecting", zap.String("conn", c.ID))
	h.leave(ctx, c)

	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.wg.Done()
	}
	h.mu.Unlock()
}

// leave removes c's awareness entries, updates presence and evicts the room
// when c was its last local connection.
func (h *Hub) leave(ctx context.Context, c *Connection) {
	room, ids, ok := c.leaving()
	if !ok {
		c.left()
		return
	}
	defer c.left()

	change := room.Awareness.Remove(ids...)
	if !change.Empty() {
		update := room.Awareness.Encode(change.Removed...)
		room.broadcast(protocol.Encode(protocol.AwarenessUpdate(room.DocID, update)), c)
		h.publish(ctx, bus.Event{Kind: protocol.EventAwarenessUpdate, DocID: room.DocID, Sender: c.ID, Payload: update})
	}

	remaining := h.registry.Detach(room, c)

	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	count, err := h.presence.Leave(pctx, room.DocID, c.Member())
	cancel()
	if err != nil {
		h.logger.Warn("presence:error", zap.String("doc", room.DocID), zap.Error(err))
	} else {
		h.logger.Info("presence:count", zap.String("doc", room.DocID), zap.Int64("count", count))
	}

	if remaining > 0 {
		return
	}

	evicted, err := h.registry.Evict(ctx, room.DocID)
	if err != nil {
		h.logger.Warn("doc:evict_flush_failed", zap.String("doc", room.DocID), zap.Error(err))
	}
	if evicted {
		if err := h.bus.Unsubscribe(ctx, room.DocID); err != nil {
			h.logger.Warn("bus:unsubscribe_failed", zap.String("doc", room.DocID), zap.Error(err))
		}
	}
}

// HandleBusEvent applies an event published by another process to the local
// room and delivers it to every local connection.
func (h *Hub) HandleBusEvent(ev bus.Event) {
	room, ok := h.registry.Lookup(ev.DocID)
	if !ok {
		return
	}

	switch ev.Kind {
	case protocol.EventDocumentUpdate:
		if err := room.Doc.ApplyUpdate(ev.Payload); err != nil {
			h.logger.Warn("payload:malformed", zap.String("origin", ev.Origin), zap.String("doc", ev.DocID), zap.Error(err))
			return
		}
		room.broadcast(protocol.Encode(protocol.DocumentUpdate(ev.DocID, ev.Payload)), nil)

	case protocol.EventAwarenessUpdate:
		if _, err := room.Awareness.Apply(ev.Payload); err != nil {
			h.logger.Warn("payload:malformed", zap.String("origin", ev.Origin), zap.String("doc", ev.DocID), zap.Error(err))
			return
		}
		room.broadcast(protocol.Encode(protocol.AwarenessUpdate(ev.DocID, ev.Payload)), nil)

	case protocol.EventChatNew:
		if ev.Message == nil {
			return
		}
		room.broadcast(protocol.Encode(protocol.ChatNew(ev.DocID, *ev.Message)), nil)

	default:
		h.logger.Debug("bus:unexpected_event", zap.String("kind", string(ev.Kind)))
	}
}

// Shutdown closes every connection, waits for their disconnect sequences,
// then flushes any room still registered and removes this node's presence
// members.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.logger.Info("hub:shutting_down", zap.Int("connections", len(conns)))
	for _, c := range conns {
		c.Close()
	}

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	var errs []error
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	// rooms still registered belong to connections that did not finish
	// disconnecting in time; they get their own bounded flush
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer fcancel()
	for _, docID := range h.registry.DocIDs() {
		if room, ok := h.registry.Lookup(docID); ok {
			if err := h.gate.Flush(fctx, room); err != nil {
				errs = append(errs, err)
			}
		}
		h.cleanupPresence(fctx, docID)
	}

	h.logger.Info("hub:stopped")
	return errors.Join(errs...)
}

// cleanupPresence removes members of this node left behind in the shared set
func (h *Hub) cleanupPresence(ctx context.Context, docID string) {
	members, err := h.presence.LocalMembers(ctx, docID, h.nodeID)
	if err != nil {
		h.logger.Warn("presence:error", zap.String("doc", docID), zap.Error(err))
		return
	}
	for _, m := range members {
		if _, err := h.presence.Leave(ctx, docID, m); err != nil {
			h.logger.Warn("presence:error", zap.String("doc", docID), zap.Error(err))
		}
	}
}

// Stats returns counters for health reporting.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()

	return HubStats{
		Connections: n,
		Rooms:       h.registry.Len(),
		Persistence: h.gate.Stats(),
	}
}

// roomFor returns c's room when c joined docID. Frames for any other
// document are dropped.
func (h *Hub) roomFor(c *Connection, docID string) (*Room, bool) {
	room := c.Room()
	if room == nil || room.DocID != docID {
		h.logger.Warn("payload:not_joined", zap.String("conn", c.ID), zap.String("doc", docID))
		return nil, false
	}
	return room, true
}

func (h *Hub) publish(ctx context.Context, ev bus.Event) {
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.logger.Warn("bus:publish_failed", zap.String("doc", ev.DocID), zap.Error(err))
	}
}

// touch marks c seen in the presence set of its document.
func (h *Hub) touch(ctx context.Context, c *Connection) {
	room := c.Room()
	if room == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if err := h.presence.Touch(pctx, room.DocID, c.Member()); err != nil {
		h.logger.Warn("presence:error", zap.String("doc", room.DocID), zap.Error(err))
	}
}

func (h *Hub) member(c *Connection) string {
	return presence.Member(h.nodeID, c.ID)
}
