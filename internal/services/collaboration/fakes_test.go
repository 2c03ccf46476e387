package collaboration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"collabsync/internal/bus"
	"collabsync/internal/models"
	"collabsync/internal/presence"
	"collabsync/internal/protocol"
	"collabsync/internal/repository"
	"collabsync/internal/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDebounce = 50 * time.Millisecond

// fakeStateStore records every SaveState call.
type fakeStateStore struct {
	mu      sync.Mutex
	states  map[string][]byte
	content map[string]string
	saves   int
	loadErr error
	saveErr error

	// block, when set, holds SaveState until it is closed
	block chan struct{}
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		states:  make(map[string][]byte),
		content: make(map[string]string),
	}
}

func (s *fakeStateStore) LoadState(ctx context.Context, documentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	state, ok := s.states[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, repository.ErrNotFound)
	}
	return state, nil
}

func (s *fakeStateStore) SaveState(ctx context.Context, documentID string, state []byte, content string) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.states[documentID] = state
	s.content[documentID] = content
	return nil
}

func (s *fakeStateStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStateStore) saved(docID string) ([]byte, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[docID], s.content[docID]
}

// fakeChatStore assigns ids and timestamps like the repository does.
type fakeChatStore struct {
	mu       sync.Mutex
	messages []*models.ChatMessage
	err      error
}

func (s *fakeChatStore) Append(ctx context.Context, documentID, userID, message string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	msg := &models.ChatMessage{
		ID:         fmt.Sprintf("msg-%d", len(s.messages)+1),
		DocumentID: documentID,
		UserID:     userID,
		User:       &models.User{ID: userID, Username: "ann"},
		Message:    message,
		CreatedAt:  time.Now(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeChatStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// fakeBus records publishes and subscriptions.
type fakeBus struct {
	mu        sync.Mutex
	published []bus.Event
	subs      map[string]bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]bool)}
}

func (b *fakeBus) Publish(ctx context.Context, ev bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[docID] = true
	return nil
}

func (b *fakeBus) Unsubscribe(ctx context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, docID)
	return nil
}

func (b *fakeBus) events(kind protocol.Event) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Event
	for _, ev := range b.published {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (b *fakeBus) subscribed(docID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[docID]
}

type testEnv struct {
	hub      *Hub
	gate     *PersistenceGate
	registry *Registry
	store    *fakeStateStore
	chats    *fakeChatStore
	presence *presence.RedisStore
	bus      Broadcaster
	redis    *miniredis.Miniredis
}

type envSettings struct {
	node      string
	bus       Broadcaster
	debounce  time.Duration
	awareness time.Duration
}

type envOption func(*envSettings)

func withBus(b Broadcaster) envOption {
	return func(s *envSettings) { s.bus = b }
}

func withNode(node string) envOption {
	return func(s *envSettings) { s.node = node }
}

func withAwarenessTimeout(d time.Duration) envOption {
	return func(s *envSettings) { s.awareness = d }
}

// withDebounce sets the gate window; an hour keeps timers from ever firing
// inside a test.
func withDebounce(d time.Duration) envOption {
	return func(s *envSettings) { s.debounce = d }
}

func newTestEnv(t *testing.T, s *miniredis.Miniredis, opts ...envOption) *testEnv {
	t.Helper()
	if s == nil {
		s = miniredis.RunT(t)
	}

	settings := envSettings{node: "node-1", bus: newFakeBus(), debounce: testDebounce}
	for _, opt := range opts {
		opt(&settings)
	}

	logger := zap.NewNop()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	pool := services.NewWriterPool(2, 16, logger)
	pool.Start()
	t.Cleanup(pool.Shutdown)

	store := newFakeStateStore()
	chats := &fakeChatStore{}
	gate := NewPersistenceGate(store, pool, settings.debounce, logger)
	registry := NewRegistry(store, gate, logger)
	pres := presence.NewRedisStoreWithClient(client, time.Minute)

	hub := NewHub(HubConfig{
		NodeID:   settings.node,
		Registry: registry,
		Gate:     gate,
		Presence: pres,
		Bus:      settings.bus,
		Chats:    chats,
		Logger:   logger,

		AwarenessTimeout: settings.awareness,
	})

	return &testEnv{
		hub:      hub,
		gate:     gate,
		registry: registry,
		store:    store,
		chats:    chats,
		presence: pres,
		bus:      settings.bus,
		redis:    s,
	}
}

func (e *testEnv) fakeBus() *fakeBus {
	return e.bus.(*fakeBus)
}

// connect registers a connection without a transport; frames queued for it
// are read straight from its send buffer.
func (e *testEnv) connect(t *testing.T, user string) *Connection {
	t.Helper()
	c := e.hub.Connect(models.NewSession("user-"+user, user, "#ff0000"), nil)
	require.NotNil(t, c)
	return c
}

func (e *testEnv) count(t *testing.T, docID string) int64 {
	t.Helper()
	n, err := e.presence.Count(context.Background(), docID)
	require.NoError(t, err)
	return n
}

func nextFrame(t *testing.T, c *Connection) *protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

func requireNoFrame(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame %s", frame)
	case <-time.After(20 * time.Millisecond):
	}
}

// drainSnapshots consumes the two frames sent on join.
func drainSnapshots(t *testing.T, c *Connection) {
	t.Helper()
	nextFrame(t, c)
	nextFrame(t, c)
}
