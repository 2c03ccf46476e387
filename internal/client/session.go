// Package client mirrors one collaborative document session on the client
// side: a local replica and awareness table kept in step with the server
// over a reconnecting transport.
package client

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"collabsync/internal/awareness"
	"collabsync/internal/crdt"
	"collabsync/internal/protocol"

	"go.uber.org/zap"
)

const (
	DefaultQueueSize      = 256
	DefaultCursorThrottle = 50 * time.Millisecond
	DefaultTypingTimeout  = 1200 * time.Millisecond
	DefaultReconnectMin   = time.Second
	DefaultReconnectMax   = 5 * time.Second
)

var (
	ErrEmptyMessage   = errors.New("empty chat message")
	ErrAlreadyStarted = errors.New("session already started")
	ErrMissingDocID   = errors.New("missing document id")
)

// Config configures a Session. Zero durations and sizes take the defaults.
type Config struct {
	DocID    string
	ClientID uint64
	User     awareness.User

	// QueueSize bounds frames buffered while disconnected
	QueueSize      int
	CursorThrottle time.Duration
	TypingTimeout  time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	// RenewInterval is how often the local awareness entry is re-announced
	// while connected, so servers keep it past their outdated timeout
	RenewInterval time.Duration
	// MaxReconnectAttempts stops the session after that many failed dials
	// in a row. Zero retries forever.
	MaxReconnectAttempts int

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ClientID == 0 {
		c.ClientID = rand.Uint64()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.CursorThrottle <= 0 {
		c.CursorThrottle = DefaultCursorThrottle
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = awareness.RenewInterval
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(DefaultReconnectMax, c.ReconnectMin)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// outbound is a frame waiting for a live connection.
type outbound struct {
	frame []byte
	doc   bool
}

/*
LEARNING: CLIENT SESSION MIRROR

The session owns a replica and an awareness table. Local edits leave
through replica and awareness observers, remote frames are applied by the
read loop.

While offline, document and chat frames wait in a bounded queue and leave
in submission order right after the next join. When the queue overflows
and drops a document delta, the next connect sends the full local state
instead, so no edit is lost. Awareness frames are never queued; every
connect re-announces the current local state.
*/

// Session is the client mirror of one document.
type Session struct {
	cfg       Config
	transport Transport
	doc       *crdt.Doc
	aw        *awareness.Awareness
	logger    *zap.Logger
	cursor    *throttle

	// awMu serializes read-modify-write of the local awareness entry
	awMu sync.Mutex

	mu          sync.Mutex
	conn        Conn
	live        bool
	queue       []outbound
	resync      bool
	synced      bool
	started     bool
	closed      bool
	typing      bool
	typingGen   int
	typingTimer *time.Timer

	syncedObs observers[struct{}]
	statusObs observers[bool]
	chatObs   observers[protocol.ChatMessage]

	unsubDoc  func()
	unsubAw   func()
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session that is not yet connected. Edits made before Start
// are queued.
func New(cfg Config, transport Transport) (*Session, error) {
	if strings.TrimSpace(cfg.DocID) == "" {
		return nil, ErrMissingDocID
	}
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:       cfg,
		transport: transport,
		doc:       crdt.NewDoc(cfg.ClientID),
		aw:        awareness.New(cfg.ClientID),
		logger: cfg.Logger.With(
			zap.String("module", "client"),
			zap.String("doc_id", cfg.DocID),
			zap.Uint64("client_id", cfg.ClientID),
		),
		cursor: newThrottle(cfg.CursorThrottle),
		done:   make(chan struct{}),
	}

	user := cfg.User
	s.aw.SetLocalState(&awareness.State{User: &user})

	s.unsubDoc = s.doc.OnUpdate(func(update []byte, local bool) {
		if !local {
			return
		}
		s.send(outbound{frame: protocol.Encode(protocol.DocumentUpdate(cfg.DocID, update)), doc: true}, true)
	})
	s.unsubAw = s.aw.OnChange(func(ch awareness.Change, local bool) {
		if !local || ch.Empty() {
			return
		}
		// only the entries that changed, never the whole table
		update := s.aw.Encode(ch.IDs()...)
		s.send(outbound{frame: protocol.Encode(protocol.AwarenessUpdate(cfg.DocID, update))}, false)
	})

	return s, nil
}

// Doc returns the local replica.
func (s *Session) Doc() *crdt.Doc {
	return s.doc
}

// Awareness returns the local awareness table.
func (s *Session) Awareness() *awareness.Awareness {
	return s.aw
}

// ClientID returns the id of this replica and its awareness entry.
func (s *Session) ClientID() uint64 {
	return s.cfg.ClientID
}

// Connected reports whether the session is joined and flushed.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Synced reports whether a snapshot was applied since the last connect.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Start connects in the background and keeps reconnecting until Close or
// ctx ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Close withdraws the local awareness entry, stops reconnecting and closes
// the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.awMu.Lock()
		s.aw.SetLocalState(nil)
		s.awMu.Unlock()

		s.mu.Lock()
		s.closed = true
		if s.typingTimer != nil {
			s.typingTimer.Stop()
		}
		started := s.started
		s.mu.Unlock()

		s.cursor.stop()
		s.unsubDoc()
		s.unsubAw()

		if started {
			s.cancel()
			<-s.done
		}
	})
	return nil
}

// Insert types s at pos in the local replica.
func (s *Session) Insert(pos int, text string) error {
	_, err := s.doc.Insert(pos, text)
	return err
}

// Delete removes n characters at pos from the local replica.
func (s *Session) Delete(pos, n int) error {
	_, err := s.doc.Delete(pos, n)
	return err
}

// SetCursor publishes the local selection, at most once per throttle
// window. The latest value inside a window wins.
func (s *Session) SetCursor(r *awareness.Range) {
	var cursor *awareness.Range
	if r != nil {
		c := *r
		cursor = &c
	}
	s.cursor.do(func() {
		s.setLocal(func(st *awareness.State) { st.Cursor = cursor })
	})
}

// KeyStroke marks the user as typing. The flag clears after the typing
// timeout passes without another keystroke.
func (s *Session) KeyStroke() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.typingGen++
	gen := s.typingGen
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingTimeout, func() { s.stopTyping(gen) })
	start := !s.typing
	s.typing = true
	s.mu.Unlock()

	if start {
		s.setLocal(func(st *awareness.State) { st.Typing = true })
	}
}

func (s *Session) stopTyping(gen int) {
	s.mu.Lock()
	if s.closed || gen != s.typingGen || !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.typingTimer = nil
	s.mu.Unlock()

	s.setLocal(func(st *awareness.State) { st.Typing = false })
}

// SendChat sends a chat line. The line shows up through OnChat once the
// server has stored it.
func (s *Session) SendChat(message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}
	user := s.cfg.User
	frame := protocol.Encode(&protocol.Envelope{
		Event: protocol.EventChatSend,
		DocID: s.cfg.DocID,
		Chat: &protocol.ChatSend{
			Message: message,
			User:    protocol.ChatUser{ID: user.ID, Username: user.Name, Color: user.Color},
		},
	})
	s.send(outbound{frame: frame}, true)
	return nil
}

// OnSynced calls fn once, after the next snapshot is applied, or right
// away when the current connection already synced.
func (s *Session) OnSynced(fn func()) *Subscription {
	s.mu.Lock()
	if !s.synced {
		sub := s.syncedObs.add(func(struct{}) { fn() })
		s.mu.Unlock()
		return sub
	}
	s.mu.Unlock()

	fn()
	return &Subscription{}
}

// OnStatus calls fn with true on every connect and false on every drop.
func (s *Session) OnStatus(fn func(connected bool)) *Subscription {
	return s.statusObs.add(fn)
}

// OnChat calls fn for every stored chat message of the document.
func (s *Session) OnChat(fn func(msg protocol.ChatMessage)) *Subscription {
	return s.chatObs.add(fn)
}

func (s *Session) setLocal(mutate func(*awareness.State)) {
	s.awMu.Lock()
	defer s.awMu.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.aw.SetLocalField(mutate)
}

// send writes out on the live connection or, when queueable, buffers it.
func (s *Session) send(out outbound, queueable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live {
		err := s.conn.Send(out.frame)
		if err == nil {
			return
		}
		// the read loop sees the broken connection and reconnects
		s.logger.Debug("socket:send_failed", zap.Error(err))
		s.live = false
	}
	if !queueable || s.closed {
		return
	}

	if len(s.queue) >= s.cfg.QueueSize {
		if s.queue[0].doc {
			s.resync = true
		}
		s.queue = s.queue[1:]
		s.logger.Warn("socket:queue_full", zap.Int("size", s.cfg.QueueSize))
	}
	s.queue = append(s.queue, out)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	delay := s.cfg.ReconnectMin
	failures := 0
	for {
		conn, err := s.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.logger.Warn("socket:connect_error", zap.Int("attempt", failures), zap.Error(err))
			if s.cfg.MaxReconnectAttempts > 0 && failures >= s.cfg.MaxReconnectAttempts {
				s.logger.Error("socket:reconnect_exhausted", zap.Int("attempts", failures))
				return
			}
			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, s.cfg.ReconnectMax)
			continue
		}

		failures = 0
		delay = s.cfg.ReconnectMin
		s.serve(ctx, conn)

		if !sleep(ctx, delay) {
			return
		}
	}
}

// serve joins over conn and applies frames until conn fails or ctx ends.
func (s *Session) serve(ctx context.Context, conn Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.connected(conn); err != nil {
		s.logger.Warn("socket:join_failed", zap.Error(err))
		s.disconnected(conn, false)
		return
	}
	s.logger.Info("socket:connected")

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go s.renew(renewCtx)

	for {
		frame, err := conn.Recv()
		if err != nil {
			s.logger.Info("socket:disconnected", zap.Error(err))
			break
		}
		s.handle(frame)
	}
	s.disconnected(conn, true)
}

// connected joins the document and flushes the queue before any new frame
// can reach conn.
func (s *Session) connected(conn Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.synced = false

	frames := [][]byte{protocol.Encode(protocol.Join(s.cfg.DocID, s.cfg.ClientID))}
	if s.resync {
		frames = append(frames, protocol.Encode(protocol.DocumentUpdate(s.cfg.DocID, s.doc.EncodeStateAsUpdate())))
	}
	for _, f := range frames {
		if err := conn.Send(f); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	for len(s.queue) > 0 {
		if err := conn.Send(s.queue[0].frame); err != nil {
			s.mu.Unlock()
			return err
		}
		s.queue = s.queue[1:]
	}
	s.queue = nil
	s.resync = false
	s.live = true
	s.mu.Unlock()

	s.statusObs.notify(true)
	s.announce()
	return nil
}

// announce re-publishes the local awareness entry with a fresh clock; the
// server dropped it when the previous connection ended.
func (s *Session) announce() {
	s.awMu.Lock()
	defer s.awMu.Unlock()

	st, ok := s.aw.LocalState()
	if !ok {
		user := s.cfg.User
		st = awareness.State{User: &user}
	}
	s.aw.SetLocalState(&st)
}

// renew re-announces the local awareness entry every RenewInterval until
// ctx ends.
func (s *Session) renew(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.renewLocal()
		}
	}
}

func (s *Session) renewLocal() {
	s.awMu.Lock()
	defer s.awMu.Unlock()

	s.mu.Lock()
	live := s.live && !s.closed
	s.mu.Unlock()
	if !live {
		return
	}
	// a withdrawn entry stays withdrawn
	if st, ok := s.aw.LocalState(); ok {
		s.aw.SetLocalState(&st)
	}
}

func (s *Session) disconnected(conn Conn, wasLive bool) {
	s.mu.Lock()
	s.conn = nil
	s.live = false
	s.synced = false
	s.mu.Unlock()

	conn.Close()
	if wasLive {
		s.statusObs.notify(false)
	}
}

func (s *Session) handle(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Warn("payload:malformed", zap.Error(err))
		return
	}
	if env.DocID != s.cfg.DocID {
		return
	}

	switch env.Event {
	case protocol.EventDocumentUpdate:
		if err := s.doc.ApplyUpdate(env.Payload); err != nil {
			s.logger.Warn("payload:malformed", zap.String("event", string(env.Event)), zap.Error(err))
			return
		}
		s.markSynced()
	case protocol.EventAwarenessUpdate:
		if _, err := s.aw.Apply(env.Payload); err != nil {
			s.logger.Warn("payload:malformed", zap.String("event", string(env.Event)), zap.Error(err))
		}
	case protocol.EventChatNew:
		s.chatObs.notify(*env.Message)
	}
}

// markSynced fires the pending synced callbacks on the first snapshot of a
// connection.
func (s *Session) markSynced() {
	s.mu.Lock()
	if s.synced {
		s.mu.Unlock()
		return
	}
	s.synced = true
	s.mu.Unlock()

	for _, fn := range s.syncedObs.take() {
		fn(struct{}{})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
