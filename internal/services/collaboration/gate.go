package collaboration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"collabsync/internal/middleware"
	"collabsync/internal/services"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

/*
LEARNING: DEBOUNCED PERSISTENCE

Schedule starts at most one timer per document. Every edit inside the window
is folded into the single write that happens when the timer fires, because
the write encodes the whole replica at run time.

Flush is the forced variant used before eviction and on shutdown. It cancels
the timer, waits for writes already handed to the pool, then performs its own
write and waits for it. A room is never removed while a write of it is still
queued.
*/

// DefaultDebounce is the quiet period before a scheduled write fires.
const DefaultDebounce = 3 * time.Second

// GateStats is a snapshot of gate counters.
type GateStats struct {
	Writes  int64
	Skipped int64
	Failed  int64
	Pending int
}

type pendingWrite struct {
	room  *Room
	timer *time.Timer
}

// inflight counts writes of one document that were submitted but have not
// completed. idle is closed when n drops to zero.
type inflight struct {
	n    int
	idle chan struct{}
}

// PersistenceGate coalesces edits into debounced durable writes.
type PersistenceGate struct {
	store    StateStore
	writer   Writer
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	pending  map[string]*pendingWrite
	inflight map[string]*inflight

	writes  atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// NewPersistenceGate creates a gate writing through writer into store.
func NewPersistenceGate(store StateStore, writer Writer, debounce time.Duration, logger *zap.Logger) *PersistenceGate {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &PersistenceGate{
		store:    store,
		writer:   writer,
		debounce: debounce,
		logger:   logger.With(zap.String("module", "persistence")),
		pending:  make(map[string]*pendingWrite),
		inflight: make(map[string]*inflight),
	}
}

// Schedule arms the debounce timer for room. It reports false when a timer
// is already pending, in which case the edit rides on that timer.
func (g *PersistenceGate) Schedule(room *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[room.DocID]; ok {
		return false
	}
	p := &pendingWrite{room: room}
	p.timer = time.AfterFunc(g.debounce, func() { g.fire(p) })
	g.pending[room.DocID] = p
	return true
}

// fire runs when a debounce window closes.
func (g *PersistenceGate) fire(p *pendingWrite) {
	g.mu.Lock()
	if g.pending[p.room.DocID] != p {
		// cancelled by Flush or Cancel after the timer had already fired
		g.mu.Unlock()
		return
	}
	delete(g.pending, p.room.DocID)
	g.mu.Unlock()

	// errors are logged inside submit/write; the next edit reschedules
	_ = g.submit(context.Background(), p.room, nil)
}

// Flush writes room now and waits for the write to finish, including any
// write of room that was already queued.
func (g *PersistenceGate) Flush(ctx context.Context, room *Room) error {
	ctx, span := middleware.StartSpan(ctx, "PersistenceGate.Flush",
		attribute.String("document.id", room.DocID),
	)
	defer span.End()

	g.Cancel(room)
	if err := g.waitIdle(ctx, room.DocID); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	done := make(chan error, 1)
	if err := g.submit(ctx, room, done); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	select {
	case err := <-done:
		middleware.AddSpanError(ctx, err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drops a pending timer of room without writing.
func (g *PersistenceGate) Cancel(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.pending[room.DocID]; ok && p.room == room {
		p.timer.Stop()
		delete(g.pending, room.DocID)
	}
}

// Pending reports whether a timer is armed for docID.
func (g *PersistenceGate) Pending(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[docID]
	return ok
}

// submit hands one write of room to the pool. When the pool refuses the job
// during shutdown the write runs inline so a forced flush is never lost.
func (g *PersistenceGate) submit(ctx context.Context, room *Room, done chan error) error {
	g.begin(room.DocID)

	job := services.WriteJob{
		DocumentID: room.DocID,
		Run: func(ctx context.Context) error {
			defer g.end(room.DocID)
			return g.write(ctx, room)
		},
		Done: done,
	}

	err := g.writer.Submit(ctx, job)
	if errors.Is(err, services.ErrPoolClosed) {
		err = job.Run(ctx)
		if done != nil {
			done <- err
			return nil
		}
		return err
	}
	if err != nil {
		g.end(room.DocID)
		g.logger.Error("doc:save_failed", zap.String("doc", room.DocID), zap.Error(err))
		return err
	}
	return nil
}

// write performs the empty-content guard and the full-state upsert.
func (g *PersistenceGate) write(ctx context.Context, room *Room) error {
	content := room.Doc.Text()
	if strings.TrimSpace(content) == "" {
		g.skipped.Inc()
		g.logger.Debug("doc:save_skipped_empty", zap.String("doc", room.DocID))
		return nil
	}

	state := room.Doc.EncodeStateAsUpdate()
	if err := g.store.SaveState(ctx, room.DocID, state, content); err != nil {
		g.failed.Inc()
		g.logger.Error("doc:save_failed", zap.String("doc", room.DocID), zap.Error(err))
		return err
	}

	g.writes.Inc()
	g.logger.Info("doc:saved",
		zap.String("doc", room.DocID),
		zap.Int("bytes", len(state)),
	)
	return nil
}

func (g *PersistenceGate) begin(docID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.inflight[docID]
	if !ok {
		f = &inflight{idle: make(chan struct{})}
		g.inflight[docID] = f
	}
	f.n++
}

func (g *PersistenceGate) end(docID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.inflight[docID]
	if !ok {
		return
	}
	f.n--
	if f.n == 0 {
		close(f.idle)
		delete(g.inflight, docID)
	}
}

func (g *PersistenceGate) waitIdle(ctx context.Context, docID string) error {
	for {
		g.mu.Lock()
		f, ok := g.inflight[docID]
		g.mu.Unlock()
		if !ok {
			return nil
		}

		select {
		case <-f.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns the current counters.
func (g *PersistenceGate) Stats() GateStats {
	g.mu.Lock()
	pending := len(g.pending)
	g.mu.Unlock()

	return GateStats{
		Writes:  g.writes.Load(),
		Skipped: g.skipped.Load(),
		Failed:  g.failed.Load(),
		Pending: pending,
	}
}
