// Package awareness tracks ephemeral per-connection state such as identity,
// cursor range and typing flag. It is never part of document history.
package awareness

import (
	"sort"
	"sync"
	"time"
)

const (
	// OutdatedTimeout is how long a remote entry survives without renewal.
	OutdatedTimeout = 30 * time.Second
	// RenewInterval is how often a live owner re-announces its entry.
	RenewInterval = OutdatedTimeout / 2
)

// User identifies the person behind a connection.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Range is a selection in visible-character offsets.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// State is the awareness payload of one connection.
type State struct {
	User   *User  `json:"user,omitempty"`
	Cursor *Range `json:"cursor"`
	Typing bool   `json:"typing"`
}

// Change lists the client ids affected by one update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// IDs returns every affected id in added, updated, removed order.
func (c Change) IDs() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

// ChangeHandler is notified after every applied change. local is true when
// the change came from this replica's own SetLocalState or Remove.
type ChangeHandler func(change Change, local bool)

// Awareness is a replicated table clientID -> State. Each entry carries a
// logical clock; a newer clock wins, and a removal wins over a state with the
// same clock. Remote entries that are not renewed expire through
// RemoveOutdated.
type Awareness struct {
	mu       sync.RWMutex
	clientID uint64
	states   map[uint64]State
	clocks   map[uint64]uint64
	updated  map[uint64]time.Time
	now      func() time.Time

	handlers   map[int]ChangeHandler
	nextHandle int
}

// New creates an awareness table whose local entry is clientID.
func New(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   make(map[uint64]State),
		clocks:   make(map[uint64]uint64),
		updated:  make(map[uint64]time.Time),
		now:      time.Now,
		handlers: make(map[int]ChangeHandler),
	}
}

// SetClock replaces the time source used to age entries.
func (a *Awareness) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// ClientID returns the id of the local entry.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange registers fn and returns a function that removes it.
func (a *Awareness) OnChange(fn ChangeHandler) func() {
	a.mu.Lock()
	h := a.nextHandle
	a.nextHandle++
	a.handlers[h] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.handlers, h)
		a.mu.Unlock()
	}
}

// LocalState returns the local entry, if set.
func (a *Awareness) LocalState() (State, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[a.clientID]
	return s, ok
}

// SetLocalState replaces the local entry. A nil state removes it.
func (a *Awareness) SetLocalState(s *State) Change {
	a.mu.Lock()
	id := a.clientID
	_, existed := a.states[id]
	a.clocks[id]++

	var ch Change
	switch {
	case s == nil && existed:
		delete(a.states, id)
		delete(a.updated, id)
		ch.Removed = []uint64{id}
	case s == nil:
	case existed:
		a.states[id] = cloneState(*s)
		a.updated[id] = a.now()
		ch.Updated = []uint64{id}
	default:
		a.states[id] = cloneState(*s)
		a.updated[id] = a.now()
		ch.Added = []uint64{id}
	}
	handlers := a.snapshotHandlers()
	a.mu.Unlock()

	a.notify(handlers, ch, true)
	return ch
}

// SetLocalField mutates a copy of the local entry and stores it.
func (a *Awareness) SetLocalField(mutate func(*State)) Change {
	s, _ := a.LocalState()
	mutate(&s)
	return a.SetLocalState(&s)
}

// States returns a copy of every known entry.
func (a *Awareness) States() map[uint64]State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = cloneState(s)
	}
	return out
}

// ClientIDs returns the ids of every live entry in ascending order.
func (a *Awareness) ClientIDs() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Remove deletes the given entries and advances their clocks so the removal
// supersedes any state another replica still holds.
func (a *Awareness) Remove(ids ...uint64) Change {
	a.mu.Lock()
	var ch Change
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		delete(a.updated, id)
		a.clocks[id]++
		ch.Removed = append(ch.Removed, id)
	}
	handlers := a.snapshotHandlers()
	a.mu.Unlock()

	a.notify(handlers, ch, true)
	return ch
}

// Encode serializes the given entries, or every live entry when no ids are
// passed. Entries without state encode as removals.
func (a *Awareness) Encode(ids ...uint64) []byte {
	if len(ids) == 0 {
		ids = a.ClientIDs()
	}

	a.mu.RLock()
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		e := entry{clientID: id, clock: a.clocks[id]}
		if s, ok := a.states[id]; ok {
			st := cloneState(s)
			e.state = &st
		}
		entries = append(entries, e)
	}
	a.mu.RUnlock()

	return encodeEntries(entries)
}

// Apply merges a remote update and returns what changed.
func (a *Awareness) Apply(update []byte) (Change, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return Change{}, err
	}

	a.mu.Lock()
	var ch Change
	for _, e := range entries {
		cur, known := a.clocks[e.clientID]
		_, exists := a.states[e.clientID]

		newer := !known || e.clock > cur
		removal := e.state == nil && exists && e.clock == cur
		if !newer && !removal {
			continue
		}

		a.clocks[e.clientID] = e.clock
		switch {
		case e.state == nil && exists:
			delete(a.states, e.clientID)
			delete(a.updated, e.clientID)
			ch.Removed = append(ch.Removed, e.clientID)
		case e.state == nil:
		case exists:
			a.states[e.clientID] = *e.state
			a.updated[e.clientID] = a.now()
			ch.Updated = append(ch.Updated, e.clientID)
		default:
			a.states[e.clientID] = *e.state
			a.updated[e.clientID] = a.now()
			ch.Added = append(ch.Added, e.clientID)
		}
	}
	handlers := a.snapshotHandlers()
	a.mu.Unlock()

	a.notify(handlers, ch, false)
	return ch, nil
}

// RemoveOutdated drops every remote entry not set or renewed within
// timeout. Clocks are kept, so the owner's next renewal is accepted again
// and an encoded removal carries the clock peers already hold.
func (a *Awareness) RemoveOutdated(timeout time.Duration) Change {
	a.mu.Lock()
	cutoff := a.now().Add(-timeout)
	var ch Change
	for id := range a.states {
		if id == a.clientID || a.updated[id].After(cutoff) {
			continue
		}
		delete(a.states, id)
		delete(a.updated, id)
		ch.Removed = append(ch.Removed, id)
	}
	handlers := a.snapshotHandlers()
	a.mu.Unlock()

	sort.Slice(ch.Removed, func(i, j int) bool { return ch.Removed[i] < ch.Removed[j] })
	a.notify(handlers, ch, false)
	return ch
}

func (a *Awareness) snapshotHandlers() []ChangeHandler {
	out := make([]ChangeHandler, 0, len(a.handlers))
	for _, h := range a.handlers {
		out = append(out, h)
	}
	return out
}

func (a *Awareness) notify(handlers []ChangeHandler, ch Change, local bool) {
	if ch.Empty() {
		return
	}
	for _, h := range handlers {
		h(ch, local)
	}
}

func cloneState(s State) State {
	out := State{Typing: s.Typing}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	return out
}
