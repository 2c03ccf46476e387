package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

/*
LEARNING: REPLICATED GROWABLE ARRAY

Every character is an item with a globally unique ID (client, clock) and an
origin: the item it was typed after. The document is the depth-first walk of
the origin tree where siblings are ordered by ID, newest first.

Properties the session engine depends on:
1. Idempotent: an item or tombstone that is already known is ignored
2. Commutative: the position of an item depends only on its origin and ID
3. Associative: batching updates together integrates the same items

Items that arrive before their origin wait in a pending set. Deletes that
arrive before their target wait as pending tombstones.
*/

// ID uniquely identifies an item across all replicas.
type ID struct {
	Client uint64
	Clock  uint64
}

// Less orders IDs by clock first, client as tiebreaker.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Client, id.Clock)
}

type item struct {
	id        ID
	origin    ID
	hasOrigin bool
	value     rune
	deleted   bool
}

// UpdateHandler receives every delta applied to a Doc. local is true for
// edits made through Insert/Delete on this replica.
type UpdateHandler func(update []byte, local bool)

// Doc is a single text replica. All methods are safe for concurrent use.
type Doc struct {
	mu       sync.RWMutex
	clientID uint64
	clock    uint64

	items []*item
	index map[ID]*item
	// last is the slot of the most recently placed item. Snapshots list
	// items in document order and typing runs left to right, so the next
	// origin is almost always at or next to it.
	last int

	pendingItems   map[ID]*item
	pendingDeletes map[ID]struct{}

	handlers   map[int]UpdateHandler
	nextHandle int
}

// NewDoc creates an empty replica that issues local edits as clientID.
func NewDoc(clientID uint64) *Doc {
	return &Doc{
		clientID:       clientID,
		index:          make(map[ID]*item),
		pendingItems:   make(map[ID]*item),
		pendingDeletes: make(map[ID]struct{}),
		handlers:       make(map[int]UpdateHandler),
	}
}

// ClientID returns the id used for local edits.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// OnUpdate registers fn for every applied delta and returns a function that
// removes the registration.
func (d *Doc) OnUpdate(fn UpdateHandler) func() {
	d.mu.Lock()
	h := d.nextHandle
	d.nextHandle++
	d.handlers[h] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers, h)
		d.mu.Unlock()
	}
}

// Text returns the visible content.
func (d *Doc) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.visibleLen()
}

func (d *Doc) visibleLen() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// ApplyUpdate integrates a remote delta or a full state snapshot.
func (d *Doc) ApplyUpdate(update []byte) error {
	u, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := d.integrate(u)
	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	if changed {
		for _, h := range handlers {
			h(update, false)
		}
	}
	return nil
}

// EncodeStateAsUpdate encodes the entire replica, including tombstones and
// pending items, as one update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u := &update{}
	for _, it := range d.items {
		u.inserts = append(u.inserts, insertOp{id: it.id, origin: it.origin, hasOrigin: it.hasOrigin, value: it.value})
		if it.deleted {
			u.deletes = append(u.deletes, it.id)
		}
	}

	pending := make([]*item, 0, len(d.pendingItems))
	for _, it := range d.pendingItems {
		pending = append(pending, it)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].id.Less(pending[j].id) })
	for _, it := range pending {
		u.inserts = append(u.inserts, insertOp{id: it.id, origin: it.origin, hasOrigin: it.hasOrigin, value: it.value})
	}

	dels := make([]ID, 0, len(d.pendingDeletes))
	for id := range d.pendingDeletes {
		dels = append(dels, id)
	}
	sort.Slice(dels, func(i, j int) bool { return dels[i].Less(dels[j]) })
	u.deletes = append(u.deletes, dels...)

	return encodeUpdate(u)
}

// Insert types s at visible position pos and returns the delta.
func (d *Doc) Insert(pos int, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}

	d.mu.Lock()
	if pos < 0 || pos > d.visibleLen() {
		d.mu.Unlock()
		return nil, fmt.Errorf("insert position %d out of range", pos)
	}

	var origin ID
	hasOrigin := false
	if pos > 0 {
		left := d.visibleAt(pos - 1)
		origin, hasOrigin = left.id, true
	}

	u := &update{}
	for _, r := range s {
		d.clock++
		op := insertOp{id: ID{Client: d.clientID, Clock: d.clock}, origin: origin, hasOrigin: hasOrigin, value: r}
		u.inserts = append(u.inserts, op)
		d.integrateInsert(op)
		origin, hasOrigin = op.id, true
	}
	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	data := encodeUpdate(u)
	for _, h := range handlers {
		h(data, true)
	}
	return data, nil
}

// Delete removes n visible characters starting at pos and returns the delta.
func (d *Doc) Delete(pos, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	d.mu.Lock()
	if pos < 0 || pos+n > d.visibleLen() {
		d.mu.Unlock()
		return nil, fmt.Errorf("delete range [%d,%d) out of range", pos, pos+n)
	}

	u := &update{}
	for i := 0; i < n; i++ {
		// the next visible item slides into pos after each tombstone
		it := d.visibleAt(pos)
		it.deleted = true
		u.deletes = append(u.deletes, it.id)
	}
	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	data := encodeUpdate(u)
	for _, h := range handlers {
		h(data, true)
	}
	return data, nil
}

func (d *Doc) snapshotHandlers() []UpdateHandler {
	out := make([]UpdateHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		out = append(out, h)
	}
	return out
}

func (d *Doc) visibleAt(pos int) *item {
	n := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return it
		}
		n++
	}
	return nil
}

// integrate applies all operations of u and reports whether state changed.
func (d *Doc) integrate(u *update) bool {
	changed := false
	for _, op := range u.inserts {
		if d.integrateInsert(op) {
			changed = true
		}
	}
	for _, id := range u.deletes {
		if d.integrateDelete(id) {
			changed = true
		}
	}
	return changed
}

func (d *Doc) integrateInsert(op insertOp) bool {
	if _, ok := d.index[op.id]; ok {
		return false
	}
	if _, ok := d.pendingItems[op.id]; ok {
		return false
	}

	it := &item{id: op.id, origin: op.origin, hasOrigin: op.hasOrigin, value: op.value}
	if op.hasOrigin {
		if _, ok := d.index[op.origin]; !ok {
			d.pendingItems[op.id] = it
			return true
		}
	}

	d.place(it)
	d.resolvePending()
	return true
}

func (d *Doc) integrateDelete(id ID) bool {
	if it, ok := d.index[id]; ok {
		if it.deleted {
			return false
		}
		it.deleted = true
		return true
	}
	if _, ok := d.pendingDeletes[id]; ok {
		return false
	}
	d.pendingDeletes[id] = struct{}{}
	return true
}

// place inserts it into the ordered item list. Scanning right from the
// origin, it passes over newer siblings and their descendants and stops at
// the first older sibling or at the end of the origin's subtree.
func (d *Doc) place(it *item) {
	start := 0
	subtree := map[ID]struct{}{}
	if it.hasOrigin {
		start = d.position(it.origin) + 1
		subtree[it.origin] = struct{}{}
	}

	i := start
	for ; i < len(d.items); i++ {
		y := d.items[i]
		if !it.hasOrigin {
			if !y.hasOrigin {
				if y.id.Less(it.id) {
					break
				}
				subtree[y.id] = struct{}{}
				continue
			}
			if _, ok := subtree[y.origin]; !ok {
				break
			}
			subtree[y.id] = struct{}{}
			continue
		}

		if !y.hasOrigin {
			break
		}
		if _, ok := subtree[y.origin]; !ok {
			break
		}
		if y.origin == it.origin && y.id.Less(it.id) {
			break
		}
		subtree[y.id] = struct{}{}
	}

	d.items = append(d.items, nil)
	copy(d.items[i+1:], d.items[i:])
	d.items[i] = it
	d.index[it.id] = it
	d.last = i

	if it.id.Clock > d.clock {
		d.clock = it.id.Clock
	}
	if _, ok := d.pendingDeletes[it.id]; ok {
		it.deleted = true
		delete(d.pendingDeletes, it.id)
	}
}

// position finds the slot of id, scanning outward from the last placed
// item.
func (d *Doc) position(id ID) int {
	n := len(d.items)
	if d.last < n && d.items[d.last].id == id {
		return d.last
	}
	for lo, hi := d.last-1, d.last+1; lo >= 0 || hi < n; lo, hi = lo-1, hi+1 {
		if hi < n && d.items[hi].id == id {
			return hi
		}
		if lo >= 0 && d.items[lo].id == id {
			return lo
		}
	}
	return -1
}

func (d *Doc) resolvePending() {
	for progress := true; progress && len(d.pendingItems) > 0; {
		progress = false
		ready := make([]*item, 0)
		for _, it := range d.pendingItems {
			if _, ok := d.index[it.origin]; ok {
				ready = append(ready, it)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].id.Less(ready[j].id) })
		for _, it := range ready {
			delete(d.pendingItems, it.id)
			d.place(it)
			progress = true
		}
	}
}
