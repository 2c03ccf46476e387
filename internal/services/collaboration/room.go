package collaboration

import (
	"sync"

	"collabsync/internal/awareness"
	"collabsync/internal/crdt"
	"collabsync/internal/protocol"
)

// serverClientID is the replica id the server would use for its own edits.
// The server only relays, so nothing is ever issued under it.
const serverClientID = 0

// Room pairs one document replica with its awareness table and tracks the
// connections of this process that joined it.
type Room struct {
	DocID     string
	Doc       *crdt.Doc
	Awareness *awareness.Awareness

	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

func newRoom(docID string) *Room {
	return &Room{
		DocID:     docID,
		Doc:       crdt.NewDoc(serverClientID),
		Awareness: awareness.New(serverClientID),
		conns:     make(map[*Connection]struct{}),
	}
}

// add queues the join snapshots on c and registers it in one step. A relay
// that misses c was applied before the snapshot was encoded, so c never sees
// a peer delta ahead of its snapshot.
func (r *Room) add(c *Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendSnapshots(c)
	r.conns[c] = struct{}{}
	return len(r.conns)
}

// sendSnapshots queues the full replica and awareness table on c.
func (r *Room) sendSnapshots(c *Connection) {
	c.enqueue(protocol.Encode(protocol.DocumentUpdate(r.DocID, r.Doc.EncodeStateAsUpdate())))
	c.enqueue(protocol.Encode(protocol.AwarenessUpdate(r.DocID, r.Awareness.Encode())))
}

func (r *Room) remove(c *Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	return len(r.conns)
}

// Len returns the number of local connections.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// broadcast queues frame on every local connection except skip.
func (r *Room) broadcast(frame []byte, skip *Connection) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		if c != skip {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
	return len(targets)
}
