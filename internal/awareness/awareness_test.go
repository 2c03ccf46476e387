package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alice() *State {
	return &State{User: &User{ID: "u1", Name: "alice", Color: "#f00"}}
}

func TestAwareness_SetLocalStateAndReplicate(t *testing.T) {
	a := New(1)
	ch := a.SetLocalState(alice())
	assert.Equal(t, []uint64{1}, ch.Added)

	b := New(2)
	got, err := b.Apply(a.Encode(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, got.Added)
	assert.Equal(t, "alice", b.States()[1].User.Name)

	a.SetLocalField(func(s *State) {
		s.Typing = true
		s.Cursor = &Range{From: 2, To: 4}
	})
	got, err = b.Apply(a.Encode(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, got.Updated)
	assert.True(t, b.States()[1].Typing)
	assert.Equal(t, 4, b.States()[1].Cursor.To)
}

func TestAwareness_StaleUpdateIgnored(t *testing.T) {
	a := New(1)
	a.SetLocalState(alice())
	old := a.Encode(1)
	a.SetLocalField(func(s *State) { s.Typing = true })
	fresh := a.Encode(1)

	b := New(2)
	_, err := b.Apply(fresh)
	require.NoError(t, err)

	ch, err := b.Apply(old)
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	assert.True(t, b.States()[1].Typing)
}

func TestAwareness_ApplyIsIdempotent(t *testing.T) {
	a := New(1)
	a.SetLocalState(alice())
	u := a.Encode()

	b := New(2)
	_, err := b.Apply(u)
	require.NoError(t, err)
	ch, err := b.Apply(u)
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	assert.Len(t, b.States(), 1)
}

func TestAwareness_RemoveBroadcastsRemoval(t *testing.T) {
	server := New(0)
	client := New(7)
	client.SetLocalState(alice())

	_, err := server.Apply(client.Encode(7))
	require.NoError(t, err)

	peer := New(9)
	_, err = peer.Apply(server.Encode())
	require.NoError(t, err)
	require.Len(t, peer.States(), 1)

	ch := server.Remove(7)
	assert.Equal(t, []uint64{7}, ch.Removed)
	assert.Empty(t, server.States())

	got, err := peer.Apply(server.Encode(7))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, got.Removed)
	assert.Empty(t, peer.States())
}

func TestAwareness_RemoveUnknownIsNoop(t *testing.T) {
	a := New(1)
	calls := 0
	a.OnChange(func(Change, bool) { calls++ })

	ch := a.Remove(42)
	assert.True(t, ch.Empty())
	assert.Zero(t, calls)
}

func TestAwareness_OnChangeUnsubscribe(t *testing.T) {
	a := New(1)
	var local []Change
	off := a.OnChange(func(c Change, isLocal bool) {
		if isLocal {
			local = append(local, c)
		}
	})

	a.SetLocalState(alice())
	off()
	a.SetLocalState(nil)

	require.Len(t, local, 1)
	assert.Equal(t, []uint64{1}, local[0].IDs())
}

func TestAwareness_EmptySnapshot(t *testing.T) {
	a := New(0)
	snap := a.Encode()

	b := New(1)
	ch, err := b.Apply(snap)
	require.NoError(t, err)
	assert.True(t, ch.Empty())
}

func TestValidate(t *testing.T) {
	a := New(3)
	a.SetLocalState(alice())
	good := a.Encode()

	tests := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{"valid", good, false},
		{"empty table", New(0).Encode(), false},
		{"nil", nil, true},
		{"truncated", good[:len(good)-3], true},
		{"bad json", []byte{1, 3, 1, 2, '{', 'x'}, true},
		{"trailing", append(append([]byte{}, good...), 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.payload)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedUpdate)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAwareness_RemoveOutdatedDropsSilentRemotes(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	server := New(0)
	server.SetClock(clock.now)
	server.SetLocalState(alice())

	quiet := New(8)
	quiet.SetLocalState(alice())
	chatty := New(7)
	chatty.SetLocalState(alice())

	_, err := server.Apply(quiet.Encode())
	require.NoError(t, err)
	_, err = server.Apply(chatty.Encode())
	require.NoError(t, err)

	clock.advance(20 * time.Second)
	chatty.SetLocalField(func(s *State) { s.Typing = true })
	_, err = server.Apply(chatty.Encode())
	require.NoError(t, err)

	clock.advance(15 * time.Second)
	ch := server.RemoveOutdated(OutdatedTimeout)
	assert.Equal(t, []uint64{8}, ch.Removed)
	assert.Equal(t, []uint64{0, 7}, server.ClientIDs(), "the local entry never expires")

	// peers holding the expired entry drop it on the encoded removal
	peer := New(99)
	_, err = peer.Apply(quiet.Encode())
	require.NoError(t, err)
	got, err := peer.Apply(server.Encode(ch.Removed...))
	require.NoError(t, err)
	assert.Equal(t, []uint64{8}, got.Removed)

	// a later renewal from the owner is accepted again
	quiet.SetLocalField(func(s *State) { s.Typing = true })
	got, err = server.Apply(quiet.Encode())
	require.NoError(t, err)
	assert.Equal(t, []uint64{8}, got.Added)
}

func TestAwareness_RemoveOutdatedNotifiesAsRemote(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	a := New(1)
	a.SetClock(clock.now)
	_, err := a.Apply(func() []byte {
		o := New(2)
		o.SetLocalState(alice())
		return o.Encode()
	}())
	require.NoError(t, err)

	var locals []bool
	a.OnChange(func(ch Change, local bool) { locals = append(locals, local) })

	clock.advance(OutdatedTimeout)
	assert.Equal(t, []uint64{2}, a.RemoveOutdated(OutdatedTimeout).Removed)
	assert.Equal(t, []bool{false}, locals)
	assert.True(t, a.RemoveOutdated(OutdatedTimeout).Empty())
}
