package crdt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInsert(t *testing.T, d *Doc, pos int, s string) []byte {
	t.Helper()
	u, err := d.Insert(pos, s)
	require.NoError(t, err)
	return u
}

func TestDoc_InsertAndDelete(t *testing.T) {
	d := NewDoc(1)

	mustInsert(t, d, 0, "hello")
	mustInsert(t, d, 5, " world")
	assert.Equal(t, "hello world", d.Text())

	_, err := d.Delete(0, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", d.Text())
	assert.Equal(t, 5, d.Len())

	mustInsert(t, d, 0, "big ")
	assert.Equal(t, "big world", d.Text())
}

func TestDoc_OutOfRange(t *testing.T) {
	d := NewDoc(1)

	_, err := d.Insert(3, "x")
	assert.Error(t, err)

	mustInsert(t, d, 0, "ab")
	_, err = d.Delete(1, 5)
	assert.Error(t, err)
}

func TestDoc_ApplyIsIdempotent(t *testing.T) {
	src := NewDoc(1)
	u1 := mustInsert(t, src, 0, "abc")

	dst := NewDoc(2)
	require.NoError(t, dst.ApplyUpdate(u1))
	once := dst.EncodeStateAsUpdate()

	require.NoError(t, dst.ApplyUpdate(u1))
	assert.Equal(t, "abc", dst.Text())
	assert.Equal(t, once, dst.EncodeStateAsUpdate())
}

func TestDoc_ApplyIsCommutative(t *testing.T) {
	base := NewDoc(1)
	seed := mustInsert(t, base, 0, "--")

	a := NewDoc(2)
	require.NoError(t, a.ApplyUpdate(seed))
	b := NewDoc(3)
	require.NoError(t, b.ApplyUpdate(seed))

	ua := mustInsert(t, a, 1, "AAA")
	ub := mustInsert(t, b, 1, "BB")

	left := NewDoc(4)
	require.NoError(t, left.ApplyUpdate(seed))
	require.NoError(t, left.ApplyUpdate(ua))
	require.NoError(t, left.ApplyUpdate(ub))

	right := NewDoc(5)
	require.NoError(t, right.ApplyUpdate(seed))
	require.NoError(t, right.ApplyUpdate(ub))
	require.NoError(t, right.ApplyUpdate(ua))

	assert.Equal(t, left.Text(), right.Text())
	assert.Equal(t, left.EncodeStateAsUpdate(), right.EncodeStateAsUpdate())
	assert.Len(t, left.Text(), 7)
}

func TestDoc_OutOfOrderDelivery(t *testing.T) {
	src := NewDoc(1)
	u1 := mustInsert(t, src, 0, "ab")
	u2 := mustInsert(t, src, 2, "cd")
	u3, err := src.Delete(1, 2)
	require.NoError(t, err)

	dst := NewDoc(2)
	require.NoError(t, dst.ApplyUpdate(u3))
	require.NoError(t, dst.ApplyUpdate(u2))
	assert.Equal(t, "", dst.Text(), "children wait for their origin")

	require.NoError(t, dst.ApplyUpdate(u1))
	assert.Equal(t, src.Text(), dst.Text())
	assert.Equal(t, "ad", dst.Text())
}

func TestDoc_StateRoundTripPreservesPending(t *testing.T) {
	src := NewDoc(1)
	u1 := mustInsert(t, src, 0, "x")
	u2 := mustInsert(t, src, 1, "y")

	partial := NewDoc(2)
	require.NoError(t, partial.ApplyUpdate(u2))

	restored := NewDoc(3)
	require.NoError(t, restored.ApplyUpdate(partial.EncodeStateAsUpdate()))
	require.NoError(t, restored.ApplyUpdate(u1))
	assert.Equal(t, "xy", restored.Text())
}

func TestDoc_ConcurrentEditsConverge(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	var fromA, fromB [][]byte
	fromA = append(fromA, mustInsert(t, a, 0, "hello"))
	fromB = append(fromB, mustInsert(t, b, 0, "world"))

	for _, u := range fromB {
		require.NoError(t, a.ApplyUpdate(u))
	}
	for _, u := range fromA {
		require.NoError(t, b.ApplyUpdate(u))
	}
	assert.Equal(t, a.Text(), b.Text())

	da, err := a.Delete(0, 3)
	require.NoError(t, err)
	ib := mustInsert(t, b, 10, "!")

	require.NoError(t, a.ApplyUpdate(ib))
	require.NoError(t, b.ApplyUpdate(da))
	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate())
}

func TestDoc_OnUpdate(t *testing.T) {
	d := NewDoc(1)

	var local, remote int
	off := d.OnUpdate(func(_ []byte, isLocal bool) {
		if isLocal {
			local++
		} else {
			remote++
		}
	})

	mustInsert(t, d, 0, "a")

	other := NewDoc(2)
	u := mustInsert(t, other, 0, "b")
	require.NoError(t, d.ApplyUpdate(u))
	require.NoError(t, d.ApplyUpdate(u))

	off()
	mustInsert(t, d, 0, "c")

	assert.Equal(t, 1, local)
	assert.Equal(t, 1, remote, "duplicate apply does not notify")
}

func TestValidateUpdate(t *testing.T) {
	d := NewDoc(7)
	good := mustInsert(t, d, 0, "ok")

	tests := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{"valid delta", good, false},
		{"empty update", EmptyUpdate(), false},
		{"nil", nil, true},
		{"wrong version", []byte{9, 0, 0}, true},
		{"truncated", good[:len(good)-2], true},
		{"trailing bytes", append(append([]byte{}, good...), 0xff), true},
		{"huge count", []byte{updateVersion, 0xff, 0xff, 0xff, 0x7f}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpdate(tt.payload)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedUpdate)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDoc_ApplyMalformedLeavesStateUntouched(t *testing.T) {
	d := NewDoc(1)
	mustInsert(t, d, 0, "keep")
	before := d.EncodeStateAsUpdate()

	assert.Error(t, d.ApplyUpdate([]byte{1, 5}))
	assert.Equal(t, before, d.EncodeStateAsUpdate())
}

// editedDoc types n characters and then edits scattered positions, so items
// end up with origins far from the most recently placed slot.
func editedDoc(t testing.TB, n int) *Doc {
	d := NewDoc(1)
	_, err := d.Insert(0, strings.Repeat("a", n))
	require.NoError(t, err)
	for pos := n - 1; pos > 0; pos -= n / 7 {
		_, err = d.Insert(pos, "[b]")
		require.NoError(t, err)
		_, err = d.Delete(pos/2, 1)
		require.NoError(t, err)
	}
	_, err = d.Insert(0, "head ")
	require.NoError(t, err)
	return d
}

func TestDoc_HydrateScatteredEdits(t *testing.T) {
	src := editedDoc(t, 2000)

	dst := NewDoc(2)
	require.NoError(t, dst.ApplyUpdate(src.EncodeStateAsUpdate()))
	assert.Equal(t, src.Text(), dst.Text())
	assert.Equal(t, src.EncodeStateAsUpdate(), dst.EncodeStateAsUpdate())

	// a remote edit whose origin sits far behind the last placed item
	remote := NewDoc(3)
	require.NoError(t, remote.ApplyUpdate(src.EncodeStateAsUpdate()))
	u := mustInsert(t, remote, 3, "xyz")
	require.NoError(t, dst.ApplyUpdate(u))
	assert.Equal(t, remote.Text(), dst.Text())
}

func BenchmarkDoc_HydrateLargeSnapshot(b *testing.B) {
	state := editedDoc(b, 100_000).EncodeStateAsUpdate()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := NewDoc(2)
		if err := d.ApplyUpdate(state); err != nil {
			b.Fatal(err)
		}
	}
}

