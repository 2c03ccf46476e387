package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// updateVersion is the first byte of every encoded update.
const updateVersion byte = 1

// maxOps bounds the operation counts read from a single update.
const maxOps = 1 << 24

// ErrMalformedUpdate is returned for any update that fails to decode.
var ErrMalformedUpdate = errors.New("malformed crdt update")

type insertOp struct {
	id        ID
	origin    ID
	hasOrigin bool
	value     rune
}

type update struct {
	inserts []insertOp
	deletes []ID
}

// Layout (all integers are uvarints):
//
//	version byte
//	insert count, then per insert: client, clock, hasOrigin byte, [originClient, originClock], rune
//	delete count, then per delete: client, clock
func encodeUpdate(u *update) []byte {
	buf := make([]byte, 0, 3+len(u.inserts)*8+len(u.deletes)*4)
	buf = append(buf, updateVersion)

	buf = binary.AppendUvarint(buf, uint64(len(u.inserts)))
	for _, op := range u.inserts {
		buf = binary.AppendUvarint(buf, op.id.Client)
		buf = binary.AppendUvarint(buf, op.id.Clock)
		if op.hasOrigin {
			buf = append(buf, 1)
			buf = binary.AppendUvarint(buf, op.origin.Client)
			buf = binary.AppendUvarint(buf, op.origin.Clock)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.AppendUvarint(buf, uint64(op.value))
	}

	buf = binary.AppendUvarint(buf, uint64(len(u.deletes)))
	for _, id := range u.deletes {
		buf = binary.AppendUvarint(buf, id.Client)
		buf = binary.AppendUvarint(buf, id.Clock)
	}
	return buf
}

func decodeUpdate(data []byte) (*update, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	if data[0] != updateVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedUpdate, data[0])
	}

	r := bytes.NewReader(data[1:])
	u := &update{}

	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		var op insertOp
		if op.id, err = readID(r); err != nil {
			return nil, err
		}
		flag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated origin flag", ErrMalformedUpdate)
		}
		switch flag {
		case 0:
		case 1:
			op.hasOrigin = true
			if op.origin, err = readID(r); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: bad origin flag %d", ErrMalformedUpdate, flag)
		}
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated value", ErrMalformedUpdate)
		}
		if v > utf8.MaxRune || !utf8.ValidRune(rune(v)) {
			return nil, fmt.Errorf("%w: invalid rune %d", ErrMalformedUpdate, v)
		}
		op.value = rune(v)
		u.inserts = append(u.inserts, op)
	}

	n, err = readCount(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		id, err := readID(r)
		if err != nil {
			return nil, err
		}
		u.deletes = append(u.deletes, id)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return u, nil
}

func readCount(r *bytes.Reader) (uint64, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: truncated count", ErrMalformedUpdate)
	}
	if n > maxOps || n > uint64(r.Len()) {
		return 0, fmt.Errorf("%w: count %d exceeds payload", ErrMalformedUpdate, n)
	}
	return n, nil
}

func readID(r *bytes.Reader) (ID, error) {
	client, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, fmt.Errorf("%w: truncated client", ErrMalformedUpdate)
	}
	clock, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, fmt.Errorf("%w: truncated clock", ErrMalformedUpdate)
	}
	if clock == 0 {
		return ID{}, fmt.Errorf("%w: zero clock", ErrMalformedUpdate)
	}
	return ID{Client: client, Clock: clock}, nil
}

// ValidateUpdate reports whether data is a well-formed update without
// applying it.
func ValidateUpdate(data []byte) error {
	_, err := decodeUpdate(data)
	return err
}

// EmptyUpdate returns the encoding of an update with no operations.
func EmptyUpdate() []byte {
	return encodeUpdate(&update{})
}
