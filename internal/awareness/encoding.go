package awareness

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedUpdate is returned for any awareness update that fails to decode.
var ErrMalformedUpdate = errors.New("malformed awareness update")

const (
	maxEntries  = 1 << 16
	maxStateLen = 64 << 10
)

var nullState = []byte("null")

type entry struct {
	clientID uint64
	clock    uint64
	state    *State
}

// Layout: uvarint count, then per entry uvarint clientID, uvarint clock,
// uvarint length and that many bytes of JSON state ("null" for removal).
func encodeEntries(entries []entry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, e.clientID)
		buf = binary.AppendUvarint(buf, e.clock)

		raw := nullState
		if e.state != nil {
			data, err := json.Marshal(e.state)
			if err == nil {
				raw = data
			}
		}
		buf = binary.AppendUvarint(buf, uint64(len(raw)))
		buf = append(buf, raw...)
	}
	return buf
}

func decodeEntries(data []byte) ([]entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	r := bytes.NewReader(data)

	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated count", ErrMalformedUpdate)
	}
	if n > maxEntries || n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: count %d exceeds payload", ErrMalformedUpdate, n)
	}

	entries := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e entry
		if e.clientID, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: truncated client id", ErrMalformedUpdate)
		}
		if e.clock, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: truncated clock", ErrMalformedUpdate)
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated state length", ErrMalformedUpdate)
		}
		if size > maxStateLen || size > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: state length %d exceeds payload", ErrMalformedUpdate, size)
		}
		raw := make([]byte, size)
		if _, err := r.Read(raw); err != nil && size > 0 {
			return nil, fmt.Errorf("%w: truncated state", ErrMalformedUpdate)
		}
		if !bytes.Equal(raw, nullState) {
			var s State
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: state json: %v", ErrMalformedUpdate, err)
			}
			e.state = &s
		}
		entries = append(entries, e)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return entries, nil
}

// Validate reports whether data is a well-formed awareness update.
func Validate(data []byte) error {
	_, err := decodeEntries(data)
	return err
}
