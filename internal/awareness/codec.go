package awareness

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrMalformed is returned when an awareness batch cannot be decoded
var ErrMalformed = errors.New("awareness: malformed update batch")

// tombstone is the wire payload marking a removed client state
var tombstone = []byte("null")

// batchEntry is one decoded element of an awareness batch.
// State is nil for tombstones.
type batchEntry struct {
	ClientID uint64
	Clock    uint64
	State    []byte
}

// EncodeUpdate serializes the entries for the given client ids into the batch
// format accepted by ApplyUpdate. With no ids it serializes every known
// client, tombstones included, so a receiver also learns about removals.
// Unknown ids are encoded as clock-zero tombstones, mirroring what a receiver
// that never saw the client would store.
func (a *Awareness) EncodeUpdate(clientIDs ...uint64) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := clientIDs
	if len(ids) == 0 {
		ids = make([]uint64, 0, len(a.entries))
		for id := range a.entries {
			ids = append(ids, id)
		}
		slices.Sort(ids)
	}

	buf := binary.BigEndian.AppendUint32(nil, uint32(len(ids)))
	for _, id := range ids {
		var clock uint64
		state := tombstone
		if e, ok := a.entries[id]; ok {
			clock = e.clock
			if e.data != nil {
				state = e.data
			}
		}
		buf = binary.BigEndian.AppendUint64(buf, id)
		buf = binary.BigEndian.AppendUint64(buf, clock)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(state)))
		buf = append(buf, state...)
	}
	return buf
}

// decodeBatch parses a batch into entries, translating the tombstone payload
// into a nil state
func decodeBatch(data []byte) ([]batchEntry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]

	entries := make([]batchEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(data) < 20 {
			return nil, fmt.Errorf("%w: truncated entry %d", ErrMalformed, i)
		}
		e := batchEntry{
			ClientID: binary.BigEndian.Uint64(data[:8]),
			Clock:    binary.BigEndian.Uint64(data[8:16]),
		}
		slen := binary.BigEndian.Uint32(data[16:20])
		data = data[20:]
		if uint32(len(data)) < slen {
			return nil, fmt.Errorf("%w: entry %d state truncated", ErrMalformed, i)
		}
		state := data[:slen]
		data = data[slen:]
		if !bytes.Equal(state, tombstone) {
			e.State = slices.Clone(state)
		}
		entries = append(entries, e)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data))
	}
	return entries, nil
}
