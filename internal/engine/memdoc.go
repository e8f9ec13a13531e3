package engine

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// opID uniquely identifies one operation: the replica that produced it and
// its position in that replica's sequence.
type opID struct {
	Client uint64
	Seq    uint64
}

// op is a single insert operation in the grow-only set.
// Index is the array position the value was inserted at; concurrent inserts
// at the same index are ordered deterministically by (Index, Client, Seq) so
// every replica renders the same sequence.
type op struct {
	ID    opID
	Index uint64
	Value string
}

// MemDoc is an in-memory replicated document engine backed by a grow-only
// operation set with per-replica sequence clocks.
//
// It implements Engine: updates are batches of operations, a state vector is
// the highest sequence seen per replica, and a diff is every operation above
// the remote's clock. Applying is a set union, which makes it idempotent and
// commutative by construction.
//
// MemDoc is safe for concurrent use, though the coordinator serializes access
// anyway; the lock exists for callers that read a replica directly in tests.
type MemDoc struct {
	mu     sync.RWMutex
	client uint64
	next   uint64            // next local sequence number
	ops    map[opID]op       // the grow-only operation set
	clocks map[uint64]uint64 // highest seq seen per replica
}

// NewMemDoc creates an empty document replica owned by the given client id
func NewMemDoc(clientID uint64) *MemDoc {
	return &MemDoc{
		client: clientID,
		next:   1,
		ops:    make(map[opID]op),
		clocks: make(map[uint64]uint64),
	}
}

// ClientID returns the replica's own client id
func (d *MemDoc) ClientID() uint64 {
	return d.client
}

// Insert records a local insert of value at the given array index.
// The operation becomes visible to peers through StateVector/Diff.
func (d *MemDoc) Insert(index int, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := opID{Client: d.client, Seq: d.next}
	d.next++
	d.ops[id] = op{ID: id, Index: uint64(index), Value: value}
	if id.Seq > d.clocks[d.client] {
		d.clocks[d.client] = id.Seq
	}
}

// Strings renders the document as an ordered list of inserted values.
// Ordering is deterministic across replicas that hold the same operation set.
func (d *MemDoc) Strings() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ordered := make([]op, 0, len(d.ops))
	for _, o := range d.ops {
		ordered = append(ordered, o)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		if a.ID.Client != b.ID.Client {
			return a.ID.Client < b.ID.Client
		}
		return a.ID.Seq < b.ID.Seq
	})

	values := make([]string, len(ordered))
	for i, o := range ordered {
		values[i] = o.Value
	}
	return values
}

// StateVector encodes the highest sequence number seen per replica
func (d *MemDoc) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	clients := make([]uint64, 0, len(d.clocks))
	for c := range d.clocks {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := make([]byte, 0, 4+16*len(clients))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(clients)))
	for _, c := range clients {
		buf = binary.BigEndian.AppendUint64(buf, c)
		buf = binary.BigEndian.AppendUint64(buf, d.clocks[c])
	}
	return buf
}

// Diff encodes every operation the remote vector has not seen yet.
// A nil or empty vector yields the full operation set.
func (d *MemDoc) Diff(remote []byte) ([]byte, error) {
	seen, err := decodeVector(remote)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	missing := make([]op, 0)
	for id, o := range d.ops {
		if id.Seq > seen[id.Client] {
			missing = append(missing, o)
		}
	}
	// Deterministic encoding order keeps diffs comparable in tests
	sort.Slice(missing, func(i, j int) bool {
		a, b := missing[i], missing[j]
		if a.ID.Client != b.ID.Client {
			return a.ID.Client < b.ID.Client
		}
		return a.ID.Seq < b.ID.Seq
	})

	buf := binary.BigEndian.AppendUint32(nil, uint32(len(missing)))
	for _, o := range missing {
		buf = binary.BigEndian.AppendUint64(buf, o.ID.Client)
		buf = binary.BigEndian.AppendUint64(buf, o.ID.Seq)
		buf = binary.BigEndian.AppendUint64(buf, o.Index)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(o.Value)))
		buf = append(buf, o.Value...)
	}
	return buf, nil
}

// ApplyUpdate merges a batch of operations into the set.
// Already-known operations are skipped, so re-applying an update is a no-op.
func (d *MemDoc) ApplyUpdate(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, o := range ops {
		if _, known := d.ops[o.ID]; known {
			continue
		}
		d.ops[o.ID] = o
		if o.ID.Seq > d.clocks[o.ID.Client] {
			d.clocks[o.ID.Client] = o.ID.Seq
		}
		if o.ID.Client == d.client && o.ID.Seq >= d.next {
			d.next = o.ID.Seq + 1
		}
	}
	return nil
}

// decodeVector parses a state vector into a per-client clock map.
// nil/empty input is the zero vector.
func decodeVector(data []byte) (map[uint64]uint64, error) {
	seen := make(map[uint64]uint64)
	if len(data) == 0 {
		return seen, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated state vector", ErrBadUpdate)
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) != uint64(n)*16 {
		return nil, fmt.Errorf("%w: state vector declares %d entries, %d bytes present", ErrBadUpdate, n, len(data))
	}
	for i := uint32(0); i < n; i++ {
		client := binary.BigEndian.Uint64(data[:8])
		clock := binary.BigEndian.Uint64(data[8:16])
		seen[client] = clock
		data = data[16:]
	}
	return seen, nil
}

// decodeOps parses an update batch into operations
func decodeOps(data []byte) ([]op, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated update", ErrBadUpdate)
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]

	ops := make([]op, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(data) < 28 {
			return nil, fmt.Errorf("%w: truncated operation %d", ErrBadUpdate, i)
		}
		o := op{
			ID: opID{
				Client: binary.BigEndian.Uint64(data[:8]),
				Seq:    binary.BigEndian.Uint64(data[8:16]),
			},
			Index: binary.BigEndian.Uint64(data[16:24]),
		}
		vlen := binary.BigEndian.Uint32(data[24:28])
		data = data[28:]
		if uint32(len(data)) < vlen {
			return nil, fmt.Errorf("%w: operation %d value truncated", ErrBadUpdate, i)
		}
		o.Value = string(data[:vlen])
		data = data[vlen:]
		ops = append(ops, o)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadUpdate, len(data))
	}
	return ops, nil
}
