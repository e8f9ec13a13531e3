package awareness

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Change summarizes the effect of one awareness mutation, partitioned the way
// observers consume it: clients seen for the first time, clients whose state
// changed, and clients whose state was removed.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether the change carries no client ids at all
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Observer receives awareness changes together with the origin of the
// mutation that produced them
type Observer func(change Change, origin any)

// entry tracks one client's presence.
// data == nil marks a tombstone: the client is gone but its clock is retained
// so a stale re-announcement cannot resurrect it.
type entry struct {
	clock    uint64
	data     json.RawMessage
	lastSeen time.Time
}

// Awareness holds ephemeral per-client presence state for one document.
//
// Each client's state is an arbitrary JSON value guarded by a per-client
// clock that strictly increases across accepted updates; batches carrying a
// stale or equal clock for a known client are ignored. State never touches
// the network or disk from here — side effects are observer notifications
// only.
//
// All methods are safe for concurrent use.
type Awareness struct {
	mu        sync.RWMutex
	localID   uint64
	entries   map[uint64]*entry
	observers map[int]Observer
	nextObs   int
	now       func() time.Time // swapped out in tests
}

// New creates an empty awareness state whose local client is clientID
func New(clientID uint64) *Awareness {
	return &Awareness{
		localID:   clientID,
		entries:   make(map[uint64]*entry),
		observers: make(map[int]Observer),
		now:       time.Now,
	}
}

// LocalID returns the local client's id
func (a *Awareness) LocalID() uint64 {
	return a.localID
}

// OnUpdate registers an observer for every accepted awareness change.
// The returned function cancels the registration; cancelling the last
// observer only stops notification delivery, never mutates state.
func (a *Awareness) OnUpdate(obs Observer) func() {
	a.mu.Lock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = obs
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// Clients returns the ids of all clients that currently have a state,
// in ascending order
func (a *Awareness) Clients() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]uint64, 0, len(a.entries))
	for id, e := range a.entries {
		if e.data != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// States returns a copy of every present client's state keyed by client id
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()

	states := make(map[uint64]json.RawMessage, len(a.entries))
	for id, e := range a.entries {
		if e.data != nil {
			states[id] = slices.Clone(e.data)
		}
	}
	return states
}

// State returns one client's state, or nil if the client is absent
func (a *Awareness) State(clientID uint64) json.RawMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if e, ok := a.entries[clientID]; ok && e.data != nil {
		return slices.Clone(e.data)
	}
	return nil
}

// Clock returns the stored clock for a client (zero if unknown)
func (a *Awareness) Clock(clientID uint64) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if e, ok := a.entries[clientID]; ok {
		return e.clock
	}
	return 0
}

// SetLocalState stores a new state for the local client, bumping its clock.
// A nil value removes the local state (tombstone). Observers are notified
// with origin "local".
func (a *Awareness) SetLocalState(value any) error {
	var data json.RawMessage
	if value != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("awareness: encode local state: %w", err)
		}
		data = encoded
	}

	a.mu.Lock()
	e, known := a.entries[a.localID]
	if !known {
		e = &entry{}
		a.entries[a.localID] = e
	}
	hadState := known && e.data != nil
	e.clock++
	e.data = data
	e.lastSeen = a.now()

	var change Change
	switch {
	case data == nil && hadState:
		change.Removed = []uint64{a.localID}
	case data == nil:
		// Removing a state that was never set: clock advanced, nothing to report
	case hadState:
		change.Updated = []uint64{a.localID}
	default:
		change.Added = []uint64{a.localID}
	}
	obs := a.snapshotObservers()
	a.mu.Unlock()

	notify(obs, change, "local")
	return nil
}

// ApplyUpdate merges a batch of remote awareness entries.
// Entries are accepted only when their clock is newer than the stored clock
// (or the client is new); accepted tombstones remove the client. Observers
// see one merged change with the supplied origin.
func (a *Awareness) ApplyUpdate(batch []byte, origin any) error {
	updates, err := decodeBatch(batch)
	if err != nil {
		return err
	}

	a.mu.Lock()
	var change Change
	for _, u := range updates {
		e, known := a.entries[u.ClientID]
		if known && u.Clock <= e.clock {
			continue
		}
		if !known {
			e = &entry{}
			a.entries[u.ClientID] = e
		}
		hadState := known && e.data != nil
		e.clock = u.Clock
		e.data = u.State
		e.lastSeen = a.now()

		switch {
		case u.State == nil && hadState:
			change.Removed = append(change.Removed, u.ClientID)
		case u.State == nil:
			// Tombstone for a client we never saw: remember the clock only
		case hadState:
			change.Updated = append(change.Updated, u.ClientID)
		default:
			change.Added = append(change.Added, u.ClientID)
		}
	}
	obs := a.snapshotObservers()
	a.mu.Unlock()

	notify(obs, change, origin)
	return nil
}

// RemoveStates forcibly tombstones the given clients and notifies observers
// with the supplied origin. Unknown or already-removed clients are skipped.
func (a *Awareness) RemoveStates(clientIDs []uint64, origin any) {
	a.mu.Lock()
	var change Change
	for _, id := range clientIDs {
		e, ok := a.entries[id]
		if !ok || e.data == nil {
			continue
		}
		e.clock++
		e.data = nil
		e.lastSeen = a.now()
		change.Removed = append(change.Removed, id)
	}
	obs := a.snapshotObservers()
	a.mu.Unlock()

	notify(obs, change, origin)
}

// Prune tombstones every remote client whose entry has been idle longer than
// maxAge and returns the removed ids. The local client is never pruned; the
// timeout policy lives with the caller, not here.
func (a *Awareness) Prune(maxAge time.Duration) []uint64 {
	cutoff := a.now().Add(-maxAge)

	a.mu.Lock()
	var change Change
	for id, e := range a.entries {
		if id == a.localID || e.data == nil {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			e.clock++
			e.data = nil
			change.Removed = append(change.Removed, id)
		}
	}
	obs := a.snapshotObservers()
	a.mu.Unlock()

	notify(obs, change, "timeout")
	return change.Removed
}

// snapshotObservers copies the observer set; callers must hold the lock
func (a *Awareness) snapshotObservers() []Observer {
	obs := make([]Observer, 0, len(a.observers))
	for _, o := range a.observers {
		obs = append(obs, o)
	}
	return obs
}

// notify delivers a non-empty change to each observer outside the lock
func notify(obs []Observer, change Change, origin any) {
	if change.Empty() {
		return
	}
	for _, o := range obs {
		o(change, origin)
	}
}
