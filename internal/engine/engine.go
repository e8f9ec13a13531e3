package engine

import "errors"

// ErrBadUpdate is returned when an update cannot be decoded.
// The engine's state is unchanged when this is returned.
var ErrBadUpdate = errors.New("engine: cannot decode update")

// Engine is the contract for a replicated document engine.
// An Engine holds the merged state of one document and exposes the three
// operations the sync protocol needs. Implementations must make ApplyUpdate
// idempotent (applying the same update twice is a no-op) and commutative
// (two updates may be applied in either order with the same result).
//
// Engines are not required to be safe for concurrent use; the document
// coordinator owns its engine exclusively and serializes all access.
type Engine interface {
	// StateVector encodes a compact summary of the latest known operation
	// per replica, suitable for sending in a sync step1.
	StateVector() []byte

	// Diff encodes the delta a remote replica with the given state vector
	// is missing. A nil or empty remote vector yields the full state.
	// Returns ErrBadUpdate (wrapped) if the vector cannot be decoded.
	Diff(remote []byte) ([]byte, error)

	// ApplyUpdate merges a remote delta into the local state.
	// Returns ErrBadUpdate (wrapped) if the update cannot be decoded, in
	// which case no state change occurs.
	ApplyUpdate(update []byte) error
}
