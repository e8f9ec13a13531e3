package persistence

import (
	"context"

	"github.com/quiltmesh/quilt/internal/engine"
)

// Persistence is the durable-state lifecycle hook a coordinator drives.
//
// Bind runs once when a coordinator starts, before it serves any subscriber;
// whatever it applies to the engine becomes the initial document content.
// Update runs after every successfully applied document update. Unbind runs
// exactly once at teardown with the final engine state.
//
// The opaque state value returned by Bind is threaded through every Update
// call and into Unbind. It is owned by one coordinator for its lifetime and
// never shared.
//
// Hook failures are fatal to the coordinator: persisted state is
// authoritative, so a bind or update that cannot be recorded must not
// silently proceed. The directory contains the blast radius to the one
// document.
type Persistence interface {
	// Bind loads the document's durable state into the engine and returns
	// the initial persistence state
	Bind(ctx context.Context, doc string, eng engine.Engine) (any, error)

	// Update records one applied document update and returns the next
	// persistence state
	Update(ctx context.Context, state any, update []byte, doc string, eng engine.Engine) (any, error)

	// Unbind finalizes durable state at coordinator teardown
	Unbind(ctx context.Context, state any, doc string, eng engine.Engine) error
}

// Nop is a Persistence that stores nothing, for ephemeral documents
type Nop struct{}

// Bind returns an empty state
func (Nop) Bind(context.Context, string, engine.Engine) (any, error) { return nil, nil }

// Update discards the update
func (Nop) Update(_ context.Context, state any, _ []byte, _ string, _ engine.Engine) (any, error) {
	return state, nil
}

// Unbind does nothing
func (Nop) Unbind(context.Context, any, string, engine.Engine) error { return nil }
