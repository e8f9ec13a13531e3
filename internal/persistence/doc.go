// Package persistence defines the durable-state lifecycle hooks a document
// coordinator drives, and ships three implementations.
//
// # Overview
//
// A coordinator threads an opaque state value through three hooks:
//
//	Bind(doc, engine)                   -> state     once, before first use
//	Update(state, update, doc, engine)  -> state     after every applied update
//	Unbind(state, doc, engine)                       exactly once, at teardown
//
// Implementations:
//
//   - Nop: stores nothing; documents live only as long as their coordinator.
//   - MemoryStore: in-process update log with compaction; survives idle
//     teardown within one process.
//   - PostgresStore: the same log shape in a quilt_updates table via pgx,
//     for deployments that need durability across restarts.
//
// Hooks are called from the coordinator's own goroutine, so a slow hook
// blocks that one document and nothing else. Hook errors crash the
// coordinator on purpose — see the Persistence doc comment.
package persistence
