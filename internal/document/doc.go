// Package document implements the heart of Quilt: the per-document
// coordinator process, the generic actor template it is built on, and the
// directory that guarantees exactly one live coordinator per document name.
//
// # Overview
//
// Every named document is owned by exactly one Doc, a goroutine-confined
// actor holding the document's engine (merged CRDT state) and awareness
// (ephemeral presence) instances. Clients never touch either directly; all
// reads and mutations flow through the coordinator's mailbox, which is the
// sole synchronization mechanism:
//
//	 client conns                 ┌───────────────────────────┐
//	┌───────────┐   Process       │  Doc ("room" coordinator) │
//	│subscriber │ ──────────────▶ │                           │
//	├───────────┤   Observe/      │  ┌─────────┐ ┌──────────┐ │
//	│subscriber │ ──────────────▶ │  │ Engine  │ │Awareness │ │
//	├───────────┤   Unobserve     │  └─────────┘ └──────────┘ │
//	│subscriber │                 │  mailbox ▸ one goroutine  │
//	└───────────┘                 └─────────┬─────────────────┘
//	      ▲                                 │ broadcast
//	      │          ┌──────────────────────┴──┐
//	      └──────────┤ pubsub: local + cluster │
//	                 └─────────────────────────┘
//
// # Lifecycle
//
// A coordinator is created lazily by Directory.EnsureStarted. It binds its
// persistence hooks (replaying durable state into the engine), serves
// subscribers while any are registered, and arms a single-shot idle timer
// whenever the subscriber set empties. If the timer elapses with no
// subscribers the coordinator runs the Unbind hook exactly once and
// terminates; the directory drops it and a later EnsureStarted builds a
// fresh one. Failures split two ways: protocol decode and engine-apply
// errors stay local to one request, while persistence hook failures stop the
// coordinator (durable state is authoritative), contained to that one
// document by the directory's one-for-one policy.
//
// # Protocol handling
//
// Process implements the sync state machine. A step1 is answered with the
// delta the peer is missing (step2); on a subscriber's first contact the
// coordinator additionally requests the peer's own unseen updates with a
// reciprocal step1 and ships the presence snapshot. Step2 and update
// messages are merged into the engine, persisted, and rebroadcast to every
// other subscriber, locally and across the cluster scope. Awareness updates
// relay verbatim; query-awareness gets an addressed reply and never fans
// out.
//
// # The template
//
// Server is the reusable skeleton underneath Doc: mailbox loop, managed
// engine and awareness, host assigns, and hook dispatch (Init,
// HandleUpdate, HandleAwarenessChange, plus call/cast pass-throughs).
// Host applications can build their own document-backed actors on it
// without the sync protocol.
package document
