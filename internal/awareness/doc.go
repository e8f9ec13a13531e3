// Package awareness implements the ephemeral presence sub-protocol: who is
// connected to a document right now, and what transient state (cursor
// position, user name, color) each of them is broadcasting.
//
// # Overview
//
// Awareness state is deliberately separate from document content. It is never
// persisted, never merged by the document engine, and disappears when its
// client does. Each client's state is an arbitrary JSON value paired with a
// per-client clock:
//
//   - A batch entry is accepted only if its clock is newer than the stored
//     clock for that client (or the client is new). Replays and stale
//     announcements are ignored without notification.
//   - A tombstone entry (JSON null payload) removes the client's state while
//     retaining its clock, so a delayed older announcement cannot bring a
//     departed client back.
//
// The same batch format flows in both directions: ApplyUpdate consumes it,
// EncodeUpdate produces it. Observers registered with OnUpdate receive one
// merged added/updated/removed partition per accepted mutation, along with
// the origin that caused it; delivering to observers is the package's only
// side effect.
//
// Inactivity cleanup is a policy decision of the hosting coordinator: Prune
// removes remote clients idle past a caller-chosen age and is typically
// driven by a ticker alongside the document's own lifecycle.
package awareness
