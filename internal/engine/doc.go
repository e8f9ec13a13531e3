// Package engine defines the contract between the synchronization service
// and the replicated document engine it coordinates.
//
// # Overview
//
// The sync service treats the document engine as a black box: it never
// inspects document content, only moves opaque byte strings between replicas.
// The Engine interface captures the three operations the protocol needs:
//
//	StateVector()       what do I know?          (sent in step1)
//	Diff(remote)        what is the peer missing? (sent in step2)
//	ApplyUpdate(bytes)  merge what the peer sent
//
// Any conflict-free replicated data type that can answer those three
// questions can sit behind a coordinator. The only semantic requirements are
// idempotence and commutativity of ApplyUpdate, because the service neither
// deduplicates nor reorders updates before applying them.
//
// # MemDoc
//
// MemDoc is the bundled implementation: a grow-only set of insert operations
// with per-replica sequence clocks. It exists so the service, its tests, and
// single-binary deployments have a working engine without an external
// dependency; production deployments plug in their own Engine at coordinator
// launch time.
package engine
