// Package pubsub implements the fanout layer: delivery of outbound protocol
// messages to every subscriber of a document, on this runtime instance and
// across a cluster of cooperating instances.
//
// # Overview
//
// The package splits fanout into two pluggable halves:
//
//	┌─────────────┐   Broadcast    ┌──────────────┐
//	│ Coordinator │ ─────────────▶ │ Local (in-   │ ──▶ subscriber channels
//	│             │                │ proc fanout) │
//	│             │   Publish      ├──────────────┤
//	│             │ ─────────────▶ │ Broker (the  │ ──▶ other instances,
//	└─────────────┘                │ cluster hop) │     which re-fan locally
//	                               └──────────────┘
//
// Local delivery walks an in-process directory keyed by document name and
// sends to every subscriber whose origin tag differs from the excluded one;
// each subscriber gets per-FIFO ordering through its buffered channel and
// nothing more. A subscriber that cannot accept delivery is closed and
// pruned — clients recover by resynchronizing on reconnect, which the
// idempotent sync handshake makes safe.
//
// The Broker carries the same payloads between runtime instances, scoped by
// a namespace so unrelated deployments can share one transport. Two
// implementations ship: Bus, an in-process transport for single-node
// deployments and tests, and RedisBroker, which maps scopes onto Redis
// pub/sub channel patterns. Cluster delivery is fire-and-forget.
package pubsub
