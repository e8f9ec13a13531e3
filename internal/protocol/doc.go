// Package protocol implements the wire codec for Quilt's document
// synchronization protocol, translating between in-memory Message values and
// the canonical binary envelope exchanged with clients and cluster peers.
//
// # Overview
//
// Every frame on the wire is a single envelope with a one-byte leading tag:
//
//	0x00  sync             sub-tag + length-prefixed payload
//	0x01  awareness        length-prefixed awareness batch
//	0x03  query-awareness  no payload
//
// Sync envelopes carry a second tag byte selecting the handshake phase:
//
//	0x00  step1   encoded state vector ("here is what I have, send the rest")
//	0x01  step2   encoded delta answering a step1
//	0x02  update  incremental update pushed outside the handshake
//
// Step2 and update share a wire shape; they differ only in protocol intent.
// All variable payloads carry a u32 big-endian length prefix, and the codec
// rejects trailing bytes so an envelope is exactly one message.
//
// # Error Handling
//
// Decode distinguishes two failure classes so callers can respond
// appropriately:
//
//   - ErrUnknownTag: the leading discriminator is not one of the tags above.
//   - ErrMalformed: the tag is known but the rest of the frame is truncated,
//     carries a bad sync sub-tag, or has bytes left over.
//
// Both are request-local conditions; neither affects coordinator state.
// Encode is total over values built with the package constructors.
//
// The payload bytes themselves (state vectors, updates, awareness batches)
// are opaque at this layer; they belong to the engine and awareness packages.
package protocol
