package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope tags identify the three top-level message kinds on the wire.
// These values are compatibility-critical and must never change.
const (
	// TagSync carries a sync sub-message (step1, step2 or update)
	TagSync byte = 0x00
	// TagAwareness carries a raw awareness batch
	TagAwareness byte = 0x01
	// TagQueryAwareness requests the full awareness snapshot; no payload
	TagQueryAwareness byte = 0x03
)

// Sync sub-tags distinguish the phases of the document handshake.
const (
	// SyncStep1 carries an encoded state vector asking for a delta
	SyncStep1 byte = 0x00
	// SyncStep2 carries the delta computed in response to a step1
	SyncStep2 byte = 0x01
	// SyncUpdate carries an incremental update outside the handshake
	SyncUpdate byte = 0x02
)

// ErrUnknownTag is returned when the leading envelope tag is not recognized
var ErrUnknownTag = errors.New("protocol: unknown message tag")

// ErrMalformed is returned when a message is truncated, carries an invalid
// sync sub-tag, or has trailing bytes after its declared payload
var ErrMalformed = errors.New("protocol: malformed message")

// Message is a decoded protocol envelope.
// Type is one of the Tag constants; Sync is only meaningful when
// Type == TagSync. Payload holds the opaque engine or awareness bytes and is
// nil for TagQueryAwareness.
type Message struct {
	Type    byte
	Sync    byte
	Payload []byte
}

// Step1 builds a sync step1 envelope carrying an encoded state vector
func Step1(stateVector []byte) Message {
	return Message{Type: TagSync, Sync: SyncStep1, Payload: stateVector}
}

// Step2 builds a sync step2 envelope carrying an encoded delta update
func Step2(update []byte) Message {
	return Message{Type: TagSync, Sync: SyncStep2, Payload: update}
}

// Update builds a sync update envelope carrying an incremental update
func Update(update []byte) Message {
	return Message{Type: TagSync, Sync: SyncUpdate, Payload: update}
}

// Awareness builds an awareness envelope carrying a raw awareness batch
func Awareness(batch []byte) Message {
	return Message{Type: TagAwareness, Payload: batch}
}

// QueryAwareness builds a query-awareness envelope (no payload)
func QueryAwareness() Message {
	return Message{Type: TagQueryAwareness}
}

// Equal reports whether two messages are identical, treating nil and empty
// payloads as the same
func (m Message) Equal(o Message) bool {
	return m.Type == o.Type && m.Sync == o.Sync && bytes.Equal(m.Payload, o.Payload)
}

// String renders a short human-readable form for log lines
func (m Message) String() string {
	switch m.Type {
	case TagSync:
		name := "update"
		switch m.Sync {
		case SyncStep1:
			name = "step1"
		case SyncStep2:
			name = "step2"
		}
		return fmt.Sprintf("sync/%s(%dB)", name, len(m.Payload))
	case TagAwareness:
		return fmt.Sprintf("awareness(%dB)", len(m.Payload))
	case TagQueryAwareness:
		return "query-awareness"
	}
	return fmt.Sprintf("unknown(0x%02x)", m.Type)
}

// Encode serializes a message into its wire form.
// Encoding never fails for messages built with the constructors above.
func Encode(m Message) []byte {
	switch m.Type {
	case TagSync:
		buf := make([]byte, 0, 2+4+len(m.Payload))
		buf = append(buf, TagSync, m.Sync)
		buf = appendBuf(buf, m.Payload)
		return buf
	case TagAwareness:
		buf := make([]byte, 0, 1+4+len(m.Payload))
		buf = append(buf, TagAwareness)
		buf = appendBuf(buf, m.Payload)
		return buf
	case TagQueryAwareness:
		return []byte{TagQueryAwareness}
	}
	// Unreachable for constructor-built messages; keep encoding total anyway
	return []byte{m.Type}
}

// Decode parses a wire message into a Message.
// Returns ErrUnknownTag when the leading tag is unrecognized and ErrMalformed
// for truncated or inconsistent input. Decode(Encode(m)) == m for every
// constructible m.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	switch data[0] {
	case TagSync:
		if len(data) < 2 {
			return Message{}, fmt.Errorf("%w: sync message missing sub-tag", ErrMalformed)
		}
		sub := data[1]
		if sub != SyncStep1 && sub != SyncStep2 && sub != SyncUpdate {
			return Message{}, fmt.Errorf("%w: sync sub-tag 0x%02x", ErrMalformed, sub)
		}
		payload, rest, err := readBuf(data[2:])
		if err != nil {
			return Message{}, err
		}
		if len(rest) != 0 {
			return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
		}
		return Message{Type: TagSync, Sync: sub, Payload: payload}, nil
	case TagAwareness:
		payload, rest, err := readBuf(data[1:])
		if err != nil {
			return Message{}, err
		}
		if len(rest) != 0 {
			return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
		}
		return Message{Type: TagAwareness, Payload: payload}, nil
	case TagQueryAwareness:
		if len(data) != 1 {
			return Message{}, fmt.Errorf("%w: query-awareness carries no payload", ErrMalformed)
		}
		return Message{Type: TagQueryAwareness}, nil
	}
	return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, data[0])
}

// appendBuf appends a u32 big-endian length prefix followed by b
func appendBuf(dst, b []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	dst = append(dst, n[:]...)
	return append(dst, b...)
}

// readBuf consumes a u32 big-endian length-prefixed buffer and returns the
// buffer and the remaining bytes
func readBuf(data []byte) (buf, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated length prefix", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, fmt.Errorf("%w: payload declares %d bytes, %d available", ErrMalformed, n, len(data))
	}
	out := make([]byte, n)
	copy(out, data[:n])
	return out, data[n:], nil
}
