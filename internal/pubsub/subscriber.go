package pubsub

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSubscriberDead is returned by Send when the subscriber has been closed
// or its delivery buffer has filled up (a stuck consumer is treated as dead)
var ErrSubscriberDead = errors.New("pubsub: subscriber is dead")

// sendBuffer is the per-subscriber FIFO depth. A consumer that falls this
// far behind is considered dead and gets pruned; it resynchronizes with a
// fresh step1 on reconnect.
const sendBuffer = 64

// Subscriber is one consumer of a document's outbound messages, typically a
// client connection. Messages sent to it are delivered in FIFO order through
// C; no further delivery guarantee is made.
//
// Origin is the opaque tag excluded during broadcasts so a sender never
// receives its own message echoed back.
type Subscriber struct {
	ID     string
	Origin string

	c    chan []byte
	done chan struct{}
	once sync.Once
}

// NewSubscriber creates a subscriber with a fresh unique id.
// The id doubles as the origin tag unless the caller overrides Origin.
func NewSubscriber() *Subscriber {
	id := uuid.NewString()
	return &Subscriber{
		ID:     id,
		Origin: id,
		c:      make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues a message for delivery.
// Returns ErrSubscriberDead when the subscriber is closed or its buffer is
// full; the caller is expected to prune it.
func (s *Subscriber) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberDead
	default:
	}
	select {
	case s.c <- payload:
		return nil
	default:
		return ErrSubscriberDead
	}
}

// C returns the delivery channel the consumer reads from
func (s *Subscriber) C() <-chan []byte {
	return s.c
}

// Close marks the subscriber dead. Idempotent.
// Pending messages already queued in C remain readable.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Done is closed when the subscriber dies, for liveness monitors
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}
