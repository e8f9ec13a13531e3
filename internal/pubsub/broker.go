package pubsub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Handler consumes messages published by other cluster members.
// origin is the publishing node's id and is propagated as the broadcast
// exclusion tag when the message is re-fanned locally.
type Handler func(doc string, payload []byte, origin string)

// Broker is the cluster-wide multicast abstraction. A broker joins one scope
// (a namespace isolating unrelated deployments sharing the same
// infrastructure), publishes per-document messages into it, and hands
// messages from other members to the handler given at join time.
//
// Publishing is fire-and-forget: delivery to remote members is asynchronous
// and unacknowledged. A broker never hands a node its own publications back.
type Broker interface {
	// Join subscribes the broker to a scope. Must be called once before
	// Publish; joining twice is an error.
	Join(scope string, h Handler) error

	// Leave detaches from the scope and stops the handler. Idempotent.
	Leave() error

	// Publish sends payload to every other cluster member in the scope,
	// tagged with the given document name
	Publish(doc string, payload []byte) error
}

// errNotJoined is returned by Publish before Join
var errNotJoined = errors.New("pubsub: broker has not joined a scope")

// frame encodes a cluster message: u32 big-endian node-id length, node id,
// payload. The node id lets receivers drop their own publications when the
// underlying transport (e.g. Redis pub/sub) echoes to all subscribers.
func frame(nodeID string, payload []byte) []byte {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(nodeID)))
	buf = append(buf, nodeID...)
	return append(buf, payload...)
}

// unframe splits a cluster message into node id and payload
func unframe(data []byte) (nodeID string, payload []byte, err error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("pubsub: short cluster frame (%d bytes)", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return "", nil, fmt.Errorf("pubsub: cluster frame declares %d id bytes, %d present", n, len(data))
	}
	return string(data[:n]), data[n:], nil
}

// Bus is an in-process cluster transport for single-process deployments and
// tests: every node attached to the same Bus sees every other node's
// publications, scoped exactly like a real cluster channel.
type Bus struct {
	mu    sync.RWMutex
	nodes map[string]*busNode // by node id
}

// NewBus creates an empty in-process cluster bus
func NewBus() *Bus {
	return &Bus{nodes: make(map[string]*busNode)}
}

// Node attaches a new member to the bus and returns its Broker
func (b *Bus) Node() Broker {
	return &busNode{bus: b, id: uuid.NewString()}
}

// busNode is one member of a Bus
type busNode struct {
	bus    *Bus
	id     string
	mu     sync.Mutex
	joined bool
	scope  string
	h      Handler
}

// Join attaches the node to a scope
func (n *busNode) Join(scope string, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.joined {
		return fmt.Errorf("pubsub: node %s already joined %q", n.id, n.scope)
	}
	n.joined, n.scope, n.h = true, scope, h

	n.bus.mu.Lock()
	n.bus.nodes[n.id] = n
	n.bus.mu.Unlock()
	return nil
}

// Leave detaches the node from the bus
func (n *busNode) Leave() error {
	n.mu.Lock()
	n.joined, n.h = false, nil
	n.mu.Unlock()

	n.bus.mu.Lock()
	delete(n.bus.nodes, n.id)
	n.bus.mu.Unlock()
	return nil
}

// Publish delivers to every other node joined to the same scope
func (n *busNode) Publish(doc string, payload []byte) error {
	n.mu.Lock()
	scope, joined := n.scope, n.joined
	n.mu.Unlock()
	if !joined {
		return errNotJoined
	}

	n.bus.mu.RLock()
	peers := make([]*busNode, 0, len(n.bus.nodes))
	for id, peer := range n.bus.nodes {
		if id != n.id {
			peers = append(peers, peer)
		}
	}
	n.bus.mu.RUnlock()

	for _, peer := range peers {
		peer.mu.Lock()
		h, sameScope := peer.h, peer.scope == scope
		peer.mu.Unlock()
		if h != nil && sameScope {
			h(doc, payload, n.id)
		}
	}
	return nil
}
