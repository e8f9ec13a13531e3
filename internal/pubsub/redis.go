package pubsub

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBroker is the cluster-aware Broker backed by Redis pub/sub.
//
// Each document's traffic flows over the channel "<scope>:<doc>"; the broker
// pattern-subscribes to "<scope>:*" so one subscription covers every document
// this instance may host. Redis echoes publications to all subscribers
// including the publisher, so frames carry the publishing node's id and the
// broker drops its own.
//
// Membership changes (instances joining or leaving the scope) are handled
// entirely by Redis channel semantics; there is no explicit roster.
type RedisBroker struct {
	client *redis.Client
	nodeID string

	mu     sync.Mutex
	scope  string
	ps     *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBroker creates a broker on top of an existing Redis client.
// The node id identifies this runtime instance within the cluster.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		nodeID: uuid.NewString(),
	}
}

// NodeID returns this broker's cluster identity
func (b *RedisBroker) NodeID() string {
	return b.nodeID
}

// Join pattern-subscribes to the scope and starts the receive loop
func (b *RedisBroker) Join(scope string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ps != nil {
		return fmt.Errorf("pubsub: broker already joined %q", b.scope)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := b.client.PSubscribe(ctx, scope+":*")
	// Surface subscription failures now rather than in the receive loop
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return fmt.Errorf("pubsub: join scope %q: %w", scope, err)
	}

	b.scope, b.ps, b.cancel = scope, ps, cancel
	b.wg.Add(1)
	go b.receive(ps.Channel(), scope, h)
	return nil
}

// receive fans incoming cluster messages into the handler
func (b *RedisBroker) receive(ch <-chan *redis.Message, scope string, h Handler) {
	defer b.wg.Done()
	prefix := scope + ":"
	for msg := range ch {
		doc, ok := strings.CutPrefix(msg.Channel, prefix)
		if !ok {
			continue
		}
		nodeID, payload, err := unframe([]byte(msg.Payload))
		if err != nil {
			log.Printf("pubsub: dropping bad cluster frame on %q: %v", msg.Channel, err)
			continue
		}
		if nodeID == b.nodeID {
			continue // our own publication echoed back
		}
		h(doc, payload, nodeID)
	}
}

// Leave closes the subscription and waits for the receive loop to drain
func (b *RedisBroker) Leave() error {
	b.mu.Lock()
	ps, cancel := b.ps, b.cancel
	b.ps, b.cancel = nil, nil
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	b.wg.Wait()
	return err
}

// Publish sends a framed payload to the document's scope channel
func (b *RedisBroker) Publish(doc string, payload []byte) error {
	b.mu.Lock()
	scope, joined := b.scope, b.ps != nil
	b.mu.Unlock()
	if !joined {
		return errNotJoined
	}
	return b.client.Publish(context.Background(), scope+":"+doc, frame(b.nodeID, payload)).Err()
}
