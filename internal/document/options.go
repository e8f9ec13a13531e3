package document

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/quiltmesh/quilt/internal/engine"
	"github.com/quiltmesh/quilt/internal/persistence"
	"github.com/quiltmesh/quilt/internal/pubsub"
)

// defaultIdleTimeout is how long a coordinator with zero subscribers lingers
// before tearing itself down
const defaultIdleTimeout = 15 * time.Second

// options collects the launch configuration for a coordinator or a custom
// document server
type options struct {
	eng          engine.Engine
	noAwareness  bool
	pers         persistence.Persistence
	idleTimeout  time.Duration
	awarenessAge time.Duration
	local        pubsub.Local
	broker       pubsub.Broker
	assigns      map[string]any
	handler      Handler
}

// Option configures a document server at launch time
type Option func(*options)

// defaultOptions returns the baseline configuration: a fresh in-memory
// engine, awareness enabled, no persistence, default idle timeout
func defaultOptions() *options {
	return &options{
		pers:        persistence.Nop{},
		idleTimeout: defaultIdleTimeout,
	}
}

// WithEngine supplies the replicated-document engine instance the server
// will own. Defaults to a fresh engine.MemDoc.
func WithEngine(eng engine.Engine) Option {
	return func(o *options) { o.eng = eng }
}

// WithoutAwareness starts the server without an awareness instance.
// Awareness and query-awareness messages are then rejected.
func WithoutAwareness() Option {
	return func(o *options) { o.noAwareness = true }
}

// WithPersistence installs the durable-state hooks. Defaults to Nop.
func WithPersistence(p persistence.Persistence) Option {
	return func(o *options) { o.pers = p }
}

// WithIdleTimeout sets how long the server survives with zero subscribers
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithAwarenessTimeout enables garbage collection of remote awareness
// entries idle longer than maxAge. Zero (the default) disables pruning.
func WithAwarenessTimeout(maxAge time.Duration) Option {
	return func(o *options) { o.awarenessAge = maxAge }
}

// WithLocal sets the local fanout implementation.
// The directory injects its shared registry through this.
func WithLocal(l pubsub.Local) Option {
	return func(o *options) { o.local = l }
}

// WithBroker sets the cluster broker used for cross-instance fanout.
// Nil (the default) keeps broadcasts instance-local.
func WithBroker(b pubsub.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithAssigns seeds the server's host-application key-value store
func WithAssigns(assigns map[string]any) Option {
	return func(o *options) {
		if o.assigns == nil {
			o.assigns = make(map[string]any, len(assigns))
		}
		for k, v := range assigns {
			o.assigns[k] = v
		}
	}
}

// WithHandler installs the host application's extension hooks
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

// newClientID draws a random client id for a server-owned engine and
// awareness instance
func newClientID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}
