package document

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/quiltmesh/quilt/internal/pubsub"
)

// Directory guarantees at most one live coordinator per document name on
// this runtime instance, creating coordinators lazily on first demand and
// deregistering them when they terminate.
//
// Restart policy is one-for-one: a coordinator that crashes (persistence
// failure) or idles out disappears from the directory without touching any
// other document, and the next EnsureStarted for its name builds a fresh
// one.
type Directory struct {
	mu   sync.Mutex
	docs map[string]*Doc

	local    pubsub.Local
	broker   pubsub.Broker
	defaults []Option
	closed   bool
}

// NewDirectory creates a directory whose coordinators share the given local
// fanout (nil for a fresh in-process registry) and launch defaults.
// Per-call options to EnsureStarted override the defaults.
func NewDirectory(local pubsub.Local, defaults ...Option) *Directory {
	if local == nil {
		local = pubsub.NewRegistry()
	}
	return &Directory{
		docs:     make(map[string]*Doc),
		local:    local,
		defaults: defaults,
	}
}

// Local returns the shared local fanout
func (dir *Directory) Local() pubsub.Local {
	return dir.local
}

// JoinCluster attaches a cluster broker under the given scope. Messages
// published by other instances are routed to the local coordinator for
// their document; documents with no local coordinator have no local
// subscribers either, so those messages are dropped.
//
// Call before the first EnsureStarted; coordinators created earlier will
// not publish to the cluster.
func (dir *Directory) JoinCluster(b pubsub.Broker, scope string) error {
	dir.mu.Lock()
	if dir.broker != nil {
		dir.mu.Unlock()
		return fmt.Errorf("document: directory already joined a cluster scope")
	}
	dir.broker = b
	dir.mu.Unlock()

	return b.Join(scope, func(doc string, payload []byte, origin string) {
		d, ok := dir.Lookup(doc)
		if !ok {
			return
		}
		// Dispatch off the transport goroutine so a coordinator mid-publish
		// never stalls delivery. Reordering is safe: engine updates are
		// idempotent and commutative, awareness entries are clock-gated.
		go d.HandleBroadcast(payload, origin)
	})
}

// EnsureStarted returns the live coordinator for a document name, creating
// and binding one if none exists.
//
// Two callers racing to create the same name both build an instance; exactly
// one wins registration, the loser's instance is discarded without ever
// serving, and both callers receive the winner.
func (dir *Directory) EnsureStarted(name string, opts ...Option) (*Doc, error) {
	dir.mu.Lock()
	if dir.closed {
		dir.mu.Unlock()
		return nil, ErrStopped
	}
	if d, ok := dir.docs[name]; ok {
		dir.mu.Unlock()
		return d, nil
	}
	broker := dir.broker
	dir.mu.Unlock()

	// Build and bind outside the lock: a slow Bind hook must block only this
	// document, never the whole directory
	o := defaultOptions()
	for _, opt := range dir.defaults {
		opt(o)
	}
	for _, opt := range opts {
		opt(o)
	}
	o.local = dir.local
	if o.broker == nil {
		o.broker = broker
	}

	d := buildDoc(name, o)
	if err := d.bind(); err != nil {
		return nil, err
	}

	dir.mu.Lock()
	if dir.closed {
		dir.mu.Unlock()
		d.discard()
		return nil, ErrStopped
	}
	if winner, ok := dir.docs[name]; ok {
		// Lost the creation race; re-resolve to the registered instance
		dir.mu.Unlock()
		d.discard()
		return winner, nil
	}
	dir.docs[name] = d
	dir.mu.Unlock()

	d.serve(func(reason error) {
		if reason != nil {
			log.Printf("document: coordinator for %q stopped: %v", d.logName(), reason)
		}
		dir.remove(name, d)
	})
	return d, nil
}

// Lookup returns the live coordinator for a name, without creating one
func (dir *Directory) Lookup(name string) (*Doc, bool) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	d, ok := dir.docs[name]
	return d, ok
}

// Names returns the names of all live coordinators, sorted
func (dir *Directory) Names() []string {
	dir.mu.Lock()
	defer dir.mu.Unlock()

	names := make([]string, 0, len(dir.docs))
	for name := range dir.docs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// remove deregisters a terminated coordinator. Identity is compared so a
// replacement registered under the same name is never evicted by its
// predecessor's teardown.
func (dir *Directory) remove(name string, d *Doc) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.docs[name] == d {
		delete(dir.docs, name)
	}
}

// Close stops every coordinator, waits for their teardown (unbind included),
// and leaves the cluster scope
func (dir *Directory) Close() error {
	dir.mu.Lock()
	dir.closed = true
	docs := make([]*Doc, 0, len(dir.docs))
	for _, d := range dir.docs {
		docs = append(docs, d)
	}
	broker := dir.broker
	dir.mu.Unlock()

	for _, d := range docs {
		d.Stop(nil)
	}
	for _, d := range docs {
		<-d.Done()
	}
	if broker != nil {
		return broker.Leave()
	}
	return nil
}
