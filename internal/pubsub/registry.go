package pubsub

import (
	"log"
	"sync"
)

// Local is the pluggable local fanout strategy: delivery of outbound document
// messages to every subscriber registered on this runtime instance.
// Implementations must be safe for concurrent use.
type Local interface {
	// Register adds a subscriber for a document name.
	// Registering the same subscriber id twice replaces the previous entry.
	Register(doc string, sub *Subscriber)

	// Unregister removes a subscriber by id. No-op if absent.
	Unregister(doc string, subID string)

	// Broadcast delivers payload to every subscriber of doc whose origin tag
	// differs from excludeOrigin. Dead subscribers found along the way are
	// closed and pruned.
	Broadcast(doc string, payload []byte, excludeOrigin string)

	// Count returns the number of registered subscribers for doc
	Count(doc string) int
}

// Registry is the default in-process Local implementation: a map from
// document name to the set of subscribers, guarded by a RWMutex.
type Registry struct {
	mu   sync.RWMutex
	docs map[string]map[string]*Subscriber
}

// NewRegistry creates an empty local fanout registry
func NewRegistry() *Registry {
	return &Registry{docs: make(map[string]map[string]*Subscriber)}
}

// Register adds a subscriber under the document name
func (r *Registry) Register(doc string, sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.docs[doc]
	if !ok {
		subs = make(map[string]*Subscriber)
		r.docs[doc] = subs
	}
	subs[sub.ID] = sub
}

// Unregister removes a subscriber by id
func (r *Registry) Unregister(doc string, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.docs[doc]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(r.docs, doc)
	}
}

// Broadcast delivers payload to every subscriber of doc except those tagged
// with excludeOrigin. Subscribers that fail delivery are closed and removed.
func (r *Registry) Broadcast(doc string, payload []byte, excludeOrigin string) {
	r.mu.RLock()
	targets := make([]*Subscriber, 0, len(r.docs[doc]))
	for _, sub := range r.docs[doc] {
		if sub.Origin == excludeOrigin {
			continue
		}
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	var dead []*Subscriber
	for _, sub := range targets {
		if err := sub.Send(payload); err != nil {
			dead = append(dead, sub)
		}
	}

	// Best-effort pruning; the subscriber's own monitor does the rest
	for _, sub := range dead {
		log.Printf("pubsub: pruning dead subscriber %s from %q", sub.ID, doc)
		sub.Close()
		r.Unregister(doc, sub.ID)
	}
}

// Count returns the number of subscribers registered for doc
func (r *Registry) Count(doc string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs[doc])
}
