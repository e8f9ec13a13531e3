package document

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/quiltmesh/quilt/internal/engine"
	"github.com/quiltmesh/quilt/internal/persistence"
	"github.com/quiltmesh/quilt/internal/protocol"
	"github.com/quiltmesh/quilt/internal/pubsub"
)

// ErrAwarenessDisabled is returned when an awareness or query-awareness
// message reaches a coordinator started with WithoutAwareness
var ErrAwarenessDisabled = errors.New("document: awareness disabled for this document")

// Doc is the per-document coordinator: the one authoritative process for a
// document name. It owns the document's engine and awareness state, runs the
// sync-protocol state machine for every subscriber, fans replies and
// broadcasts out through the pubsub layer, and drives the persistence
// lifecycle from bind to unbind.
//
// A Doc starts Unbound, becomes Bound once the persistence Bind hook has
// run, and terminates either when the idle timer fires with no subscribers
// or when a persistence hook fails. Unbind runs exactly once at teardown.
type Doc struct {
	*Server

	local  pubsub.Local
	broker pubsub.Broker
	pers   persistence.Persistence
	pstate any

	idle     time.Duration
	pruneAge time.Duration

	// Loop-owned state; touched only from inside the mailbox
	subs      map[string]*pubsub.Subscriber
	greeted   map[string]bool // subscribers past the connection-establishing step1
	discarded bool            // lost a directory creation race; skip unbind
}

// NewDoc creates, binds, and starts a standalone coordinator.
// Coordinators reached by name should come from a Directory instead, which
// guarantees the one-per-name invariant.
func NewDoc(name string, opts ...Option) (*Doc, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	d := buildDoc(name, o)
	if err := d.bind(); err != nil {
		return nil, err
	}
	d.serve(nil)
	return d, nil
}

// buildDoc assembles an unbound, unstarted coordinator
func buildDoc(name string, o *options) *Doc {
	if o.local == nil {
		o.local = pubsub.NewRegistry()
	}
	d := &Doc{
		Server:   newServer(name, o),
		local:    o.local,
		broker:   o.broker,
		pers:     o.pers,
		idle:     o.idleTimeout,
		pruneAge: o.awarenessAge,
		subs:     make(map[string]*pubsub.Subscriber),
		greeted:  make(map[string]bool),
	}
	d.onTimeout = d.handleIdle
	d.onFinish = d.teardown
	return d
}

// bind runs the persistence Bind hook and the host Init hook, transitioning
// Unbound -> Bound. Engine mutations during Bind become the initial content.
func (d *Doc) bind() error {
	state, err := d.pers.Bind(context.Background(), d.name, d.eng)
	if err != nil {
		return fmt.Errorf("document: bind %q: %w", d.logName(), err)
	}
	d.pstate = state
	if err := d.initHandler(); err != nil {
		return fmt.Errorf("document: init %q: %w", d.logName(), err)
	}
	return nil
}

// serve arms the idle timer and enters the mailbox loop.
// onStop, when set, fires after termination completes (the directory uses it
// to deregister).
func (d *Doc) serve(onStop func(reason error)) {
	d.onStop = onStop
	d.armIdle(d.idle)
	d.start()
	if d.pruneAge > 0 && d.aw != nil {
		go d.pruneLoop()
	}
}

// discard abandons a coordinator that lost a creation race: it terminates
// without running Unbind, since it never served a message
func (d *Doc) discard() {
	d.discarded = true
	d.Stop(nil)
}

// handleIdle fires inside the loop when the idle timer elapses
func (d *Doc) handleIdle() {
	if len(d.subs) == 0 {
		log.Printf("document: %q idle for %v with no subscribers, shutting down", d.logName(), d.idle)
		d.Stop(nil)
	}
}

// teardown runs once inside the loop as the coordinator terminates:
// releases subscribers and runs the Unbind hook with the final engine state
func (d *Doc) teardown() {
	for id, sub := range d.subs {
		d.local.Unregister(d.name, id)
		sub.Close()
	}
	if d.discarded {
		return
	}
	if err := d.pers.Unbind(context.Background(), d.pstate, d.name, d.eng); err != nil {
		log.Printf("document: unbind %q: %v", d.logName(), err)
	}
}

// pruneLoop garbage-collects idle awareness entries until the doc stops
func (d *Doc) pruneLoop() {
	interval := d.pruneAge / 2
	if interval < time.Second {
		interval = d.pruneAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = d.Do(context.Background(), func() error {
				if removed := d.aw.Prune(d.pruneAge); len(removed) > 0 {
					d.broadcastAwareness(removed, "timeout")
				}
				return nil
			})
		case <-d.Done():
			return
		}
	}
}

// broadcastAwareness pushes the current entries for the given clients to all
// subscribers; used after pruning so peers learn about the removals
func (d *Doc) broadcastAwareness(clients []uint64, excludeOrigin string) {
	batch := d.aw.EncodeUpdate(clients...)
	d.broadcast(protocol.Encode(protocol.Awareness(batch)), excludeOrigin)
}

// Observe registers a subscriber with the document and starts its liveness
// monitor. The subscriber set holds it at most once; re-observing is a no-op.
func (d *Doc) Observe(ctx context.Context, sub *pubsub.Subscriber) error {
	err := d.Do(ctx, func() error {
		if _, dup := d.subs[sub.ID]; dup {
			return nil
		}
		d.subs[sub.ID] = sub
		d.local.Register(d.name, sub)
		if len(d.subs) == 1 {
			d.disarmIdle()
		}
		return nil
	})
	if err != nil {
		return err
	}
	go d.monitor(sub)
	return nil
}

// monitor watches one subscriber and unregisters it when it dies
func (d *Doc) monitor(sub *pubsub.Subscriber) {
	select {
	case <-sub.Done():
		_ = d.Unobserve(context.Background(), sub.ID)
	case <-d.Done():
	}
}

// Unobserve removes a subscriber. When the set empties, the idle timer
// starts counting down toward teardown.
func (d *Doc) Unobserve(ctx context.Context, subID string) error {
	return d.Do(ctx, func() error {
		if _, ok := d.subs[subID]; !ok {
			return nil
		}
		delete(d.subs, subID)
		delete(d.greeted, subID)
		d.local.Unregister(d.name, subID)
		if len(d.subs) == 0 {
			d.armIdle(d.idle)
		}
		return nil
	})
}

// Subscribers returns the current size of the subscriber set
func (d *Doc) Subscribers(ctx context.Context) (int, error) {
	n := 0
	err := d.Do(ctx, func() error {
		n = len(d.subs)
		return nil
	})
	return n, err
}

// Process handles one inbound protocol envelope from a subscriber and
// returns the direct replies addressed to that subscriber (zero or more
// encoded envelopes). Broadcasts to other subscribers happen as a side
// effect through the fanout layer.
//
// Decode and engine-apply failures are returned to the caller and leave the
// coordinator fully operational; persistence failures stop it.
func (d *Doc) Process(ctx context.Context, raw []byte, sub *pubsub.Subscriber) ([][]byte, error) {
	var replies [][]byte
	err := d.Do(ctx, func() error {
		msg, err := protocol.Decode(raw)
		if err != nil {
			return err
		}

		switch msg.Type {
		case protocol.TagSync:
			return d.handleSync(ctx, msg, sub, &replies)

		case protocol.TagAwareness:
			if d.aw == nil {
				return ErrAwarenessDisabled
			}
			if err := d.aw.ApplyUpdate(msg.Payload, sub.Origin); err != nil {
				return err
			}
			// Relay the envelope verbatim to everyone else
			d.broadcast(raw, sub.Origin)
			return nil

		case protocol.TagQueryAwareness:
			if d.aw == nil {
				return ErrAwarenessDisabled
			}
			// Addressed reply only; a query never triggers a broadcast
			replies = append(replies, protocol.Encode(protocol.Awareness(d.aw.EncodeUpdate())))
			return nil
		}
		return protocol.ErrUnknownTag
	})
	return replies, err
}

// handleSync runs the sync sub-protocol inside the loop
func (d *Doc) handleSync(ctx context.Context, msg protocol.Message, sub *pubsub.Subscriber, replies *[][]byte) error {
	switch msg.Sync {
	case protocol.SyncStep1:
		delta, err := d.eng.Diff(msg.Payload)
		if err != nil {
			return err
		}
		*replies = append(*replies, protocol.Encode(protocol.Step2(delta)))

		// On the connection-establishing step1 only: ask for the peer's own
		// missing updates, and ship the current presence snapshot. Repeated
		// step1s mid-session get a plain step2 so re-queries stay cheap.
		if !d.greeted[sub.ID] {
			d.greeted[sub.ID] = true
			*replies = append(*replies, protocol.Encode(protocol.Step1(d.eng.StateVector())))
			if d.aw != nil && len(d.aw.Clients()) > 0 {
				*replies = append(*replies, protocol.Encode(protocol.Awareness(d.aw.EncodeUpdate())))
			}
		}
		return nil

	case protocol.SyncStep2, protocol.SyncUpdate:
		return d.applyUpdate(ctx, msg.Payload, sub.Origin)
	}
	return fmt.Errorf("%w: sync sub-tag 0x%02x", protocol.ErrMalformed, msg.Sync)
}

// applyUpdate merges an update into the engine, runs the persistence and
// host hooks, and broadcasts the update to every other subscriber
func (d *Doc) applyUpdate(ctx context.Context, update []byte, origin string) error {
	if err := d.eng.ApplyUpdate(update); err != nil {
		log.Printf("document: %q rejected update from %s: %v", d.logName(), origin, err)
		return err
	}

	state, err := d.pers.Update(ctx, d.pstate, update, d.name, d.eng)
	if err != nil {
		// Durable state is authoritative; failing to record an applied
		// update is fatal for this one document
		err = fmt.Errorf("document: persist update for %q: %w", d.logName(), err)
		log.Printf("%v", err)
		d.Stop(err)
		return err
	}
	d.pstate = state

	if h, ok := d.handler.(UpdateHandler); ok {
		if err := h.HandleUpdate(d.Server, update, origin); err != nil {
			d.Stop(err)
			return err
		}
	}

	d.broadcast(protocol.Encode(protocol.Update(update)), origin)
	return nil
}

// HandleBroadcast ingests a message published by another cluster member:
// applies it locally so this instance's replica stays current, then re-fans
// it to local subscribers tagged with the remote node's origin
func (d *Doc) HandleBroadcast(payload []byte, origin string) {
	_ = d.Do(context.Background(), func() error {
		msg, err := protocol.Decode(payload)
		if err != nil {
			log.Printf("document: %q dropping bad cluster message from %s: %v", d.logName(), origin, err)
			return nil
		}

		switch {
		case msg.Type == protocol.TagSync && (msg.Sync == protocol.SyncStep2 || msg.Sync == protocol.SyncUpdate):
			if err := d.eng.ApplyUpdate(msg.Payload); err != nil {
				log.Printf("document: %q rejected cluster update from %s: %v", d.logName(), origin, err)
				return nil
			}
			state, err := d.pers.Update(context.Background(), d.pstate, msg.Payload, d.name, d.eng)
			if err != nil {
				err = fmt.Errorf("document: persist cluster update for %q: %w", d.logName(), err)
				log.Printf("%v", err)
				d.Stop(err)
				return nil
			}
			d.pstate = state

		case msg.Type == protocol.TagAwareness:
			if d.aw == nil {
				return nil
			}
			if err := d.aw.ApplyUpdate(msg.Payload, origin); err != nil {
				log.Printf("document: %q dropping bad cluster awareness from %s: %v", d.logName(), origin, err)
				return nil
			}

		default:
			// Handshake and query messages are point-to-point; peers never
			// publish them
			return nil
		}

		d.local.Broadcast(d.name, payload, origin)
		return nil
	})
}

// Update applies a caller-supplied mutation to the engine under the
// coordinator's exclusive ownership, then persists and broadcasts the
// resulting delta. This is the synchronous entry point for server-side
// edits.
func (d *Doc) Update(ctx context.Context, origin string, mutate func(eng engine.Engine) error) error {
	return d.Do(ctx, func() error {
		before := d.eng.StateVector()
		if err := mutate(d.eng); err != nil {
			return err
		}
		delta, err := d.eng.Diff(before)
		if err != nil {
			return err
		}

		state, err := d.pers.Update(ctx, d.pstate, delta, d.name, d.eng)
		if err != nil {
			err = fmt.Errorf("document: persist local update for %q: %w", d.logName(), err)
			log.Printf("%v", err)
			d.Stop(err)
			return err
		}
		d.pstate = state

		if h, ok := d.handler.(UpdateHandler); ok {
			if err := h.HandleUpdate(d.Server, delta, origin); err != nil {
				d.Stop(err)
				return err
			}
		}

		d.broadcast(protocol.Encode(protocol.Update(delta)), origin)
		return nil
	})
}

// StateVector reads the engine's current state vector under the loop
func (d *Doc) StateVector(ctx context.Context) ([]byte, error) {
	var sv []byte
	err := d.Do(ctx, func() error {
		sv = d.eng.StateVector()
		return nil
	})
	return sv, err
}

// broadcast delivers an encoded envelope to every other local subscriber and
// publishes it to the cluster scope when a broker is attached
func (d *Doc) broadcast(payload []byte, excludeOrigin string) {
	d.local.Broadcast(d.name, payload, excludeOrigin)
	if d.broker != nil {
		if err := d.broker.Publish(d.name, payload); err != nil {
			log.Printf("document: %q cluster publish failed: %v", d.logName(), err)
		}
	}
}
