package document

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quiltmesh/quilt/internal/awareness"
	"github.com/quiltmesh/quilt/internal/engine"
)

// ErrStopped is returned by any operation on a server that has terminated
var ErrStopped = errors.New("document: server stopped")

// ErrNoHandler is returned by Call or Cast when the installed handler does
// not implement the corresponding hook
var ErrNoHandler = errors.New("document: no handler for message")

// Handler is the extension surface a host application hangs off a document
// server. It is a marker interface; implement any of the optional hook
// interfaces below. A hook returning a non-nil error stops the server with
// that error as the reason; nil continues.
type Handler any

// InitHandler runs once after the server's engine and awareness exist and
// before any message is processed
type InitHandler interface {
	Init(s *Server) error
}

// UpdateHandler observes every document update applied by the server,
// with the origin tag of whoever produced it
type UpdateHandler interface {
	HandleUpdate(s *Server, update []byte, origin string) error
}

// AwarenessHandler observes every accepted awareness change
type AwarenessHandler interface {
	HandleAwarenessChange(s *Server, change awareness.Change, origin any) error
}

// CallHandler serves host-defined synchronous requests sent through Call
type CallHandler interface {
	HandleCall(s *Server, req any) (any, error)
}

// CastHandler consumes host-defined asynchronous messages sent through Cast
type CastHandler interface {
	HandleCast(s *Server, msg any) error
}

// task is one unit of work queued into the server's mailbox
type task struct {
	fn    func() error
	reply chan error // nil for fire-and-forget casts
}

// Server is the generic document-hosting actor: a goroutine that exclusively
// owns one engine, one optional awareness instance, and a host-application
// assigns map, processing all mutations strictly sequentially through its
// mailbox.
//
// Server provides the behavioral skeleton — mailbox, lifecycle, hook
// dispatch, idle timer — while Doc layers the sync protocol on top. Custom
// document-backed actors can be built on Server directly with a Handler.
type Server struct {
	name    string
	eng     engine.Engine
	aw      *awareness.Awareness
	assigns map[string]any
	handler Handler

	tasks chan task
	done  chan struct{}

	timer *time.Timer // single-shot idle timer, armed while eligible for teardown

	stopOnce  sync.Once
	stopErr   error
	stopC     chan struct{}
	onTimeout func() // loop-internal, set before start
	onFinish  func() // loop-internal teardown (unbind etc.)
	onStop    func(reason error)
}

// NewServer creates and starts a generic document server.
// Most callers want Directory.EnsureStarted instead; NewServer is the
// substrate for custom document-backed actors.
func NewServer(name string, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	s := newServer(name, o)
	if err := s.initHandler(); err != nil {
		return nil, err
	}
	s.start()
	return s, nil
}

// newServer builds the server without starting its loop
func newServer(name string, o *options) *Server {
	eng := o.eng
	clientID := newClientID()
	if eng == nil {
		eng = engine.NewMemDoc(clientID)
	}
	var aw *awareness.Awareness
	if !o.noAwareness {
		aw = awareness.New(clientID)
	}
	assigns := o.assigns
	if assigns == nil {
		assigns = make(map[string]any)
	}

	s := &Server{
		name:    name,
		eng:     eng,
		aw:      aw,
		assigns: assigns,
		handler: o.handler,
		tasks:   make(chan task),
		done:    make(chan struct{}),
		stopC:   make(chan struct{}),
	}
	// Created stopped; whoever owns the lifecycle arms it
	s.timer = time.NewTimer(time.Hour)
	if !s.timer.Stop() {
		<-s.timer.C
	}

	if aw != nil && s.handler != nil {
		if h, ok := s.handler.(AwarenessHandler); ok {
			aw.OnUpdate(func(change awareness.Change, origin any) {
				// Runs inside the loop goroutine, which owns all mutation
				if err := h.HandleAwarenessChange(s, change, origin); err != nil {
					s.Stop(err)
				}
			})
		}
	}
	return s
}

// initHandler runs the host's Init hook, if any
func (s *Server) initHandler() error {
	if s.handler == nil {
		return nil
	}
	if h, ok := s.handler.(InitHandler); ok {
		if err := h.Init(s); err != nil {
			return err
		}
	}
	return nil
}

// start launches the mailbox loop
func (s *Server) start() {
	go s.run()
}

// run is the server's single thread of control. Every mutation of the
// engine, awareness, and assigns happens here.
func (s *Server) run() {
	defer s.finish()
	for {
		select {
		case t := <-s.tasks:
			err := t.fn()
			if t.reply != nil {
				t.reply <- err
			}
		case <-s.timer.C:
			if s.onTimeout != nil {
				s.onTimeout()
			}
		case <-s.stopC:
			return
		}
	}
}

// finish tears the server down from inside the loop goroutine:
// runs the owner's teardown hook, drains queued work, signals Done
func (s *Server) finish() {
	if s.onFinish != nil {
		s.onFinish()
	}
	close(s.done)
	if s.onStop != nil {
		s.onStop(s.stopErr)
	}
	// Unblock any callers that raced their task into the mailbox
	for {
		select {
		case t := <-s.tasks:
			if t.reply != nil {
				t.reply <- ErrStopped
			}
		default:
			return
		}
	}
}

// Do runs fn inside the server loop, giving it exclusive access to the
// engine, awareness, and assigns. It blocks until fn has run, the context is
// canceled, or the server stops.
func (s *Server) Do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, reply: make(chan error, 1)}
	select {
	case s.tasks <- t:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends a synchronous host-defined request to the handler's HandleCall
// hook and returns its response
func (s *Server) Call(ctx context.Context, req any) (any, error) {
	h, ok := s.handler.(CallHandler)
	if !ok {
		return nil, ErrNoHandler
	}
	var resp any
	err := s.Do(ctx, func() error {
		var callErr error
		resp, callErr = h.HandleCall(s, req)
		return callErr
	})
	return resp, err
}

// Cast sends an asynchronous host-defined message to the handler's
// HandleCast hook. Delivery is dropped if the server stops first.
func (s *Server) Cast(msg any) error {
	h, ok := s.handler.(CastHandler)
	if !ok {
		return ErrNoHandler
	}
	t := task{fn: func() error {
		if err := h.HandleCast(s, msg); err != nil {
			s.Stop(err)
		}
		return nil
	}}
	select {
	case s.tasks <- t:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// Stop requests termination with the given reason (nil for a normal stop).
// The first call wins; Stop never blocks on the loop finishing.
func (s *Server) Stop(reason error) {
	s.stopOnce.Do(func() {
		s.stopErr = reason
		close(s.stopC)
	})
}

// Done is closed once the server has fully terminated
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the stop reason after Done is closed; nil for a normal stop
func (s *Server) Err() error {
	select {
	case <-s.done:
		return s.stopErr
	default:
		return nil
	}
}

// Name returns the document name this server hosts
func (s *Server) Name() string {
	return s.name
}

// Engine returns the server's engine.
// Mutate it only from inside Do or a handler hook.
func (s *Server) Engine() engine.Engine {
	return s.eng
}

// Awareness returns the server's awareness instance, or nil when started
// with WithoutAwareness
func (s *Server) Awareness() *awareness.Awareness {
	return s.aw
}

// Assign reads a host-application value. Call only from inside Do or a
// handler hook.
func (s *Server) Assign(key string) (any, bool) {
	v, ok := s.assigns[key]
	return v, ok
}

// SetAssign stores a host-application value. Call only from inside Do or a
// handler hook.
func (s *Server) SetAssign(key string, value any) {
	s.assigns[key] = value
}

// armIdle schedules the idle timer, replacing any previous deadline
func (s *Server) armIdle(d time.Duration) {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(d)
}

// disarmIdle cancels a pending idle deadline
func (s *Server) disarmIdle() {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
}

// logName renders the document name for log lines, truncated to keep them
// readable when names are long
func (s *Server) logName() string {
	if len(s.name) > 64 {
		return s.name[:61] + "..."
	}
	return s.name
}
