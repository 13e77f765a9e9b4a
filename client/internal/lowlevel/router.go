package lowlevel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/decred/slog"
	"github.com/whisper2/whisperclient/rpc"
)

// routerQueueLen is the dispatch buffer depth. A full buffer applies
// backpressure to the transport recv loop instead of dropping or
// reordering frames.
const routerQueueLen = 128

// Router dispatches inbound frames to per-type handlers on a single
// goroutine, preserving arrival order. Delivery outcome frames
// (message_accepted and error) resolve against the AckHandler and are
// never offered to type handlers.
type Router struct {
	log    slog.Logger
	acks   AckHandler
	frames chan rpc.Frame
	quit   chan struct{}

	mtx      sync.Mutex
	handlers map[string]func(rpc.Frame)
}

// NewRouter creates a router that resolves delivery outcomes against
// acks. Run must be called before frames will flow.
func NewRouter(log slog.Logger, acks AckHandler) *Router {
	if log == nil {
		log = slog.Disabled
	}
	return &Router{
		log:      log,
		acks:     acks,
		frames:   make(chan rpc.Frame, routerQueueLen),
		quit:     make(chan struct{}),
		handlers: make(map[string]func(rpc.Frame)),
	}
}

// Handle registers the handler for one frame type, replacing any previous
// one. A nil handler removes the registration.
func (r *Router) Handle(cmd string, handler func(rpc.Frame)) {
	r.mtx.Lock()
	if handler == nil {
		delete(r.handlers, cmd)
	} else {
		r.handlers[cmd] = handler
	}
	r.mtx.Unlock()
}

// HandleFrame queues one inbound frame for dispatch. It blocks while the
// dispatch queue is full and drops frames once the router has stopped.
func (r *Router) HandleFrame(frame rpc.Frame) {
	select {
	case r.frames <- frame:
	case <-r.quit:
		r.log.Debugf("Dropping frame %s: router stopped", frame.Type)
	}
}

// Run dispatches queued frames until the context is canceled. It must be
// called at most once.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.quit)
	for {
		select {
		case frame := <-r.frames:
			r.dispatch(frame)
		case <-ctx.Done():
			return errRouterExiting
		}
	}
}

func (r *Router) dispatch(frame rpc.Frame) {
	switch frame.Type {
	case rpc.CmdMessageAccepted:
		var p rpc.MessageAccepted
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.MessageID == "" {
			r.log.Warnf("Dropping malformed ack frame: %v", err)
			return
		}
		r.acks.OnAccepted(p.MessageID)
		return
	case rpc.CmdError:
		var p rpc.Error
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			r.log.Warnf("Dropping malformed error frame: %v", err)
			return
		}
		r.acks.OnError(frame.RequestID, p.Code, p.Message)
		return
	}

	r.mtx.Lock()
	h := r.handlers[frame.Type]
	r.mtx.Unlock()
	if h == nil {
		r.log.Debugf("No handler for frame type %q; dropping", frame.Type)
		return
	}
	h(frame)
}
