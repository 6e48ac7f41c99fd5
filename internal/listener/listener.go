// Package listener implements the dedicated goroutine that owns the
// client socket once the target starts running, and the synchronous
// fallback path used before it has announced itself ready.
package listener

import (
	"context"
	"sync"

	"github.com/ehrlich-b/idadbg/internal/dispatch"
	"github.com/ehrlich-b/idadbg/internal/logging"
	"github.com/ehrlich-b/idadbg/internal/procstate"
	"github.com/ehrlich-b/idadbg/internal/wire"
)

// Listener owns the single client socket after startup. Before Ready
// flips, any application thread that finds itself suspended may serve
// a request synchronously from its own stack via ServeOne, so that
// breakpoints planted before the target's first instruction are still
// respected (spec.md §4.8).
type Listener struct {
	mu    sync.Mutex
	ready bool

	conn wire.Conn
	d    *dispatch.Dispatcher
	pm   *procstate.Machine
}

// New wires a Listener to its client connection and dispatcher.
func New(conn wire.Conn, d *dispatch.Dispatcher, pm *procstate.Machine) *Listener {
	return &Listener{conn: conn, d: d, pm: pm}
}

// Ready reports whether the dedicated Run goroutine has taken over the
// socket.
func (l *Listener) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// ServeOne synchronously serves a single request-reply round trip on
// the shared socket. Callers must check !Ready() first and be
// prepared to abort as soon as it flips — the socket is written by
// exactly one party at a time, enforced by the ready flag, not a write
// lock (spec.md §5, shared-resource policy).
func (l *Listener) ServeOne(ctx context.Context) error {
	req, err := wire.Recv(l.conn)
	if err != nil {
		return err
	}
	return l.d.Handle(ctx, l.conn, req)
}

// Run is the dedicated listener goroutine: it flips Ready, then serves
// requests until a transport error occurs, ctx is canceled, or the
// process state is Exiting after a request has been handled. The event
// queue is not consulted: Run returns even if a PROCESS_EXIT event is
// still queued or none was ever queued.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	l.ready = true
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := wire.Recv(l.conn)
		if err != nil {
			logging.Error("listener: transport error, terminating", "err", err)
			return err
		}

		if err := l.d.Handle(ctx, l.conn, req); err != nil {
			logging.Error("listener: transport error on reply, terminating", "err", err)
			return err
		}

		if l.pm.State() == procstate.Exiting {
			return nil
		}
	}
}
