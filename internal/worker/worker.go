// Package worker implements the per-worker event loop: the
// non-blocking accept path, the asynchronous upstream connect, and
// the bidirectional splice-through-pipe relay — the core of the
// proxy.
//
// Grounded on original_source/src/server_ctx.c (accept_cb,
// init_client_ctx, connect_cb, upstream_cb/downstream_cb) for the
// state machine and error taxonomy, and on jursonmo-evio's
// loopRun/loopAccept/loopRead/loopWrite for the Go idiom of a single
// Wait callback dispatching by fd-to-context lookup.
package worker

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/ikruglov/tcp-proxy/internal/config"
	"github.com/ikruglov/tcp-proxy/internal/endpoint"
	"github.com/ikruglov/tcp-proxy/internal/netpoll"
	"github.com/ikruglov/tcp-proxy/internal/relay"
	"github.com/ikruglov/tcp-proxy/internal/slotpool"
)

// connRef identifies which slot and which half a registered fd
// belongs to, so the single Wait callback can dispatch by fd lookup
// instead of per-fd closures — the Go analogue of ev_io.data
// back-pointers.
type connRef struct {
	slot   *slotpool.Slot
	isDown bool
}

// Worker owns one event reactor, the listening socket watcher, a
// wakeup signal, and the connection-slot pool; it runs the accept /
// connect / relay state machines entirely on one goroutine pinned to
// its own OS thread.
type Worker struct {
	id         int
	cfg        config.Settings
	serverEP   endpoint.Endpoint
	upstreamEP endpoint.Endpoint
	log        zerolog.Logger

	poll          *netpoll.Poll
	pool          *slotpool.Pool
	listenFd      int
	listenWatcher *netpoll.Watcher
	acceptStopped bool
	fdIndex       map[int]connRef

	backoff *acceptBackoff

	wakeRequested atomic.Bool
	done          chan struct{}
}

// New constructs a worker. Run must be called to actually start it.
func New(id int, cfg config.Settings, serverEP, upstreamEP endpoint.Endpoint, log zerolog.Logger) *Worker {
	return &Worker{
		id:         id,
		cfg:        cfg,
		serverEP:   serverEP,
		upstreamEP: upstreamEP,
		log:        log.With().Int("worker", id).Logger(),
		listenFd:   -1,
		fdIndex:    make(map[int]connRef),
		done:       make(chan struct{}),
	}
}

// Done returns a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run creates the listen socket and event reactor, grows the pool to
// minconn, arms the accept and wakeup watchers, then blocks until
// Terminate wakes it. Intended to be called on a goroutine pinned via
// runtime.LockOSThread by the caller, the Go equivalent of the
// original's start_thread/run_event_loop.
func (w *Worker) Run() error {
	defer close(w.done)

	listenFd, err := endpoint.CreateSocket(w.serverEP, true)
	if err != nil {
		return err
	}
	w.listenFd = listenFd

	poll, err := netpoll.Open()
	if err != nil {
		unix.Close(listenFd)
		return err
	}
	w.poll = poll

	w.pool = slotpool.New(w.cfg.MinConn, w.cfg.MaxConn)

	lw, err := poll.Watch(listenFd, netpoll.Read)
	if err != nil {
		poll.Close()
		unix.Close(listenFd)
		return err
	}
	w.listenWatcher = lw

	if w.cfg.AcceptBackoff {
		b, err := newAcceptBackoff(poll)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to set up accept backoff, continuing without it")
		} else {
			w.backoff = b
		}
	}

	w.log.Info().Str("listen", w.serverEP.String()).Str("upstream", w.upstreamEP.String()).Msg("worker starting")
	return poll.Wait(w.onEvent, w.shouldStop)
}

// Terminate sends the async wakeup. Safe to call from any goroutine.
func (w *Worker) Terminate() {
	w.wakeRequested.Store(true)
	if w.poll != nil {
		_ = w.poll.Wake()
	}
}

func (w *Worker) shouldStop() bool { return w.wakeRequested.Load() }

// Free closes the listen fd, destroys the reactor, and drops the pool.
// Assumes Run has already returned.
func (w *Worker) Free() {
	if w.backoff != nil {
		unix.Close(w.backoff.timerFd)
		w.backoff = nil
	}
	if w.poll != nil {
		w.poll.Close()
		w.poll = nil
	}
	if w.listenFd >= 0 {
		unix.Close(w.listenFd)
		w.listenFd = -1
	}
	w.pool = nil
}

func (w *Worker) onEvent(fd int, events netpoll.Event) {
	if w.backoff != nil && fd == w.backoff.timerFd {
		w.backoff.drain()
		w.rearmAccept()
		return
	}
	if fd == w.listenFd {
		w.onAcceptReady()
		return
	}
	ref, ok := w.fdIndex[fd]
	if !ok {
		return // stale event for an already torn-down fd
	}
	switch ref.slot.State {
	case slotpool.Connecting:
		w.handleConnect(ref.slot)
	case slotpool.Relaying:
		if ref.isDown {
			w.handleRelay(ref.slot, &ref.slot.Down, &ref.slot.Up, events)
		} else {
			w.handleRelay(ref.slot, &ref.slot.Up, &ref.slot.Down, events)
		}
	}
}

// onAcceptReady is the accept path, the Go counterpart of accept_cb.
func (w *Worker) onAcceptReady() {
	slot := w.pool.Acquire()
	if slot == nil {
		w.log.Warn().Msg("max connections reached")
		if w.backoff != nil {
			w.startBackoff()
		}
		return
	}

	fd, peer, err := endpoint.Accept(w.listenFd)
	if err != nil {
		w.classifyAcceptError(err)
		return
	}

	slot.Down.Fd = fd
	slot.Down.PeerAddr = peer
	w.fdIndex[fd] = connRef{slot: slot, isDown: true}

	if err := w.initClientCtx(slot); err != nil {
		w.log.Error().Err(err).Str("peer", peer).Msg("failed to init client context")
		w.teardown(slot) // slot was only peeked, never popped: don't Release it
		return
	}

	w.pool.MarkUsed(slot)
	w.log.Info().Str("peer", peer).Msg("accepted connection")
}

func (w *Worker) classifyAcceptError(err error) {
	switch {
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED):
		// spurious wake, noop
	case errors.Is(err, unix.ENFILE), errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		w.log.Error().Err(err).Msg("resource exhaustion accepting connection")
		if w.backoff != nil {
			w.startBackoff()
		}
	case errors.Is(err, unix.EPROTO):
		w.log.Error().Err(err).Msg("protocol error accepting connection")
	default:
		w.log.Error().Err(err).Msg("fatal accept error, worker will accept no more connections")
		w.stopAccepting()
	}
}

func (w *Worker) stopAccepting() {
	if w.acceptStopped {
		return
	}
	w.poll.Reconcile(w.listenWatcher, 0)
	unix.Close(w.listenFd)
	w.listenFd = -1
	w.acceptStopped = true
}

// initClientCtx creates the upstream socket, begins the non-blocking
// connect, creates both direction pipes, and arms the upstream
// watcher write-only with the connect callback — the Go counterpart
// of init_client_ctx.
func (w *Worker) initClientCtx(slot *slotpool.Slot) error {
	upFd, err := endpoint.CreateSocket(w.upstreamEP, false)
	if err != nil {
		return err
	}
	slot.Up.Fd = upFd

	if _, err := endpoint.BeginConnect(w.upstreamEP, upFd); err != nil {
		return err
	}

	upR, upW, err := relay.NewPipe(w.cfg.PipeSize)
	if err != nil {
		return err
	}
	slot.Up.PipeRead, slot.Up.PipeWrite = upR, upW

	downR, downW, err := relay.NewPipe(w.cfg.PipeSize)
	if err != nil {
		return err
	}
	slot.Down.PipeRead, slot.Down.PipeWrite = downR, downW

	cw, err := w.poll.Watch(upFd, netpoll.Write)
	if err != nil {
		return err
	}
	slot.ConnectWatcher = cw
	w.fdIndex[upFd] = connRef{slot: slot, isDown: false}
	return nil
}

// handleConnect is the connect-completion callback, the Go
// counterpart of connect_cb.
func (w *Worker) handleConnect(slot *slotpool.Slot) {
	if err := endpoint.ConnectError(slot.Up.Fd); err != nil {
		w.log.Error().Err(err).Str("upstream", w.upstreamEP.String()).Msg("connect failed")
		w.teardownAndRelease(slot)
		return
	}

	if err := w.poll.Reconcile(slot.ConnectWatcher, netpoll.Read|netpoll.Write); err != nil {
		w.teardownAndRelease(slot)
		return
	}
	slot.Up.Watcher = slot.ConnectWatcher
	slot.ConnectWatcher = nil

	downWatcher, err := w.poll.Watch(slot.Down.Fd, netpoll.Read|netpoll.Write)
	if err != nil {
		w.teardownAndRelease(slot)
		return
	}
	slot.Down.Watcher = downWatcher
	slot.State = slotpool.Relaying

	w.log.Info().Str("peer", slot.Down.PeerAddr).Str("upstream", w.upstreamEP.String()).Msg("upstream connected, relaying")
}
