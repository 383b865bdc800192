package worker

import (
	"golang.org/x/sys/unix"

	"github.com/ikruglov/tcp-proxy/internal/netpoll"
	"github.com/ikruglov/tcp-proxy/internal/relay"
	"github.com/ikruglov/tcp-proxy/internal/slotpool"
)

// handleRelay is the symmetric relay callback shared by both
// directions, the Go counterpart of upstream_cb/downstream_cb. self is
// the half whose socket fd the event fired on; other is the opposite
// half. WRITE readiness drains other's pipe into self's socket; READ
// readiness fills self's pipe from self's socket. Each side's effect
// on the *other* watcher is applied immediately; the net effect on
// self's own watcher is applied once, at the end, via a single
// Reconcile call.
func (w *Worker) handleRelay(slot *slotpool.Slot, self, other *slotpool.Half, revents netpoll.Event) {
	newEvents := self.Watcher.Events()

	if revents&netpoll.Write != 0 {
		for other.Size > 0 {
			n, err := relay.Splice(other.PipeRead, self.Fd, other.Size)
			if err != nil {
				if relay.IsAgain(err) {
					newEvents &^= netpoll.Write
					break
				}
				if relay.IsInterrupted(err) {
					continue
				}
				w.log.Error().Err(err).Str("peer", slot.Down.PeerAddr).Msg("splice to socket failed")
				w.teardownAndRelease(slot)
				return
			}
			if n == 0 {
				newEvents &^= netpoll.Write
				break
			}
			other.Size -= n
			// other's pipe now has room: resume reading from other's socket.
			w.poll.Reconcile(other.Watcher, other.Watcher.Events()|netpoll.Read)
		}
		if other.Size == 0 {
			newEvents &^= netpoll.Write
		}
	}

	if revents&netpoll.Read != 0 {
		n, err := relay.Splice(self.Fd, self.PipeWrite, relay.MaxChunk)
		switch {
		case err != nil && relay.IsAgain(err):
			newEvents &^= netpoll.Read
		case err != nil && relay.IsInterrupted(err):
			// noop, level-triggered: we'll be called again
		case err != nil:
			w.log.Error().Err(err).Str("peer", slot.Down.PeerAddr).Msg("splice from socket failed")
			w.teardownAndRelease(slot)
			return
		case n == 0:
			// peer closed its read direction.
			w.teardownAndRelease(slot)
			return
		default:
			self.Size += n
			// self's pipe now has data: the other side should drain it.
			w.poll.Reconcile(other.Watcher, other.Watcher.Events()|netpoll.Write)
		}
	}

	w.poll.Reconcile(self.Watcher, newEvents)
}

// teardownAndRelease tears down a slot that was already marked used
// (popped from the free stack) and returns it to the pool.
func (w *Worker) teardownAndRelease(slot *slotpool.Slot) {
	w.teardown(slot)
	w.pool.Release(slot)
}

// teardown closes both sockets and both pipe pairs and disarms every
// watcher bound to this slot. Idempotent: safe to call on a
// partially-initialized slot (fds already -1 are skipped), the way
// client_ctx_cleanup tolerates a half-initialized client_ctx_t.
func (w *Worker) teardown(slot *slotpool.Slot) {
	upWatcher := slot.Up.Watcher
	if upWatcher == nil {
		upWatcher = slot.ConnectWatcher
	}
	if slot.Up.Fd >= 0 {
		if upWatcher != nil {
			w.poll.Reconcile(upWatcher, 0)
		}
		w.poll.Remove(slot.Up.Fd)
		delete(w.fdIndex, slot.Up.Fd)
		unix.Close(slot.Up.Fd)
		slot.Up.Fd = -1
	}
	slot.Up.Watcher = nil
	slot.ConnectWatcher = nil

	if slot.Down.Fd >= 0 {
		if slot.Down.Watcher != nil {
			w.poll.Reconcile(slot.Down.Watcher, 0)
		}
		w.poll.Remove(slot.Down.Fd)
		delete(w.fdIndex, slot.Down.Fd)
		unix.Close(slot.Down.Fd)
		slot.Down.Fd = -1
	}
	slot.Down.Watcher = nil

	relay.ClosePipe(slot.Up.PipeRead, slot.Up.PipeWrite)
	slot.Up.PipeRead, slot.Up.PipeWrite = -1, -1
	relay.ClosePipe(slot.Down.PipeRead, slot.Down.PipeWrite)
	slot.Down.PipeRead, slot.Down.PipeWrite = -1, -1
}
