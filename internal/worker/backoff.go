package worker

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ikruglov/tcp-proxy/internal/netpoll"
)

// acceptBackoff is an opt-in mitigation for the busy-loop the original
// exhibits when the pool is at maxConn or accept4 returns a
// resource-exhaustion errno: the listen watcher is disarmed and a
// timerfd re-arms it after a short delay instead of spinning on an
// epoll event that can't be satisfied yet.
type acceptBackoff struct {
	timerFd int
	current time.Duration
}

const (
	minAcceptBackoff = 10 * time.Millisecond
	maxAcceptBackoff = 100 * time.Millisecond
)

func newAcceptBackoff(poll *netpoll.Poll) (*acceptBackoff, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("worker: timerfd_create: %w", err)
	}
	if _, err := poll.Watch(fd, netpoll.Read); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &acceptBackoff{timerFd: fd, current: minAcceptBackoff}, nil
}

// arm schedules one-shot firing after the current backoff duration,
// then doubles it up to maxAcceptBackoff for the next time.
func (b *acceptBackoff) arm() {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(int64(b.current)),
	}
	_ = unix.TimerfdSettime(b.timerFd, 0, &spec, nil)

	b.current *= 2
	if b.current > maxAcceptBackoff {
		b.current = maxAcceptBackoff
	}
}

// drain consumes the timerfd expiration counter so it stops being
// read-ready, and resets the backoff for the next exhaustion episode.
func (b *acceptBackoff) drain() {
	var buf [8]byte
	unix.Read(b.timerFd, buf[:])
	b.current = minAcceptBackoff
}

func (w *Worker) startBackoff() {
	w.poll.Reconcile(w.listenWatcher, 0)
	w.backoff.arm()
}

func (w *Worker) rearmAccept() {
	if w.acceptStopped {
		return
	}
	if err := w.poll.Reconcile(w.listenWatcher, netpoll.Read); err != nil {
		w.log.Error().Err(err).Msg("failed to re-arm accept watcher after backoff")
	}
}
