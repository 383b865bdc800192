// Package relay holds the splice(2)-based zero-copy primitives used
// by the worker's relay callbacks: pipe creation/sizing and the
// single splice wrapper, grounded on original_source/src/server_ctx.c
// (MAX_SPLICE_AT_ONCE, the pipe()+splice() call sites) and on the
// golang.org/x/sys/unix splice idiom used by acln0-zerocopy and
// akab00m-mtg's zerocopy relay.
package relay

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxChunk caps a single splice(2) call. Actual movement is bounded
// further by pipe capacity and OS policy; this is just the sentinel
// the original passes as MAX_SPLICE_AT_ONCE (1<<30).
const MaxChunk = 1 << 30

// NewPipe creates an anonymous non-blocking kernel pipe. If size is
// positive, it requests that capacity on the read end via
// F_SETPIPE_SZ, the same sizing step init_client_ctx performs on each
// pipe it creates. A request failure is not fatal — the pipe keeps its
// default capacity.
func NewPipe(size int) (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, fmt.Errorf("relay: pipe2: %w", err)
	}
	r, w = fds[0], fds[1]

	if size > 0 {
		_, _ = unix.FcntlInt(uintptr(r), unix.F_SETPIPE_SZ, size)
	}
	return r, w, nil
}

// Splice moves up to max bytes from srcFd to dstFd through the
// kernel, non-blocking, returning (0, EAGAIN) when the source socket
// is empty or the destination pipe is full — two cases splice's EAGAIN
// cannot distinguish between, same as in upstream_cb/downstream_cb.
func Splice(srcFd, dstFd int, max int) (int, error) {
	n, err := unix.Splice(srcFd, nil, dstFd, nil, max, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// IsAgain reports whether err is the non-blocking "would block" errno
// splice/read/write/accept/connect can all return.
func IsAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsInterrupted reports whether err is EINTR.
func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// ClosePipe closes both ends of a pipe, ignoring -1 (already closed)
// ends — the Go analogue of the original's "if (fd >= 0) close(fd)"
// teardown guard.
func ClosePipe(r, w int) {
	if r >= 0 {
		unix.Close(r)
	}
	if w >= 0 {
		unix.Close(w)
	}
}
