package worker

import (
	"crypto/sha256"
	"io"
	"math/rand"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ikruglov/tcp-proxy/internal/config"
	"github.com/ikruglov/tcp-proxy/internal/endpoint"
)

// freePort reserves an ephemeral TCP port and immediately releases it,
// for use as the fixed port a SO_REUSEPORT listener needs.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// echoUpstream starts a plain accept-and-echo TCP server and returns
// its address plus a closer.
func echoUpstream(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func startWorker(t *testing.T, cfg config.Settings, serverPort int, upstreamAddr string) *Worker {
	t.Helper()
	serverEP, err := endpoint.Resolve("127.0.0.1:"+strconv.Itoa(serverPort), true)
	require.NoError(t, err)
	upstreamEP, err := endpoint.Resolve(upstreamAddr, false)
	require.NoError(t, err)

	w := New(1, cfg, serverEP, upstreamEP, zerolog.Nop())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run() }()

	// give the event loop time to bind and start listening.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(serverPort), 20*time.Millisecond)
		if err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		w.Terminate()
		select {
		case <-w.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop within 2s of Terminate")
		}
		w.Free()
	})
	return w
}

func TestRelayPreservesBytes(t *testing.T) {
	upstreamAddr, closeUp := echoUpstream(t)
	defer closeUp()

	port := freePort(t)
	cfg := config.Default()
	cfg.MinConn, cfg.MaxConn = 4, 16
	startWorker(t, cfg, port, upstreamAddr)

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("the quick brown fox jumps over the lazy dog")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestRelayPreservesLargeStream(t *testing.T) {
	upstreamAddr, closeUp := echoUpstream(t)
	defer closeUp()

	port := freePort(t)
	cfg := config.Default()
	cfg.MinConn, cfg.MaxConn = 4, 16
	cfg.PipeSize = 64 * 1024
	startWorker(t, cfg, port, upstreamAddr)

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 4*1024*1024)
	rand.New(rand.NewSource(1)).Read(payload)
	want := sha256.Sum256(payload)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		done <- err
	}()

	h := sha256.New()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = io.CopyN(h, conn, int64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, want[:], h.Sum(nil))
}

func TestAtCapacityDoesNotCrashWorker(t *testing.T) {
	upstreamAddr, closeUp := echoUpstream(t)
	defer closeUp()

	port := freePort(t)
	cfg := config.Default()
	cfg.MinConn, cfg.MaxConn = 1, 1
	startWorker(t, cfg, port, upstreamAddr)

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		c.Close()
	}

	// the worker must still be alive and able to accept after the
	// over-capacity attempts above.
	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	c.Close()
}

func TestGracefulPeerCloseTearsDownSlot(t *testing.T) {
	upstreamAddr, closeUp := echoUpstream(t)
	defer closeUp()

	port := freePort(t)
	cfg := config.Default()
	cfg.MinConn, cfg.MaxConn = 1, 1
	startWorker(t, cfg, port, upstreamAddr)

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	conn.Close()

	// with a single slot, a fresh connection after the close is only
	// served once the first connection's slot was torn down and released.
	time.Sleep(50 * time.Millisecond)
	conn2, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	defer conn2.Close()
	_, err = conn2.Write([]byte("y"))
	require.NoError(t, err)
	conn2.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(conn2, buf)
	require.NoError(t, err)
	require.Equal(t, byte('y'), buf[0])
}

// TestRelayResumesAfterBackpressureWithNoLostBytes stalls the
// downstream reader while the upstream floods a stream well past the
// pipe's capacity. With the downstream socket never drained, the
// upstream->downstream pipe fills and handleRelay must clear the read
// interest on the upstream watcher on EAGAIN instead of spinning on an
// event epoll keeps reporting as ready; TCP backpressure then stalls
// the upstream's own write. Once the client resumes reading, every
// byte the upstream sent must still arrive, undropped and unduplicated.
func TestRelayResumesAfterBackpressureWithNoLostBytes(t *testing.T) {
	const payloadSize = 4 * 1024 * 1024

	payload := make([]byte, payloadSize)
	rand.New(rand.NewSource(2)).Read(payload)
	want := sha256.Sum256(payload)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	writeErrCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			writeErrCh <- err
			return
		}
		defer c.Close()
		_, err = c.Write(payload)
		writeErrCh <- err
	}()

	port := freePort(t)
	cfg := config.Default()
	cfg.MinConn, cfg.MaxConn = 4, 16
	cfg.PipeSize = 4096 // small, so the relay pipe saturates quickly under stall
	startWorker(t, cfg, port, ln.Addr().String())

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// stall: don't read anything for long enough that the pipe and the
	// upstream's TCP send buffer both fill, forcing the EAGAIN/pipe-full
	// path in handleRelay rather than a steady drip of data.
	time.Sleep(500 * time.Millisecond)

	h := sha256.New()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := io.CopyN(h, conn, int64(payloadSize))
	require.NoError(t, err)
	require.Equal(t, int64(payloadSize), n)
	require.Equal(t, want[:], h.Sum(nil))
	require.NoError(t, <-writeErrCh)
}

// TestUpstreamRefusalClosesDownstreamAndFreesTheSlot points the worker
// at a closed, refusing upstream port. The proxy must accept the
// downstream connection, observe ECONNREFUSED from handleConnect's
// getsockopt(SO_ERROR) check, and close the downstream rather than
// leave it hanging — and the torn-down slot must be returned to the
// free pool so a later connection isn't starved by the first's
// failure. With exactly one slot available (MinConn = MaxConn = 1),
// repeating the dial proves the slot comes back each time: if it
// didn't, the kernel would still complete the TCP handshake and queue
// the connection on the listen backlog, but onAcceptReady's
// pool.Acquire would return nil before accept4 is ever called, and the
// dangling downstream would time out instead of being closed.
func TestUpstreamRefusalClosesDownstreamAndFreesTheSlot(t *testing.T) {
	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refusedAddr := closedLn.Addr().String()
	closedLn.Close()

	port := freePort(t)
	cfg := config.Default()
	cfg.MinConn, cfg.MaxConn = 1, 1
	startWorker(t, cfg, port, refusedAddr)

	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1)
		n, readErr := conn.Read(buf)
		require.Zero(t, n)
		require.Error(t, readErr)
		require.NotErrorIs(t, readErr, os.ErrDeadlineExceeded)
		conn.Close()
	}
}
