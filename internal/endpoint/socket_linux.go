//go:build linux

package endpoint

import (
	"errors"
	"fmt"
	"net"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"
)

// CreateSocket creates a non-blocking TCP socket for ep. For server
// endpoints it binds and listens with SO_REUSEADDR and SO_REUSEPORT
// set, so every worker can independently bind the same address and
// let the kernel shard accepted connections across worker threads, the
// same SO_REUSEPORT fan-out original_source/src/tcp-proxy.c relies on.
// On any failure all partial state is closed.
//
// The server path is built the way jursonmo-evio builds its
// reuseport listeners: obtain a *net.TCPListener already bound with
// SO_REUSEPORT via go_reuseport.Listen, duplicate its fd via File(),
// then discard the net.Listener wrapper and drive the raw fd with
// syscalls from here on.
func CreateSocket(ep Endpoint, isServer bool) (fd int, err error) {
	if isServer {
		return createServerSocket(ep)
	}
	return createClientSocket(ep)
}

func createServerSocket(ep Endpoint) (int, error) {
	ln, err := reuseport.Listen("tcp", ep.String())
	if err != nil {
		return -1, fmt.Errorf("endpoint: reuseport listen %s: %w", ep, err)
	}
	defer ln.Close()

	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return -1, fmt.Errorf("endpoint: unexpected listener type %T", ln)
	}

	f, err := tl.File()
	if err != nil {
		return -1, fmt.Errorf("endpoint: dup listener fd: %w", err)
	}
	defer f.Close()

	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, fmt.Errorf("endpoint: dup fd: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("endpoint: set nonblock: %w", err)
	}
	return fd, nil
}

func createClientSocket(ep Endpoint) (int, error) {
	domain := unix.AF_INET
	if ep.Family == IPv6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("endpoint: socket: %w", err)
	}
	return fd, nil
}

// ConnectResult is the outcome of a non-blocking connect attempt.
type ConnectResult int

const (
	// Connected means connect() completed synchronously.
	Connected ConnectResult = iota
	// InProgress means the caller must arm a write-ready watcher on
	// fd and complete the connection via getsockopt(SO_ERROR) once
	// it fires.
	InProgress
)

// BeginConnect issues a non-blocking connect to ep on fd, retrying on
// EINTR as connect_client_socket does.
func BeginConnect(ep Endpoint, fd int) (ConnectResult, error) {
	sa := toSockaddr(ep)
	for {
		err := unix.Connect(fd, sa)
		if err == nil {
			return Connected, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EINPROGRESS) {
			return InProgress, nil
		}
		return Connected, fmt.Errorf("endpoint: connect %s: %w", ep, err)
	}
}

// ConnectError reads SO_ERROR off fd once it becomes write-ready,
// returning a non-nil error if the connect attempt failed.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("endpoint: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func toSockaddr(ep Endpoint) unix.Sockaddr {
	if ep.Family == IPv6 {
		sa := &unix.SockaddrInet6{Port: ep.Port}
		copy(sa.Addr[:], ep.IP.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: ep.Port}
	copy(sa.Addr[:], ep.IP.To4())
	return sa
}

// Accept wraps accept4, returning a non-blocking client fd and the
// printable peer address on success.
func Accept(listenFd int) (fd int, peer string, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, "", err
	}
	return nfd, sockaddrString(sa), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), v.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), v.Port)
	default:
		return "unknown"
	}
}
