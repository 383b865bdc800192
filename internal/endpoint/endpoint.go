// Package endpoint resolves "host:port" strings into immutable
// Endpoint values and turns them into non-blocking sockets, mirroring
// original_source/src/net.c (socketize, setup_socket,
// connect_client_socket, humanize_socket).
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Family distinguishes IPv4 from IPv6, mirroring socket_t.addr's
// ss_family in the original.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// Endpoint is an immutable resolved TCP address pair: family, address
// bytes, port, and a cached printable "host:port" form (the
// equivalent of socket_t.to_string, computed once by humanize_socket).
// It is shared read-only across all workers by reference; its
// lifetime is the process.
type Endpoint struct {
	Family Family
	IP     net.IP
	Port   int
	text   string
}

// String returns the cached "host:port" (or "[host]:port" for IPv6)
// form.
func (e Endpoint) String() string { return e.text }

// Resolve parses "host:port" (the last ':' delimits the port) and
// performs TCP-stream address resolution. For server endpoints it
// requests wildcard-bindable results (an empty host resolves to the
// unspecified address). When multiple results are returned, the first
// is taken; IPv4 is preferred over IPv6 when both are present.
func Resolve(hostport string, isServer bool) (Endpoint, error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return Endpoint{}, fmt.Errorf("endpoint: no port in %q, expected host:port", hostport)
	}
	host, portStr := hostport[:i], hostport[i+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid port in %q: %w", hostport, err)
	}
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}

	if host == "" && isServer {
		return Endpoint{
			Family: IPv4,
			IP:     net.IPv4zero,
			Port:   port,
			text:   fmt.Sprintf(":%d", port),
		}, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: resolve %q: %w", hostport, err)
	}
	if len(ips) == 0 {
		return Endpoint{}, fmt.Errorf("endpoint: no addresses for %q", hostport)
	}

	ip := pickPreferIPv4(ips)
	return fromIP(ip, port), nil
}

// pickPreferIPv4 takes the first result unless a later one is IPv4
// and the first wasn't — the same first-match-wins, IPv4-preferred
// selection the original gets for free from getaddrinfo's ai_family
// ordering.
func pickPreferIPv4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}
	return ips[0]
}

func fromIP(ip net.IP, port int) Endpoint {
	if v4 := ip.To4(); v4 != nil {
		return Endpoint{
			Family: IPv4,
			IP:     v4,
			Port:   port,
			text:   fmt.Sprintf("%s:%d", v4.String(), port),
		}
	}
	return Endpoint{
		Family: IPv6,
		IP:     ip,
		Port:   port,
		text:   fmt.Sprintf("[%s]:%d", ip.String(), port),
	}
}
