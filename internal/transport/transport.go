// Package transport
// Author: momentics <momentics@gmail.com>
//
// Platform-independent helpers for raw sockets crossing the HTTP→engine
// boundary: TCP_NODELAY on the underlying descriptor and remote-address
// decomposition.

package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"github.com/momentics/hioload-bridge/api"
)

// SetNoDelay toggles TCP_NODELAY on conn. TLS connections are unwrapped to
// their underlying socket. Connections without a file descriptor (pipes,
// in-memory test conns) yield api.ErrNotSupported.
func SetNoDelay(conn net.Conn, noDelay bool) error {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return api.ErrNotSupported
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	var opErr error
	if err := raw.Control(func(fd uintptr) {
		opErr = setNoDelayFD(fd, noDelay)
	}); err != nil {
		return fmt.Errorf("raw control: %w", err)
	}
	if errors.Is(opErr, api.ErrNotSupported) {
		if tcp, ok := conn.(*net.TCPConn); ok {
			return tcp.SetNoDelay(noDelay)
		}
	}
	if opErr != nil {
		return fmt.Errorf("setsockopt TCP_NODELAY: %w", opErr)
	}
	return nil
}

// AddressOf splits addr into the port/ip/family triple.
func AddressOf(addr net.Addr) api.Address {
	var (
		ip   net.IP
		port int
	)
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	case nil:
		return api.Address{}
	default:
		host, p, err := net.SplitHostPort(a.String())
		if err != nil {
			return api.Address{IP: a.String()}
		}
		ip = net.ParseIP(host)
		port, _ = strconv.Atoi(p)
		if ip == nil {
			return api.Address{IP: host, Port: port}
		}
	}
	family := "IPv6"
	if ip.To4() != nil {
		family = "IPv4"
	}
	return api.Address{Port: port, IP: ip.String(), Family: family}
}
