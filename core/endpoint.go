// Package core holds the small value types shared by the station and its
// client transports.
package core

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// DefaultPort is the remote port used when the configuration omits one.
const DefaultPort uint16 = 2013

// ErrInvalidHost is returned when a host is not a dotted-decimal IPv4 address.
var ErrInvalidHost = errors.New("invalid host")

// broadcast is rejected as a host because the firmware used it as the
// "no address" marker.
var broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Endpoint is a remote IPv4 address and port. The zero Endpoint is unset.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// IsSet returns true if the endpoint has an address.
func (e Endpoint) IsSet() bool {
	return e.Addr.IsValid()
}

// String returns "a.b.c.d:port", or "unset" for the zero endpoint.
func (e Endpoint) String() string {
	if !e.IsSet() {
		return "unset"
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// UDPAddr returns the endpoint as a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(e.Addr, e.Port))
}

// TCPAddr returns the endpoint as a *net.TCPAddr.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(e.Addr, e.Port))
}

// ParseHost parses a dotted-decimal IPv4 address.
func ParseHost(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidHost, s)
	}
	if !addr.Is4() || addr == broadcast {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidHost, s)
	}
	return addr, nil
}

// ParseEndpoint parses "a.b.c.d:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	addr, err := ParseHost(host)
	if err != nil {
		return Endpoint{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return Endpoint{Addr: addr, Port: uint16(p)}, nil
}

// AddrFromNetAddr extracts the IPv4 address and port from a UDP or TCP
// net.Addr. Other address types yield the zero values.
func AddrFromNetAddr(a net.Addr) (netip.Addr, uint16) {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.UDPAddr:
		ap = v.AddrPort()
	case *net.TCPAddr:
		ap = v.AddrPort()
	default:
		return netip.Addr{}, 0
	}
	return ap.Addr().Unmap(), ap.Port()
}
