// Package address provides semantic wrappers over IPv4/IPv6 endpoints. It is
// the leaf dependency of every other package in this module: candidates,
// STUN mapped addresses, DTLS peers, and RTP/pacer sources all resolve down
// to an address.Address.
package address

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Family distinguishes IPv4 from IPv6 addresses.
type Family int

const (
	V4 Family = iota
	V6
)

func (f Family) String() string {
	if f == V6 {
		return "v6"
	}
	return "v4"
}

// Address is (family, ip-bytes, port). Equality is bitwise over the tuple.
type Address struct {
	family Family
	ip     netip.Addr
	port   uint16
}

// FromNetIP builds an Address from a net.IP and port. Returns the zero
// Address if ip cannot be parsed as either a 4- or 16-byte address.
func FromNetIP(ip net.IP, port uint16) (Address, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Address{}, false
	}
	a = a.Unmap()
	fam := V4
	if a.Is6() {
		fam = V6
	}
	return Address{family: fam, ip: a, port: port}, true
}

// FromNetipAddr builds an Address from a netip.Addr and port.
func FromNetipAddr(ip netip.Addr, port uint16) Address {
	ip = ip.Unmap()
	fam := V4
	if ip.Is6() {
		fam = V6
	}
	return Address{family: fam, ip: ip, port: port}
}

// FromUDPAddr builds an Address from a resolved *net.UDPAddr.
func FromUDPAddr(a *net.UDPAddr) (Address, bool) {
	if a == nil {
		return Address{}, false
	}
	return FromNetIP(a.IP, uint16(a.Port))
}

// Parse parses "host:port" (or "[host]:port" for IPv6) into an Address. This
// is the symmetric inverse of Address.String.
func Parse(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: parse %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("address: parse %q: bad port: %w", s, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Address{}, fmt.Errorf("address: parse %q: bad ip: %w", s, err)
	}
	return FromNetipAddr(ip, uint16(port)), nil
}

// Equal reports whether a and other have the same family, IP, and port.
func (a Address) Equal(other Address) bool {
	return a.family == other.family && a.ip == other.ip && a.port == other.port
}

// IsValid reports whether a was constructed with a concrete address (as
// opposed to the zero value).
func (a Address) IsValid() bool {
	return a.ip.IsValid()
}

func (a Address) Family() Family {
	return a.family
}

func (a Address) Port() uint16 {
	return a.port
}

func (a Address) IP() netip.Addr {
	return a.ip
}

// UDPAddr converts to the standard library's representation, for use with
// net.ListenUDP / net.DialUDP.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.ip.AsSlice(), Port: int(a.port), Zone: a.ip.Zone()}
}

// String renders "host:port", or "[host]:port" for IPv6, matching
// net.JoinHostPort's bracketing convention.
func (a Address) String() string {
	if !a.ip.IsValid() {
		return ""
	}
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
}

// IPString renders just the IP portion, with no port and no brackets.
func (a Address) IPString() string {
	if !a.ip.IsValid() {
		return ""
	}
	return a.ip.String()
}

func (a Address) IsLoopback() bool {
	return a.ip.IsLoopback()
}

func (a Address) IsLinkLocal() bool {
	return a.ip.IsLinkLocalUnicast()
}

// IsPrivateNetwork reports RFC1918 (10/8, 172.16/12, 192.168/16) for IPv4, and
// the fc00::/7 unique-local range (here narrowed to fd00::/8, as the original
// implementation does) for IPv6.
func (a Address) IsPrivateNetwork() bool {
	if a.family == V4 {
		b := a.ip.As4()
		return b[0] == 10 ||
			(b[0] == 172 && b[1]&0xf0 == 16) ||
			(b[0] == 192 && b[1] == 168)
	}
	b := a.ip.As16()
	return b[0] == 0xfd
}

// IsSharedNetwork reports the carrier-grade NAT range 100.64.0.0/10
// (RFC 6598). IPv6 has no equivalent, so this is always false for v6.
func (a Address) IsSharedNetwork() bool {
	if a.family != V4 {
		return false
	}
	b := a.ip.As4()
	return b[0] == 100 && b[1]&0xc0 == 64
}

// IsPrivate is the OR of all four predicates above: an address that should
// not be advertised as reachable from the public Internet.
func (a Address) IsPrivate() bool {
	return a.IsLinkLocal() || a.IsLoopback() || a.IsPrivateNetwork() || a.IsSharedNetwork()
}
