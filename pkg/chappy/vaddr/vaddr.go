// Package vaddr defines the virtual address space nodes are assigned inside
// a cluster: every process-visible endpoint is a (cluster id, virtual IPv4,
// port) triple rather than a real routable address.
package vaddr

import (
	"encoding/binary"
	"fmt"
	"net"
)

// VirtualIP is a 32-bit IPv4 address inside the cluster's flat subnet.
type VirtualIP uint32

// ParseVirtualIP parses a dotted-quad string into a VirtualIP.
func ParseVirtualIP(s string) (VirtualIP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("vaddr: invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("vaddr: %q is not an IPv4 address", s)
	}
	return VirtualIP(binary.BigEndian.Uint32(ip4)), nil
}

// MustParseVirtualIP is ParseVirtualIP but panics on error; for constants
// and tests.
func MustParseVirtualIP(s string) VirtualIP {
	v, err := ParseVirtualIP(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the dotted-quad form.
func (v VirtualIP) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return net.IP(b[:]).String()
}

// Bytes returns the big-endian 4-byte wire encoding.
func (v VirtualIP) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b
}

// VirtualIPFromBytes decodes the big-endian 4-byte wire encoding.
func VirtualIPFromBytes(b [4]byte) VirtualIP {
	return VirtualIP(binary.BigEndian.Uint32(b[:]))
}

// Addr is a full virtual endpoint: a cluster-scoped IP and a port.
type Addr struct {
	IP   VirtualIP
	Port uint16
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// NatedAddr is a real, routable (but possibly NATed) UDP endpoint a Seed
// client observed a node dialing from — the address a Perforator's QUIC
// punch must target.
type NatedAddr struct {
	IP   net.IP
	Port uint16
}

func (a NatedAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// UDPAddr converts to the standard library representation.
func (a NatedAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

// NatedAddrFromUDP converts from a resolved net.UDPAddr, normalizing to the
// 4-byte IPv4 form whenever possible.
func NatedAddrFromUDP(u *net.UDPAddr) NatedAddr {
	ip := u.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return NatedAddr{IP: ip, Port: uint16(u.Port)}
}
