//go:build linux

package main

import (
	"encoding/binary"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
)

// sockaddrIn is the decoded form of a struct sockaddr_in the
// application handed to connect()/bind(). Addr holds sin_addr's bytes
// in network order; Port is already converted to host order.
type sockaddrIn struct {
	Addr [4]byte
	Port uint16
}

func (s sockaddrIn) IP() net.IP {
	return net.IPv4(s.Addr[0], s.Addr[1], s.Addr[2], s.Addr[3])
}

func (s sockaddrIn) VirtualIP() vaddr.VirtualIP {
	return vaddr.VirtualIPFromBytes(s.Addr)
}

// sockaddrInSize is sizeof(struct sockaddr_in) on Linux: 2 bytes
// sin_family, 2 bytes sin_port, 4 bytes sin_addr, 8 bytes sin_zero.
const sockaddrInSize = 16

// parseSockaddrIn decodes addr by the fixed Linux ABI layout of struct
// sockaddr_in, returning ok=false for a null, short, or non-AF_INET
// address — spec.md §4.3's "If not IPv4 -> delegate to libc" gate.
// sin_port and sin_addr sit in memory in network byte order regardless
// of host endianness, so they are read as raw bytes; sin_family is a
// host-order integer.
func parseSockaddrIn(addr unsafe.Pointer, addrlen uint32) (sockaddrIn, bool) {
	if addr == nil || addrlen < sockaddrInSize {
		return sockaddrIn{}, false
	}
	raw := (*[sockaddrInSize]byte)(addr)
	family := *(*uint16)(unsafe.Pointer(&raw[0]))
	if family != unix.AF_INET {
		return sockaddrIn{}, false
	}
	var s sockaddrIn
	s.Port = binary.BigEndian.Uint16(raw[2:4])
	copy(s.Addr[:], raw[4:8])
	return s, true
}
