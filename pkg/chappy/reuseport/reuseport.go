// Package reuseport configures SO_REUSEADDR/SO_REUSEPORT on sockets Chappy
// needs to rebind: the Perforator's single shared UDP endpoint (QUIC
// server, QUIC client and, historically, raw punch datagrams all share
// one socket) and the outbound connection to Seed, which must originate
// from the same local port the QUIC endpoint listens on so Seed observes
// the NAT mapping the punch will reuse.
//
// The pattern is the same net.ListenConfig.Control / syscall.RawConn.Control
// callback cmd/edgectl/misc_unix.go uses for GetFreePort, generalized to
// both UDP and TCP and to SO_REUSEPORT.
package reuseport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func controlReuse(_ string, _ string, c syscall.RawConn) error {
	var operr error
	err := c.Control(func(fd uintptr) {
		if operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); operr != nil {
			return
		}
		operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return operr
}

// ListenPacket opens a UDP socket with SO_REUSEADDR and SO_REUSEPORT set,
// so the Perforator's forwarder can later dial out from the same local
// port it listens on.
func ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: controlReuse}
	return lc.ListenPacket(ctx, network, address)
}

// ListenTCP opens a TCP listener with SO_REUSEADDR and SO_REUSEPORT set.
func ListenTCP(ctx context.Context, network, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlReuse}
	return lc.Listen(ctx, network, address)
}

// DialTCPFromPort dials out over TCP, binding the local end to
// localPort with SO_REUSEADDR/SO_REUSEPORT set, so the outbound
// connection appears to come from the same address:port a listener is
// already bound to.
func DialTCPFromPort(ctx context.Context, localPort uint16, network, raddr string) (net.Conn, error) {
	d := net.Dialer{
		Control:   controlReuse,
		LocalAddr: &net.TCPAddr{Port: int(localPort)},
	}
	return d.DialContext(ctx, network, raddr)
}
