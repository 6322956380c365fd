// Package controlserver implements the Perforator's local TCP control
// ingress on 127.0.0.1:5000 (spec.md §4.2.7): the interceptor's only way
// in. A connection either announces a client registration, or is an
// already-framed application byte stream that arrived because the
// interceptor rewrote a connect() to loopback.
package controlserver

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/datawire/dlib/dlog"

	"github.com/chappy-project/chappy/pkg/chappy/shutdown"
	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
	"github.com/chappy-project/chappy/pkg/chappy/wire"
	"github.com/chappy-project/chappy/pkg/perforator/forwarder"
	"github.com/chappy-project/chappy/pkg/perforator/registry"
)

// Resolver is the subset of the binding-client/registry collaboration a
// control server needs to turn a registration into a resolved target.
// It is satisfied by *Coordinator (see pkg/perforator).
type Resolver interface {
	RegisterClient(ctx context.Context, sourcePort uint16, targetVirtualIP vaddr.VirtualIP, targetPort uint16) error
	RegisterServer(ctx context.Context, registeredPort uint16) error
}

// Server listens for loopback interceptor connections.
type Server struct {
	addr      string
	resolver  Resolver
	registry  *registry.Registry
	forwarder *forwarder.Forwarder
	shutdown  *shutdown.Shutdown
}

// New returns a Server that will listen on addr (typically
// "127.0.0.1:5000"), dispatching registrations to resolver and
// application streams to reg/fwd.
func New(addr string, resolver Resolver, reg *registry.Registry, fwd *forwarder.Forwarder, shut *shutdown.Shutdown) *Server {
	return &Server{addr: addr, resolver: resolver, registry: reg, forwarder: fwd, shutdown: shut}
}

// Serve accepts connections until ctx is done or lis is closed.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("controlserver: accept: %w", err)
		}
		guard, ok := s.shutdown.NewGuard()
		if !ok {
			conn.Close()
			continue
		}
		go s.handleConn(guard, conn)
	}
}

// peekedConn lets the dispatcher look at the first MagicLen bytes of a
// connection without consuming them from the stream a forwarded
// application connection needs to see starting at byte zero.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// CloseWrite propagates a half-close to the underlying TCP connection,
// so the forwarder's copy loop can finish the application's write side
// without tearing down the read side still draining reply bytes.
func (p *peekedConn) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return p.Conn.Close()
}

func (s *Server) handleConn(guard *shutdown.Guard, conn net.Conn) {
	defer guard.Done()
	ctx := guard.Context()

	br := bufio.NewReaderSize(conn, wire.MagicLen*2)
	magicBytes, err := br.Peek(wire.MagicLen)
	pc := &peekedConn{Conn: conn, r: br}
	if err != nil {
		dlog.Errorf(ctx, "controlserver: peek magic: %v", err)
		conn.Close()
		return
	}

	var magic [wire.MagicLen]byte
	copy(magic[:], magicBytes)

	if magic == wire.ClientMagic {
		// Discard the magic now; the registration body follows it.
		if _, err := br.Discard(wire.MagicLen); err != nil {
			dlog.Errorf(ctx, "controlserver: discard magic: %v", err)
			conn.Close()
			return
		}
		s.handleClientRegistration(ctx, conn, br)
		return
	}

	if magic == wire.ServerMagic {
		if _, err := br.Discard(wire.MagicLen); err != nil {
			dlog.Errorf(ctx, "controlserver: discard magic: %v", err)
			conn.Close()
			return
		}
		s.handleServerRegistration(ctx, conn, br)
		return
	}

	s.handleApplicationStream(ctx, pc)
}

func (s *Server) handleClientRegistration(ctx context.Context, conn net.Conn, r *bufio.Reader) {
	defer conn.Close()

	reg, err := wire.ReadClientRegistrationBody(r)
	if err != nil {
		dlog.Errorf(ctx, "controlserver: read registration body: %v", err)
		return
	}

	targetVirtualIP := vaddr.VirtualIPFromBytes(bytesFromUint32(reg.TargetVirtualIP))

	err = s.resolver.RegisterClient(ctx, reg.SourcePort, targetVirtualIP, reg.TargetPort)
	status := wire.StatusOK
	if err != nil {
		dlog.Warnf(ctx, "controlserver: registration for source_port=%d target=%s:%d failed: %v",
			reg.SourcePort, targetVirtualIP, reg.TargetPort, err)
		status = wire.StatusFail
	}

	if err := wire.WriteStatus(conn, status); err != nil {
		dlog.Errorf(ctx, "controlserver: write registration status: %v", err)
	}
}

func (s *Server) handleServerRegistration(ctx context.Context, conn net.Conn, r *bufio.Reader) {
	defer conn.Close()

	reg, err := wire.ReadServerRegistrationBody(r)
	if err != nil {
		dlog.Errorf(ctx, "controlserver: read server registration body: %v", err)
		return
	}

	status := wire.StatusOK
	if err := s.resolver.RegisterServer(ctx, reg.RegisteredPort); err != nil {
		dlog.Warnf(ctx, "controlserver: server registration for port=%d failed: %v", reg.RegisteredPort, err)
		status = wire.StatusFail
	}

	if err := wire.WriteStatus(conn, status); err != nil {
		dlog.Errorf(ctx, "controlserver: write registration status: %v", err)
	}
}

func (s *Server) handleApplicationStream(ctx context.Context, conn net.Conn) {
	remoteAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		dlog.Errorf(ctx, "controlserver: application stream has non-TCP remote addr %v", conn.RemoteAddr())
		conn.Close()
		return
	}
	sourcePort := uint16(remoteAddr.Port)

	mapping, err := s.registry.LookupPort(ctx, sourcePort)
	if err != nil {
		dlog.Errorf(ctx, "controlserver: no port mapping for source_port=%d: %v", sourcePort, err)
		conn.Close()
		return
	}

	targetVirtualIP, err := vaddr.ParseVirtualIP(mapping.TargetVirtualIP)
	if err != nil {
		dlog.Errorf(ctx, "controlserver: invalid target virtual ip %q: %v", mapping.TargetVirtualIP, err)
		conn.Close()
		return
	}

	resolved, err := s.registry.LookupAddress(ctx, targetVirtualIP.String())
	if err != nil {
		dlog.Errorf(ctx, "controlserver: no resolved target for %s: %v", targetVirtualIP, err)
		conn.Close()
		return
	}

	if err := s.forwarder.Forward(ctx, conn, resolved.NatEndpoint, mapping.TargetPort, resolved.ServerCertDER); err != nil {
		dlog.Errorf(ctx, "controlserver: forward source_port=%d: %v", sourcePort, err)
	}
}

func bytesFromUint32(v uint32) [4]byte {
	var b [4]byte
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
	return b
}
