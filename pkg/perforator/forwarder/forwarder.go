// Package forwarder implements the Perforator's QUIC endpoint and
// bidirectional byte-stream relay (spec.md §4.2.5, §4.2.6): one UDP
// socket, shared by both QUIC server and client roles through
// quic-go's Transport, hosting every tunnel a node is party to.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/chappy-project/chappy/pkg/chappy/certutil"
	"github.com/chappy-project/chappy/pkg/chappy/netretry"
	"github.com/chappy-project/chappy/pkg/chappy/shutdown"
	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
	"github.com/chappy-project/chappy/pkg/chappy/wire"
	"github.com/chappy-project/chappy/pkg/perforator/punch"
)

// ServerName is the constant name the Perforator's own QUIC certificate
// is issued for; peers are handed the certificate DER directly (through
// Seed) rather than verifying a name against a real CA, so the name
// itself carries no trust.
const ServerName = "chappy-node"

const copyBufferSize = 4096

// QUICConfig is the transport configuration spec.md §4.2.5 fixes:
// keep-alive 1s, idle timeout 5s, no unidirectional streams.
var QUICConfig = &quic.Config{
	KeepAlivePeriod:       time.Second,
	MaxIdleTimeout:        5 * time.Second,
	MaxIncomingUniStreams: 0,
}

// TCPConnectBudget bounds how long the server side retries connecting
// to a local application port, to absorb target-startup races.
const TCPConnectBudget = 500 * time.Millisecond

// TCPConnectAttemptTimeout bounds one retry attempt within the budget.
const TCPConnectAttemptTimeout = 100 * time.Millisecond

// QUICConnectAttemptTimeout bounds one connect_with attempt.
const QUICConnectAttemptTimeout = 500 * time.Millisecond

// QUICConnectBudget bounds the outer deadline across retried attempts.
const QUICConnectBudget = 3 * time.Second

// Forwarder owns the shared UDP socket's QUIC transport and the local
// self-signed identity it presents.
type Forwarder struct {
	transport *quic.Transport
	listener  *quic.Listener
	certDER   []byte
	shutdown  *shutdown.Shutdown

	// TargetDialer connects to a local application port. It defaults to
	// net.Dialer.DialContext against 127.0.0.1 and is overridable for
	// tests.
	TargetDialer func(ctx context.Context, port uint16) (net.Conn, error)

	// IsRegisteredServer, if set, gates which target ports an inbound
	// stream may dial: only ports a LocalVirtual bind has announced
	// through the control server (spec.md §4.3). Left nil, every port
	// is reachable, which is what the standalone forwarder tests want.
	IsRegisteredServer func(port uint16) bool
}

// New builds a Forwarder bound to pconn (a UDP socket opened with
// address/port reuse by the caller) and issues its self-signed identity.
func New(pconn net.PacketConn, shut *shutdown.Shutdown) (*Forwarder, error) {
	issued, err := certutil.SelfSigned(ServerName)
	if err != nil {
		return nil, fmt.Errorf("forwarder: issue server certificate: %w", err)
	}
	tlsConf := certutil.ServerTLSConfig(issued.TLSCertificate, punch.ALPN)

	transport := &quic.Transport{Conn: pconn}
	listener, err := transport.Listen(tlsConf, QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("forwarder: listen: %w", err)
	}

	f := &Forwarder{
		transport: transport,
		listener:  listener,
		certDER:   issued.DER,
		shutdown:  shut,
	}
	f.TargetDialer = f.dialLocalTarget
	return f, nil
}

// CertificateDER is the Perforator's own server certificate, advertised
// to peers through Seed's bind_server so they can pin it.
func (f *Forwarder) CertificateDER() []byte {
	return f.certDER
}

// Transport exposes the shared QUIC transport so the punch subsystem
// can dial from the same socket.
func (f *Forwarder) Transport() *quic.Transport {
	return f.transport
}

func (f *Forwarder) dialLocalTarget(ctx context.Context, port uint16) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp4", fmt.Sprintf("127.0.0.1:%d", port))
}

// Serve accepts inbound QUIC connections until ctx is done.
func (f *Forwarder) Serve(ctx context.Context) error {
	for {
		conn, err := f.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("forwarder: accept: %w", err)
		}
		guard, ok := f.shutdown.NewGuard()
		if !ok {
			conn.CloseWithError(0, "perforator shutting down")
			continue
		}
		go f.handleConn(guard, conn)
	}
}

func (f *Forwarder) handleConn(guard *shutdown.Guard, conn quic.Connection) {
	defer guard.Done()
	ctx := dlog.WithField(guard.Context(), "CONN_ID", uuid.NewString())

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		dlog.Debugf(ctx, "forwarder: no bidi stream on connection from %s: %v", conn.RemoteAddr(), err)
		return
	}

	f.serveStream(ctx, stream)

	// spec.md §4.2.5 step 6: any second stream on the connection is a
	// protocol violation.
	if _, err := conn.AcceptStream(ctx); err == nil {
		panic("forwarder: protocol violation: second stream accepted on one QUIC connection")
	}
}

func (f *Forwarder) serveStream(ctx context.Context, stream quic.Stream) {
	query, err := wire.ReadInitQuery(stream)
	if err != nil {
		dlog.Errorf(ctx, "forwarder: read InitQuery: %v", err)
		stream.CancelRead(1)
		stream.CancelWrite(1)
		return
	}

	if f.IsRegisteredServer != nil && !f.IsRegisteredServer(query.TargetPort) {
		dlog.Warnf(ctx, "forwarder: rejecting stream for unregistered target port %d", query.TargetPort)
		resp := wire.InitResponse{Code: wire.InitFail}
		if err := resp.Write(stream); err != nil {
			dlog.Errorf(ctx, "forwarder: write InitResponse: %v", err)
		}
		stream.Close()
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, TCPConnectBudget)
	target, connErr := netretry.Do(connectCtx, TCPConnectBudget, TCPConnectAttemptTimeout, 20*time.Millisecond,
		func(ctx context.Context) (net.Conn, error) {
			return f.TargetDialer(ctx, query.TargetPort)
		})
	cancel()

	resp := wire.InitResponse{Code: wire.InitOK}
	if connErr != nil {
		resp.Code = wire.InitFail
	}
	if err := resp.Write(stream); err != nil {
		dlog.Errorf(ctx, "forwarder: write InitResponse: %v", err)
		if target != nil {
			target.Close()
		}
		return
	}

	if connErr != nil || query.ConnectOnly {
		stream.Close()
		if target != nil {
			target.Close()
		}
		return
	}

	copyBoth(ctx, stream, target)
	stream.Close()
	target.Close()
}

// Forward is the client side of the QUIC endpoint (spec.md §4.2.5): it
// dials the peer, announces the real target port, and relays tcpConn's
// bytes over the resulting stream. On any failure it resets tcpConn
// (SO_LINGER 0) so the application observes a connection reset rather
// than a clean close.
func (f *Forwarder) Forward(ctx context.Context, tcpConn net.Conn, target vaddr.NatedAddr, targetPort uint16, serverCertDER []byte) error {
	ctx = dlog.WithField(ctx, "CONN_ID", uuid.NewString())
	quicConn, stream, err := f.openVerifiedStream(ctx, target, serverCertDER, wire.InitQuery{TargetPort: targetPort, ConnectOnly: false})
	if err != nil {
		resetClose(tcpConn)
		return err
	}
	copyBoth(ctx, stream, tcpConn)
	stream.Close()
	tcpConn.Close()
	// The initiator owns the connection and closes it once both copy
	// directions have finished.
	quicConn.CloseWithError(0, "")
	return nil
}

// Probe implements try_target (spec.md §4.2.3): a connect-only round
// trip used to surface ECONNREFUSED synchronously during client
// registration, without consuming any application bytes.
func (f *Forwarder) Probe(ctx context.Context, target vaddr.NatedAddr, targetPort uint16, serverCertDER []byte) error {
	quicConn, stream, err := f.openVerifiedStream(ctx, target, serverCertDER, wire.InitQuery{TargetPort: targetPort, ConnectOnly: true})
	if err != nil {
		return err
	}
	stream.Close()
	quicConn.CloseWithError(0, "")
	return nil
}

// openVerifiedStream dials the peer and completes the InitQuery/
// InitResponse exchange. On success the caller owns both the returned
// connection and its stream, and must close the connection once it is
// done with the stream.
func (f *Forwarder) openVerifiedStream(ctx context.Context, target vaddr.NatedAddr, serverCertDER []byte, query wire.InitQuery) (quic.Connection, quic.Stream, error) {
	tlsConf, err := certutil.PinnedClientTLSConfig(ServerName, serverCertDER, punch.ALPN)
	if err != nil {
		return nil, nil, fmt.Errorf("forward: build pinned tls config: %w", err)
	}

	quicConn, err := netretry.Do(ctx, QUICConnectBudget, QUICConnectAttemptTimeout, 50*time.Millisecond,
		func(ctx context.Context) (quic.Connection, error) {
			return f.transport.Dial(ctx, target.UDPAddr(), tlsConf, QUICConfig)
		})
	if err != nil {
		return nil, nil, fmt.Errorf("forward: connect to %s: %w", target, err)
	}

	stream, err := quicConn.OpenStreamSync(ctx)
	if err != nil {
		quicConn.CloseWithError(0, "open stream failed")
		return nil, nil, fmt.Errorf("forward: open stream: %w", err)
	}

	if err := query.Write(stream); err != nil {
		quicConn.CloseWithError(0, "init exchange failed")
		return nil, nil, fmt.Errorf("forward: write InitQuery: %w", err)
	}

	resp, err := wire.ReadInitResponse(stream)
	if err != nil {
		quicConn.CloseWithError(0, "init exchange failed")
		return nil, nil, fmt.Errorf("forward: read InitResponse: %w", err)
	}
	if resp.Code != wire.InitOK {
		quicConn.CloseWithError(0, "target connect failed")
		return nil, nil, fmt.Errorf("forward: peer reported target connect failure (code=%d)", resp.Code)
	}

	return quicConn, stream, nil
}

func resetClose(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	conn.Close()
}

// copyBoth relays bytes in both directions concurrently, per spec.md
// §4.2.6: every write is flushed before the next read (both net.Conn and
// quic.Stream send data as soon as Write returns, so there is no
// separate buffering layer to flush explicitly, unlike the async
// runtime the original implementation targeted). A half-close
// propagates on clean EOF; any other error aborts that direction only.
func copyBoth(ctx context.Context, a io.ReadWriteCloser, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() { copyDirection(ctx, "a->b", a, b); done <- struct{}{} }()
	go func() { copyDirection(ctx, "b->a", b, a); done <- struct{}{} }()
	<-done
	<-done
}

func copyDirection(ctx context.Context, label string, src io.Reader, dst io.Writer) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if isQuietDisconnect(werr) {
					dlog.Warnf(ctx, "forwarder: %s quiet disconnect on write: %v", label, werr)
					return
				}
				dlog.Errorf(ctx, "forwarder: %s write error: %v", label, werr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				halfClose(dst)
				return
			}
			if isQuietDisconnect(err) {
				dlog.Warnf(ctx, "forwarder: %s quiet disconnect on read: %v", label, err)
				return
			}
			dlog.Errorf(ctx, "forwarder: %s read error: %v", label, err)
			return
		}
	}
}

// halfClose finishes the write side of dst without tearing down its
// read side: CloseWrite on a TCP connection, Close on a quic.Stream
// (which only ever closes the send direction). Anything else falls back
// to a full Close, the best a plain io.Closer offers.
func halfClose(dst io.Writer) {
	switch c := dst.(type) {
	case interface{ CloseWrite() error }:
		_ = c.CloseWrite()
	case io.Closer:
		_ = c.Close()
	}
}

func isQuietDisconnect(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return true
	}
	var streamErr *quic.StreamError
	return errors.As(err, &streamErr)
}
