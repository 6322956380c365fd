// Package punch implements the hole-punch probe spec.md §4.2.4 and §9
// redesign: rather than sending a raw UDP datagram (the original
// implementation's pre-QUIC-handshake approach), it fires a real QUIC
// handshake at the peer's NAT-observed endpoint, trusting only a
// throwaway, single-use certificate authority that the peer can never
// actually present. The handshake is expected to fail on certificate
// verification — that failure is the success criterion, since by the
// time verification runs the UDP packet has already reached the peer's
// NAT and opened the mapping the subsequent real tunnel will reuse.
package punch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chappy-project/chappy/pkg/chappy/certutil"
)

// ServerName is the fictional TLS server name used for punch probes; it
// never needs to match anything real because the throwaway client never
// succeeds in verifying any certificate.
const ServerName = "chappy-punch"

// ALPN is the protocol Chappy's QUIC endpoints negotiate.
const ALPN = "chappy-quic"

var punchQUICConfig = &quic.Config{
	MaxIdleTimeout:        5 * time.Second,
	KeepAlivePeriod:       time.Second,
	MaxIncomingUniStreams: 0,
}

// Punch fires one hole-punch attempt at target from transport, the same
// shared QUIC transport the forwarder listens and dials on. It returns
// nil exactly when the handshake failed on certificate verification —
// the expected outcome. Any other result (a successful handshake, a
// network-level failure, a timeout) is reported as an error: a
// successful handshake would mean something else is listening with a
// certificate we happen to trust, which should never happen, and a
// network failure means the punch did not even reach the peer.
func Punch(ctx context.Context, transport *quic.Transport, target *net.UDPAddr) error {
	tlsConf, err := certutil.ThrowawayClientTLSConfig(ServerName, ALPN)
	if err != nil {
		return fmt.Errorf("punch: build throwaway tls config: %w", err)
	}

	conn, err := transport.Dial(ctx, target, tlsConf, punchQUICConfig)
	if err == nil {
		conn.CloseWithError(0, "unexpected successful punch handshake")
		return fmt.Errorf("punch: handshake against %s unexpectedly succeeded", target)
	}

	if isCertificateVerificationFailure(err) {
		return nil
	}
	return fmt.Errorf("punch: unexpected dial error against %s: %w", target, err)
}

func isCertificateVerificationFailure(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthorityErr x509.UnknownAuthorityError
	return errors.As(err, &unknownAuthorityErr)
}
