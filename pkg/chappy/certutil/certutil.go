// Package certutil issues the ephemeral, self-signed TLS certificates
// Chappy's QUIC endpoints use. Spec.md explicitly calls certificate
// issuance "ephemeral" and out of scope for real PKI, and no
// certificate-issuance library appears anywhere in the retrieval pack —
// every QUIC example generates its own throwaway cert with the standard
// library, so this is the one ambient concern built directly on
// crypto/tls, crypto/x509 and crypto/ecdsa rather than a third-party
// dependency.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// Issued bundles the generated key pair with its DER encoding, so callers
// can both present it via tls.Config and advertise the DER bytes to Seed
// (spec.md §4.1's ServerBindingRequest.server_certificate_der).
type Issued struct {
	TLSCertificate tls.Certificate
	DER            []byte
}

// SelfSigned generates a fresh ECDSA P-256 key and a self-signed,
// short-lived certificate for commonName. Each call produces a distinct
// certificate — this is deliberate: the hole-punch probe (spec.md §4.2.4,
// §9) trusts a certificate its peer cannot possibly present, so the QUIC
// handshake is guaranteed to fail with an unknown-CA alert once the
// packet has done its job of opening the NAT mapping.
func SelfSigned(commonName string) (Issued, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Issued{}, fmt.Errorf("certutil: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Issued{}, fmt.Errorf("certutil: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return Issued{}, fmt.Errorf("certutil: create certificate: %w", err)
	}

	return Issued{
		TLSCertificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		},
		DER: der,
	}, nil
}

// ServerTLSConfig builds a QUIC-ready server tls.Config presenting cert.
func ServerTLSConfig(cert tls.Certificate, nextProtos ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
	}
}

// PinnedClientTLSConfig builds a client tls.Config that trusts exactly
// one DER-encoded certificate — the server certificate a Seed bind_client
// response carried. Used for the real tunnel connection, where the
// client knows in advance which certificate the server will present.
func PinnedClientTLSConfig(serverName string, trustedDER []byte, nextProtos ...string) (*tls.Config, error) {
	cert, err := x509.ParseCertificate(trustedDER)
	if err != nil {
		return nil, fmt.Errorf("certutil: parse trusted certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		NextProtos: nextProtos,
	}, nil
}

// ThrowawayClientTLSConfig builds a client tls.Config that will never
// validate any real peer: it trusts a certificate generated on the spot,
// which no server will ever present. The punch probe (spec.md §4.2.4)
// dials with this config expecting (and requiring) the handshake to
// fail with an unknown-CA alert once the UDP packet has opened the NAT
// mapping.
func ThrowawayClientTLSConfig(serverName string, nextProtos ...string) (*tls.Config, error) {
	decoy, err := SelfSigned("chappy-punch-decoy")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(decoy.DER)
	if err != nil {
		return nil, fmt.Errorf("certutil: parse decoy certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		NextProtos: nextProtos,
	}, nil
}
