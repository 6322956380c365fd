package certutil

import (
	"crypto/x509"
	"testing"
)

func TestSelfSignedProducesParsableCertificate(t *testing.T) {
	issued, err := SelfSigned("chappy-node")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	if len(issued.DER) == 0 {
		t.Fatal("expected non-empty DER")
	}
	if len(issued.TLSCertificate.Certificate) != 1 {
		t.Fatalf("expected exactly one certificate in chain, got %d", len(issued.TLSCertificate.Certificate))
	}
}

func TestSelfSignedIsNotDeterministic(t *testing.T) {
	a, err := SelfSigned("chappy-node")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	b, err := SelfSigned("chappy-node")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	if string(a.DER) == string(b.DER) {
		t.Fatal("expected two successive certificates to differ")
	}
}

func TestPinnedClientTLSConfigTrustsExactCert(t *testing.T) {
	issued, err := SelfSigned("chappy-node")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	cfg, err := PinnedClientTLSConfig("chappy-node", issued.DER, "chappy-quic")
	if err != nil {
		t.Fatalf("PinnedClientTLSConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected a non-nil cert pool")
	}
}

func TestThrowawayClientTLSConfigNeverTrustsRealCert(t *testing.T) {
	real, err := SelfSigned("chappy-node")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	realCert, err := x509.ParseCertificate(real.DER)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}

	decoyCfg, err := ThrowawayClientTLSConfig("chappy-node", "chappy-quic")
	if err != nil {
		t.Fatalf("ThrowawayClientTLSConfig: %v", err)
	}

	_, err = realCert.Verify(x509.VerifyOptions{Roots: decoyCfg.RootCAs})
	if err == nil {
		t.Fatal("expected the real server certificate to fail verification against the decoy root")
	}
}
