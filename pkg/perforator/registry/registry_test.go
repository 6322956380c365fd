package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
)

func TestPeekAddressBeforeRegisterIsAbsent(t *testing.T) {
	r := New()
	if _, ok := r.PeekAddress("10.0.0.1"); ok {
		t.Fatal("expected no resolved target before registration")
	}
}

func TestRegisterThenLookupPort(t *testing.T) {
	r := New()
	r.RegisterPort(55000, PortMapping{TargetVirtualIP: "10.0.0.1", TargetPort: 80})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := r.LookupPort(ctx, 55000)
	if err != nil {
		t.Fatalf("LookupPort: %v", err)
	}
	if m.TargetVirtualIP != "10.0.0.1" || m.TargetPort != 80 {
		t.Fatalf("LookupPort = %+v, want {10.0.0.1 80}", m)
	}
}

func TestHasServerPortBeforeAndAfterRegister(t *testing.T) {
	r := New()
	if r.HasServerPort(9000) {
		t.Fatal("expected port 9000 unregistered")
	}
	r.RegisterServerPort(9000)
	if !r.HasServerPort(9000) {
		t.Fatal("expected port 9000 registered")
	}
	if r.HasServerPort(9001) {
		t.Fatal("expected port 9001 still unregistered")
	}
}

func TestLookupAddressBlocksUntilResolved(t *testing.T) {
	r := New()
	done := make(chan ResolvedTarget, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rt, err := r.LookupAddress(ctx, "10.0.0.1")
		if err != nil {
			return
		}
		done <- rt
	}()

	select {
	case <-done:
		t.Fatal("LookupAddress returned before registration")
	case <-time.After(20 * time.Millisecond):
	}

	want := ResolvedTarget{
		NatEndpoint:   vaddr.NatedAddr{IP: net.ParseIP("198.51.100.1").To4(), Port: 4242},
		ServerCertDER: []byte{1, 2, 3},
	}
	r.RegisterAddress("10.0.0.1", want)

	select {
	case got := <-done:
		if got.ServerCertDER[0] != 1 {
			t.Fatalf("unexpected resolved target %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("LookupAddress never woke after RegisterAddress")
	}
}
