package shutdown

import (
	"testing"
	"time"
)

func TestWaitReturnsTrueWhenGuardsDrain(t *testing.T) {
	s := New()
	g, ok := s.NewGuard()
	if !ok {
		t.Fatal("NewGuard refused before shutdown began")
	}

	go func() {
		<-g.Context().Done()
		g.Done()
	}()

	s.Begin()
	if !s.Wait(time.Second) {
		t.Fatal("Wait timed out waiting for a guard that was released")
	}
}

func TestWaitReturnsFalseOnGraceTimeout(t *testing.T) {
	s := New()
	g, ok := s.NewGuard()
	if !ok {
		t.Fatal("NewGuard refused before shutdown began")
	}
	defer g.Done()

	s.Begin()
	if s.Wait(10 * time.Millisecond) {
		t.Fatal("Wait reported success although the guard was never released")
	}
}

func TestNewGuardRefusedAfterBegin(t *testing.T) {
	s := New()
	s.Begin()
	if _, ok := s.NewGuard(); ok {
		t.Fatal("NewGuard should refuse new work once shutdown has begun")
	}
}
