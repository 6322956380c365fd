package clustermgr

import (
	"context"
	"testing"
	"time"
)

func runManager(t *testing.T) (*Manager, context.CancelFunc) {
	t.Helper()
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()
	return m, cancel
}

func TestBindNodeLifecycle(t *testing.T) {
	m, cancel := runManager(t)
	defer cancel()

	m.BindNodeStart("c1", "10.0.0.1", 2)
	m.BindNodeStart("c1", "10.0.0.2", 2)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	sum, err := m.GetSummary(ctx, "c1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if sum.Finished {
		t.Fatal("cluster reported finished before any node departed")
	}
	if len(sum.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(sum.Nodes))
	}

	m.BindNodeEnd("c1", "10.0.0.1")
	m.BindNodeEnd("c1", "10.0.0.2")

	sum, err = m.GetSummary(ctx, "c1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !sum.Finished {
		t.Fatal("expected cluster finished once every node departed")
	}
}

func TestGetSummaryUnknownClusterIsEmpty(t *testing.T) {
	m, cancel := runManager(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	sum, err := m.GetSummary(ctx, "never-seen")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if len(sum.Nodes) != 0 || sum.Finished {
		t.Fatalf("expected empty summary, got %+v", sum)
	}
}

func TestGetSummaryRespectsContextWhenManagerStopped(t *testing.T) {
	m, cancel := runManager(t)
	cancel()
	time.Sleep(10 * time.Millisecond)

	ctx, done := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer done()
	_, err := m.GetSummary(ctx, "c1")
	if err == nil {
		t.Fatal("expected GetSummary to time out once the manager stopped")
	}
}
