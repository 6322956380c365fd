// Package clustermgr implements Seed's cluster-manager: a single serial
// task that owns all per-cluster observability state and answers
// on-demand summary queries used only for post-mortem logging. It is
// never on the critical path of bind_node/bind_server/bind_client; it
// exists so an operator can tell, after the fact, which nodes joined a
// cluster and when.
//
// All state lives behind one goroutine reading a message channel —
// mirroring the original implementation's single-task-owns-the-map
// design — so there is no locking anywhere in this package.
package clustermgr

import (
	"context"
	"fmt"
	"time"
)

// NodeState tracks one virtual IP's lifecycle within a cluster.
type NodeState struct {
	VirtualIP string
	StartTime time.Time
	EndTime   time.Time // zero until the node departs
}

// Bound reports whether the node has both arrived and departed.
func (n NodeState) Bound() bool { return !n.EndTime.IsZero() }

// ClusterState is the observability record for one cluster_id.
type ClusterState struct {
	ExpectedSize uint32
	Nodes        map[string]*NodeState // virtual_ip -> state
	Finished     bool
}

// Summary is a point-in-time snapshot returned by GetSummary.
type Summary struct {
	ClusterID    string
	ExpectedSize uint32
	Nodes        []NodeState
	Finished     bool
}

type opKind int

const (
	opBindNodeStart opKind = iota
	opBindNodeEnd
	opBindServerStart
	opBindClientStart
	opBindClientEnd
	opGetSummary
)

type message struct {
	kind         opKind
	clusterID    string
	virtualIP    string
	expectedSize uint32
	reply        chan Summary
}

// Manager runs the single serial cluster-state task.
type Manager struct {
	ops chan message
}

// New starts the cluster-manager goroutine. Callers should call Run in a
// goroutine of their own (so it can be supervised by a dgroup the way
// every other Chappy subsystem is) and use the returned Manager to send
// it messages.
func New() *Manager {
	return &Manager{ops: make(chan message, 64)}
}

// Run processes messages until ctx is done. It is the cluster-manager's
// entire body: no other goroutine ever touches its state.
func (m *Manager) Run(ctx context.Context) error {
	clusters := make(map[string]*ClusterState)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.ops:
			m.handle(clusters, msg)
		}
	}
}

func (m *Manager) handle(clusters map[string]*ClusterState, msg message) {
	switch msg.kind {
	case opBindNodeStart:
		cs := clusters[msg.clusterID]
		if cs == nil {
			cs = &ClusterState{ExpectedSize: msg.expectedSize, Nodes: make(map[string]*NodeState)}
			clusters[msg.clusterID] = cs
		}
		cs.Nodes[msg.virtualIP] = &NodeState{VirtualIP: msg.virtualIP, StartTime: now()}

	case opBindNodeEnd:
		cs := clusters[msg.clusterID]
		if cs == nil {
			return
		}
		if n, ok := cs.Nodes[msg.virtualIP]; ok {
			n.EndTime = now()
		}
		if clusterFinished(cs) {
			cs.Finished = true
		}

	case opBindServerStart, opBindClientStart, opBindClientEnd:
		// Recorded for summary purposes only; no state transition of
		// their own beyond ensuring the cluster entry exists.
		if clusters[msg.clusterID] == nil {
			clusters[msg.clusterID] = &ClusterState{Nodes: make(map[string]*NodeState)}
		}

	case opGetSummary:
		cs := clusters[msg.clusterID]
		summary := Summary{ClusterID: msg.clusterID}
		if cs != nil {
			summary.ExpectedSize = cs.ExpectedSize
			summary.Finished = cs.Finished
			for _, n := range cs.Nodes {
				summary.Nodes = append(summary.Nodes, *n)
			}
		}
		msg.reply <- summary
	}
}

func clusterFinished(cs *ClusterState) bool {
	if cs.ExpectedSize == 0 || uint32(len(cs.Nodes)) < cs.ExpectedSize {
		return false
	}
	for _, n := range cs.Nodes {
		if !n.Bound() {
			return false
		}
	}
	return true
}

// BindNodeStart records a node joining a cluster.
func (m *Manager) BindNodeStart(clusterID, virtualIP string, expectedSize uint32) {
	m.ops <- message{kind: opBindNodeStart, clusterID: clusterID, virtualIP: virtualIP, expectedSize: expectedSize}
}

// BindNodeEnd records a node's bind_node stream closing.
func (m *Manager) BindNodeEnd(clusterID, virtualIP string) {
	m.ops <- message{kind: opBindNodeEnd, clusterID: clusterID, virtualIP: virtualIP}
}

// BindServerStart records a server binding a virtual address.
func (m *Manager) BindServerStart(clusterID, virtualIP string) {
	m.ops <- message{kind: opBindServerStart, clusterID: clusterID, virtualIP: virtualIP}
}

// BindClientStart records a client beginning resolution.
func (m *Manager) BindClientStart(clusterID, virtualIP string) {
	m.ops <- message{kind: opBindClientStart, clusterID: clusterID, virtualIP: virtualIP}
}

// BindClientEnd records a client's resolution completing.
func (m *Manager) BindClientEnd(clusterID, virtualIP string) {
	m.ops <- message{kind: opBindClientEnd, clusterID: clusterID, virtualIP: virtualIP}
}

// GetSummary blocks until the cluster-manager task answers with a
// snapshot of clusterID's state.
func (m *Manager) GetSummary(ctx context.Context, clusterID string) (Summary, error) {
	reply := make(chan Summary, 1)
	select {
	case m.ops <- message{kind: opGetSummary, clusterID: clusterID, reply: reply}:
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// String renders a human-readable one-line summary, for post-mortem logs.
func (s Summary) String() string {
	return fmt.Sprintf("cluster=%s expected=%d bound=%d finished=%v",
		s.ClusterID, s.ExpectedSize, countBound(s.Nodes), s.Finished)
}

func countBound(nodes []NodeState) int {
	n := 0
	for _, s := range nodes {
		if s.Bound() {
			n++
		}
	}
	return n
}

var now = time.Now
