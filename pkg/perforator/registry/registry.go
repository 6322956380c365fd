// Package registry implements the Perforator-side port map and address
// map (spec.md §3, §4.2.3): source_port -> target virtual address,
// populated at client registration, and target virtual address ->
// resolved target (NAT endpoint, certificate), populated once Seed
// answers bind_client. Both are awaitable so the control server and
// forwarder can block on an entry that has not landed yet instead of
// polling, and neither is ever pruned: entries are bounded by process
// lifetime, not connection lifetime, matching spec.md §3's "entries are
// not removed."
package registry

import (
	"context"
	"sync"

	"github.com/chappy-project/chappy/pkg/chappy/awaitmap"
	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
)

// PortMapping is what a client registration records against the
// interceptor-chosen source port.
type PortMapping struct {
	TargetVirtualIP string
	TargetPort      uint16
}

// ResolvedTarget is what a Seed bind_client call records against a
// target virtual IP: where to reach it and the certificate to trust
// when doing so.
type ResolvedTarget struct {
	NatEndpoint   vaddr.NatedAddr
	ServerCertDER []byte
}

// Registry owns both maps for one Perforator process.
type Registry struct {
	ports     *awaitmap.Map[uint16, PortMapping]
	addresses *awaitmap.Map[string, ResolvedTarget]

	serverPortsMu sync.Mutex
	serverPorts   map[uint16]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		ports:       awaitmap.New[uint16, PortMapping](),
		addresses:   awaitmap.New[string, ResolvedTarget](),
		serverPorts: make(map[uint16]struct{}),
	}
}

// RegisterServerPort records that a local process has bound a virtual
// server to registeredPort (spec.md §4.3's LocalVirtual bind path).
// Unlike the port/address maps this is a plain set: nothing downstream
// blocks waiting for a server port to appear, since the forwarder dials
// the target port directly on every inbound stream.
func (r *Registry) RegisterServerPort(registeredPort uint16) {
	r.serverPortsMu.Lock()
	defer r.serverPortsMu.Unlock()
	r.serverPorts[registeredPort] = struct{}{}
}

// HasServerPort reports whether registeredPort has been announced by a
// LocalVirtual bind.
func (r *Registry) HasServerPort(registeredPort uint16) bool {
	r.serverPortsMu.Lock()
	defer r.serverPortsMu.Unlock()
	_, ok := r.serverPorts[registeredPort]
	return ok
}

// RegisterPort records source_port -> (target_virtual_ip, target_port).
func (r *Registry) RegisterPort(sourcePort uint16, m PortMapping) {
	r.ports.Insert(sourcePort, m)
}

// LookupPort blocks until sourcePort has been registered or ctx is done.
// Under spec.md §5's ordering guarantee this should never actually
// block in practice: the interceptor's connect does not return to the
// application until registration has completed.
func (r *Registry) LookupPort(ctx context.Context, sourcePort uint16) (PortMapping, error) {
	return r.ports.Get(ctx, sourcePort, nil)
}

// PeekAddress returns the currently resolved target for
// targetVirtualIP, if any, without blocking. Client registration uses
// this to make repeat registrations for the same target idempotent:
// once resolved, later registrations skip the bind_client round trip.
func (r *Registry) PeekAddress(targetVirtualIP string) (ResolvedTarget, bool) {
	return r.addresses.Peek(targetVirtualIP)
}

// RegisterAddress records the resolved target for targetVirtualIP.
func (r *Registry) RegisterAddress(targetVirtualIP string, t ResolvedTarget) {
	r.addresses.Insert(targetVirtualIP, t)
}

// LookupAddress blocks until targetVirtualIP has been resolved or ctx is
// done.
func (r *Registry) LookupAddress(ctx context.Context, targetVirtualIP string) (ResolvedTarget, error) {
	return r.addresses.Get(ctx, targetVirtualIP, nil)
}
