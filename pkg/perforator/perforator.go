// Package perforator ties together the five reusable Perforator concerns
// (binding client, registry, forwarder, punch, control server) into the
// node's full life cycle (spec.md §4.2): a long-lived bind_node stream,
// a long-lived bind_server stream draining punch requests with
// unbounded concurrency, and a local control listener driving client
// registration.
package perforator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/chappy-project/chappy/pkg/chappy/netretry"
	"github.com/chappy-project/chappy/pkg/chappy/reuseport"
	"github.com/chappy-project/chappy/pkg/chappy/shutdown"
	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
	"github.com/chappy-project/chappy/pkg/perforator/bindingclient"
	"github.com/chappy-project/chappy/pkg/perforator/forwarder"
	"github.com/chappy-project/chappy/pkg/perforator/punch"
	"github.com/chappy-project/chappy/pkg/perforator/registry"
	"github.com/chappy-project/chappy/pkg/seed/seedrpc"
)

// Config names the node's place in the cluster.
type Config struct {
	ClusterID   string
	SelfVirtual vaddr.VirtualIP
	ClusterSize uint32
	SeedAddr    string
	QUICPort    uint16
	ControlPort uint16
}

// Coordinator is the Perforator's process-wide state.
type Coordinator struct {
	cfg      Config
	seed     *bindingclient.Client
	registry *registry.Registry
	forward  *forwarder.Forwarder
	shutdown *shutdown.Shutdown
}

// New binds the shared QUIC/UDP socket on cfg.QUICPort and builds a
// Coordinator ready to Run.
func New(cfg Config, shut *shutdown.Shutdown) (*Coordinator, error) {
	pconn, err := reuseport.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", cfg.QUICPort))
	if err != nil {
		return nil, fmt.Errorf("perforator: bind quic socket: %w", err)
	}

	fwd, err := forwarder.New(pconn, shut)
	if err != nil {
		return nil, fmt.Errorf("perforator: build forwarder: %w", err)
	}

	reg := registry.New()
	fwd.IsRegisteredServer = reg.HasServerPort

	return &Coordinator{
		cfg:      cfg,
		seed:     bindingclient.New(cfg.SeedAddr, cfg.QUICPort),
		registry: reg,
		forward:  fwd,
		shutdown: shut,
	}, nil
}

// Forwarder exposes the Coordinator's forwarder, for wiring into a
// controlserver.Server.
func (c *Coordinator) Forwarder() *forwarder.Forwarder { return c.forward }

// Registry exposes the Coordinator's registry, for wiring into a
// controlserver.Server.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// ServeForwarder runs the QUIC accept loop until ctx is done.
func (c *Coordinator) ServeForwarder(ctx context.Context) error {
	return c.forward.Serve(ctx)
}

// nodeEndTimeout bounds how long RunBindNode waits, after signalling
// node-end, for Seed's NodeBindingResponse before giving up on it.
const nodeEndTimeout = 2 * time.Second

// seedClient obtains the cached Seed client, retrying the underlying
// gRPC connection establishment — one of the three call sites spec §5
// allows to retry. bindingclient.Client.Get makes exactly one dial
// attempt per call.
func (c *Coordinator) seedClient(ctx context.Context) (seedrpc.SeedClient, error) {
	return netretry.Do(ctx, 3*bindingclient.ConnectTimeout, bindingclient.ConnectTimeout, 100*time.Millisecond,
		func(ctx context.Context) (seedrpc.SeedClient, error) {
			return c.seed.Get(ctx)
		})
}

// RunBindNode holds the long-lived bind_node stream open for the
// process lifetime (spec.md §4.1: the stream's close is what signals
// node-end to Seed). On ctx cancellation it half-closes the stream and
// collects Seed's response, bounded by nodeEndTimeout.
func (c *Coordinator) RunBindNode(ctx context.Context) error {
	client, err := c.seedClient(ctx)
	if err != nil {
		return fmt.Errorf("perforator: dial seed for bind_node: %w", err)
	}

	// The RPC must survive ctx's cancellation long enough to half-close
	// cleanly; an aborted stream would be recorded by Seed as an
	// abnormal end rather than a node-end.
	rpcCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stream, err := client.BindNode(rpcCtx)
	if err != nil {
		return fmt.Errorf("perforator: open bind_node stream: %w", err)
	}

	if err := stream.Send(&seedrpc.NodeBindingRequest{
		ClusterID:   c.cfg.ClusterID,
		VirtualIP:   c.cfg.SelfVirtual.String(),
		ClusterSize: c.cfg.ClusterSize,
	}); err != nil {
		return fmt.Errorf("perforator: send node binding request: %w", err)
	}

	<-ctx.Done()

	done := make(chan error, 1)
	go func() {
		_, err := stream.CloseAndRecv()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			dlog.Warnf(ctx, "perforator: bind_node stream ended abnormally: %v", err)
		}
	case <-time.After(nodeEndTimeout):
		dlog.Warnf(ctx, "perforator: seed did not acknowledge node-end within %s", nodeEndTimeout)
	}
	return nil
}

// RunBindServer opens the long-lived bind_server stream for this node's
// own virtual IP and drains ServerPunchRequests with unbounded
// concurrency until the stream ends or ctx is cancelled (spec.md §4.2.4).
// Each punch request spawns a punch task under its own shutdown guard,
// so a graceful shutdown stops accepting new punches without aborting
// ones already in flight.
func (c *Coordinator) RunBindServer(ctx context.Context) error {
	client, err := c.seedClient(ctx)
	if err != nil {
		return fmt.Errorf("perforator: dial seed for bind_server: %w", err)
	}

	stream, err := client.BindServer(ctx, &seedrpc.ServerBindingRequest{
		ClusterID:            c.cfg.ClusterID,
		VirtualIP:            c.cfg.SelfVirtual.String(),
		ServerCertificateDER: c.forward.CertificateDER(),
	})
	if err != nil {
		return fmt.Errorf("perforator: open bind_server stream: %w", err)
	}

	for {
		req, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("perforator: bind_server stream ended: %w", err)
		}

		guard, ok := c.shutdown.NewGuard()
		if !ok {
			continue
		}
		go c.handlePunchRequest(guard, req)
	}
}

func (c *Coordinator) handlePunchRequest(guard *shutdown.Guard, req *seedrpc.ServerPunchRequest) {
	defer guard.Done()
	ctx := guard.Context()

	target := &net.UDPAddr{IP: net.ParseIP(req.ClientNatedAddr.IP), Port: int(req.ClientNatedAddr.Port)}
	if target.IP == nil {
		dlog.Errorf(ctx, "perforator: punch request has unparseable nat address %q", req.ClientNatedAddr.IP)
		return
	}

	if err := punch.Punch(ctx, c.forward.Transport(), target); err != nil {
		dlog.Errorf(ctx, "perforator: punch to %s (virtual %s) failed: %v", target, req.ClientVirtualIP, err)
		return
	}
	dlog.Debugf(ctx, "perforator: punch to %s (virtual %s) opened NAT mapping", target, req.ClientVirtualIP)
}

// RegisterClient implements controlserver.Resolver: the full client
// registration sequence of spec.md §4.2.3 — record the port mapping,
// resolve the target address through Seed (idempotently, via the
// registry), and probe the resolved target before acknowledging.
func (c *Coordinator) RegisterClient(ctx context.Context, sourcePort uint16, targetVirtualIP vaddr.VirtualIP, targetPort uint16) error {
	key := targetVirtualIP.String()

	c.registry.RegisterPort(sourcePort, registry.PortMapping{
		TargetVirtualIP: key,
		TargetPort:      targetPort,
	})

	resolved, ok := c.registry.PeekAddress(key)
	if !ok {
		var err error
		resolved, err = c.resolveTarget(ctx, targetVirtualIP)
		if err != nil {
			return fmt.Errorf("perforator: resolve %s: %w", key, err)
		}
		c.registry.RegisterAddress(key, resolved)
	}

	if err := c.forward.Probe(ctx, resolved.NatEndpoint, targetPort, resolved.ServerCertDER); err != nil {
		return fmt.Errorf("perforator: probe %s:%d: %w", key, targetPort, err)
	}
	return nil
}

// RegisterServer implements controlserver.Resolver: the LocalVirtual
// bind path of spec.md §4.3. Unlike client registration this never
// touches Seed — the node's bind_server stream (RunBindServer) already
// announces this node to the cluster once at startup; registering a
// port here only tells the forwarder which local ports a peer may
// legitimately dial.
func (c *Coordinator) RegisterServer(ctx context.Context, registeredPort uint16) error {
	c.registry.RegisterServerPort(registeredPort)
	return nil
}

func (c *Coordinator) resolveTarget(ctx context.Context, targetVirtualIP vaddr.VirtualIP) (registry.ResolvedTarget, error) {
	client, err := c.seedClient(ctx)
	if err != nil {
		return registry.ResolvedTarget{}, err
	}

	// bind_client is not retried: every successful call pushes a punch
	// request into the target's sink, so a retry after a lost response
	// would punch twice.
	resp, err := client.BindClient(ctx, &seedrpc.ClientBindingRequest{
		ClusterID:       c.cfg.ClusterID,
		SourceVirtualIP: c.cfg.SelfVirtual.String(),
		TargetVirtualIP: targetVirtualIP.String(),
	})
	if err != nil {
		return registry.ResolvedTarget{}, err
	}

	if resp.FailedPunchRequest {
		dlog.Warnf(ctx, "perforator: bind_client for %s reported a failed punch push; proceeding, try_target will surface any real failure", targetVirtualIP)
	}

	natIP := net.ParseIP(resp.TargetNatedAddr.IP)
	if natIP == nil {
		return registry.ResolvedTarget{}, fmt.Errorf("perforator: seed returned unparseable nat address %q", resp.TargetNatedAddr.IP)
	}

	return registry.ResolvedTarget{
		NatEndpoint: vaddr.NatedAddr{
			IP:   natIP,
			Port: resp.TargetNatedAddr.Port,
		},
		ServerCertDER: resp.ServerCertificate,
	}, nil
}

// Close releases the binding client's cached Seed connection.
func (c *Coordinator) Close() error {
	return c.seed.Close()
}
