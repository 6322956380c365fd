// Package seed implements the Seed rendezvous server: the cluster-wide
// directory mapping (cluster_id, virtual_ip) to a NAT-observed endpoint
// and certificate, and the punch-request fan-out described in spec §4.1.
package seed

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/chappy-project/chappy/pkg/chappy/awaitmap"
	"github.com/chappy-project/chappy/pkg/seed/clustermgr"
	"github.com/chappy-project/chappy/pkg/seed/seedrpc"
)

// ResolveTimeout bounds how long bind_client waits for a never-yet-bound
// virtual address before failing with NOT_FOUND (spec §4.1/§5).
const ResolveTimeout = 10 * time.Second

// punchSinkBuffer is how many pending ServerPunchRequests a bound
// server's sink holds before bind_client starts reporting
// failed_punch_request for that server. Spec §3/§4.1 only requires that
// a full or abandoned sink be reported, not block the caller.
const punchSinkBuffer = 32

// endpoint is the directory value for one (cluster, virtual_ip): a
// server's NAT-observed address, its certificate, and the channel its
// bind_server handler drains to push ServerPunchRequests. closed is set
// once the owning bind_server stream ends, so a concurrent or later
// bind_client stops trusting it (via the directory's reset predicate)
// instead of handing out a dead server's address forever.
type endpoint struct {
	nated   net.Addr
	certDER []byte
	sink    chan *seedrpc.ServerPunchRequest
	closed  atomic.Bool
}

// Service implements seedrpc.SeedServer.
type Service struct {
	dir     *awaitmap.Map[string, *endpoint]
	cluster *clustermgr.Manager
}

// NewService builds a Seed service backed by cm, which the caller must
// already be running (clustermgr.Manager.Run) under its own supervised
// goroutine.
func NewService(cm *clustermgr.Manager) *Service {
	return &Service{
		dir:     awaitmap.New[string, *endpoint](),
		cluster: cm,
	}
}

func dirKey(clusterID, virtualIP string) string {
	return clusterID + "|" + virtualIP
}

func endpointClosed(e *endpoint) bool {
	return e.closed.Load()
}

func natedFromContext(ctx context.Context) (net.Addr, error) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return nil, fmt.Errorf("seed: no peer address in RPC context")
	}
	return p.Addr, nil
}

func addrToWire(a net.Addr) seedrpc.Address {
	host, port := splitHostPort(a)
	return seedrpc.Address{IP: host, Port: port}
}

func splitHostPort(a net.Addr) (string, uint16) {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.IP.String(), uint16(u.Port)
	}
	if t, ok := a.(*net.TCPAddr); ok {
		return t.IP.String(), uint16(t.Port)
	}
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, uint16(port)
}

// BindNode implements the node-lifecycle RPC: one request announces the
// node, the stream staying open for the node's lifetime, and its
// close (or a transport error) signals node-end.
func (s *Service) BindNode(stream seedrpc.Seed_BindNodeServer) error {
	ctx := stream.Context()
	req, err := stream.Recv()
	if err != nil {
		return err
	}

	dlog.Infof(ctx, "bind_node start cluster=%s ip=%s size=%d", req.ClusterID, req.VirtualIP, req.ClusterSize)
	s.cluster.BindNodeStart(req.ClusterID, req.VirtualIP, req.ClusterSize)

	_, err = stream.Recv()
	if err == nil {
		// A second message on bind_node is a protocol violation, not a
		// recoverable RPC error.
		panic("seed: protocol violation: second message on bind_node stream")
	}
	if err != io.EOF {
		dlog.Errorf(ctx, "bind_node stream for cluster=%s ip=%s ended abnormally: %v", req.ClusterID, req.VirtualIP, err)
		return err
	}

	s.cluster.BindNodeEnd(req.ClusterID, req.VirtualIP)
	dlog.Infof(ctx, "bind_node end cluster=%s ip=%s", req.ClusterID, req.VirtualIP)
	return stream.Send(&seedrpc.NodeBindingResponse{})
}

// BindServer implements server registration and the long-lived
// punch-request push stream.
func (s *Service) BindServer(req *seedrpc.ServerBindingRequest, stream seedrpc.Seed_BindServerServer) error {
	ctx := stream.Context()
	nated, err := natedFromContext(ctx)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	e := &endpoint{
		nated:   nated,
		certDER: req.ServerCertificateDER,
		sink:    make(chan *seedrpc.ServerPunchRequest, punchSinkBuffer),
	}

	key := dirKey(req.ClusterID, req.VirtualIP)
	if prev := s.dir.Insert(key, e); prev != nil {
		if (*prev).closed.Load() {
			dlog.Infof(ctx, "bind_server replacing closed entry cluster=%s ip=%s", req.ClusterID, req.VirtualIP)
		} else {
			dlog.Errorf(ctx, "bind_server replacing live entry cluster=%s ip=%s", req.ClusterID, req.VirtualIP)
		}
	}
	s.cluster.BindServerStart(req.ClusterID, req.VirtualIP)
	defer e.closed.Store(true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case punch := <-e.sink:
			if err := stream.Send(punch); err != nil {
				return err
			}
		}
	}
}

// pushPunch delivers punch to e's sink without blocking, reporting
// whether delivery succeeded. The entry the directory handed out was
// live at lookup time, but the owning bind_server stream can end
// between that lookup and this push; e.sink is never close()d (the
// BindServer handler is still selecting on it when the race hits), so
// the closed flag has to be consulted here — a buffered send into a
// sink nobody will ever drain again would otherwise report success.
func pushPunch(e *endpoint, punch *seedrpc.ServerPunchRequest) bool {
	if e.closed.Load() {
		return false
	}
	select {
	case e.sink <- punch:
		return true
	default:
		return false
	}
}

// BindClient implements virtual-address resolution: it waits (bounded by
// ResolveTimeout) for a live server entry, pushes a punch request into
// its sink, and returns the resolved endpoint regardless of whether the
// push itself succeeded.
func (s *Service) BindClient(ctx context.Context, req *seedrpc.ClientBindingRequest) (*seedrpc.ClientBindingResponse, error) {
	s.cluster.BindClientStart(req.ClusterID, req.SourceVirtualIP)
	defer s.cluster.BindClientEnd(req.ClusterID, req.SourceVirtualIP)

	callerNated, err := natedFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	resolveCtx, cancel := context.WithTimeout(ctx, ResolveTimeout)
	defer cancel()

	key := dirKey(req.ClusterID, req.TargetVirtualIP)
	e, err := s.dir.Get(resolveCtx, key, endpointClosed)
	if err != nil {
		return nil, status.Error(codes.NotFound, "virtual address never bound")
	}

	punch := &seedrpc.ServerPunchRequest{
		ClientNatedAddr: addrToWire(callerNated),
		ClientVirtualIP: req.SourceVirtualIP,
	}

	failed := !pushPunch(e, punch)
	if failed {
		dlog.Errorf(ctx, "bind_client push to sink failed cluster=%s target=%s", req.ClusterID, req.TargetVirtualIP)
	}

	return &seedrpc.ClientBindingResponse{
		TargetNatedAddr:    addrToWire(e.nated),
		ServerCertificate:  e.certDER,
		FailedPunchRequest: failed,
	}, nil
}
