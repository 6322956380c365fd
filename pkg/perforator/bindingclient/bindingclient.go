// Package bindingclient implements the Perforator's single logical gRPC
// client to Seed (spec.md §4.2.1): lazily initialized, cached for the
// life of the process, and dialed from the same local port the QUIC
// endpoint uses so that, from the NAT's perspective, Seed-directed and
// peer-directed traffic share one 4-tuple mapping. Grounded on the
// original's binding_service.rs, which lazily initializes a SeedClient
// behind a OnceCell and connects through a port-reuse connector.
package bindingclient

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/chappy-project/chappy/pkg/chappy/reuseport"
	"github.com/chappy-project/chappy/pkg/seed/seedrpc"
)

// ConnectTimeout bounds a single dial attempt (spec.md §4.2.1).
const ConnectTimeout = time.Second

// Client lazily dials Seed and caches the connection.
type Client struct {
	seedAddr  string
	localPort uint16

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// New returns a Client that will dial seedAddr from localPort on first
// use. localPort should be the same port the Perforator's QUIC endpoint
// binds.
func New(seedAddr string, localPort uint16) *Client {
	return &Client{seedAddr: seedAddr, localPort: localPort}
}

// Get returns a SeedClient, dialing Seed on the first call and reusing
// the connection afterward. Callers that hit a transient dial failure
// should retry via netretry; Get itself makes exactly one attempt.
func (c *Client) Get(ctx context.Context) (seedrpc.SeedClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return seedrpc.NewSeedClient(c.conn), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	dialer := func(dialCtx context.Context, addr string) (net.Conn, error) {
		return reuseport.DialTCPFromPort(dialCtx, c.localPort, "tcp4", addr)
	}

	conn, err := grpc.DialContext(dialCtx, c.seedAddr,
		grpc.WithContextDialer(dialer),
		grpc.WithInsecure(),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return seedrpc.NewSeedClient(conn), nil
}

// Close releases the cached connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
