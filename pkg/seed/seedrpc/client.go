package seedrpc

import (
	"context"

	"google.golang.org/grpc"
)

// SeedClient is the client-side interface a protoc-gen-go-grpc file
// would otherwise generate.
type SeedClient interface {
	BindNode(ctx context.Context, opts ...grpc.CallOption) (Seed_BindNodeClient, error)
	BindServer(ctx context.Context, in *ServerBindingRequest, opts ...grpc.CallOption) (Seed_BindServerClient, error)
	BindClient(ctx context.Context, in *ClientBindingRequest, opts ...grpc.CallOption) (*ClientBindingResponse, error)
}

type seedClient struct {
	cc grpc.ClientConnInterface
}

// NewSeedClient wraps a grpc.ClientConnInterface (typically a
// *grpc.ClientConn dialed with grpc.DialContext) in a SeedClient.
func NewSeedClient(cc grpc.ClientConnInterface) SeedClient {
	return &seedClient{cc: cc}
}

func withJSONSubtype(opts []grpc.CallOption) []grpc.CallOption {
	return append(opts, grpc.CallContentSubtype(CodecName))
}

// Seed_BindNodeClient is the client-side handle for the bind_node
// stream.
type Seed_BindNodeClient interface {
	Send(*NodeBindingRequest) error
	CloseAndRecv() (*NodeBindingResponse, error)
	grpc.ClientStream
}

type seedBindNodeClient struct{ grpc.ClientStream }

func (c *seedBindNodeClient) Send(m *NodeBindingRequest) error { return c.ClientStream.SendMsg(m) }

func (c *seedBindNodeClient) CloseAndRecv() (*NodeBindingResponse, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(NodeBindingResponse)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *seedClient) BindNode(ctx context.Context, opts ...grpc.CallOption) (Seed_BindNodeClient, error) {
	stream, err := c.cc.NewStream(ctx, &bindNodeStreamDesc, serviceName+"/BindNode", withJSONSubtype(opts)...)
	if err != nil {
		return nil, err
	}
	return &seedBindNodeClient{stream}, nil
}

// Seed_BindServerClient is the client-side handle for the bind_server
// stream.
type Seed_BindServerClient interface {
	Recv() (*ServerPunchRequest, error)
	grpc.ClientStream
}

type seedBindServerClient struct{ grpc.ClientStream }

func (c *seedBindServerClient) Recv() (*ServerPunchRequest, error) {
	m := new(ServerPunchRequest)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *seedClient) BindServer(ctx context.Context, in *ServerBindingRequest, opts ...grpc.CallOption) (Seed_BindServerClient, error) {
	stream, err := c.cc.NewStream(ctx, &bindServerStreamDesc, serviceName+"/BindServer", withJSONSubtype(opts)...)
	if err != nil {
		return nil, err
	}
	x := &seedBindServerClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *seedClient) BindClient(ctx context.Context, in *ClientBindingRequest, opts ...grpc.CallOption) (*ClientBindingResponse, error) {
	out := new(ClientBindingResponse)
	if err := c.cc.Invoke(ctx, serviceName+"/BindClient", in, out, withJSONSubtype(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
