package seedrpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "chappy.seed.Seed"

// SeedServer is the interface a Seed implementation provides; it plays
// the role a protoc-gen-go-grpc *_grpc.pb.go file would define.
type SeedServer interface {
	// BindNode is a client-streaming RPC: the node sends exactly one
	// NodeBindingRequest and then half-closes; the handler blocks until
	// the cluster is fully bound and replies once.
	BindNode(stream Seed_BindNodeServer) error
	// BindServer is a server-streaming RPC: after the initial request,
	// the handler pushes zero or more ServerPunchRequest messages for
	// the lifetime of the stream.
	BindServer(req *ServerBindingRequest, stream Seed_BindServerServer) error
	// BindClient is a plain unary RPC.
	BindClient(ctx context.Context, req *ClientBindingRequest) (*ClientBindingResponse, error)
}

// Seed_BindNodeServer is the server-side handle for the bind_node
// stream.
type Seed_BindNodeServer interface {
	Send(*NodeBindingResponse) error
	Recv() (*NodeBindingRequest, error)
	grpc.ServerStream
}

type seedBindNodeServer struct{ grpc.ServerStream }

func (s *seedBindNodeServer) Send(m *NodeBindingResponse) error { return s.ServerStream.SendMsg(m) }
func (s *seedBindNodeServer) Recv() (*NodeBindingRequest, error) {
	m := new(NodeBindingRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Seed_BindServerServer is the server-side handle for the bind_server
// stream.
type Seed_BindServerServer interface {
	Send(*ServerPunchRequest) error
	grpc.ServerStream
}

type seedBindServerServer struct{ grpc.ServerStream }

func (s *seedBindServerServer) Send(m *ServerPunchRequest) error {
	return s.ServerStream.SendMsg(m)
}

func seedBindNodeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SeedServer).BindNode(&seedBindNodeServer{stream})
}

func seedBindServerHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(ServerBindingRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SeedServer).BindServer(req, &seedBindServerServer{stream})
}

func seedBindClientHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ClientBindingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SeedServer).BindClient(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/BindClient"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SeedServer).BindClient(ctx, req.(*ClientBindingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var bindNodeStreamDesc = grpc.StreamDesc{
	StreamName:    "BindNode",
	Handler:       seedBindNodeHandler,
	ClientStreams: true,
}

var bindServerStreamDesc = grpc.StreamDesc{
	StreamName:    "BindServer",
	Handler:       seedBindServerHandler,
	ServerStreams: true,
}

// ServiceDesc is the hand-written equivalent of a generated
// *_grpc.pb.go's ServiceDesc: it is what ties SeedServer implementations
// to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BindClient", Handler: seedBindClientHandler},
	},
	Streams:  []grpc.StreamDesc{bindNodeStreamDesc, bindServerStreamDesc},
	Metadata: "chappy/seed.proto",
}

// RegisterSeedServer registers srv with s, the same call a generated
// package would expose.
func RegisterSeedServer(s grpc.ServiceRegistrar, srv SeedServer) {
	s.RegisterService(&ServiceDesc, srv)
}
