package seedrpc_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/chappy-project/chappy/pkg/seed/seedrpc"
)

type fakeSeed struct {
	bindNodeCalls   int
	bindServerReqs  []*seedrpc.ServerBindingRequest
	bindClientReqs  []*seedrpc.ClientBindingRequest
	bindClientReply *seedrpc.ClientBindingResponse
	bindClientErr   error
	punches         []*seedrpc.ServerPunchRequest
}

func (f *fakeSeed) BindNode(stream seedrpc.Seed_BindNodeServer) error {
	f.bindNodeCalls++
	if _, err := stream.Recv(); err != nil {
		return err
	}
	return stream.Send(&seedrpc.NodeBindingResponse{})
}

func (f *fakeSeed) BindServer(req *seedrpc.ServerBindingRequest, stream seedrpc.Seed_BindServerServer) error {
	f.bindServerReqs = append(f.bindServerReqs, req)
	for _, p := range f.punches {
		if err := stream.Send(p); err != nil {
			return err
		}
	}
	<-stream.Context().Done()
	return stream.Context().Err()
}

func (f *fakeSeed) BindClient(ctx context.Context, req *seedrpc.ClientBindingRequest) (*seedrpc.ClientBindingResponse, error) {
	f.bindClientReqs = append(f.bindClientReqs, req)
	if f.bindClientErr != nil {
		return nil, f.bindClientErr
	}
	return f.bindClientReply, nil
}

func dialFake(t *testing.T, srv seedrpc.SeedServer) (seedrpc.SeedClient, func()) {
	t.Helper()
	const bufSize = 64 * 1024
	lis := bufconn.Listen(bufSize)

	s := grpc.NewServer()
	seedrpc.RegisterSeedServer(s, srv)
	go func() { _ = s.Serve(lis) }()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithInsecure(),
		grpc.WithBlock(),
	)
	require.NoError(t, err)

	return seedrpc.NewSeedClient(conn), func() {
		conn.Close()
		s.Stop()
	}
}

func TestBindClientRoundTrip(t *testing.T) {
	fake := &fakeSeed{
		bindClientReply: &seedrpc.ClientBindingResponse{
			TargetNatedAddr:   seedrpc.Address{IP: "203.0.113.9", Port: 40000},
			ServerCertificate: []byte{1, 2, 3},
		},
	}
	client, closeFn := dialFake(t, fake)
	defer closeFn()

	resp, err := client.BindClient(context.Background(), &seedrpc.ClientBindingRequest{
		ClusterID:       "c1",
		SourceVirtualIP: "10.0.0.2",
		TargetVirtualIP: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", resp.TargetNatedAddr.IP)
	assert.Equal(t, uint16(40000), resp.TargetNatedAddr.Port)
	assert.False(t, resp.FailedPunchRequest)
	require.Len(t, fake.bindClientReqs, 1)
	assert.Equal(t, "c1", fake.bindClientReqs[0].ClusterID)
}

func TestBindClientPropagatesServerError(t *testing.T) {
	fake := &fakeSeed{bindClientErr: errors.New("not found")}
	client, closeFn := dialFake(t, fake)
	defer closeFn()

	_, err := client.BindClient(context.Background(), &seedrpc.ClientBindingRequest{})
	assert.Error(t, err)
}

func TestBindNodeRoundTrip(t *testing.T) {
	fake := &fakeSeed{}
	client, closeFn := dialFake(t, fake)
	defer closeFn()

	stream, err := client.BindNode(context.Background())
	require.NoError(t, err)
	require.NoError(t, stream.Send(&seedrpc.NodeBindingRequest{
		ClusterID: "c1", VirtualIP: "10.0.0.1", ClusterSize: 2,
	}))
	_, err = stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, 1, fake.bindNodeCalls)
}

func TestBindServerStreamsPunches(t *testing.T) {
	fake := &fakeSeed{
		punches: []*seedrpc.ServerPunchRequest{
			{ClientNatedAddr: seedrpc.Address{IP: "198.51.100.1", Port: 1111}, ClientVirtualIP: "10.0.0.2"},
			{ClientNatedAddr: seedrpc.Address{IP: "198.51.100.2", Port: 2222}, ClientVirtualIP: "10.0.0.3"},
		},
	}
	client, closeFn := dialFake(t, fake)
	defer closeFn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.BindServer(ctx, &seedrpc.ServerBindingRequest{
		ClusterID: "c1", VirtualIP: "10.0.0.1", ServerCertificateDER: []byte{9, 9},
	})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", first.ClientVirtualIP)

	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", second.ClientVirtualIP)

	require.Len(t, fake.bindServerReqs, 1)
	assert.Equal(t, "10.0.0.1", fake.bindServerReqs[0].VirtualIP)
}
