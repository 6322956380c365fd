package perforator_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/chappy-project/chappy/pkg/chappy/shutdown"
	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
	"github.com/chappy-project/chappy/pkg/perforator"
	"github.com/chappy-project/chappy/pkg/seed"
	"github.com/chappy-project/chappy/pkg/seed/clustermgr"
	"github.com/chappy-project/chappy/pkg/seed/seedrpc"
)

func startSeedServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	cm := clustermgr.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = cm.Run(ctx) }()

	s := grpc.NewServer()
	seedrpc.RegisterSeedServer(s, seed.NewService(cm))
	go func() { _ = s.Serve(lis) }()

	return lis.Addr().String(), func() { s.Stop(); cancel(); lis.Close() }
}

func startEchoTarget(t *testing.T) (port uint16, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				close(done)
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := lis.Addr().(*net.TCPAddr)
	return uint16(addr.Port), func() { lis.Close(); <-done }
}

// freeUDPPort picks an ephemeral port by briefly binding to it. There is
// an unavoidable race between closing this socket and the caller
// rebinding the same port, acceptable in a test environment.
func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, conn.Close())
	return port
}

func TestRegisterClientResolvesAndProbesThroughFullStack(t *testing.T) {
	seedAddr, stopSeed := startSeedServer(t)
	defer stopSeed()

	echoPort, stopEcho := startEchoTarget(t)
	defer stopEcho()

	serverShut := shutdown.New()
	serverCoord, err := perforator.New(perforator.Config{
		ClusterID:   "cluster-1",
		SelfVirtual: vaddr.MustParseVirtualIP("10.0.0.2"),
		ClusterSize: 2,
		SeedAddr:    seedAddr,
		QUICPort:    freeUDPPort(t),
	}, serverShut)
	require.NoError(t, err)
	defer serverCoord.Close()

	// Stand in for the LocalVirtual bind that would normally announce
	// echoPort through the server node's own control server.
	serverCoord.Registry().RegisterServerPort(echoPort)

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	go func() { _ = serverCoord.ServeForwarder(serveCtx) }()
	go func() { _ = serverCoord.RunBindServer(serveCtx) }()

	// Let the bind_server stream register with Seed before the client
	// resolves against it.
	time.Sleep(200 * time.Millisecond)

	clientShut := shutdown.New()
	clientCoord, err := perforator.New(perforator.Config{
		ClusterID:   "cluster-1",
		SelfVirtual: vaddr.MustParseVirtualIP("10.0.0.1"),
		ClusterSize: 2,
		SeedAddr:    seedAddr,
		QUICPort:    freeUDPPort(t),
	}, clientShut)
	require.NoError(t, err)
	defer clientCoord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = clientCoord.RegisterClient(ctx, 55001, vaddr.MustParseVirtualIP("10.0.0.2"), echoPort)
	require.NoError(t, err)

	resolved, ok := clientCoord.Registry().PeekAddress("10.0.0.2")
	require.True(t, ok)
	require.NotEmpty(t, resolved.ServerCertDER)
}
