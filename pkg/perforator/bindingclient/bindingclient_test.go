package bindingclient_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/chappy-project/chappy/pkg/perforator/bindingclient"
	"github.com/chappy-project/chappy/pkg/seed"
	"github.com/chappy-project/chappy/pkg/seed/clustermgr"
	"github.com/chappy-project/chappy/pkg/seed/seedrpc"
)

func TestGetDialsOnceAndCaches(t *testing.T) {
	lis, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	cm := clustermgr.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = cm.Run(ctx) }()

	s := grpc.NewServer()
	seedrpc.RegisterSeedServer(s, seed.NewService(cm))
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	c := bindingclient.New(lis.Addr().String(), 0)

	getCtx, getCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer getCancel()
	client1, err := c.Get(getCtx)
	require.NoError(t, err)

	client2, err := c.Get(getCtx)
	require.NoError(t, err)
	require.NotNil(t, client1)
	require.NotNil(t, client2)

	require.NoError(t, c.Close())
}
