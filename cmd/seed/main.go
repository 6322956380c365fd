// Command seed runs the Chappy rendezvous server: the cluster-wide
// directory that maps (cluster_id, virtual_ip) to NAT-observed endpoints
// and fans out punch requests to registered servers.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/chappy-project/chappy/pkg/seed"
	"github.com/chappy-project/chappy/pkg/seed/clustermgr"
	"github.com/chappy-project/chappy/pkg/seed/seedrpc"
)

const defaultPort = "8080"

func main() {
	dlog.SetFallbackLogger(makeBaseLogger())
	ctx := dlog.WithField(context.Background(), "MAIN", "main")

	dlog.Infof(ctx, "Seed starting [pid:%d]", os.Getpid())

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})

	g.Go("signal", func(ctx context.Context) error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigs:
			dlog.Errorf(ctx, "shutting down due to signal %v", sig)
			return fmt.Errorf("received signal %v", sig)
		case <-ctx.Done():
			return nil
		}
	})

	cm := clustermgr.New()
	g.Go("clustermgr", func(ctx context.Context) error {
		return cm.Run(ctx)
	})

	g.Go("grpc", func(ctx context.Context) error {
		ctx = dlog.WithField(ctx, "MAIN", "grpc")

		port := os.Getenv("PORT")
		if port == "" {
			port = defaultPort
		}
		address := ":" + port

		lis, err := net.Listen("tcp", address)
		if err != nil {
			return fmt.Errorf("seed: listen on %s: %w", address, err)
		}
		dlog.Infof(ctx, "Seed listening on %q", address)

		server := grpc.NewServer()
		seedrpc.RegisterSeedServer(server, seed.NewService(cm))

		errCh := make(chan error, 1)
		go func() { errCh <- server.Serve(lis) }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			dlog.Debug(ctx, "Seed stopping...")
			server.GracefulStop()
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}

func makeBaseLogger() dlog.Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
	logrusLogger.SetReportCaller(false)

	const defaultLogLevel = logrus.InfoLevel
	logLevelStr := os.Getenv("LOG_LEVEL")
	logLevel, err := logrus.ParseLevel(logLevelStr)

	var msg string
	switch {
	case logLevelStr == "":
		logLevel = defaultLogLevel
		msg = "Logging at this level (default)"
	case err != nil:
		logLevel = defaultLogLevel
		msg = fmt.Sprintf("Logging at this level (LOG_LEVEL=%q -> %s)", logLevelStr, err)
	default:
		msg = fmt.Sprintf("Logging at this level (LOG_LEVEL=%q)", logLevelStr)
	}

	logrusLogger.SetLevel(logLevel)
	logrusLogger.Log(logLevel, msg)

	return dlog.WrapLogrus(logrusLogger)
}
