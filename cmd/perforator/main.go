// Command perforator runs the per-node sidecar that relays a virtual
// TCP connection over an authenticated QUIC tunnel to its peer
// Perforator, coordinating address resolution and hole-punching through
// Seed.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"

	"github.com/chappy-project/chappy/pkg/chappy/reuseport"
	"github.com/chappy-project/chappy/pkg/chappy/shutdown"
	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
	"github.com/chappy-project/chappy/pkg/perforator"
	"github.com/chappy-project/chappy/pkg/perforator/controlserver"
)

const (
	defaultQUICPort    = 5001
	defaultControlPort = 5000
	shutdownGrace      = 5 * time.Second
)

func main() {
	dlog.SetFallbackLogger(makeBaseLogger())
	ctx := dlog.WithField(context.Background(), "MAIN", "main")

	dlog.Infof(ctx, "Perforator starting [pid:%d]", os.Getpid())

	cfg, err := loadConfig()
	if err != nil {
		dlog.Errorf(ctx, "configuration error: %v", err)
		os.Exit(1)
	}

	shut := shutdown.New()
	coord, err := perforator.New(cfg, shut)
	if err != nil {
		dlog.Errorf(ctx, "failed to initialize perforator: %v", err)
		os.Exit(1)
	}
	defer coord.Close()

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})

	g.Go("signal", func(ctx context.Context) error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigs:
			dlog.Errorf(ctx, "shutting down due to signal %v", sig)
			shut.Begin()
			return fmt.Errorf("received signal %v", sig)
		case <-ctx.Done():
			shut.Begin()
			return nil
		}
	})

	g.Go("forwarder", func(ctx context.Context) error {
		return coord.ServeForwarder(ctx)
	})

	g.Go("bind_node", func(ctx context.Context) error {
		return coord.RunBindNode(ctx)
	})

	g.Go("bind_server", func(ctx context.Context) error {
		return coord.RunBindServer(ctx)
	})

	g.Go("control", func(ctx context.Context) error {
		controlAddr := fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort)
		lis, err := reuseport.ListenTCP(ctx, "tcp4", controlAddr)
		if err != nil {
			return fmt.Errorf("perforator: listen on control socket %s: %w", controlAddr, err)
		}
		dlog.Infof(ctx, "control server listening on %s", controlAddr)

		srv := controlserver.New(controlAddr, coord, coord.Registry(), coord.Forwarder(), shut)
		return srv.Serve(ctx, lis)
	})

	waitErr := g.Wait()
	shut.Begin()
	if !shut.Wait(shutdownGrace) {
		dlog.Warn(ctx, "perforator: graceful shutdown grace period exceeded, forcing exit")
	}
	if waitErr != nil {
		dlog.Errorf(ctx, "quit: %v", waitErr)
		os.Exit(1)
	}
}

func loadConfig() (perforator.Config, error) {
	clusterID := os.Getenv("CHAPPY_CLUSTER_ID")
	if clusterID == "" {
		return perforator.Config{}, fmt.Errorf("CHAPPY_CLUSTER_ID is required")
	}

	virtualIPStr := os.Getenv("CHAPPY_VIRTUAL_IP")
	if virtualIPStr == "" {
		return perforator.Config{}, fmt.Errorf("CHAPPY_VIRTUAL_IP is required")
	}
	virtualIP, err := vaddr.ParseVirtualIP(virtualIPStr)
	if err != nil {
		return perforator.Config{}, fmt.Errorf("CHAPPY_VIRTUAL_IP: %w", err)
	}

	clusterSizeStr := os.Getenv("CHAPPY_CLUSTER_SIZE")
	clusterSize, err := strconv.ParseUint(clusterSizeStr, 10, 32)
	if err != nil {
		return perforator.Config{}, fmt.Errorf("CHAPPY_CLUSTER_SIZE: %w", err)
	}

	seedHostname := os.Getenv("CHAPPY_SEED_HOSTNAME")
	if seedHostname == "" {
		return perforator.Config{}, fmt.Errorf("CHAPPY_SEED_HOSTNAME is required")
	}
	seedPort := os.Getenv("CHAPPY_SEED_PORT")
	if seedPort == "" {
		return perforator.Config{}, fmt.Errorf("CHAPPY_SEED_PORT is required")
	}

	quicPort := uint16(defaultQUICPort)
	if v := os.Getenv("CHAPPY_QUIC_PORT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return perforator.Config{}, fmt.Errorf("CHAPPY_QUIC_PORT: %w", err)
		}
		quicPort = uint16(n)
	}

	controlPort := uint16(defaultControlPort)
	if v := os.Getenv("CHAPPY_CONTROL_PORT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return perforator.Config{}, fmt.Errorf("CHAPPY_CONTROL_PORT: %w", err)
		}
		controlPort = uint16(n)
	}

	return perforator.Config{
		ClusterID:   clusterID,
		SelfVirtual: virtualIP,
		ClusterSize: uint32(clusterSize),
		SeedAddr:    net.JoinHostPort(seedHostname, seedPort),
		QUICPort:    quicPort,
		ControlPort: controlPort,
	}, nil
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
