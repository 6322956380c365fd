package interceptor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
	"github.com/chappy-project/chappy/pkg/chappy/wire"
)

// PerforatorAddr is the Perforator's fixed local control socket (spec.md
// §6), the only address the interceptor ever dials directly.
const PerforatorAddr = "127.0.0.1:5000"

// DialTimeout bounds a single control-protocol round trip. The original
// implementation had no timeout at all on this call; spec.md's worked
// examples assume the local Perforator answers promptly, since it is a
// loopback call with no NAT or punching on the critical path.
const DialTimeout = 2 * time.Second

// Runtime is the process-wide bridge between the intercepted program's
// synchronous libc call and the Perforator's control protocol. Unlike
// the original's dedicated single-threaded tokio runtime
// (RUNTIME.block_on from within the cgo-exported function), a Go
// goroutine blocking on a dial and a couple of reads costs nothing
// extra: the runtime scheduler already parks it off its OS thread, so
// there is no separate executor to stand up.
type Runtime struct {
	addr string
}

// NewRuntime returns a Runtime dialing addr for every registration.
func NewRuntime(addr string) *Runtime {
	return &Runtime{addr: addr}
}

var defaultRuntime = sync.OnceValue(func() *Runtime { return NewRuntime(PerforatorAddr) })

// Default returns the process-wide Runtime talking to the local
// Perforator's fixed control socket.
func Default() *Runtime { return defaultRuntime() }

// RegisterClient performs the client-registration round trip of
// spec.md §4.2.3/§4.3: announce a virtual connect() this node wants the
// local Perforator to relay, from sourcePort (already bound by the
// caller) to targetVirtualIP:targetPort. An error here is what the
// RemoteVirtual connect() path turns into ECONNREFUSED.
func (r *Runtime) RegisterClient(ctx context.Context, sourcePort uint16, targetVirtualIP vaddr.VirtualIP, targetPort uint16) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("interceptor: dial perforator: %w", err)
	}
	defer conn.Close()

	if err := wire.WriteClientRegistration(conn, wire.ClientRegistration{
		SourcePort:      sourcePort,
		TargetVirtualIP: uint32(targetVirtualIP),
		TargetPort:      targetPort,
	}); err != nil {
		return fmt.Errorf("interceptor: write client registration: %w", err)
	}

	status, err := r.readStatus(conn)
	if err != nil {
		return err
	}
	if status != wire.StatusOK {
		return fmt.Errorf("interceptor: perforator refused client registration for %s:%d", targetVirtualIP, targetPort)
	}
	return nil
}

// RegisterServer performs the server-registration round trip of
// spec.md §4.3's LocalVirtual bind path: announce that this process is
// now listening on registeredPort as a virtual server.
func (r *Runtime) RegisterServer(ctx context.Context, registeredPort uint16) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("interceptor: dial perforator: %w", err)
	}
	defer conn.Close()

	if err := wire.WriteServerRegistration(conn, wire.ServerRegistration{RegisteredPort: registeredPort}); err != nil {
		return fmt.Errorf("interceptor: write server registration: %w", err)
	}

	status, err := r.readStatus(conn)
	if err != nil {
		return err
	}
	if status != wire.StatusOK {
		return fmt.Errorf("interceptor: perforator refused server registration for port %d", registeredPort)
	}
	return nil
}

func (r *Runtime) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	var d net.Dialer
	return d.DialContext(dialCtx, "tcp4", r.addr)
}

func (r *Runtime) readStatus(conn net.Conn) (wire.Status, error) {
	conn.SetReadDeadline(time.Now().Add(DialTimeout))
	status, err := wire.ReadStatus(conn)
	if err != nil {
		return 0, fmt.Errorf("interceptor: read registration status: %w", err)
	}
	return status, nil
}
