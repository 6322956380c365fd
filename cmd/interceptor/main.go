//go:build linux

// Command interceptor builds the dynamically loaded shim spec.md §4.3
// describes: a C shared library exporting `connect`/`bind`, meant to be
// loaded into an unmodified application process via LD_PRELOAD so that
// sockets targeting the virtual subnet are transparently redirected to
// the local Perforator's control protocol (pkg/interceptor), while
// every other call passes through to the kernel untouched.
//
// Build with:
//
//	go build -buildmode=c-shared -o libchappy_interceptor.so ./cmd/interceptor
//
// Grounded directly on original_source/chappy/interceptor/src/bindings.rs's
// `connect`/`bind` exports and utils.rs's `parse_virtual`/`request_punch`/
// `register`, translated from the original's libloading-plus-RTLD_NEXT
// dance into raw connect(2)/bind(2) syscalls via golang.org/x/sys/unix:
// on Linux those syscalls are exactly what libc's own `connect`/`bind`
// wrappers invoke, so there is nothing for this shim to gain by also
// dlsym-ing libc's copy of the same two instructions, and doing the
// syscall directly sidesteps the symbol-name collision LD_PRELOAD shims
// otherwise have to route around with RTLD_NEXT.
//
// This file deliberately has no cgo preamble: its preamble is copied
// into _cgo_export.h, and including <sys/socket.h> there makes glibc's
// own `connect`/`bind` prototypes (which take a transparent-union
// argument) collide with the declarations cgo generates for the
// exported symbols of the same names. The sockaddr the application
// built is instead decoded by raw offsets (sockaddr.go), which is
// well-defined: struct sockaddr_in's layout is fixed by the Linux ABI.
package main

import "C"

import (
	"context"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/chappy-project/chappy/pkg/interceptor"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(os.Getenv("CHAPPY_LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

// loadConfig is read once per process: spec.md's env vars do not change
// after a process starts, and re-reading them on every intercepted
// syscall would put two os.Getenv calls on every connect()/bind().
var loadConfig = sync.OnceValue(interceptor.LoadConfig)

var loopback = [4]byte{127, 0, 0, 1}

//export connect
func connect(fd C.int, addr unsafe.Pointer, addrlen C.uint) C.int {
	cfg := loadConfig()
	sin, ok := parseSockaddrIn(addr, uint32(addrlen))
	if !ok {
		return C.int(passthroughConnect(int(fd), addr, uint32(addrlen)))
	}
	class := cfg.Classify(sin.IP())
	debugClassified("connect", int32(fd), sin.IP(), sin.Port, class)

	var code int32
	switch class {
	case interceptor.RemoteVirtual:
		code = connectRemoteVirtual(int(fd), sin)
	case interceptor.LocalVirtual:
		// Loopback fast path for an intra-node virtual target: no
		// control-protocol round trip, spec.md §4.3.
		code = connectTo(int(fd), loopback, sin.Port)
	default:
		code = passthroughConnect(int(fd), addr, uint32(addrlen))
	}
	debugReturn("connect", int32(fd), code)
	return C.int(code)
}

//export bind
func bind(fd C.int, addr unsafe.Pointer, addrlen C.uint) C.int {
	cfg := loadConfig()
	sin, ok := parseSockaddrIn(addr, uint32(addrlen))
	if !ok {
		return C.int(passthroughBind(int(fd), addr, uint32(addrlen)))
	}
	class := cfg.Classify(sin.IP())
	debugClassified("bind", int32(fd), sin.IP(), sin.Port, class)

	var code int32
	switch class {
	case interceptor.LocalVirtual:
		code = bindLocalVirtual(int(fd), sin.Port)
	case interceptor.RemoteVirtual:
		// spec.md §4.3: binding to someone else's virtual address is
		// nonsensical and rejected outright, no libc call at all.
		setErrno(unix.EADDRNOTAVAIL)
		code = -1
	default:
		code = passthroughBind(int(fd), addr, uint32(addrlen))
	}
	debugReturn("bind", int32(fd), code)
	return C.int(code)
}

// connectRemoteVirtual implements spec.md §4.3's RemoteVirtual connect
// path: bind to an ephemeral local port first (so the source port is
// known), register that (source_port, target) pair with the local
// Perforator over the control protocol, then rewrite the connect to the
// Perforator's fixed control ingress. Any failure along the way
// surfaces as ECONNREFUSED, the synchronous failure spec.md §4.2.3's
// probe step exists to produce.
func connectRemoteVirtual(fd int, sin sockaddrIn) int32 {
	if code := bindTo(fd, [4]byte{0, 0, 0, 0}, 0); code != 0 {
		return code
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		setErrno(unix.ECONNREFUSED)
		return -1
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		setErrno(unix.ECONNREFUSED)
		return -1
	}
	sourcePort := uint16(sa4.Port)

	ctx, cancel := context.WithTimeout(context.Background(), interceptor.DialTimeout)
	defer cancel()
	if err := interceptor.Default().RegisterClient(ctx, sourcePort, sin.VirtualIP(), sin.Port); err != nil {
		log.WithError(err).Debugf("client registration for %s:%d failed", sin.IP(), sin.Port)
		setErrno(unix.ECONNREFUSED)
		return -1
	}
	return connectTo(fd, loopback, 5000)
}

// bindLocalVirtual implements spec.md §4.3's LocalVirtual bind path:
// announce the server port to the local Perforator over the control
// protocol, then rewrite the bind to loopback. spec.md is silent on
// what errno a failed registration should surface as; EADDRINUSE is
// chosen here since, from the application's point of view, the port it
// asked for could not be made to work.
func bindLocalVirtual(fd int, port uint16) int32 {
	ctx, cancel := context.WithTimeout(context.Background(), interceptor.DialTimeout)
	defer cancel()
	if err := interceptor.Default().RegisterServer(ctx, port); err != nil {
		log.WithError(err).Debugf("server registration for port %d failed", port)
		setErrno(unix.EADDRINUSE)
		return -1
	}
	return bindTo(fd, loopback, port)
}

// passthroughConnect/passthroughBind invoke the syscall with the
// application's own, untouched sockaddr pointer: the NotVirtual and
// unknown-family paths of spec.md §4.3.
func passthroughConnect(fd int, addr unsafe.Pointer, addrlen uint32) int32 {
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(addr), uintptr(addrlen))
	if errno != 0 {
		setErrno(errno)
		return -1
	}
	return 0
}

func passthroughBind(fd int, addr unsafe.Pointer, addrlen uint32) int32 {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(addr), uintptr(addrlen))
	if errno != 0 {
		setErrno(errno)
		return -1
	}
	return 0
}

func connectTo(fd int, ip [4]byte, port uint16) int32 {
	err := unix.Connect(fd, &unix.SockaddrInet4{Addr: ip, Port: int(port)})
	if err != nil {
		setErrno(errnoOf(err))
		return -1
	}
	return 0
}

func bindTo(fd int, ip [4]byte, port uint16) int32 {
	err := unix.Bind(fd, &unix.SockaddrInet4{Addr: ip, Port: int(port)})
	if err != nil {
		setErrno(errnoOf(err))
		return -1
	}
	return 0
}

// errnoOf narrows a unix syscall wrapper's error back to its raw errno.
// The shim must never panic inside a host process, so an error of any
// other type (which the wrappers do not produce today) degrades to a
// generic EIO rather than a type-assertion panic.
func errnoOf(err error) unix.Errno {
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return unix.EIO
}

func main() {}
