// Package interceptor holds the address-classification and
// control-protocol client logic shared by the libc shim (cmd/interceptor):
// logic that is plain, testable Go, kept out of the cgo-exported
// package so it can be unit tested without a C toolchain in the loop.
package interceptor

import (
	"fmt"
	"net"
	"os"

	"github.com/chappy-project/chappy/pkg/chappy/vaddr"
)

// Class is the outcome of classifying an address the application asked
// to connect or bind to, spec.md §4.3.
type Class int

const (
	// NotVirtual means the address is outside the virtual subnet (or
	// the virtual subnet isn't configured at all): delegate to libc
	// unchanged.
	NotVirtual Class = iota
	// LocalVirtual means the address is this node's own virtual IP.
	LocalVirtual
	// RemoteVirtual means the address is inside the virtual subnet but
	// belongs to a different node.
	RemoteVirtual
)

func (c Class) String() string {
	switch c {
	case LocalVirtual:
		return "LocalVirtual"
	case RemoteVirtual:
		return "RemoteVirtual"
	default:
		return "NotVirtual"
	}
}

// Config is the virtual address space this node is configured with,
// loaded once from CHAPPY_VIRTUAL_IP/CHAPPY_VIRTUAL_SUBNET (spec.md
// §9's interceptor config table). A zero Config (Ready == false) means
// one or both variables are absent, in which case Classify always
// returns NotVirtual — spec.md §7's "Configuration missing →
// Interceptor delegates to libc".
type Config struct {
	Ready     bool
	VirtualIP vaddr.VirtualIP
	Subnet    *net.IPNet
}

// LoadConfig reads CHAPPY_VIRTUAL_IP and CHAPPY_VIRTUAL_SUBNET from the
// environment. A missing or malformed variable yields a not-Ready
// Config rather than an error: the shim's policy for bad configuration
// is the same as for no configuration, fall back to libc.
func LoadConfig() Config {
	ipStr := os.Getenv("CHAPPY_VIRTUAL_IP")
	subnetStr := os.Getenv("CHAPPY_VIRTUAL_SUBNET")
	if ipStr == "" || subnetStr == "" {
		return Config{}
	}

	virtualIP, err := vaddr.ParseVirtualIP(ipStr)
	if err != nil {
		return Config{}
	}

	_, subnet, err := net.ParseCIDR(subnetStr)
	if err != nil {
		return Config{}
	}

	return Config{Ready: true, VirtualIP: virtualIP, Subnet: subnet}
}

// Classify decides what an application's connect()/bind() target
// address means under cfg. addr must be an IPv4 address; any other
// family is always NotVirtual, since the virtual subnet is IPv4-only
// (spec.md §2).
func (cfg Config) Classify(addr net.IP) Class {
	if !cfg.Ready {
		return NotVirtual
	}
	ip4 := addr.To4()
	if ip4 == nil {
		return NotVirtual
	}
	if vaddr.VirtualIP(ipToUint32(ip4)) == cfg.VirtualIP {
		return LocalVirtual
	}
	if cfg.Subnet.Contains(ip4) {
		return RemoteVirtual
	}
	return NotVirtual
}

func ipToUint32(ip4 net.IP) uint32 {
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

// VirtualIPString renders cfg's own virtual IP, for logging; it is the
// zero value's empty string when cfg is not Ready.
func (cfg Config) VirtualIPString() string {
	if !cfg.Ready {
		return ""
	}
	return cfg.VirtualIP.String()
}

// String is the canonical "ip/subnet" rendering used in log lines.
func (cfg Config) String() string {
	if !cfg.Ready {
		return "(unconfigured)"
	}
	return fmt.Sprintf("%s in %s", cfg.VirtualIP, cfg.Subnet)
}
