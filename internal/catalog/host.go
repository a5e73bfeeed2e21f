package catalog

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Kind is the closed set of host variants. Deployment strategy is
// chosen per kind.
type Kind string

const (
	KindLocalControl Kind = "local-control"
	KindGateway      Kind = "gateway"
	KindComputeNode  Kind = "compute-node"
)

// ParseKind accepts the canonical names plus the short aliases used by
// older catalogs (mac, dgx-spark, hpc).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(KindLocalControl), "local", "mac":
		return KindLocalControl, nil
	case string(KindGateway), "dgx-spark":
		return KindGateway, nil
	case string(KindComputeNode), "compute", "hpc":
		return KindComputeNode, nil
	}
	return "", fmt.Errorf("unknown host kind %q", s)
}

// Transport names how commands reach a host.
type Transport string

const (
	TransportLocal Transport = "local"
	TransportSSH   Transport = "ssh"
	TransportAgent Transport = "agent"
)

// ProcessManager names how the deployed service is started remotely.
type ProcessManager string

const (
	ProcessManagerSystemd ProcessManager = "systemd"
	ProcessManagerCompose ProcessManager = "compose"
)

// Host is a declared machine of the fleet. Hosts are plain values and
// are never modified once the registry is built.
type Host struct {
	Name    string
	Kind    Kind
	Address string
	// GPUCount and AcceleratorMemory are declared, not measured.
	GPUCount          int
	AcceleratorMemory uint64
	Role              string
	Priority          int

	Transport      Transport
	User           string
	Port           int
	ProcessManager ProcessManager
}

// IsLocal reports whether the host is the local control machine.
func (h Host) IsLocal() bool { return h.Kind == KindLocalControl }

// Endpoint returns address:port for network transports.
func (h Host) Endpoint() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// MemoryString renders the declared accelerator memory.
func (h Host) MemoryString() string {
	if h.AcceleratorMemory == 0 {
		return "0 B"
	}
	return humanize.Bytes(h.AcceleratorMemory)
}

// withDefaults fills transport, port and process manager from the kind.
func (h Host) withDefaults() Host {
	if h.Transport == "" {
		if h.Kind == KindLocalControl {
			h.Transport = TransportLocal
		} else {
			h.Transport = TransportSSH
		}
	}
	if h.Port == 0 {
		switch h.Transport {
		case TransportSSH:
			h.Port = 22
		case TransportAgent:
			h.Port = 8088
		}
	}
	if h.ProcessManager == "" {
		switch h.Kind {
		case KindGateway:
			h.ProcessManager = ProcessManagerSystemd
		case KindComputeNode:
			h.ProcessManager = ProcessManagerCompose
		}
	}
	return h
}

// ParseMemory parses human sizes such as "160GB" or "48 GiB". A bare
// number is taken as bytes.
func ParseMemory(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", s, err)
	}
	return n, nil
}
