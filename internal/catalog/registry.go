package catalog

import (
	"fmt"
	"strconv"
)

// Registry is the immutable host catalog. Reloading requires building a
// new Registry; concurrent reads need no locking.
type Registry struct {
	hosts  []Host
	byName map[string]int
}

// New validates hosts and freezes them in declaration order.
func New(hosts []Host) (*Registry, error) {
	r := &Registry{
		hosts:  make([]Host, 0, len(hosts)),
		byName: make(map[string]int, len(hosts)),
	}
	for i, h := range hosts {
		if h.Name == "" {
			return nil, &ConfigError{Field: "hosts[" + strconv.Itoa(i) + "].name", Message: "host name is required"}
		}
		if _, dup := r.byName[h.Name]; dup {
			return nil, &ConfigError{Field: "hosts.name", Value: h.Name, Message: "duplicate host name"}
		}
		switch h.Kind {
		case KindLocalControl, KindGateway, KindComputeNode:
		default:
			return nil, &ConfigError{Field: "hosts." + h.Name + ".kind", Value: string(h.Kind), Message: "unknown host kind"}
		}
		if h.GPUCount < 0 {
			return nil, &ConfigError{Field: "hosts." + h.Name + ".gpu_count", Value: strconv.Itoa(h.GPUCount), Message: "gpu count cannot be negative"}
		}
		if h.Kind != KindLocalControl && h.Address == "" {
			return nil, &ConfigError{Field: "hosts." + h.Name + ".address", Message: "remote hosts need an address"}
		}
		switch h.Transport {
		case "", TransportLocal, TransportSSH, TransportAgent:
		default:
			return nil, &ConfigError{Field: "hosts." + h.Name + ".transport", Value: string(h.Transport), Message: "unknown transport"}
		}
		switch h.ProcessManager {
		case "", ProcessManagerSystemd, ProcessManagerCompose:
		default:
			return nil, &ConfigError{Field: "hosts." + h.Name + ".process_manager", Value: string(h.ProcessManager), Message: "unknown process manager"}
		}
		r.byName[h.Name] = len(r.hosts)
		r.hosts = append(r.hosts, h.withDefaults())
	}
	return r, nil
}

// List returns the hosts in declaration order.
func (r *Registry) List() []Host {
	out := make([]Host, len(r.hosts))
	copy(out, r.hosts)
	return out
}

// Find returns the host with the given name.
func (r *Registry) Find(name string) (Host, error) {
	i, ok := r.byName[name]
	if !ok {
		return Host{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.hosts[i], nil
}

// Has reports whether name is in the catalog.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// ByKind returns the hosts of one kind, in declaration order.
func (r *Registry) ByKind(kind Kind) []Host {
	var out []Host
	for _, h := range r.hosts {
		if h.Kind == kind {
			out = append(out, h)
		}
	}
	return out
}

