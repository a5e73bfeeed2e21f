package placement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
)

// ModelSize is the coarse size class of the model a workload serves.
type ModelSize string

const (
	SizeSmall  ModelSize = "small"
	SizeMedium ModelSize = "medium"
	SizeLarge  ModelSize = "large"
)

// ParseModelSize rejects anything outside the three known classes.
func ParseModelSize(s string) (ModelSize, error) {
	switch ModelSize(strings.ToLower(strings.TrimSpace(s))) {
	case SizeSmall:
		return SizeSmall, nil
	case SizeMedium:
		return SizeMedium, nil
	case SizeLarge:
		return SizeLarge, nil
	}
	return "", fmt.Errorf("unknown model size %q (want small, medium or large)", s)
}

// Profile classifies one workload to place.
type Profile struct {
	WorkloadType string
	ModelSize    ModelSize
}

func (p Profile) String() string { return p.WorkloadType + ":" + string(p.ModelSize) }

// RoutingConfig is the declarative form of the routing rules.
type RoutingConfig struct {
	Workloads  map[string][]string `yaml:"workloads"`
	ModelSizes map[string][]string `yaml:"model_sizes"`
	// Default is used for workload types missing from Workloads.
	Default []string `yaml:"default"`
	// Fallback receives work when no candidate survives. Empty means the
	// first gateway in the catalog.
	Fallback string `yaml:"fallback"`
}

// RoutingTable is a validated RoutingConfig.
type RoutingTable struct {
	workloads  map[string][]string
	modelSizes map[ModelSize][]string
	def        []string
	fallback   string
}

// NewRoutingTable checks every referenced host against the registry.
// Local-control hosts have no accelerators and are rejected.
func NewRoutingTable(cfg RoutingConfig, reg *catalog.Registry) (*RoutingTable, error) {
	check := func(field string, names []string) error {
		for _, n := range names {
			h, err := reg.Find(n)
			if err != nil {
				return &catalog.ConfigError{Field: field, Value: n, Message: "unknown host in routing table"}
			}
			if h.Kind == catalog.KindLocalControl {
				return &catalog.ConfigError{Field: field, Value: n, Message: "local-control host cannot run workloads"}
			}
		}
		return nil
	}
	t := &RoutingTable{
		workloads:  map[string][]string{},
		modelSizes: map[ModelSize][]string{},
	}
	for _, w := range sortedKeys(cfg.Workloads) {
		if err := check("routing.workloads."+w, cfg.Workloads[w]); err != nil {
			return nil, err
		}
		t.workloads[w] = append([]string(nil), cfg.Workloads[w]...)
	}
	for _, s := range sortedKeys(cfg.ModelSizes) {
		size, err := ParseModelSize(s)
		if err != nil {
			return nil, &catalog.ConfigError{Field: "routing.model_sizes", Value: s, Message: err.Error()}
		}
		if err := check("routing.model_sizes."+s, cfg.ModelSizes[s]); err != nil {
			return nil, err
		}
		t.modelSizes[size] = append([]string(nil), cfg.ModelSizes[s]...)
	}
	if err := check("routing.default", cfg.Default); err != nil {
		return nil, err
	}
	t.def = append([]string(nil), cfg.Default...)

	t.fallback = cfg.Fallback
	if t.fallback == "" {
		if gws := reg.ByKind(catalog.KindGateway); len(gws) > 0 {
			t.fallback = gws[0].Name
		}
	}
	if t.fallback == "" {
		return nil, &catalog.ConfigError{Field: "routing.fallback", Value: "", Message: "no fallback host and no gateway in catalog"}
	}
	if err := check("routing.fallback", []string{t.fallback}); err != nil {
		return nil, err
	}
	if len(t.def) == 0 {
		t.def = []string{t.fallback}
	}
	return t, nil
}

// Candidates returns the ordered candidate names for a profile: the
// workload list narrowed to hosts also listed for the size class, or the
// whole workload list when nothing overlaps.
func (t *RoutingTable) Candidates(p Profile) []string {
	base, ok := t.workloads[p.WorkloadType]
	if !ok {
		base = t.def
	}
	sized := t.modelSizes[p.ModelSize]
	var out []string
	for _, name := range base {
		for _, s := range sized {
			if s == name {
				out = append(out, name)
				break
			}
		}
	}
	if len(out) == 0 {
		out = base
	}
	return append([]string(nil), out...)
}

func (t *RoutingTable) Fallback() string { return t.fallback }

// WorkloadTypes lists the configured workload types, sorted.
func (t *RoutingTable) WorkloadTypes() []string { return sortedKeys(t.workloads) }

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
