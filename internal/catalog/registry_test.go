package catalog

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func labHosts() []Host {
	return []Host{
		{Name: "mac-studio", Kind: KindLocalControl, Address: "localhost", Role: "development_control", Priority: 1},
		{Name: "dgx-spark", Kind: KindGateway, Address: "dgx-spark.lab", GPUCount: 2, AcceleratorMemory: 160e9, Role: "orchestration_gateway", Priority: 2},
		{Name: "hpc-1", Kind: KindComputeNode, Address: "hpc-1.lab", GPUCount: 2, AcceleratorMemory: 192e9, Role: "primary_inference", Priority: 3},
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	reg, err := New(labHosts())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, h := range reg.List() {
		got, err := reg.Find(h.Name)
		if err != nil {
			t.Fatalf("find %s: %v", h.Name, err)
		}
		if diff := cmp.Diff(h, got); diff != "" {
			t.Errorf("find %s mismatch (-want +got):\n%s", h.Name, diff)
		}
	}
}

func TestRegistryPreservesOrder(t *testing.T) {
	reg, err := New(labHosts())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var names []string
	for _, h := range reg.List() {
		names = append(names, h.Name)
	}
	want := []string{"mac-studio", "dgx-spark", "hpc-1"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryDefaults(t *testing.T) {
	reg, err := New(labHosts())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	mac, _ := reg.Find("mac-studio")
	if mac.Transport != TransportLocal {
		t.Errorf("local-control transport = %s", mac.Transport)
	}
	gw, _ := reg.Find("dgx-spark")
	if gw.Transport != TransportSSH || gw.Port != 22 || gw.ProcessManager != ProcessManagerSystemd {
		t.Errorf("gateway defaults = %+v", gw)
	}
	node, _ := reg.Find("hpc-1")
	if node.ProcessManager != ProcessManagerCompose {
		t.Errorf("compute-node process manager = %s", node.ProcessManager)
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	hosts := append(labHosts(), Host{Name: "hpc-1", Kind: KindComputeNode, Address: "other.lab"})
	_, err := New(hosts)
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRegistryRejectsInvalidHosts(t *testing.T) {
	cases := map[string]Host{
		"empty name":      {Kind: KindGateway, Address: "x"},
		"bad kind":        {Name: "a", Kind: "mainframe", Address: "x"},
		"negative gpus":   {Name: "a", Kind: KindComputeNode, Address: "x", GPUCount: -1},
		"missing address": {Name: "a", Kind: KindComputeNode},
		"bad transport":   {Name: "a", Kind: KindComputeNode, Address: "x", Transport: "carrier-pigeon"},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New([]Host{h}); !IsConfigError(err) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestRegistryFindNotFound(t *testing.T) {
	reg, _ := New(labHosts())
	_, err := reg.Find("hpc-9")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryListIsACopy(t *testing.T) {
	reg, _ := New(labHosts())
	l := reg.List()
	l[0].Name = "mutated"
	if _, err := reg.Find("mac-studio"); err != nil {
		t.Fatalf("registry changed through List: %v", err)
	}
}

func TestByKind(t *testing.T) {
	reg, _ := New(labHosts())
	gws := reg.ByKind(KindGateway)
	if len(gws) != 1 || gws[0].Name != "dgx-spark" {
		t.Fatalf("unexpected gateways: %+v", gws)
	}
}

func TestParseMemory(t *testing.T) {
	cases := map[string]uint64{
		"":       0,
		"160GB":  160 * 1000 * 1000 * 1000,
		"48 GiB": 48 << 30,
		"1024":   1024,
	}
	for in, want := range cases {
		got, err := ParseMemory(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Errorf("parse %q = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseMemory("lots"); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}

func TestParseKindAliases(t *testing.T) {
	cases := map[string]Kind{"mac": KindLocalControl, "dgx-spark": KindGateway, "hpc": KindComputeNode, "compute-node": KindComputeNode}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %s, %v", in, got, err)
		}
	}
}
