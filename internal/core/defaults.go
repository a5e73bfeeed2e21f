package core

import "github.com/3cpo-dev/labdeploy/internal/placement"

// DefaultConfig describes the reference lab: a Mac control station, a
// DGX Spark gateway and three HPC nodes.
func DefaultConfig() Config {
	cfg := Config{
		Hosts: []HostConfig{
			{Name: "mac-studio", Kind: "local-control", Address: "localhost", GPUCount: 0, AcceleratorMemory: "0GB", Role: "development_control", Priority: 1},
			{Name: "dgx-spark", Kind: "gateway", Address: "dgx-spark.lab", GPUCount: 2, AcceleratorMemory: "160GB", Role: "orchestration_gateway", Priority: 2},
			{Name: "hpc-1", Kind: "compute-node", Address: "hpc-1.lab", GPUCount: 2, AcceleratorMemory: "192GB", Role: "primary_inference", Priority: 3},
			{Name: "hpc-2", Kind: "compute-node", Address: "hpc-2.lab", GPUCount: 3, AcceleratorMemory: "96GB", Role: "multi_user_serving", Priority: 4},
			{Name: "hpc-3", Kind: "compute-node", Address: "hpc-3.lab", GPUCount: 1, AcceleratorMemory: "48GB", Role: "development_backup", Priority: 5},
		},
		Routing: placement.RoutingConfig{
			Workloads: map[string][]string{
				"development":      {"dgx-spark", "hpc-3"},
				"testing":          {"dgx-spark", "hpc-1"},
				"small_inference":  {"dgx-spark", "hpc-3"},
				"medium_inference": {"dgx-spark", "hpc-1"},
				"large_inference":  {"hpc-1", "dgx-spark"},
				"batch_processing": {"hpc-1", "hpc-2"},
				"multi_user":       {"hpc-2", "dgx-spark"},
				"interactive":      {"dgx-spark", "hpc-3"},
			},
			ModelSizes: map[string][]string{
				"large":  {"hpc-1"},
				"medium": {"dgx-spark", "hpc-1"},
				"small":  {"dgx-spark", "hpc-3"},
			},
			Default:  []string{"dgx-spark"},
			Fallback: "dgx-spark",
		},
	}
	cfg.applyDefaults()
	return cfg
}
