// Package resources collects live accelerator utilization from hosts.
package resources

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GPUQuery is the telemetry command issued on every remote host.
const GPUQuery = "nvidia-smi --query-gpu=utilization.gpu,memory.used,memory.total --format=csv,noheader,nounits"

// Status is the explicit outcome of a telemetry fetch.
type Status string

const (
	StatusOK             Status = "ok"
	StatusUnavailable    Status = "unavailable"
	StatusTransportError Status = "transport-error"
)

type Accelerator struct {
	Utilization    float64 `json:"utilization"`
	MemoryUsedMiB  uint64  `json:"memory_used_mib"`
	MemoryTotalMiB uint64  `json:"memory_total_mib"`
	MemoryPercent  float64 `json:"memory_percent"`
}

// Snapshot is a point-in-time reading of one host. It is never cached.
type Snapshot struct {
	Host         string        `json:"host"`
	CapturedAt   time.Time     `json:"captured_at"`
	Reachable    bool          `json:"reachable"`
	Status       Status        `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	Accelerators []Accelerator `json:"accelerators,omitempty"`

	AvgUtilization   float64 `json:"avg_utilization"`
	AvgMemoryPercent float64 `json:"avg_memory_percent"`
}

// Available reports whether the snapshot can be scored.
func (s Snapshot) Available() bool { return s.Status == StatusOK }

// ParseGPUQuery parses the csv,noheader,nounits output of GPUQuery. Any
// malformed line fails the whole parse.
func ParseGPUQuery(out string) ([]Accelerator, error) {
	var accs []Accelerator
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want 3 fields, got %d", i+1, len(fields))
		}
		var v [3]int64
		for j, f := range fields {
			n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d field %d: %w", i+1, j+1, err)
			}
			v[j] = n
		}
		util, used, total := v[0], v[1], v[2]
		switch {
		case util < 0 || util > 100:
			return nil, fmt.Errorf("line %d: utilization %d out of range", i+1, util)
		case used < 0 || total < 0:
			return nil, fmt.Errorf("line %d: negative memory", i+1)
		case total == 0:
			return nil, fmt.Errorf("line %d: memory total is zero", i+1)
		}
		accs = append(accs, Accelerator{
			Utilization:    float64(util),
			MemoryUsedMiB:  uint64(used),
			MemoryTotalMiB: uint64(total),
			MemoryPercent:  float64(used) / float64(total) * 100,
		})
	}
	return accs, nil
}

// newSnapshot derives the averages. An empty accelerator list yields an
// unavailable but reachable snapshot.
func newSnapshot(host string, at time.Time, accs []Accelerator) Snapshot {
	s := Snapshot{Host: host, CapturedAt: at, Reachable: true}
	if len(accs) == 0 {
		s.Status = StatusUnavailable
		s.Reason = "no accelerators reported"
		return s
	}
	var util, mem float64
	for _, a := range accs {
		util += a.Utilization
		mem += a.MemoryPercent
	}
	s.Status = StatusOK
	s.Accelerators = accs
	s.AvgUtilization = util / float64(len(accs))
	s.AvgMemoryPercent = mem / float64(len(accs))
	return s
}
