package api

import "time"

// v0 contains the documents labdeploy writes for external consumers.

// Outcome is the result of one (workload, host) deployment attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	// OutcomeSkipped marks a target that failed its availability check
	// and was never dispatched to.
	OutcomeSkipped Outcome = "skipped-unreachable"
)

// DashboardSystem is one host entry of the monitoring dashboard.
type DashboardSystem struct {
	Name        string `json:"name" yaml:"name"`
	Host        string `json:"host" yaml:"host"`
	Type        string `json:"type" yaml:"type"`
	APIEndpoint string `json:"api_endpoint" yaml:"api_endpoint"`
	UIEndpoint  string `json:"ui_endpoint" yaml:"ui_endpoint"`
}

// Dashboard is regenerated from the host catalog on every run.
type Dashboard struct {
	Systems []DashboardSystem `json:"systems" yaml:"systems"`
}

// RunEntry records a single attempted (workload, host) pair.
type RunEntry struct {
	Workload  string  `json:"workload" yaml:"workload"`
	ModelSize string  `json:"model_size,omitempty" yaml:"model_size,omitempty"`
	Host      string  `json:"host" yaml:"host"`
	Outcome   Outcome `json:"outcome" yaml:"outcome"`
	Error     string  `json:"error,omitempty" yaml:"error,omitempty"`
	// Degraded is set when the host came from the fallback path rather
	// than a scored placement.
	Degraded   bool          `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Score      float64       `json:"score,omitempty" yaml:"score,omitempty"`
	Attempts   int           `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Duration   time.Duration `json:"duration_ns" yaml:"duration_ns"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
}

// Key returns the "<workload>_<host>" identifier used in reports.
func (e RunEntry) Key() string {
	return e.Workload + "_" + e.Host
}

// RunReport is the terminal artifact of a deployment run.
type RunReport struct {
	ID         string     `json:"id" yaml:"id"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time  `json:"finished_at" yaml:"finished_at"`
	Entries    []RunEntry `json:"entries" yaml:"entries"`
	Dashboard  *Dashboard `json:"dashboard,omitempty" yaml:"dashboard,omitempty"`
}

// Failed reports whether any attempted pair did not succeed.
func (r *RunReport) Failed() bool {
	for _, e := range r.Entries {
		if e.Outcome != OutcomeSuccess {
			return true
		}
	}
	return false
}

// Entry looks up the entry for a workload/host pair.
func (r *RunReport) Entry(workload, host string) (RunEntry, bool) {
	for _, e := range r.Entries {
		if e.Workload == workload && e.Host == host {
			return e, true
		}
	}
	return RunEntry{}, false
}

// RunSummary is the condensed form kept by the history store.
type RunSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Failed     int       `json:"failed"`
	Degraded   int       `json:"degraded"`
}

// Summarize condenses a report.
func (r *RunReport) Summarize() RunSummary {
	s := RunSummary{ID: r.ID, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt, Total: len(r.Entries)}
	for _, e := range r.Entries {
		if e.Outcome != OutcomeSuccess {
			s.Failed++
		}
		if e.Degraded {
			s.Degraded++
		}
	}
	return s
}
