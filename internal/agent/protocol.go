package agent

import "time"

// HeartbeatRequest is empty; the agent reports itself.
type HeartbeatRequest struct{}

// HeartbeatResponse doubles as the reachability probe for agent hosts.
type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// ExecRequest runs Command with Args directly, without a shell. Timeout
// is enforced on the agent side; callers derive it from their deadline.
type ExecRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []string `json:"env"`
	Timeout int      `json:"timeout_seconds"`
	WorkDir string   `json:"work_dir"`
	Input   string   `json:"input"`
}

// ExecResponse carries the streams separately. A non-zero ExitCode is a
// command failure, not a transport failure.
type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration int64  `json:"duration_ms"`
	// Error is set when the command could not be started at all.
	Error string `json:"error,omitempty"`
}

// SyncResponse answers a POST /v0/sync?dir=... carrying a gzip tar body.
type SyncResponse struct {
	Dir   string `json:"dir"`
	Files int    `json:"files"`
}
