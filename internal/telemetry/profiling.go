package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// ProfilingServer exposes pprof and runtime stats on a separate
// listener so they never share the agent's authenticated port.
type ProfilingServer struct {
	server *http.Server
	addr   string
}

func NewProfilingServer(addr string) *ProfilingServer {
	return &ProfilingServer{addr: addr}
}

// Handler returns the debug routes.
func (ps *ProfilingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", ps.statsHandler)
	mux.HandleFunc("/debug/build", ps.buildInfoHandler)
	return mux
}

func (ps *ProfilingServer) Start() error {
	ps.server = &http.Server{Addr: ps.addr, Handler: ps.Handler(), ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("addr", ps.addr).Msg("starting profiling server")
	return ps.server.ListenAndServe()
}

func (ps *ProfilingServer) Shutdown(ctx context.Context) error {
	if ps.server != nil {
		return ps.server.Shutdown(ctx)
	}
	return nil
}

// RuntimeStats is the body of /debug/stats.
type RuntimeStats struct {
	HeapAlloc   string `json:"heap_alloc"`
	HeapSys     string `json:"heap_sys"`
	Sys         string `json:"sys"`
	NumGC       uint32 `json:"num_gc"`
	Goroutines  int    `json:"goroutines"`
	CPUCores    int    `json:"cpu_cores"`
	GoVersion   string `json:"go_version"`
	CollectedAt string `json:"collected_at"`
}

func readRuntimeStats() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeStats{
		HeapAlloc:   humanize.IBytes(m.HeapAlloc),
		HeapSys:     humanize.IBytes(m.HeapSys),
		Sys:         humanize.IBytes(m.Sys),
		NumGC:       m.NumGC,
		Goroutines:  runtime.NumGoroutine(),
		CPUCores:    runtime.NumCPU(),
		GoVersion:   runtime.Version(),
		CollectedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func (ps *ProfilingServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(readRuntimeStats())
}

func (ps *ProfilingServer) buildInfoHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		http.Error(w, "build info unavailable", http.StatusNotFound)
		return
	}
	deps := map[string]string{}
	for _, d := range info.Deps {
		deps[d.Path] = d.Version
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"path":       info.Path,
		"go_version": info.GoVersion,
		"deps":       deps,
	})
}
