package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/labdeploy/internal/telemetry"
)

type Server struct {
	Version string
	// Token, when set, must be presented as a bearer token or X-Auth-Token.
	Token   string
	Metrics *telemetry.Metrics
	srv     *http.Server
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		if !s.authorized(r) {
			s.deny(w, "/v0/heartbeat")
			return
		}
		h := HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version}
		_ = json.NewEncoder(w).Encode(h)
		s.Metrics.ObserveAgentRequest("/v0/heartbeat", http.StatusOK)
	})
	mux.HandleFunc("/v0/exec", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if !s.authorized(r) {
			s.deny(w, "/v0/exec")
			return
		}
		var req ExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Metrics.ObserveAgentRequest("/v0/exec", http.StatusBadRequest)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := s.exec(r.Context(), req)
		s.Metrics.ObserveAgentRequest("/v0/exec", http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v0/sync", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if !s.authorized(r) {
			s.deny(w, "/v0/sync")
			return
		}
		if r.Method != http.MethodPost {
			s.Metrics.ObserveAgentRequest("/v0/sync", http.StatusMethodNotAllowed)
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		dir := r.URL.Query().Get("dir")
		if dir == "" || !strings.HasPrefix(dir, "/") {
			s.Metrics.ObserveAgentRequest("/v0/sync", http.StatusBadRequest)
			http.Error(w, "absolute dir required", http.StatusBadRequest)
			return
		}
		n, err := ExtractTarGz(r.Body, dir)
		if err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("sync failed")
			s.Metrics.ObserveAgentRequest("/v0/sync", http.StatusInternalServerError)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info().Str("dir", dir).Int("files", n).Msg("sync applied")
		s.Metrics.ObserveAgentRequest("/v0/sync", http.StatusOK)
		_ = json.NewEncoder(w).Encode(SyncResponse{Dir: dir, Files: n})
	})
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}
}

func (s *Server) exec(ctx context.Context, req ExecRequest) ExecResponse {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.WaitDelay = time.Second
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	resp := ExecResponse{Stdout: stdout.String(), Stderr: stderr.String(), Duration: elapsed.Milliseconds()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ExitCode = -1
			resp.Error = err.Error()
		}
	}
	s.Metrics.ObserveAgentExec(err == nil, elapsed)
	log.Debug().Str("command", req.Command).Int("exit_code", resp.ExitCode).Dur("took", elapsed).Msg("exec")
	return resp
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.Token || r.Header.Get("X-Auth-Token") == s.Token
}

func (s *Server) deny(w http.ResponseWriter, endpoint string) {
	s.Metrics.ObserveAgentRequest(endpoint, http.StatusUnauthorized)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// Handler returns the agent's routes, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
