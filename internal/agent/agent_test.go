package agent

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/labdeploy/internal/telemetry"
)

// TestHeartbeat tests the heartbeat endpoint
func TestHeartbeat(t *testing.T) {
	srv := &Server{Version: "test"}
	mux := http.NewServeMux()
	srv.routes(mux)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil)
	mux.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" {
		t.Fatalf("version mismatch")
	}
}

// TestExec tests the exec endpoint
func TestExec(t *testing.T) {
	srv := &Server{Version: "test"}
	mux := http.NewServeMux()
	srv.routes(mux)
	body, _ := json.Marshal(ExecRequest{Command: "echo", Args: []string{"hello"}})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v0/exec", bytes.NewReader(body))
	mux.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp ExecResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Fatalf("exit code %d", resp.ExitCode)
	}
	if resp.Stdout != "hello\n" {
		t.Fatalf("stdout %q", resp.Stdout)
	}
}

func TestExecSeparatesStreamsAndExitCode(t *testing.T) {
	srv := &Server{Version: "test"}
	body, _ := json.Marshal(ExecRequest{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/exec", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ExecResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.ExitCode)
	assert.Equal(t, "out\n", resp.Stdout)
	assert.Equal(t, "err\n", resp.Stderr)
	assert.Empty(t, resp.Error)
}

func TestExecMissingBinary(t *testing.T) {
	srv := &Server{}
	body, _ := json.Marshal(ExecRequest{Command: "/nonexistent/labdeploy-binary"})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/exec", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ExecResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, -1, resp.ExitCode)
	assert.NotEmpty(t, resp.Error)
}

func TestTokenRequired(t *testing.T) {
	m := telemetry.NewMetrics()
	srv := &Server{Token: "s3cret", Metrics: m}
	h := srv.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), `labdeploy_agent_requests_total{endpoint="/v0/heartbeat",status="401"} 1`)
}

func TestClientRoundTrip(t *testing.T) {
	srv := &Server{Version: "v-test", Token: "tok"}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := NewClient(ts.URL+"/", "tok", 0)
	ctx := context.Background()

	hb, err := c.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v-test", hb.Version)

	res, err := c.Exec(ctx, ExecRequest{Command: "sh", Args: []string{"-c", "cat; exit 1"}, Input: "piped"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "piped", res.Stdout)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "code", "scripts"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "code", "scripts", "deploy.py"), []byte("print('hi')\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "debug.log"), []byte("noise"), 0644))
	dst := filepath.Join(t.TempDir(), "workbench")

	sync, err := c.Sync(ctx, src, dst, []string{"*.log"})
	require.NoError(t, err)
	assert.Equal(t, 1, sync.Files)

	b, err := os.ReadFile(filepath.Join(dst, "code", "scripts", "deploy.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(b))
	_, err = os.Stat(filepath.Join(dst, "debug.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestClientWrongToken(t *testing.T) {
	ts := httptest.NewServer((&Server{Token: "right"}).Handler())
	defer ts.Close()
	_, err := NewClient(ts.URL, "wrong", 0).Heartbeat(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestSyncRejectsRelativeDir(t *testing.T) {
	rr := httptest.NewRecorder()
	(&Server{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/sync?dir=relative", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	payload := []byte("x")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: int64(len(payload)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	dir := filepath.Join(t.TempDir(), "dst")
	_, err = ExtractTarGz(&buf, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestMTLSMiddlewareWithoutTLS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	rr := httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
