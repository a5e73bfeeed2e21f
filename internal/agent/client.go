package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a labdeploy-agent over HTTP(S).
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("X-Auth-Token", c.Token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("agent %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent %s: decode: %w", path, err)
	}
	return nil
}

// Heartbeat checks that the agent is up and answering.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatResponse, error) {
	var hb HeartbeatResponse
	err := c.do(ctx, http.MethodGet, "/v0/heartbeat", nil, "", &hb)
	return hb, err
}

// Exec runs a command on the agent host. A non-zero exit is reported in
// the response, not as an error.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (ExecResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ExecResponse{}, err
	}
	var resp ExecResponse
	if err := c.do(ctx, http.MethodPost, "/v0/exec", bytes.NewReader(body), "application/json", &resp); err != nil {
		return ExecResponse{}, err
	}
	return resp, nil
}

// Sync streams localDir to remoteDir on the agent host.
func (c *Client) Sync(ctx context.Context, localDir, remoteDir string, exclude []string) (SyncResponse, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteTarGz(pw, localDir, exclude))
	}()
	defer pr.Close()
	var resp SyncResponse
	path := "/v0/sync?dir=" + url.QueryEscape(remoteDir)
	if err := c.do(ctx, http.MethodPost, path, pr, "application/gzip", &resp); err != nil {
		return SyncResponse{}, err
	}
	return resp, nil
}
