package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tessera-app/supervisor/internal/notify"
	"github.com/tessera-app/supervisor/internal/supervisor"
)

// Client talks to a running host over its Unix socket.
type Client struct {
	http *http.Client
	base string
}

// NewClient returns a client for the socket at path.
func NewClient(socketPath string) *Client {
	return &Client{
		base: "http://tessera",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to host: %w (is `tessera run` running?)", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, v)
}

func decodeResponse(resp *http.Response, v any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var m MessageResponse
		if json.Unmarshal(body, &m) == nil && m.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: m.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) post(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

// Ping checks that the host is answering.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/v1/health", nil)
}

func (c *Client) Start(ctx context.Context) (string, error) {
	var resp MessageResponse
	if err := c.post(ctx, "/v1/backend/start", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) Stop(ctx context.Context) (string, error) {
	var resp MessageResponse
	if err := c.post(ctx, "/v1/backend/stop", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Health returns the backend health. An unhealthy backend is not an error
// here; the reason is in resp.Error.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/backend/health", nil)
	if err != nil {
		return resp, err
	}
	r, err := c.http.Do(req)
	if err != nil {
		return resp, fmt.Errorf("connecting to host: %w (is `tessera run` running?)", err)
	}
	defer r.Body.Close()
	if r.StatusCode == http.StatusServiceUnavailable {
		err := json.NewDecoder(r.Body).Decode(&resp)
		return resp, err
	}
	return resp, decodeResponse(r, &resp)
}

func (c *Client) Processes(ctx context.Context) ([]supervisor.ProcessStatus, error) {
	var procs []supervisor.ProcessStatus
	return procs, c.get(ctx, "/v1/processes", &procs)
}

func (c *Client) Logs(ctx context.Context, process string, n int) ([]string, error) {
	var resp LogsResponse
	path := fmt.Sprintf("/v1/processes/%s/logs?n=%s", url.PathEscape(process), strconv.Itoa(n))
	return resp.Lines, c.get(ctx, path, &resp)
}

// Events streams lifecycle events until ctx is cancelled or the host goes
// away. fn is called for each event.
func (c *Client) Events(ctx context.Context, fn func(notify.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/events", nil)
	if err != nil {
		return err
	}
	// the stream outlives the default request timeout
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to host: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeResponse(resp, nil)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev notify.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	return nil
}
