package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tessera-app/supervisor/internal/backend"
	"github.com/tessera-app/supervisor/internal/notify"
	"github.com/tessera-app/supervisor/internal/plan"
	"github.com/tessera-app/supervisor/internal/supervisor"
)

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return &plan.Plan{
		FailurePolicy: plan.PolicyContinue,
		Groups: []plan.ServiceGroup{{
			Name: "main",
			Processes: []plan.ProcessSpec{{
				Name:       "echoer",
				Executable: sh,
				Args:       []string{"-c", "echo one; echo two; sleep 60"},
				WorkingDir: t.TempDir(),
			}},
		}},
	}
}

func startServer(t *testing.T) (*supervisor.Supervisor, *notify.Broadcaster, string) {
	t.Helper()

	events := notify.NewBroadcaster()
	sup := supervisor.New(testPlan(t), supervisor.WithLedger(t.TempDir()))
	b := backend.New(sup, events)
	t.Cleanup(b.Shutdown)

	srv := NewServer(b, events)
	sockPath := filepath.Join(t.TempDir(), "api.sock")
	go srv.ListenUnix(sockPath)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return sup, events, sockPath
}

func setupTestServer(t *testing.T) (*supervisor.Supervisor, *notify.Broadcaster, *http.Client) {
	t.Helper()
	sup, events, sockPath := startServer(t)
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
	}
	return sup, events, client
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func waitReady(t *testing.T, sup *supervisor.Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("launch: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, client := setupTestServer(t)

	resp, err := client.Get("http://tessera/v1/health")
	if err != nil {
		t.Fatalf("GET /v1/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := decode[map[string]string](t, resp); got["status"] != "ok" {
		t.Errorf("expected status ok, got %v", got)
	}
}

func TestStartStopCycle(t *testing.T) {
	sup, _, client := setupTestServer(t)

	resp, err := client.Get("http://tessera/v1/backend/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before start, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = client.Post("http://tessera/v1/backend/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if got := decode[MessageResponse](t, resp); got.Message != backend.MsgStarting {
		t.Errorf("unexpected start message %+v", got)
	}

	resp, err = client.Post("http://tessera/v1/backend/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on second start, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	waitReady(t, sup)

	resp, err = client.Get("http://tessera/v1/backend/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 when running, got %d", resp.StatusCode)
	}
	h := decode[HealthResponse](t, resp)
	if h.Message != backend.MsgRunning || h.Report.Processes != 1 {
		t.Errorf("unexpected health %+v", h)
	}

	resp, err = client.Post("http://tessera/v1/backend/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := decode[MessageResponse](t, resp); got.Message != backend.MsgStopped {
		t.Errorf("unexpected stop message %+v", got)
	}
	if sup.Phase() != supervisor.PhaseStopped {
		t.Errorf("expected stopped, got %s", sup.Phase())
	}
}

func TestProcessesAndLogs(t *testing.T) {
	sup, _, client := setupTestServer(t)
	if err := sup.Start(nil); err != nil {
		t.Fatal(err)
	}
	waitReady(t, sup)

	resp, err := client.Get("http://tessera/v1/processes")
	if err != nil {
		t.Fatal(err)
	}
	procs := decode[[]supervisor.ProcessStatus](t, resp)
	if len(procs) != 1 || procs[0].Name != "echoer" || !procs[0].Running {
		t.Fatalf("unexpected processes %+v", procs)
	}

	var logs LogsResponse
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://tessera/v1/processes/echoer/logs?n=1")
		if err != nil {
			t.Fatal(err)
		}
		logs = decode[LogsResponse](t, resp)
		if len(logs.Lines) > 0 && logs.Lines[0] == "two" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(logs.Lines) != 1 || logs.Lines[0] != "two" {
		t.Errorf("expected last line 'two', got %v", logs.Lines)
	}

	resp, err = client.Get("http://tessera/v1/processes/nope/logs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = client.Get("http://tessera/v1/processes/echoer/logs?n=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	sup, events, client := setupTestServer(t)

	resp, err := client.Get("http://tessera/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for events.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := sup.Start(events); err != nil {
		t.Fatal(err)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before backend-ready")
			}
			if strings.HasPrefix(line, "event: ") && strings.TrimPrefix(line, "event: ") == notify.EventReady {
				return
			}
		case <-timeout:
			t.Fatal("no backend-ready event on stream")
		}
	}
}
