// Package health runs optional liveness probes against supervised processes.
// Probe results are advisory: they feed the backend health report and never
// restart anything.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/tessera-app/supervisor/internal/plan"
)

// Status is the probe state of one process.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const (
	defaultThreshold = 3
	defaultInterval  = 10 * time.Second
	defaultTimeout   = 5 * time.Second
)

// Config describes a single probe.
type Config struct {
	Type               string // "http" | "tcp" | "exec"
	Path               string
	Port               int
	Command            string
	Dir                string // exec working directory
	Interval           time.Duration
	Timeout            time.Duration
	GracePeriod        time.Duration
	UnhealthyThreshold int
}

// FromPlan builds a probe config for a process. port is the port the process
// was launched with; an explicit health.port takes precedence.
func FromPlan(spec plan.ProcessSpec, port int) Config {
	h := spec.Health
	cfg := Config{
		Type:               h.Type,
		Path:               h.Path,
		Port:               port,
		Command:            h.Command,
		Dir:                spec.WorkingDir,
		Interval:           h.Interval.Duration,
		Timeout:            h.Timeout.Duration,
		GracePeriod:        h.GracePeriod.Duration,
		UnhealthyThreshold: h.Threshold,
	}
	if h.Port != 0 {
		cfg.Port = h.Port
	}
	return cfg
}

// Result is the outcome of one probe.
type Result struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// Monitor probes one process on an interval.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	status Status
	fails  int
	last   *Result
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = defaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, logger: logger, status: StatusUnknown}
}

// Start begins probing in the background. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastResult returns the most recent probe result, or nil before the first probe.
func (m *Monitor) LastResult() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	start := time.Now()
	err := Check(ctx, m.cfg)

	// shutting down, the failure is ours
	if ctx.Err() != nil {
		return
	}

	res := Result{Status: StatusHealthy, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}

	m.mu.Lock()
	prev := m.status
	m.last = &res
	if err == nil {
		m.fails = 0
		m.status = StatusHealthy
	} else {
		m.fails++
		if m.fails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}
	cur, fails := m.status, m.fails
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("health check failed", "error", err, "consecutive_fails", fails, "threshold", m.cfg.UnhealthyThreshold)
	}
	if prev != cur && cur == StatusUnhealthy {
		m.logger.Error("process is unhealthy", "consecutive_fails", fails)
	} else if prev == StatusUnhealthy && cur == StatusHealthy {
		m.logger.Info("process recovered")
	}
}

// Check runs one probe and returns nil if it passed.
func Check(ctx context.Context, cfg Config) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	switch cfg.Type {
	case "http":
		return checkHTTP(ctx, cfg)
	case "tcp":
		return checkTCP(ctx, cfg)
	case "exec":
		return checkExec(ctx, cfg)
	default:
		return fmt.Errorf("unknown health check type: %s", cfg.Type)
	}
}

func checkHTTP(ctx context.Context, cfg Config) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Port, cfg.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func checkTCP(ctx context.Context, cfg Config) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}

func checkExec(ctx context.Context, cfg Config) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Dir = cfg.Dir
	if out, err := cmd.CombinedOutput(); err != nil {
		if len(out) > 0 {
			return fmt.Errorf("command failed: %w: %s", err, truncate(string(out), 200))
		}
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
